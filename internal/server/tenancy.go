package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

type Tenant struct {
	ID               string `yaml:"id"`
	Domain           string `yaml:"domain"`
	Name             string `yaml:"name"`
	BillingStatus    string `yaml:"billing_status"`
	PlanKey          string `yaml:"plan_key"`
	DefaultCompanyID string `yaml:"default_company_id"`
}

type Company struct {
	ID       string
	TenantID string
	Name     string
}

type TenancyResolver interface {
	ResolveByDomain(ctx context.Context, domain string) (Tenant, bool, error)
}

type CompanyResolver interface {
	GetCompany(ctx context.Context, tenantID string, companyID string) (Company, bool, error)
}

type staticTenancyResolver struct {
	byDomain  map[string]Tenant
	companies map[string]Company
}

func newStaticTenancyResolver(tenants []Tenant) *staticTenancyResolver {
	r := &staticTenancyResolver{
		byDomain:  map[string]Tenant{},
		companies: map[string]Company{},
	}
	for _, t := range tenants {
		r.byDomain[t.Domain] = t
		if t.DefaultCompanyID != "" {
			r.companies[t.DefaultCompanyID] = Company{
				ID:       t.DefaultCompanyID,
				TenantID: t.ID,
				Name:     t.Name,
			}
		}
	}
	return r
}

func (r *staticTenancyResolver) ResolveByDomain(_ context.Context, domain string) (Tenant, bool, error) {
	t, ok := r.byDomain[domain]
	return t, ok, nil
}

func (r *staticTenancyResolver) GetCompany(_ context.Context, tenantID string, companyID string) (Company, bool, error) {
	c, ok := r.companies[companyID]
	if !ok || c.TenantID != tenantID {
		return Company{}, false, nil
	}
	return c, true, nil
}

func (r *staticTenancyResolver) AddCompany(c Company) {
	r.companies[c.ID] = c
}

type pgTenancyResolver struct {
	pool *pgxpool.Pool
}

func newTenancyResolver(pool *pgxpool.Pool, tenants []Tenant) (TenancyResolver, CompanyResolver) {
	if pool == nil {
		s := newStaticTenancyResolver(tenants)
		return s, s
	}
	r := &pgTenancyResolver{pool: pool}
	return r, r
}

func (r *pgTenancyResolver) ResolveByDomain(ctx context.Context, domain string) (Tenant, bool, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx, `
SELECT t.id::text, d.domain, t.name, t.billing_status, t.plan_key, COALESCE(t.default_company_id::text, '')
FROM core.tenant_domains d
JOIN core.tenants t ON t.id = d.tenant_id
WHERE d.domain = $1 AND t.is_active;
`, domain).Scan(&t.ID, &t.Domain, &t.Name, &t.BillingStatus, &t.PlanKey, &t.DefaultCompanyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return t, true, nil
}

func (r *pgTenancyResolver) GetCompany(ctx context.Context, tenantID string, companyID string) (Company, bool, error) {
	var c Company
	err := r.pool.QueryRow(ctx, `
SELECT id::text, tenant_id::text, name
FROM core.companies
WHERE tenant_id = $1 AND id = $2;
`, tenantID, companyID).Scan(&c.ID, &c.TenantID, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, false, nil
		}
		return Company{}, false, err
	}
	return c, true, nil
}

type tenantsFile struct {
	Version int      `yaml:"version"`
	Tenants []Tenant `yaml:"tenants"`
}

func loadTenants(path string) ([]Tenant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f tenantsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported tenants version %d in %s", f.Version, path)
	}
	seen := map[string]bool{}
	for _, t := range f.Tenants {
		if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Domain) == "" {
			return nil, fmt.Errorf("tenant with empty id or domain in %s", path)
		}
		if seen[t.Domain] {
			return nil, fmt.Errorf("duplicate tenant domain %q in %s", t.Domain, path)
		}
		seen[t.Domain] = true
	}
	return f.Tenants, nil
}

func tenantsPathFromEnv() string {
	if v := os.Getenv("TENANTS_PATH"); v != "" {
		return v
	}
	return defaultTenantsPath()
}

func defaultTenantsPath() string {
	return findConfigPath(filepath.Join("config", "tenants.yaml"))
}

// effectiveHost picks the hostname tenants are resolved by. X-Forwarded-Host
// is honored only behind a trusted proxy.
func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if h := forwardedHost(r); h != "" {
			return h
		}
	}
	return normalizeHostname(r.Host)
}

func forwardedHost(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if raw == "" {
		return ""
	}
	first, _, _ := strings.Cut(raw, ",")
	return normalizeHostname(first)
}

func normalizeHostname(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return ""
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
