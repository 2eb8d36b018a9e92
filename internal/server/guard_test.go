package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/authz"
)

const (
	acmeHost      = "acme.ledgerline.local"
	acmeTenant    = "10000001"
	northHost     = "northwind.ledgerline.local"
	northTenant   = "10000002"
	northCompany  = "20000002"
	testPassword  = "correct horse"
	ledgerEntries = "/ledger/api/entries"
)

type testEnv struct {
	handler    http.Handler
	sessions   *memorySessionStore
	principals *memoryPrincipalStore
	usage      *memoryUsageStore
}

func newTestEnv(t *testing.T, mutate func(*HandlerOptions)) *testEnv {
	t.Helper()

	allowlist, err := routing.LoadAllowlist(findConfigPath(filepath.Join("config", "routing", "allowlist.yaml")))
	if err != nil {
		t.Fatalf("load allowlist: %v", err)
	}
	tenants, err := loadTenants(defaultTenantsPath())
	if err != nil {
		t.Fatalf("load tenants: %v", err)
	}
	plans, err := loadPlans(defaultPlansPath())
	if err != nil {
		t.Fatalf("load plans: %v", err)
	}
	authorizer, err := authz.NewAuthorizer(
		findConfigPath(filepath.Join("config", "access", "model.conf")),
		findConfigPath(filepath.Join("config", "access", "policy.csv")),
		authz.ModeEnforce,
	)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	env := &testEnv{
		sessions:   newMemorySessionStore(),
		principals: newMemoryPrincipalStore(),
		usage:      newMemoryUsageStore(),
	}
	opts := HandlerOptions{
		Allowlist:  allowlist,
		Tenants:    tenants,
		Plans:      plans,
		Authorizer: authorizer,
		Sessions:   env.sessions,
		Principals: env.principals,
		Usage:      env.usage,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.handler, err = NewHandlerWithOptions(opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return env
}

func (e *testEnv) login(t *testing.T, tenantID string, roleSlug string) string {
	t.Helper()
	p, err := e.principals.Add(tenantID, roleSlug+"@"+tenantID+".test", roleSlug, testPassword)
	if err != nil {
		t.Fatalf("add principal: %v", err)
	}
	sid, err := e.sessions.Create(context.Background(), tenantID, p.ID, time.Now().Add(time.Hour), "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sid
}

func (e *testEnv) do(t *testing.T, method string, host string, path string, sid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, "http://"+host+path, rd)
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope routing.ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rr.Body.String())
	}
	return envelope.Code
}

func balancedEntryBody(requestID string) map[string]any {
	return map[string]any{
		"request_id":    requestID,
		"entry_date":    "2026-08-15",
		"source_module": "manual",
		"source_ref":    requestID,
		"lines": []map[string]any{
			{"account_code": "1000", "debit_cents": 5000},
			{"account_code": "4000", "credit_cents": 5000},
		},
	}
}

func TestGuardUnauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, acmeHost, ledgerEntries, "", balancedEntryBody("req-1"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != "unauthenticated" {
		t.Fatalf("code = %q", code)
	}

	// Rejected before any stage could write.
	sid := env.login(t, acmeTenant, "tenant-admin")
	list := env.do(t, http.MethodGet, acmeHost, ledgerEntries, sid, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
	var out struct {
		Items []JournalEntry `json:"items"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(out.Items) != 0 {
		t.Fatalf("expected no entries, got %d", len(out.Items))
	}
}

func TestGuardUnknownTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, acmeTenant, "tenant-admin")

	rr := env.do(t, http.MethodGet, "ghost.ledgerline.local", ledgerEntries, sid, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if code := errorCode(t, rr); code != "unknown_tenant" {
		t.Fatalf("code = %q", code)
	}
}

// A session from another tenant must surface as cross_tenant, not as an
// authorization failure, even when the role would also lack access.
func TestGuardCrossTenantPrecedesAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, northTenant, "tenant-viewer")

	rr := env.do(t, http.MethodPost, acmeHost, ledgerEntries, sid, balancedEntryBody("req-x"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != "cross_tenant" {
		t.Fatalf("code = %q", code)
	}
}

func TestGuardCompanyOutsideTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, acmeTenant, "tenant-admin")

	req := httptest.NewRequest(http.MethodGet, "http://"+acmeHost+ledgerEntries, nil)
	req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	req.Header.Set("X-Company-ID", northCompany)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != "cross_tenant" {
		t.Fatalf("code = %q", code)
	}
}

func TestGuardUnauthorizedRole(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, acmeTenant, "tenant-viewer")

	rr := env.do(t, http.MethodPost, acmeHost, ledgerEntries, sid, balancedEntryBody("req-2"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}
}

func TestGuardBillingGraceBlocksWrites(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, northTenant, "tenant-admin")

	rr := env.do(t, http.MethodPost, northHost, ledgerEntries, sid, balancedEntryBody("req-3"))
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
	if code := errorCode(t, rr); code != "billing_blocked" {
		t.Fatalf("code = %q", code)
	}

	// Reads stay available during the grace period.
	list := env.do(t, http.MethodGet, northHost, ledgerEntries, sid, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("grace GET status = %d, want 200", list.Code)
	}
}

func TestGuardPlanLimitExceeded(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.login(t, acmeTenant, "tenant-admin")
	env.usage.Bump(acmeTenant, "journal_entries_this_month", 10000)

	rr := env.do(t, http.MethodPost, acmeHost, ledgerEntries, sid, balancedEntryBody("req-4"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if code := errorCode(t, rr); code != "plan_limit_exceeded" {
		t.Fatalf("code = %q", code)
	}

	// GET routes carry no operation and never hit the limiter.
	list := env.do(t, http.MethodGet, acmeHost, ledgerEntries, sid, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", list.Code)
	}
}

func TestGuardOpsBypass(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, acmeHost, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

type failingSessionStore struct{}

func (failingSessionStore) Create(context.Context, string, string, time.Time, string, string) (string, error) {
	return "", errors.New("session backend down")
}

func (failingSessionStore) Lookup(context.Context, string) (Session, bool, error) {
	return Session{}, false, errors.New("session backend down")
}

func (failingSessionStore) Revoke(context.Context, string) error {
	return errors.New("session backend down")
}

func TestGuardFailsClosedOnStoreError(t *testing.T) {
	env := newTestEnv(t, func(opts *HandlerOptions) {
		opts.Sessions = failingSessionStore{}
	})

	req := httptest.NewRequest(http.MethodGet, "http://"+acmeHost+ledgerEntries, nil)
	req.AddCookie(&http.Cookie{Name: sidCookieName, Value: "some-sid"})
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if code := errorCode(t, rr); code != "guard_error" {
		t.Fatalf("code = %q", code)
	}
}

func TestGuardExpiredSession(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.principals.Add(acmeTenant, "old@acme.test", "tenant-admin", testPassword)
	if err != nil {
		t.Fatalf("add principal: %v", err)
	}
	sid, err := env.sessions.Create(context.Background(), acmeTenant, p.ID, time.Now().Add(-time.Minute), "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := env.do(t, http.MethodGet, acmeHost, ledgerEntries, sid, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}
