package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	invpersistence "github.com/ledgerline/ledgerline/modules/invoicing/infrastructure/persistence"
	"github.com/ledgerline/ledgerline/modules/invoicing/services"
	"github.com/ledgerline/ledgerline/pkg/authz"
)

type HandlerOptions struct {
	Pool       *pgxpool.Pool
	Allowlist  routing.Allowlist
	Tenants    []Tenant
	Plans      []Plan
	Authorizer *authz.Authorizer

	// Optional overrides; nil picks pg (when Pool is set) or memory.
	Sessions     sessionStore
	Principals   principalStore
	Tenancy      TenancyResolver
	Companies    CompanyResolver
	Usage        UsageStore
	LedgerStore  LedgerStore
	PayrollStore PayrollStore
	TaxStore     TaxStore
	InvoiceStore ports.InvoiceStore
	Engine       writeEngine
}

// NewHandler wires everything from config files and the environment.
func NewHandler(pool *pgxpool.Pool) (http.Handler, error) {
	allowlist, err := routing.LoadAllowlist(findConfigPath(filepath.Join("config", "routing", "allowlist.yaml")))
	if err != nil {
		return nil, err
	}
	tenants, err := loadTenants(tenantsPathFromEnv())
	if err != nil {
		return nil, err
	}
	plans, err := loadPlans(plansPathFromEnv())
	if err != nil {
		return nil, err
	}
	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}
	authorizer, err := authz.NewAuthorizer(
		findConfigPath(filepath.Join("config", "access", "model.conf")),
		findConfigPath(filepath.Join("config", "access", "policy.csv")),
		mode,
	)
	if err != nil {
		return nil, err
	}
	return NewHandlerWithOptions(HandlerOptions{
		Pool:       pool,
		Allowlist:  allowlist,
		Tenants:    tenants,
		Plans:      plans,
		Authorizer: authorizer,
	})
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	if err := mutation.Validate(); err != nil {
		return nil, err
	}
	if err := validateAPIRoutes(); err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(opts.Allowlist, "server")
	if err != nil {
		return nil, err
	}

	tenancy, companies := newTenancyResolver(opts.Pool, opts.Tenants)
	if opts.Tenancy != nil {
		tenancy = opts.Tenancy
	}
	if opts.Companies != nil {
		companies = opts.Companies
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = newSessionStore(opts.Pool)
	}
	principals := opts.Principals
	if principals == nil {
		principals = newPrincipalStore(opts.Pool)
	}
	usage := opts.Usage
	if usage == nil {
		usage = newUsageStore(opts.Pool)
	}

	engine := opts.Engine
	if engine == nil {
		if opts.Pool != nil {
			engine = mutation.NewEngine(opts.Pool)
		} else {
			engine = newMemoryWriteEngine()
		}
	}

	memoryLedger := newMemoryLedgerStore()
	ledgerStore := opts.LedgerStore
	if ledgerStore == nil {
		if opts.Pool != nil {
			ledgerStore = newLedgerStore(opts.Pool)
		} else {
			ledgerStore = memoryLedger
		}
	}
	payrollStore := opts.PayrollStore
	if payrollStore == nil {
		payrollStore = newPayrollStore(opts.Pool, memoryLedger)
	}
	taxStore := opts.TaxStore
	if taxStore == nil {
		taxStore = newTaxStore(opts.Pool, memoryLedger)
	}
	invoiceStore := opts.InvoiceStore
	if invoiceStore == nil {
		if opts.Pool != nil {
			invoiceStore = invpersistence.NewPGInvoiceStore(opts.Pool)
		} else {
			invoiceStore = invpersistence.NewMemoryInvoiceStore(memoryJournalPoster(memoryLedger))
		}
	}
	invoiceService := services.NewInvoiceService(invoiceStore)

	g := &guardian{
		classifier: classifier,
		tenancy:    tenancy,
		companies:  companies,
		sessions:   sessions,
		principals: principals,
		authorizer: opts.Authorizer,
		limiter:    newPlanLimiter(opts.Plans, usage),
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSessionCreateAPI(w, r, sessions, principals)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readSID(r); ok {
			_ = sessions.Revoke(r.Context(), sid)
		}
		clearSIDCookie(w)
		w.WriteHeader(http.StatusNoContent)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/session", http.HandlerFunc(handleSessionShowAPI))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/invoicing/api/invoices", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInvoicesAPI(w, r, invoiceService, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/invoicing/api/invoices", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInvoicesAPI(w, r, invoiceService, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/invoicing/api/invoices:finalize", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInvoicesFinalizeAPI(w, r, invoiceService, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/invoicing/api/payments", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePaymentsAPI(w, r, invoiceService, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/invoicing/api/payments", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePaymentsAPI(w, r, invoiceService, engine)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/ledger/api/entries", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLedgerEntriesAPI(w, r, ledgerStore, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/ledger/api/entries", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLedgerEntriesAPI(w, r, ledgerStore, engine)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/payroll/api/periods", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePayrollPeriodsAPI(w, r, payrollStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/payroll/api/runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePayrollRunsAPI(w, r, payrollStore, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/payroll/api/runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePayrollRunsAPI(w, r, payrollStore, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/payroll/api/runs:finalize", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePayrollRunsFinalizeAPI(w, r, payrollStore, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/payroll/api/payslips", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePayrollPayslipsAPI(w, r, payrollStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/tax/api/filings", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTaxFilingsAPI(w, r, taxStore, engine)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/tax/api/filings", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTaxFilingsAPI(w, r, taxStore, engine)
	}))

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(handleHealth))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(handleHealth))

	guarded := g.withGuardChain(router)

	mux := http.NewServeMux()
	mux.Handle("/", guarded)

	return mux, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSessionCreateAPI(w http.ResponseWriter, r *http.Request, sessions sessionStore, principals principalStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "email and password required")
		return
	}

	principal, err := principals.AuthenticatePassword(r.Context(), tenant.ID, email, req.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_credentials", "invalid credentials")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
		return
	}

	expiresAt := time.Now().Add(sidTTLFromEnv())
	sid, err := sessions.Create(r.Context(), tenant.ID, principal.ID, expiresAt, r.RemoteAddr, r.UserAgent())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "session_error", "session error")
		return
	}
	setSIDCookie(w, sid)
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionShowAPI describes the caller's own session. The guard chain has
// already resolved tenant and principal by the time this runs.
func handleSessionShowAPI(w http.ResponseWriter, r *http.Request) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	principal, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "principal_missing", "principal missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"principal_id":   principal.ID,
		"email":          principal.Email,
		"role":           principal.RoleSlug,
		"tenant_id":      tc.TenantID,
		"company_id":     tc.CompanyID,
		"plan_key":       tc.PlanKey,
		"billing_status": tc.BillingStatus,
	})
}
