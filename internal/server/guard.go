package server

import (
	"net/http"

	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/authz"
	"github.com/ledgerline/ledgerline/pkg/uuidv7"
)

type guardian struct {
	classifier *routing.Classifier
	tenancy    TenancyResolver
	companies  CompanyResolver
	sessions   sessionStore
	principals principalStore
	authorizer *authz.Authorizer
	limiter    *planLimiter
}

// guardState accumulates what each stage established. Later stages read only
// what earlier stages wrote.
type guardState struct {
	route     apiRoute
	hasRoute  bool
	session   Session
	principal Principal
	tenant    Tenant
	company   Company
}

type guardStage struct {
	name string
	run  func(*guardian, *http.Request, *guardState) guardVerdict
}

type guardVerdict struct {
	status  int
	code    string
	message string
	err     error
}

func guardPass() guardVerdict { return guardVerdict{} }

func guardReject(status int, code string, message string) guardVerdict {
	return guardVerdict{status: status, code: code, message: message}
}

func guardFail(err error) guardVerdict { return guardVerdict{err: err} }

func (v guardVerdict) rejected() bool { return v.status != 0 || v.err != nil }

// tenantGuardChain is the request guard for API routes. Stage order is a
// contract: identity before tenancy, tenancy before access, access before
// billing and plan ceilings.
var tenantGuardChain = [...]guardStage{
	{name: "authenticate", run: (*guardian).authenticate},
	{name: "enforceTenantIsolation", run: (*guardian).enforceTenantIsolation},
	{name: "authorizeRequest", run: (*guardian).authorizeRequest},
	{name: "enforceBillingStatus", run: (*guardian).enforceBillingStatus},
	{name: "enforcePlanLimits", run: (*guardian).enforcePlanLimits},
}

// authnGuardChain runs on session create and logout. Credentials have not
// been presented yet, so only the tenant is resolved.
var authnGuardChain = [...]guardStage{
	{name: "resolveTenant", run: (*guardian).resolveTenant},
}

func (g *guardian) authenticate(r *http.Request, st *guardState) guardVerdict {
	sid, ok := readSID(r)
	if !ok {
		return guardReject(http.StatusUnauthorized, "unauthenticated", "authentication required")
	}
	session, found, err := g.sessions.Lookup(r.Context(), sid)
	if err != nil {
		return guardFail(err)
	}
	if !found {
		return guardReject(http.StatusUnauthorized, "unauthenticated", "authentication required")
	}
	principal, found, err := g.principals.GetByID(r.Context(), session.TenantID, session.PrincipalID)
	if err != nil {
		return guardFail(err)
	}
	if !found || principal.Status != "active" {
		return guardReject(http.StatusUnauthorized, "unauthenticated", "authentication required")
	}
	st.session = session
	st.principal = principal
	return guardPass()
}

func (g *guardian) resolveTenant(r *http.Request, st *guardState) guardVerdict {
	host := effectiveHost(r)
	tenant, found, err := g.tenancy.ResolveByDomain(r.Context(), host)
	if err != nil {
		return guardFail(err)
	}
	if !found {
		return guardReject(http.StatusNotFound, "unknown_tenant", "unknown tenant")
	}
	st.tenant = tenant
	return guardPass()
}

func (g *guardian) enforceTenantIsolation(r *http.Request, st *guardState) guardVerdict {
	if v := g.resolveTenant(r, st); v.rejected() {
		return v
	}
	if st.session.TenantID != st.tenant.ID {
		return guardReject(http.StatusForbidden, "cross_tenant", "session does not belong to this tenant")
	}

	companyID := r.Header.Get("X-Company-ID")
	if companyID == "" {
		companyID = st.tenant.DefaultCompanyID
	}
	if companyID == "" {
		return guardReject(http.StatusForbidden, "cross_tenant", "no company scope")
	}
	company, found, err := g.companies.GetCompany(r.Context(), st.tenant.ID, companyID)
	if err != nil {
		return guardFail(err)
	}
	if !found {
		return guardReject(http.StatusForbidden, "cross_tenant", "company outside tenant")
	}
	st.company = company
	return guardPass()
}

func (g *guardian) authorizeRequest(r *http.Request, st *guardState) guardVerdict {
	if !st.hasRoute || st.route.Object == "" {
		// Unregistered paths fall through to the router's 404.
		return guardPass()
	}
	subject := authz.SubjectFromRoleSlug(st.principal.RoleSlug)
	domain := authz.DomainFromTenantID(st.tenant.ID)
	allowed, enforced, err := g.authorizer.Authorize(subject, domain, st.route.Object, st.route.Action)
	if err != nil {
		return guardFail(err)
	}
	if !allowed && enforced {
		return guardReject(http.StatusForbidden, "unauthorized", "access denied")
	}
	return guardPass()
}

func (g *guardian) enforceBillingStatus(r *http.Request, st *guardState) guardVerdict {
	switch st.tenant.BillingStatus {
	case "active":
		return guardPass()
	case "grace":
		if r.Method == http.MethodGet {
			return guardPass()
		}
		return guardReject(http.StatusPaymentRequired, "billing_blocked", "billing in grace period, writes disabled")
	default:
		return guardReject(http.StatusPaymentRequired, "billing_blocked", "billing suspended")
	}
}

func (g *guardian) enforcePlanLimits(r *http.Request, st *guardState) guardVerdict {
	if !st.hasRoute || st.route.Operation == "" {
		return guardPass()
	}
	decision, err := g.limiter.Check(r.Context(), st.tenant.ID, st.tenant.PlanKey, st.route.Operation)
	if err != nil {
		return guardFail(err)
	}
	if !decision.Allowed {
		return guardReject(http.StatusTooManyRequests, "plan_limit_exceeded", "plan limit reached: "+decision.Limit)
	}
	return guardPass()
}

// withGuardChain is the single guard mount. Every request passes through here
// before reaching the router; the chain for a request is picked by route
// class, never by skipping stages inside a chain.
func (g *guardian) withGuardChain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := g.classifier.Classify(r.URL.Path)

		switch rc {
		case routing.RouteClassOps, routing.RouteClassStatic:
			next.ServeHTTP(w, r)
			return
		case routing.RouteClassAuthn, routing.RouteClassUI:
			st := &guardState{}
			for _, stage := range authnGuardChain {
				if v := stage.run(g, r, st); v.rejected() {
					writeGuardVerdict(w, r, rc, v)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), st.tenant)))
			return
		}

		st := &guardState{}
		st.route, st.hasRoute = findAPIRoute(r.Method, r.URL.Path)
		for _, stage := range tenantGuardChain {
			if v := stage.run(g, r, st); v.rejected() {
				writeGuardVerdict(w, r, rc, v)
				return
			}
		}

		correlationID := routing.TraceIDFromRequest(r)
		if correlationID == "" {
			if id, err := uuidv7.New(); err == nil {
				correlationID = id.String()
			}
		}
		ctx := withTenant(r.Context(), st.tenant)
		ctx = withPrincipal(ctx, st.principal)
		ctx = withTenantContext(ctx, TenantContext{
			TenantID:      st.tenant.ID,
			CompanyID:     st.company.ID,
			UserID:        st.principal.ID,
			BillingStatus: st.tenant.BillingStatus,
			PlanKey:       st.tenant.PlanKey,
			CorrelationID: correlationID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeGuardVerdict(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, v guardVerdict) {
	if v.err != nil {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "guard_error", "guard error")
		return
	}
	routing.WriteError(w, r, rc, v.status, v.code, v.message)
}
