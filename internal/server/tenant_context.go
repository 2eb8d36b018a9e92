package server

import "context"

// TenantContext is the per-request identity and tenancy envelope assembled by
// the guard chain. Handlers and stores read it instead of raw headers.
type TenantContext struct {
	TenantID      string
	CompanyID     string
	UserID        string
	BillingStatus string
	PlanKey       string
	CorrelationID string
}

type tenantContextKey struct{}

func withTenantContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

func currentTenantContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	return tc, ok
}

type Principal struct {
	ID       string
	TenantID string
	RoleSlug string
	Status   string
	Email    string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type tenantKey struct{}

func withTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(Tenant)
	return t, ok
}
