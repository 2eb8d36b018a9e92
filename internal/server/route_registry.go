package server

import (
	"fmt"
	"net/http"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/authz"
)

// apiRoute binds one method+path to its access object and, for write routes,
// to the mutation operation the handler must run through the idempotency
// engine. A write route with an empty Operation never reaches the router.
type apiRoute struct {
	Method    string
	Pattern   string
	Class     routing.RouteClass
	Object    string
	Action    string
	Operation string
}

var apiRoutes = []apiRoute{
	{Method: http.MethodPost, Pattern: "/iam/api/sessions", Class: routing.RouteClassAuthn},
	{Method: http.MethodPost, Pattern: "/logout", Class: routing.RouteClassAuthn},

	{Method: http.MethodGet, Pattern: "/iam/api/session", Class: routing.RouteClassInternalAPI, Object: authz.ObjectIAMSession, Action: authz.ActionRead},

	{Method: http.MethodGet, Pattern: "/invoicing/api/invoices", Class: routing.RouteClassInternalAPI, Object: authz.ObjectInvoicingInvoices, Action: authz.ActionRead},
	{Method: http.MethodPost, Pattern: "/invoicing/api/invoices", Class: routing.RouteClassInternalAPI, Object: authz.ObjectInvoicingInvoices, Action: authz.ActionAdmin, Operation: "invoicing.invoice_create"},
	{Method: http.MethodPost, Pattern: "/invoicing/api/invoices:finalize", Class: routing.RouteClassInternalAPI, Object: authz.ObjectInvoicingInvoices, Action: authz.ActionAdmin, Operation: "invoicing.invoice_finalize"},
	{Method: http.MethodGet, Pattern: "/invoicing/api/payments", Class: routing.RouteClassInternalAPI, Object: authz.ObjectInvoicingPayments, Action: authz.ActionRead},
	{Method: http.MethodPost, Pattern: "/invoicing/api/payments", Class: routing.RouteClassInternalAPI, Object: authz.ObjectInvoicingPayments, Action: authz.ActionAdmin, Operation: "invoicing.payment_record"},

	{Method: http.MethodGet, Pattern: "/ledger/api/entries", Class: routing.RouteClassInternalAPI, Object: authz.ObjectLedgerJournal, Action: authz.ActionRead},
	{Method: http.MethodPost, Pattern: "/ledger/api/entries", Class: routing.RouteClassInternalAPI, Object: authz.ObjectLedgerJournal, Action: authz.ActionAdmin, Operation: "ledger.entry_post"},

	{Method: http.MethodGet, Pattern: "/payroll/api/periods", Class: routing.RouteClassInternalAPI, Object: authz.ObjectPayrollPeriods, Action: authz.ActionRead},
	{Method: http.MethodGet, Pattern: "/payroll/api/runs", Class: routing.RouteClassInternalAPI, Object: authz.ObjectPayrollRuns, Action: authz.ActionRead},
	{Method: http.MethodPost, Pattern: "/payroll/api/runs", Class: routing.RouteClassInternalAPI, Object: authz.ObjectPayrollRuns, Action: authz.ActionAdmin, Operation: "payroll.run_create"},
	{Method: http.MethodPost, Pattern: "/payroll/api/runs:finalize", Class: routing.RouteClassInternalAPI, Object: authz.ObjectPayrollRuns, Action: authz.ActionAdmin, Operation: "payroll.run_finalize"},
	{Method: http.MethodGet, Pattern: "/payroll/api/payslips", Class: routing.RouteClassInternalAPI, Object: authz.ObjectPayrollPayslips, Action: authz.ActionRead},

	{Method: http.MethodGet, Pattern: "/tax/api/filings", Class: routing.RouteClassInternalAPI, Object: authz.ObjectTaxFilings, Action: authz.ActionRead},
	{Method: http.MethodPost, Pattern: "/tax/api/filings", Class: routing.RouteClassInternalAPI, Object: authz.ObjectTaxFilings, Action: authz.ActionAdmin, Operation: "tax.filing_submit"},

	{Method: http.MethodGet, Pattern: "/health", Class: routing.RouteClassOps},
	{Method: http.MethodGet, Pattern: "/healthz", Class: routing.RouteClassOps},
}

func findAPIRoute(method string, path string) (apiRoute, bool) {
	for _, rt := range apiRoutes {
		if rt.Method != method {
			continue
		}
		if rt.Pattern == path {
			return rt, true
		}
		if p, ok := routing.ParsePathPattern(rt.Pattern); ok && p.Match(path) {
			return rt, true
		}
	}
	return apiRoute{}, false
}

// validateAPIRoutes cross-checks the route table against the mutation
// registry: every declared operation must exist, every registered operation
// must be reachable, and mutating methods must carry an operation.
func validateAPIRoutes() error {
	covered := map[string]bool{}
	for _, rt := range apiRoutes {
		if rt.Operation != "" {
			if _, ok := mutation.Lookup(rt.Operation); !ok {
				return fmt.Errorf("route %s %s: unknown operation %q", rt.Method, rt.Pattern, rt.Operation)
			}
			covered[rt.Operation] = true
		}
		if rt.Class == routing.RouteClassInternalAPI || rt.Class == routing.RouteClassPublicAPI {
			if rt.Method != http.MethodGet && rt.Operation == "" {
				return fmt.Errorf("route %s %s: mutating route without operation", rt.Method, rt.Pattern)
			}
			if rt.Object == "" || rt.Action == "" {
				return fmt.Errorf("route %s %s: missing access object or action", rt.Method, rt.Pattern)
			}
		}
	}
	for _, op := range mutation.Operations() {
		if !covered[op] {
			return fmt.Errorf("operation %q has no route", op)
		}
	}
	return nil
}
