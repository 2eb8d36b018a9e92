package authz

const (
	RoleTenantAdmin  = "tenant-admin"
	RoleBookkeeper   = "bookkeeper"
	RoleTenantViewer = "tenant-viewer"
	RoleAnonymous    = "anonymous"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectIAMSession        = "iam.session"
	ObjectInvoicingInvoices = "invoicing.invoices"
	ObjectInvoicingPayments = "invoicing.payments"
	ObjectLedgerJournal     = "ledger.journal"
	ObjectPayrollPeriods    = "payroll.periods"
	ObjectPayrollRuns       = "payroll.runs"
	ObjectPayrollPayslips   = "payroll.payslips"
	ObjectTaxFilings        = "tax.filings"
)
