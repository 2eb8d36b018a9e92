package types

import "time"

const (
	InvoiceStatusDraft     = "draft"
	InvoiceStatusFinalized = "finalized"
	InvoiceStatusPaid      = "paid"
)

// Invoice is the receivable document. Money is integer cents in the invoice
// currency; BalanceCents tracks what payments have not yet covered.
type Invoice struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"-"`
	CompanyID    string    `json:"company_id"`
	InvoiceNo    string    `json:"invoice_no"`
	CustomerName string    `json:"customer_name"`
	CurrencyCode string    `json:"currency_code"`
	TotalCents   int64     `json:"total_cents"`
	BalanceCents int64     `json:"balance_cents"`
	IssueDate    string    `json:"issue_date"`
	DueDate      string    `json:"due_date"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type InvoiceLine struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitCents   int64  `json:"unit_cents"`
}

type Payment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	CompanyID   string    `json:"company_id"`
	InvoiceID   string    `json:"invoice_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Reference   string    `json:"reference"`
	PaidOn      string    `json:"paid_on"`
	CreatedAt   time.Time `json:"created_at"`
}
