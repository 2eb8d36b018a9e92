package ports

import (
	"context"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/types"
)

// InvoiceStore builds unit-of-work values for the idempotency engine and
// serves reads. Write effects happen only inside the returned units of work.
type InvoiceStore interface {
	CreateInvoiceWork(inv types.Invoice) mutation.UnitOfWork
	FinalizeInvoiceWork(tenantID string, companyID string, invoiceID string) mutation.UnitOfWork
	RecordPaymentWork(p types.Payment) mutation.UnitOfWork

	GetInvoice(ctx context.Context, tenantID string, companyID string, invoiceID string) (types.Invoice, bool, error)
	ListInvoices(ctx context.Context, tenantID string, companyID string) ([]types.Invoice, error)
	ListPayments(ctx context.Context, tenantID string, companyID string) ([]types.Payment, error)
}
