package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/types"
	"github.com/ledgerline/ledgerline/pkg/httperr"
	"github.com/ledgerline/ledgerline/pkg/uuidv7"
)

const (
	accountCash       = "1000"
	accountReceivable = "1100"
	accountRevenue    = "4000"
)

type MemoryInvoiceStore struct {
	mu       sync.Mutex
	invoices []types.Invoice
	payments []types.Payment
	applied  map[string]any
	journal  ports.JournalPoster
}

func NewMemoryInvoiceStore(journal ports.JournalPoster) *MemoryInvoiceStore {
	return &MemoryInvoiceStore{applied: map[string]any{}, journal: journal}
}

// markApplied and recoverApplied mirror the mutation_key columns of the pg
// store: Insert records the surviving row under its key, Recover re-reads it.
func (s *MemoryInvoiceStore) markApplied(key string, record any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[key] = record
}

func (s *MemoryInvoiceStore) recoverApplied(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.applied[key]
	return record, ok
}

type memoryCreateUOW struct {
	store *MemoryInvoiceStore
	inv   types.Invoice
}

func (u memoryCreateUOW) Insert(_ context.Context, _ pgx.Tx, key string) (any, error) {
	inv := u.inv
	if err := mutation.EnforceWriteCompanyScope("invoicing.invoices", inv.TenantID, inv.CompanyID); err != nil {
		return nil, err
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for _, existing := range u.store.invoices {
		if existing.TenantID == inv.TenantID && existing.CompanyID == inv.CompanyID && existing.InvoiceNo == inv.InvoiceNo {
			return nil, httperr.NewBadRequest("invoice_no already used")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return nil, err
	}
	inv.ID = id
	inv.CreatedAt = time.Now().UTC()
	u.store.invoices = append(u.store.invoices, inv)
	u.store.applied[key] = inv
	return inv, nil
}

func (u memoryCreateUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	if record, ok := u.store.recoverApplied(key); ok {
		return record, nil
	}
	return nil, httperr.NewNotFound("invoice not found")
}

func (s *MemoryInvoiceStore) CreateInvoiceWork(inv types.Invoice) mutation.UnitOfWork {
	return memoryCreateUOW{store: s, inv: inv}
}

type memoryFinalizeUOW struct {
	store     *MemoryInvoiceStore
	tenantID  string
	companyID string
	invoiceID string
}

func (u memoryFinalizeUOW) Insert(ctx context.Context, _ pgx.Tx, key string) (any, error) {
	for _, table := range []string{"invoicing.invoices", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, u.tenantID, u.companyID); err != nil {
			return nil, err
		}
	}

	u.store.mu.Lock()
	idx := -1
	for i, inv := range u.store.invoices {
		if inv.TenantID == u.tenantID && inv.CompanyID == u.companyID && inv.ID == u.invoiceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		u.store.mu.Unlock()
		return nil, httperr.NewNotFound("invoice not found")
	}
	if u.store.invoices[idx].Status != types.InvoiceStatusDraft {
		u.store.mu.Unlock()
		return nil, httperr.NewBadRequest("invoice is not draft")
	}
	u.store.invoices[idx].Status = types.InvoiceStatusFinalized
	inv := u.store.invoices[idx]
	u.store.mu.Unlock()

	err := u.store.journal(ctx, inv.TenantID, inv.CompanyID, inv.IssueDate, inv.ID, "invoice "+inv.InvoiceNo+" finalized", []ports.JournalLineSpec{
		{AccountCode: accountReceivable, DebitCents: inv.TotalCents},
		{AccountCode: accountRevenue, CreditCents: inv.TotalCents},
	})
	if err != nil {
		return nil, err
	}
	u.store.markApplied(key, inv)
	return inv, nil
}

func (u memoryFinalizeUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	if record, ok := u.store.recoverApplied(key); ok {
		return record, nil
	}
	return nil, httperr.NewNotFound("invoice not found")
}

func (s *MemoryInvoiceStore) FinalizeInvoiceWork(tenantID string, companyID string, invoiceID string) mutation.UnitOfWork {
	return memoryFinalizeUOW{store: s, tenantID: tenantID, companyID: companyID, invoiceID: invoiceID}
}

type memoryPaymentUOW struct {
	store *MemoryInvoiceStore
	p     types.Payment
}

func (u memoryPaymentUOW) Insert(ctx context.Context, _ pgx.Tx, key string) (any, error) {
	p := u.p
	for _, table := range []string{"invoicing.payments", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, p.TenantID, p.CompanyID); err != nil {
			return nil, err
		}
	}

	u.store.mu.Lock()
	idx := -1
	for i, inv := range u.store.invoices {
		if inv.TenantID == p.TenantID && inv.CompanyID == p.CompanyID && inv.ID == p.InvoiceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		u.store.mu.Unlock()
		return nil, httperr.NewNotFound("invoice not found")
	}
	inv := u.store.invoices[idx]
	if inv.Status == types.InvoiceStatusDraft {
		u.store.mu.Unlock()
		return nil, httperr.NewBadRequest("invoice is not finalized")
	}
	if p.AmountCents > inv.BalanceCents {
		u.store.mu.Unlock()
		return nil, httperr.NewBadRequest("payment exceeds open balance")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		u.store.mu.Unlock()
		return nil, err
	}
	p.ID = id
	p.CreatedAt = time.Now().UTC()
	u.store.invoices[idx].BalanceCents -= p.AmountCents
	if u.store.invoices[idx].BalanceCents == 0 {
		u.store.invoices[idx].Status = types.InvoiceStatusPaid
	}
	u.store.payments = append(u.store.payments, p)
	u.store.mu.Unlock()

	err = u.store.journal(ctx, p.TenantID, p.CompanyID, p.PaidOn, p.ID, "payment "+p.Reference, []ports.JournalLineSpec{
		{AccountCode: accountCash, DebitCents: p.AmountCents},
		{AccountCode: accountReceivable, CreditCents: p.AmountCents},
	})
	if err != nil {
		return nil, err
	}
	u.store.markApplied(key, p)
	return p, nil
}

func (u memoryPaymentUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	if record, ok := u.store.recoverApplied(key); ok {
		return record, nil
	}
	return nil, httperr.NewNotFound("payment not found")
}

func (s *MemoryInvoiceStore) RecordPaymentWork(p types.Payment) mutation.UnitOfWork {
	return memoryPaymentUOW{store: s, p: p}
}

func (s *MemoryInvoiceStore) GetInvoice(_ context.Context, tenantID string, companyID string, invoiceID string) (types.Invoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.CompanyID == companyID && inv.ID == invoiceID {
			return inv, true, nil
		}
	}
	return types.Invoice{}, false, nil
}

func (s *MemoryInvoiceStore) ListInvoices(_ context.Context, tenantID string, companyID string) ([]types.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Invoice
	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.CompanyID == companyID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *MemoryInvoiceStore) ListPayments(_ context.Context, tenantID string, companyID string) ([]types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Payment
	for _, p := range s.payments {
		if p.TenantID == tenantID && p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	return out, nil
}
