package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/types"
	"github.com/ledgerline/ledgerline/pkg/httperr"
)

type PGInvoiceStore struct {
	pool *pgxpool.Pool
}

func NewPGInvoiceStore(pool *pgxpool.Pool) *PGInvoiceStore {
	return &PGInvoiceStore{pool: pool}
}

func postJournalTx(ctx context.Context, tx pgx.Tx, key string, tenantID string, companyID string, entryDate string, sourceRef string, memo string, lines []ports.JournalLineSpec) error {
	if err := mutation.EnforceWriteCompanyScope("ledger.journal_entries", tenantID, companyID); err != nil {
		return err
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO ledger.journal_entries (tenant_id, company_id, entry_date, source_module, source_ref, memo, lines, mutation_key)
VALUES ($1, $2, $3, 'invoicing', $4, $5, $6, $7);
`, tenantID, companyID, entryDate, sourceRef, memo, raw, key)
	return err
}

type pgCreateUOW struct {
	pool *pgxpool.Pool
	inv  types.Invoice
}

func (u pgCreateUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	inv := u.inv
	if err := mutation.EnforceWriteCompanyScope("invoicing.invoices", inv.TenantID, inv.CompanyID); err != nil {
		return nil, err
	}
	err := tx.QueryRow(ctx, `
INSERT INTO invoicing.invoices (tenant_id, company_id, invoice_no, customer_name, currency_code, total_cents, balance_cents, issue_date, due_date, status, mutation_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'draft', $10)
RETURNING id::text, status, created_at;
`, inv.TenantID, inv.CompanyID, inv.InvoiceNo, inv.CustomerName, inv.CurrencyCode, inv.TotalCents, inv.BalanceCents, inv.IssueDate, inv.DueDate, key).
		Scan(&inv.ID, &inv.Status, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (u pgCreateUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	return scanInvoiceByKey(ctx, q, u.inv.TenantID, "mutation_key", key)
}

func (s *PGInvoiceStore) CreateInvoiceWork(inv types.Invoice) mutation.UnitOfWork {
	return pgCreateUOW{pool: s.pool, inv: inv}
}

type pgFinalizeUOW struct {
	pool      *pgxpool.Pool
	tenantID  string
	companyID string
	invoiceID string
}

func (u pgFinalizeUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	if err := mutation.EnforceWriteCompanyScope("invoicing.invoices", u.tenantID, u.companyID); err != nil {
		return nil, err
	}

	inv := types.Invoice{TenantID: u.tenantID}
	err := tx.QueryRow(ctx, `
UPDATE invoicing.invoices
SET status = 'finalized', finalize_mutation_key = $1
WHERE tenant_id = $2 AND company_id = $3 AND id = $4 AND status = 'draft'
RETURNING id::text, company_id::text, invoice_no, customer_name, currency_code, total_cents, balance_cents, issue_date::text, due_date::text, status, created_at;
`, key, u.tenantID, u.companyID, u.invoiceID).
		Scan(&inv.ID, &inv.CompanyID, &inv.InvoiceNo, &inv.CustomerName, &inv.CurrencyCode, &inv.TotalCents, &inv.BalanceCents, &inv.IssueDate, &inv.DueDate, &inv.Status, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The status guard also hides a finalize that already ran with
			// this key. Check for our key before blaming the caller.
			var applied bool
			aerr := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM invoicing.invoices
  WHERE tenant_id = $1 AND company_id = $2 AND id = $3 AND finalize_mutation_key = $4
);
`, u.tenantID, u.companyID, u.invoiceID, key).Scan(&applied)
			if aerr != nil {
				return nil, aerr
			}
			if applied {
				return nil, mutation.ErrAlreadyApplied
			}
			return nil, httperr.NewBadRequest("invoice is not draft")
		}
		return nil, err
	}

	err = postJournalTx(ctx, tx, key, inv.TenantID, inv.CompanyID, inv.IssueDate, inv.ID, "invoice "+inv.InvoiceNo+" finalized", []ports.JournalLineSpec{
		{AccountCode: accountReceivable, DebitCents: inv.TotalCents},
		{AccountCode: accountRevenue, CreditCents: inv.TotalCents},
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (u pgFinalizeUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	return scanInvoiceByKey(ctx, q, u.tenantID, "finalize_mutation_key", key)
}

func (s *PGInvoiceStore) FinalizeInvoiceWork(tenantID string, companyID string, invoiceID string) mutation.UnitOfWork {
	return pgFinalizeUOW{pool: s.pool, tenantID: tenantID, companyID: companyID, invoiceID: invoiceID}
}

type pgPaymentUOW struct {
	pool *pgxpool.Pool
	p    types.Payment
}

func (u pgPaymentUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	p := u.p
	if err := mutation.EnforceWriteCompanyScope("invoicing.payments", p.TenantID, p.CompanyID); err != nil {
		return nil, err
	}

	// The balance update carries the business checks: the row must exist,
	// be finalized, and have enough balance left.
	var newBalance int64
	err := tx.QueryRow(ctx, `
UPDATE invoicing.invoices
SET balance_cents = balance_cents - $1,
    status = CASE WHEN balance_cents - $1 = 0 THEN 'paid' ELSE status END
WHERE tenant_id = $2 AND company_id = $3 AND id = $4
  AND status IN ('finalized', 'paid') AND balance_cents >= $1
RETURNING balance_cents;
`, p.AmountCents, p.TenantID, p.CompanyID, p.InvoiceID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A payment that closed the invoice leaves no balance for its own
			// replay to claim. Check for our key before blaming the caller.
			var applied bool
			aerr := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM invoicing.payments WHERE tenant_id = $1 AND mutation_key = $2);
`, p.TenantID, key).Scan(&applied)
			if aerr != nil {
				return nil, aerr
			}
			if applied {
				return nil, mutation.ErrAlreadyApplied
			}
			return nil, httperr.NewBadRequest("invoice not payable for this amount")
		}
		return nil, err
	}

	err = tx.QueryRow(ctx, `
INSERT INTO invoicing.payments (tenant_id, company_id, invoice_id, amount_cents, method, reference, paid_on, mutation_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id::text, created_at;
`, p.TenantID, p.CompanyID, p.InvoiceID, p.AmountCents, p.Method, p.Reference, p.PaidOn, key).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	err = postJournalTx(ctx, tx, key, p.TenantID, p.CompanyID, p.PaidOn, p.ID, "payment "+p.Reference, []ports.JournalLineSpec{
		{AccountCode: accountCash, DebitCents: p.AmountCents},
		{AccountCode: accountReceivable, CreditCents: p.AmountCents},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (u pgPaymentUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	p := types.Payment{TenantID: u.p.TenantID}
	err := q.QueryRow(ctx, `
SELECT id::text, company_id::text, invoice_id::text, amount_cents, method, reference, paid_on::text, created_at
FROM invoicing.payments
WHERE mutation_key = $1;
`, key).Scan(&p.ID, &p.CompanyID, &p.InvoiceID, &p.AmountCents, &p.Method, &p.Reference, &p.PaidOn, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PGInvoiceStore) RecordPaymentWork(p types.Payment) mutation.UnitOfWork {
	return pgPaymentUOW{pool: s.pool, p: p}
}

func scanInvoiceByKey(ctx context.Context, q mutation.RowQuerier, tenantID string, keyColumn string, key string) (types.Invoice, error) {
	inv := types.Invoice{TenantID: tenantID}
	sql := `
SELECT id::text, company_id::text, invoice_no, customer_name, currency_code, total_cents, balance_cents, issue_date::text, due_date::text, status, created_at
FROM invoicing.invoices
WHERE ` + keyColumn + ` = $1;`
	err := q.QueryRow(ctx, sql, key).
		Scan(&inv.ID, &inv.CompanyID, &inv.InvoiceNo, &inv.CustomerName, &inv.CurrencyCode, &inv.TotalCents, &inv.BalanceCents, &inv.IssueDate, &inv.DueDate, &inv.Status, &inv.CreatedAt)
	if err != nil {
		return types.Invoice{}, err
	}
	return inv, nil
}

func (s *PGInvoiceStore) GetInvoice(ctx context.Context, tenantID string, companyID string, invoiceID string) (types.Invoice, bool, error) {
	inv := types.Invoice{TenantID: tenantID}
	err := s.pool.QueryRow(ctx, `
SELECT id::text, company_id::text, invoice_no, customer_name, currency_code, total_cents, balance_cents, issue_date::text, due_date::text, status, created_at
FROM invoicing.invoices
WHERE tenant_id = $1 AND company_id = $2 AND id = $3;
`, tenantID, companyID, invoiceID).
		Scan(&inv.ID, &inv.CompanyID, &inv.InvoiceNo, &inv.CustomerName, &inv.CurrencyCode, &inv.TotalCents, &inv.BalanceCents, &inv.IssueDate, &inv.DueDate, &inv.Status, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Invoice{}, false, nil
		}
		return types.Invoice{}, false, err
	}
	return inv, true, nil
}

func (s *PGInvoiceStore) ListInvoices(ctx context.Context, tenantID string, companyID string) ([]types.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, company_id::text, invoice_no, customer_name, currency_code, total_cents, balance_cents, issue_date::text, due_date::text, status, created_at
FROM invoicing.invoices
WHERE tenant_id = $1 AND company_id = $2
ORDER BY invoice_no;
`, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Invoice
	for rows.Next() {
		inv := types.Invoice{TenantID: tenantID}
		if err := rows.Scan(&inv.ID, &inv.CompanyID, &inv.InvoiceNo, &inv.CustomerName, &inv.CurrencyCode, &inv.TotalCents, &inv.BalanceCents, &inv.IssueDate, &inv.DueDate, &inv.Status, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PGInvoiceStore) ListPayments(ctx context.Context, tenantID string, companyID string) ([]types.Payment, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, company_id::text, invoice_id::text, amount_cents, method, reference, paid_on::text, created_at
FROM invoicing.payments
WHERE tenant_id = $1 AND company_id = $2
ORDER BY created_at, id;
`, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Payment
	for rows.Next() {
		p := types.Payment{TenantID: tenantID}
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.InvoiceID, &p.AmountCents, &p.Method, &p.Reference, &p.PaidOn, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
