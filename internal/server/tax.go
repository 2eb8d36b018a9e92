package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/httperr"
	"github.com/ledgerline/ledgerline/pkg/uuidv7"
)

type TaxFiling struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	CompanyID   string    `json:"company_id"`
	Kind        string    `json:"kind"` // vat | withholding
	PeriodKey   string    `json:"period_key"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type TaxStore interface {
	SubmitFilingWork(filing TaxFiling) mutation.UnitOfWork
	ListFilings(ctx context.Context, tenantID string, companyID string) ([]TaxFiling, error)
}

func validateTaxFiling(f TaxFiling) error {
	switch f.Kind {
	case "vat", "withholding":
	default:
		return httperr.NewBadRequest("kind must be vat or withholding")
	}
	if _, err := time.Parse("2006-01", f.PeriodKey); err != nil {
		return httperr.NewBadRequest("period_key must be YYYY-MM")
	}
	if f.AmountCents < 0 {
		return httperr.NewBadRequest("amount_cents must be non-negative")
	}
	return nil
}

func taxJournalEntry(f TaxFiling, now time.Time) JournalEntry {
	return JournalEntry{
		TenantID:     f.TenantID,
		CompanyID:    f.CompanyID,
		EntryDate:    now.Format("2006-01-02"),
		SourceModule: "tax",
		SourceRef:    f.ID,
		Memo:         f.Kind + " filing " + f.PeriodKey,
		Lines: []JournalLine{
			{AccountCode: "2200", DebitCents: f.AmountCents},
			{AccountCode: "1000", CreditCents: f.AmountCents},
		},
	}
}

type memoryTaxStore struct {
	mu      sync.Mutex
	filings []TaxFiling
	applied map[string]TaxFiling
	ledger  *memoryLedgerStore
}

func newMemoryTaxStore(ledger *memoryLedgerStore) *memoryTaxStore {
	return &memoryTaxStore{applied: map[string]TaxFiling{}, ledger: ledger}
}

type memoryTaxUOW struct {
	store  *memoryTaxStore
	filing TaxFiling
}

func (u memoryTaxUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	f := u.filing
	if err := validateTaxFiling(f); err != nil {
		return nil, err
	}
	for _, table := range []string{"tax.filings", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, f.TenantID, f.CompanyID); err != nil {
			return nil, err
		}
	}

	u.store.mu.Lock()
	for _, existing := range u.store.filings {
		if existing.TenantID == f.TenantID && existing.CompanyID == f.CompanyID &&
			existing.Kind == f.Kind && existing.PeriodKey == f.PeriodKey {
			u.store.mu.Unlock()
			return nil, httperr.NewBadRequest("filing already submitted for period")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		u.store.mu.Unlock()
		return nil, err
	}
	f.ID = id
	f.Status = "submitted"
	f.SubmittedAt = time.Now().UTC()
	u.store.filings = append(u.store.filings, f)
	u.store.mu.Unlock()

	if f.AmountCents > 0 {
		entry := taxJournalEntry(f, time.Now())
		if _, err := (memoryLedgerUOW{store: u.store.ledger, entry: entry}).Insert(ctx, tx, key); err != nil {
			return nil, err
		}
	}
	u.store.mu.Lock()
	u.store.applied[key] = f
	u.store.mu.Unlock()
	return f, nil
}

func (u memoryTaxUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if f, ok := u.store.applied[key]; ok {
		return f, nil
	}
	return nil, httperr.NewNotFound("filing not found")
}

func (s *memoryTaxStore) SubmitFilingWork(filing TaxFiling) mutation.UnitOfWork {
	return memoryTaxUOW{store: s, filing: filing}
}

func (s *memoryTaxStore) ListFilings(_ context.Context, tenantID string, companyID string) ([]TaxFiling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaxFiling
	for _, f := range s.filings {
		if f.TenantID == tenantID && f.CompanyID == companyID {
			out = append(out, f)
		}
	}
	return out, nil
}

type pgTaxStore struct {
	pool *pgxpool.Pool
}

func newTaxStore(pool *pgxpool.Pool, ledger *memoryLedgerStore) TaxStore {
	if pool == nil {
		return newMemoryTaxStore(ledger)
	}
	return &pgTaxStore{pool: pool}
}

type pgTaxUOW struct {
	filing TaxFiling
}

func (u pgTaxUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	f := u.filing
	if err := validateTaxFiling(f); err != nil {
		return nil, err
	}
	for _, table := range []string{"tax.filings", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, f.TenantID, f.CompanyID); err != nil {
			return nil, err
		}
	}

	err := tx.QueryRow(ctx, `
INSERT INTO tax.filings (tenant_id, company_id, kind, period_key, amount_cents, status, mutation_key)
VALUES ($1, $2, $3, $4, $5, 'submitted', $6)
RETURNING id::text, status, submitted_at;
`, f.TenantID, f.CompanyID, f.Kind, f.PeriodKey, f.AmountCents, key).Scan(&f.ID, &f.Status, &f.SubmittedAt)
	if err != nil {
		return nil, err
	}

	if f.AmountCents > 0 {
		entry := taxJournalEntry(f, time.Now())
		lines, err := json.Marshal(entry.Lines)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO ledger.journal_entries (tenant_id, company_id, entry_date, source_module, source_ref, memo, lines, mutation_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`, entry.TenantID, entry.CompanyID, entry.EntryDate, entry.SourceModule, entry.SourceRef, entry.Memo, lines, key)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (u pgTaxUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	f := TaxFiling{TenantID: u.filing.TenantID}
	err := q.QueryRow(ctx, `
SELECT id::text, company_id::text, kind, period_key, amount_cents, status, submitted_at
FROM tax.filings
WHERE mutation_key = $1;
`, key).Scan(&f.ID, &f.CompanyID, &f.Kind, &f.PeriodKey, &f.AmountCents, &f.Status, &f.SubmittedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *pgTaxStore) SubmitFilingWork(filing TaxFiling) mutation.UnitOfWork {
	return pgTaxUOW{filing: filing}
}

func (s *pgTaxStore) ListFilings(ctx context.Context, tenantID string, companyID string) ([]TaxFiling, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, company_id::text, kind, period_key, amount_cents, status, submitted_at
FROM tax.filings
WHERE tenant_id = $1 AND company_id = $2
ORDER BY period_key, kind;
`, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaxFiling
	for rows.Next() {
		f := TaxFiling{TenantID: tenantID}
		if err := rows.Scan(&f.ID, &f.CompanyID, &f.Kind, &f.PeriodKey, &f.AmountCents, &f.Status, &f.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func handleTaxFilingsAPI(w http.ResponseWriter, r *http.Request, store TaxStore, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filings, err := store.ListFilings(r.Context(), tc.TenantID, tc.CompanyID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": filings})
	case http.MethodPost:
		var req struct {
			Kind        string `json:"kind"`
			PeriodKey   string `json:"period_key"`
			AmountCents int64  `json:"amount_cents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.PeriodKey) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "kind and period_key required")
			return
		}
		filing := TaxFiling{
			TenantID:    tc.TenantID,
			CompanyID:   tc.CompanyID,
			Kind:        req.Kind,
			PeriodKey:   req.PeriodKey,
			AmountCents: req.AmountCents,
		}
		naturalKey := tc.CompanyID + ":" + req.Kind + ":" + req.PeriodKey
		res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "tax.filing_submit", naturalKey, store.SubmitFilingWork(filing))
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"filing": res.Record, "replayed": res.Replayed})
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
