package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
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

type JournalLine struct {
	AccountCode string `json:"account_code"`
	DebitCents  int64  `json:"debit_cents"`
	CreditCents int64  `json:"credit_cents"`
}

type JournalEntry struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"-"`
	CompanyID    string        `json:"company_id"`
	EntryDate    string        `json:"entry_date"`
	SourceModule string        `json:"source_module"`
	SourceRef    string        `json:"source_ref"`
	Memo         string        `json:"memo,omitempty"`
	Lines        []JournalLine `json:"lines"`
	CreatedAt    time.Time     `json:"created_at"`
}

type LedgerStore interface {
	PostEntryWork(entry JournalEntry) mutation.UnitOfWork
	ListEntries(ctx context.Context, tenantID string, companyID string) ([]JournalEntry, error)
}

// validateJournalEntry rejects malformed entries before any storage work.
// Zero-sum is mandatory: debits must equal credits over all lines.
func validateJournalEntry(e JournalEntry) error {
	if strings.TrimSpace(e.EntryDate) == "" {
		return httperr.NewBadRequest("entry_date required")
	}
	if _, err := time.Parse("2006-01-02", e.EntryDate); err != nil {
		return httperr.NewBadRequest("entry_date must be YYYY-MM-DD")
	}
	if strings.TrimSpace(e.SourceModule) == "" || strings.TrimSpace(e.SourceRef) == "" {
		return httperr.NewBadRequest("source_module and source_ref required")
	}
	if len(e.Lines) < 2 {
		return httperr.NewBadRequest("journal entry needs at least two lines")
	}
	var debits, credits int64
	for _, line := range e.Lines {
		if strings.TrimSpace(line.AccountCode) == "" {
			return httperr.NewBadRequest("line account_code required")
		}
		if line.DebitCents < 0 || line.CreditCents < 0 {
			return httperr.NewBadRequest("line amounts must be non-negative")
		}
		if (line.DebitCents == 0) == (line.CreditCents == 0) {
			return httperr.NewBadRequest("each line must be either debit or credit")
		}
		debits += line.DebitCents
		credits += line.CreditCents
	}
	if debits != credits {
		return httperr.NewBadRequest("journal entry is not balanced")
	}
	return nil
}

type memoryLedgerStore struct {
	mu      sync.Mutex
	entries []JournalEntry
	applied map[string]JournalEntry
}

func newMemoryLedgerStore() *memoryLedgerStore {
	return &memoryLedgerStore{applied: map[string]JournalEntry{}}
}

type memoryLedgerUOW struct {
	store *memoryLedgerStore
	entry JournalEntry
}

func (u memoryLedgerUOW) Insert(_ context.Context, _ pgx.Tx, key string) (any, error) {
	if err := validateJournalEntry(u.entry); err != nil {
		return nil, err
	}
	if err := mutation.EnforceWriteCompanyScope("ledger.journal_entries", u.entry.TenantID, u.entry.CompanyID); err != nil {
		return nil, err
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	e := u.entry
	id, err := uuidv7.NewString()
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.CreatedAt = time.Now().UTC()
	u.store.entries = append(u.store.entries, e)
	u.store.applied[key] = e
	return e, nil
}

func (u memoryLedgerUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if e, ok := u.store.applied[key]; ok {
		return e, nil
	}
	return nil, httperr.NewNotFound("journal entry not found")
}

func (s *memoryLedgerStore) PostEntryWork(entry JournalEntry) mutation.UnitOfWork {
	return memoryLedgerUOW{store: s, entry: entry}
}

func (s *memoryLedgerStore) ListEntries(_ context.Context, tenantID string, companyID string) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JournalEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.CompanyID == companyID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type pgLedgerStore struct {
	pool *pgxpool.Pool
}

func newLedgerStore(pool *pgxpool.Pool) LedgerStore {
	if pool == nil {
		return newMemoryLedgerStore()
	}
	return &pgLedgerStore{pool: pool}
}

type pgLedgerUOW struct {
	entry JournalEntry
}

func (u pgLedgerUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	if err := validateJournalEntry(u.entry); err != nil {
		return nil, err
	}
	if err := mutation.EnforceWriteCompanyScope("ledger.journal_entries", u.entry.TenantID, u.entry.CompanyID); err != nil {
		return nil, err
	}

	lines, err := json.Marshal(u.entry.Lines)
	if err != nil {
		return nil, err
	}
	e := u.entry
	err = tx.QueryRow(ctx, `
INSERT INTO ledger.journal_entries (tenant_id, company_id, entry_date, source_module, source_ref, memo, lines, mutation_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id::text, created_at;
`, e.TenantID, e.CompanyID, e.EntryDate, e.SourceModule, e.SourceRef, e.Memo, lines, key).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (u pgLedgerUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	e := JournalEntry{TenantID: u.entry.TenantID}
	var lines []byte
	err := q.QueryRow(ctx, `
SELECT id::text, company_id::text, entry_date::text, source_module, source_ref, memo, lines, created_at
FROM ledger.journal_entries
WHERE mutation_key = $1;
`, key).Scan(&e.ID, &e.CompanyID, &e.EntryDate, &e.SourceModule, &e.SourceRef, &e.Memo, &lines, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &e.Lines); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *pgLedgerStore) PostEntryWork(entry JournalEntry) mutation.UnitOfWork {
	return pgLedgerUOW{entry: entry}
}

func (s *pgLedgerStore) ListEntries(ctx context.Context, tenantID string, companyID string) ([]JournalEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, company_id::text, entry_date::text, source_module, source_ref, memo, lines, created_at
FROM ledger.journal_entries
WHERE tenant_id = $1 AND company_id = $2
ORDER BY id;
`, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		e := JournalEntry{TenantID: tenantID}
		var lines []byte
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.EntryDate, &e.SourceModule, &e.SourceRef, &e.Memo, &lines, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &e.Lines); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func handleLedgerEntriesAPI(w http.ResponseWriter, r *http.Request, store LedgerStore, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries, err := store.ListEntries(r.Context(), tc.TenantID, tc.CompanyID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": entries})
	case http.MethodPost:
		var req struct {
			RequestID    string        `json:"request_id"`
			EntryDate    string        `json:"entry_date"`
			SourceModule string        `json:"source_module"`
			SourceRef    string        `json:"source_ref"`
			Memo         string        `json:"memo"`
			Lines        []JournalLine `json:"lines"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		if strings.TrimSpace(req.RequestID) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "request_id required")
			return
		}
		entry := JournalEntry{
			TenantID:     tc.TenantID,
			CompanyID:    tc.CompanyID,
			EntryDate:    req.EntryDate,
			SourceModule: req.SourceModule,
			SourceRef:    req.SourceRef,
			Memo:         req.Memo,
			Lines:        req.Lines,
		}
		res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "ledger.entry_post", tc.CompanyID+":"+req.RequestID, store.PostEntryWork(entry))
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"entry": res.Record, "replayed": res.Replayed})
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
