package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/httperr"
	"github.com/ledgerline/ledgerline/pkg/tax"
	"github.com/ledgerline/ledgerline/pkg/uuidv7"
)

const (
	payrollRunOpen      = "open"
	payrollRunFinalized = "finalized"
)

type PayrollPeriod struct {
	Key   string `json:"key"` // YYYY-MM
	Year  int    `json:"year"`
	Month int    `json:"month"`
}

type PayrollRun struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"-"`
	CompanyID string    `json:"company_id"`
	PeriodKey string    `json:"period_key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type PayrollEmployeeInput struct {
	EmployeeID     string `json:"employee_id"`
	GrossCents     int64  `json:"gross_cents"`
	ExemptCents    int64  `json:"exempt_cents"`
	DeductionCents int64  `json:"deduction_cents"`
	WithheldCents  int64  `json:"withheld_cents"`
}

type Payslip struct {
	ID               string `json:"id"`
	RunID            string `json:"run_id"`
	TenantID         string `json:"-"`
	CompanyID        string `json:"company_id"`
	EmployeeID       string `json:"employee_id"`
	GrossCents       int64  `json:"gross_cents"`
	WithholdingCents int64  `json:"withholding_cents"`
	NetCents         int64  `json:"net_cents"`
}

type PayrollStore interface {
	Periods(ctx context.Context) ([]PayrollPeriod, error)
	CreateRunWork(run PayrollRun) mutation.UnitOfWork
	FinalizeRunWork(tenantID string, companyID string, runID string, inputs []PayrollEmployeeInput) mutation.UnitOfWork
	ListRuns(ctx context.Context, tenantID string, companyID string) ([]PayrollRun, error)
	ListPayslips(ctx context.Context, tenantID string, companyID string, runID string) ([]Payslip, error)
}

// currentPeriods returns the rolling window payroll may run against: the
// current month plus the two before it.
func currentPeriods(now time.Time) []PayrollPeriod {
	out := make([]PayrollPeriod, 0, 3)
	for i := 2; i >= 0; i-- {
		m := now.AddDate(0, -i, 0)
		out = append(out, PayrollPeriod{
			Key:   fmt.Sprintf("%04d-%02d", m.Year(), int(m.Month())),
			Year:  m.Year(),
			Month: int(m.Month()),
		})
	}
	return out
}

func validatePeriodKey(key string) error {
	if _, err := time.Parse("2006-01", key); err != nil {
		return httperr.NewBadRequest("period_key must be YYYY-MM")
	}
	return nil
}

// computePayslips runs withholding per employee. Gross funds the net plus
// withholding exactly; the caller posts the balancing journal entry.
func computePayslips(tenantID string, companyID string, runID string, inputs []PayrollEmployeeInput) ([]Payslip, int64, int64, error) {
	if len(inputs) == 0 {
		return nil, 0, 0, httperr.NewBadRequest("employee inputs required")
	}
	seen := map[string]bool{}
	var slips []Payslip
	var totalGross, totalWithholding int64
	for _, in := range inputs {
		if strings.TrimSpace(in.EmployeeID) == "" {
			return nil, 0, 0, httperr.NewBadRequest("employee_id required")
		}
		if seen[in.EmployeeID] {
			return nil, 0, 0, httperr.NewBadRequest("duplicate employee " + in.EmployeeID)
		}
		seen[in.EmployeeID] = true
		if in.GrossCents <= 0 {
			return nil, 0, 0, httperr.NewBadRequest("gross_cents must be positive")
		}

		res, err := tax.Compute(tax.WithholdingInput{
			GrossCents:     in.GrossCents,
			ExemptCents:    in.ExemptCents,
			DeductionCents: in.DeductionCents,
			WithheldCents:  in.WithheldCents,
		})
		if err != nil {
			return nil, 0, 0, httperr.NewBadRequest(err.Error())
		}
		id, err := uuidv7.NewString()
		if err != nil {
			return nil, 0, 0, err
		}
		slips = append(slips, Payslip{
			ID:               id,
			RunID:            runID,
			TenantID:         tenantID,
			CompanyID:        companyID,
			EmployeeID:       in.EmployeeID,
			GrossCents:       in.GrossCents,
			WithholdingCents: res.DueCents,
			NetCents:         in.GrossCents - res.DueCents,
		})
		totalGross += in.GrossCents
		totalWithholding += res.DueCents
	}
	return slips, totalGross, totalWithholding, nil
}

func payrollJournalEntry(tenantID string, companyID string, runID string, totalGross int64, totalWithholding int64, now time.Time) JournalEntry {
	lines := []JournalLine{
		{AccountCode: "6000", DebitCents: totalGross},
	}
	if net := totalGross - totalWithholding; net > 0 {
		lines = append(lines, JournalLine{AccountCode: "2100", CreditCents: net})
	}
	if totalWithholding > 0 {
		lines = append(lines, JournalLine{AccountCode: "2200", CreditCents: totalWithholding})
	}
	return JournalEntry{
		TenantID:     tenantID,
		CompanyID:    companyID,
		EntryDate:    now.Format("2006-01-02"),
		SourceModule: "payroll",
		SourceRef:    runID,
		Memo:         "payroll run finalize",
		Lines:        lines,
	}
}

type memoryPayrollStore struct {
	mu       sync.Mutex
	runs     []PayrollRun
	payslips []Payslip
	applied  map[string]PayrollRun
	ledger   *memoryLedgerStore
}

func newMemoryPayrollStore(ledger *memoryLedgerStore) *memoryPayrollStore {
	return &memoryPayrollStore{applied: map[string]PayrollRun{}, ledger: ledger}
}

func (s *memoryPayrollStore) recoverApplied(key string) (PayrollRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.applied[key]
	return run, ok
}

func (s *memoryPayrollStore) Periods(_ context.Context) ([]PayrollPeriod, error) {
	return currentPeriods(time.Now()), nil
}

type memoryPayrollCreateUOW struct {
	store *memoryPayrollStore
	run   PayrollRun
}

func (u memoryPayrollCreateUOW) Insert(_ context.Context, _ pgx.Tx, key string) (any, error) {
	run := u.run
	if err := validatePeriodKey(run.PeriodKey); err != nil {
		return nil, err
	}
	if err := mutation.EnforceWriteCompanyScope("payroll.payroll_runs", run.TenantID, run.CompanyID); err != nil {
		return nil, err
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for _, existing := range u.store.runs {
		if existing.TenantID == run.TenantID && existing.CompanyID == run.CompanyID &&
			existing.PeriodKey == run.PeriodKey && existing.Status != payrollRunFinalized {
			return nil, httperr.NewBadRequest("open run already exists for period")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return nil, err
	}
	run.ID = id
	run.Status = payrollRunOpen
	run.CreatedAt = time.Now().UTC()
	u.store.runs = append(u.store.runs, run)
	u.store.applied[key] = run
	return run, nil
}

func (u memoryPayrollCreateUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	if run, ok := u.store.recoverApplied(key); ok {
		return run, nil
	}
	return nil, httperr.NewNotFound("payroll run not found")
}

func (s *memoryPayrollStore) CreateRunWork(run PayrollRun) mutation.UnitOfWork {
	return memoryPayrollCreateUOW{store: s, run: run}
}

type memoryPayrollFinalizeUOW struct {
	store     *memoryPayrollStore
	tenantID  string
	companyID string
	runID     string
	inputs    []PayrollEmployeeInput
}

func (u memoryPayrollFinalizeUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	for _, table := range []string{"payroll.payroll_runs", "payroll.payslips", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, u.tenantID, u.companyID); err != nil {
			return nil, err
		}
	}

	u.store.mu.Lock()
	idx := -1
	for i, run := range u.store.runs {
		if run.TenantID == u.tenantID && run.CompanyID == u.companyID && run.ID == u.runID {
			idx = i
			break
		}
	}
	if idx < 0 {
		u.store.mu.Unlock()
		return nil, httperr.NewNotFound("payroll run not found")
	}
	if u.store.runs[idx].Status != payrollRunOpen {
		u.store.mu.Unlock()
		return nil, httperr.NewBadRequest("payroll run is not open")
	}

	slips, totalGross, totalWithholding, err := computePayslips(u.tenantID, u.companyID, u.runID, u.inputs)
	if err != nil {
		u.store.mu.Unlock()
		return nil, err
	}
	u.store.runs[idx].Status = payrollRunFinalized
	u.store.payslips = append(u.store.payslips, slips...)
	run := u.store.runs[idx]
	u.store.mu.Unlock()

	entry := payrollJournalEntry(u.tenantID, u.companyID, u.runID, totalGross, totalWithholding, time.Now())
	if _, err := (memoryLedgerUOW{store: u.store.ledger, entry: entry}).Insert(ctx, tx, key); err != nil {
		return nil, err
	}
	u.store.mu.Lock()
	u.store.applied[key] = run
	u.store.mu.Unlock()
	return run, nil
}

func (u memoryPayrollFinalizeUOW) Recover(_ context.Context, _ mutation.RowQuerier, key string) (any, error) {
	if run, ok := u.store.recoverApplied(key); ok {
		return run, nil
	}
	return nil, httperr.NewNotFound("payroll run not found")
}

func (s *memoryPayrollStore) FinalizeRunWork(tenantID string, companyID string, runID string, inputs []PayrollEmployeeInput) mutation.UnitOfWork {
	return memoryPayrollFinalizeUOW{store: s, tenantID: tenantID, companyID: companyID, runID: runID, inputs: inputs}
}

func (s *memoryPayrollStore) ListRuns(_ context.Context, tenantID string, companyID string) ([]PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PayrollRun
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.CompanyID == companyID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memoryPayrollStore) ListPayslips(_ context.Context, tenantID string, companyID string, runID string) ([]Payslip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Payslip
	for _, slip := range s.payslips {
		if slip.TenantID == tenantID && slip.CompanyID == companyID && (runID == "" || slip.RunID == runID) {
			out = append(out, slip)
		}
	}
	return out, nil
}

type pgPayrollStore struct {
	pool *pgxpool.Pool
}

func newPayrollStore(pool *pgxpool.Pool, ledger *memoryLedgerStore) PayrollStore {
	if pool == nil {
		return newMemoryPayrollStore(ledger)
	}
	return &pgPayrollStore{pool: pool}
}

func (s *pgPayrollStore) Periods(_ context.Context) ([]PayrollPeriod, error) {
	return currentPeriods(time.Now()), nil
}

type pgPayrollCreateUOW struct {
	run PayrollRun
}

func (u pgPayrollCreateUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	run := u.run
	if err := validatePeriodKey(run.PeriodKey); err != nil {
		return nil, err
	}
	if err := mutation.EnforceWriteCompanyScope("payroll.payroll_runs", run.TenantID, run.CompanyID); err != nil {
		return nil, err
	}
	err := tx.QueryRow(ctx, `
INSERT INTO payroll.payroll_runs (tenant_id, company_id, period_key, status, mutation_key)
VALUES ($1, $2, $3, 'open', $4)
RETURNING id::text, status, created_at;
`, run.TenantID, run.CompanyID, run.PeriodKey, key).Scan(&run.ID, &run.Status, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (u pgPayrollCreateUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	run := PayrollRun{TenantID: u.run.TenantID}
	err := q.QueryRow(ctx, `
SELECT id::text, company_id::text, period_key, status, created_at
FROM payroll.payroll_runs
WHERE mutation_key = $1;
`, key).Scan(&run.ID, &run.CompanyID, &run.PeriodKey, &run.Status, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *pgPayrollStore) CreateRunWork(run PayrollRun) mutation.UnitOfWork {
	return pgPayrollCreateUOW{run: run}
}

type pgPayrollFinalizeUOW struct {
	tenantID  string
	companyID string
	runID     string
	inputs    []PayrollEmployeeInput
}

func (u pgPayrollFinalizeUOW) Insert(ctx context.Context, tx pgx.Tx, key string) (any, error) {
	for _, table := range []string{"payroll.payroll_runs", "payroll.payslips", "ledger.journal_entries"} {
		if err := mutation.EnforceWriteCompanyScope(table, u.tenantID, u.companyID); err != nil {
			return nil, err
		}
	}

	slips, totalGross, totalWithholding, err := computePayslips(u.tenantID, u.companyID, u.runID, u.inputs)
	if err != nil {
		return nil, err
	}

	run := PayrollRun{TenantID: u.tenantID}
	err = tx.QueryRow(ctx, `
UPDATE payroll.payroll_runs
SET status = 'finalized', finalize_mutation_key = $1
WHERE tenant_id = $2 AND company_id = $3 AND id = $4 AND status = 'open'
RETURNING id::text, company_id::text, period_key, status, created_at;
`, key, u.tenantID, u.companyID, u.runID).Scan(&run.ID, &run.CompanyID, &run.PeriodKey, &run.Status, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The status guard also hides a finalize that already ran with
			// this key. Check for our key before blaming the caller.
			var applied bool
			aerr := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM payroll.payroll_runs
  WHERE tenant_id = $1 AND company_id = $2 AND id = $3 AND finalize_mutation_key = $4
);
`, u.tenantID, u.companyID, u.runID, key).Scan(&applied)
			if aerr != nil {
				return nil, aerr
			}
			if applied {
				return nil, mutation.ErrAlreadyApplied
			}
			return nil, httperr.NewBadRequest("payroll run is not open")
		}
		return nil, err
	}

	for _, slip := range slips {
		_, err := tx.Exec(ctx, `
INSERT INTO payroll.payslips (id, run_id, tenant_id, company_id, employee_id, gross_cents, withholding_cents, net_cents)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`, slip.ID, slip.RunID, slip.TenantID, slip.CompanyID, slip.EmployeeID, slip.GrossCents, slip.WithholdingCents, slip.NetCents)
		if err != nil {
			return nil, err
		}
	}

	entry := payrollJournalEntry(u.tenantID, u.companyID, u.runID, totalGross, totalWithholding, time.Now())
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
	return run, nil
}

func (u pgPayrollFinalizeUOW) Recover(ctx context.Context, q mutation.RowQuerier, key string) (any, error) {
	run := PayrollRun{TenantID: u.tenantID}
	err := q.QueryRow(ctx, `
SELECT id::text, company_id::text, period_key, status, created_at
FROM payroll.payroll_runs
WHERE finalize_mutation_key = $1;
`, key).Scan(&run.ID, &run.CompanyID, &run.PeriodKey, &run.Status, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *pgPayrollStore) FinalizeRunWork(tenantID string, companyID string, runID string, inputs []PayrollEmployeeInput) mutation.UnitOfWork {
	return pgPayrollFinalizeUOW{tenantID: tenantID, companyID: companyID, runID: runID, inputs: inputs}
}

func (s *pgPayrollStore) ListRuns(ctx context.Context, tenantID string, companyID string) ([]PayrollRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, company_id::text, period_key, status, created_at
FROM payroll.payroll_runs
WHERE tenant_id = $1 AND company_id = $2
ORDER BY created_at, id;
`, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PayrollRun
	for rows.Next() {
		run := PayrollRun{TenantID: tenantID}
		if err := rows.Scan(&run.ID, &run.CompanyID, &run.PeriodKey, &run.Status, &run.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *pgPayrollStore) ListPayslips(ctx context.Context, tenantID string, companyID string, runID string) ([]Payslip, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, run_id::text, company_id::text, employee_id, gross_cents, withholding_cents, net_cents
FROM payroll.payslips
WHERE tenant_id = $1 AND company_id = $2 AND ($3 = '' OR run_id::text = $3)
ORDER BY employee_id;
`, tenantID, companyID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payslip
	for rows.Next() {
		slip := Payslip{TenantID: tenantID}
		if err := rows.Scan(&slip.ID, &slip.RunID, &slip.CompanyID, &slip.EmployeeID, &slip.GrossCents, &slip.WithholdingCents, &slip.NetCents); err != nil {
			return nil, err
		}
		out = append(out, slip)
	}
	return out, rows.Err()
}

func handlePayrollPeriodsAPI(w http.ResponseWriter, r *http.Request, store PayrollStore) {
	periods, err := store.Periods(r.Context())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": periods})
}

func handlePayrollRunsAPI(w http.ResponseWriter, r *http.Request, store PayrollStore, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		runs, err := store.ListRuns(r.Context(), tc.TenantID, tc.CompanyID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": runs})
	case http.MethodPost:
		var req struct {
			PeriodKey string `json:"period_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		run := PayrollRun{TenantID: tc.TenantID, CompanyID: tc.CompanyID, PeriodKey: req.PeriodKey}
		naturalKey := tc.CompanyID + ":" + req.PeriodKey
		res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "payroll.run_create", naturalKey, store.CreateRunWork(run))
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"run": res.Record, "replayed": res.Replayed})
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handlePayrollRunsFinalizeAPI(w http.ResponseWriter, r *http.Request, store PayrollStore, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	var req struct {
		RunID     string                 `json:"run_id"`
		Employees []PayrollEmployeeInput `json:"employees"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "run_id required")
		return
	}
	uow := store.FinalizeRunWork(tc.TenantID, tc.CompanyID, req.RunID, req.Employees)
	res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "payroll.run_finalize", req.RunID, uow)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": res.Record, "replayed": res.Replayed})
}

func handlePayrollPayslipsAPI(w http.ResponseWriter, r *http.Request, store PayrollStore) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	slips, err := store.ListPayslips(r.Context(), tc.TenantID, tc.CompanyID, r.URL.Query().Get("run_id"))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": slips})
}
