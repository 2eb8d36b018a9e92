package server

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/ledgerline/internal/mutation"
)

func TestCurrentPeriods(t *testing.T) {
	now := time.Date(2026, time.August, 31, 12, 0, 0, 0, time.UTC)
	periods := currentPeriods(now)
	if len(periods) != 3 {
		t.Fatalf("len = %d", len(periods))
	}
	want := []string{"2026-06", "2026-07", "2026-08"}
	for i, p := range periods {
		if p.Key != want[i] {
			t.Fatalf("periods[%d] = %q, want %q", i, p.Key, want[i])
		}
	}
}

func TestCurrentPeriodsAcrossYearBoundary(t *testing.T) {
	now := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	periods := currentPeriods(now)
	if periods[0].Key != "2025-11" || periods[2].Key != "2026-01" {
		t.Fatalf("periods = %+v", periods)
	}
}

func TestComputePayslips(t *testing.T) {
	slips, gross, withholding, err := computePayslips("t1", "c1", "run-1", []PayrollEmployeeInput{
		{EmployeeID: "E-1", GrossCents: 1000000},
		{EmployeeID: "E-2", GrossCents: 2000000, DeductionCents: 500000},
	})
	if err != nil {
		t.Fatalf("computePayslips: %v", err)
	}
	if len(slips) != 2 {
		t.Fatalf("len = %d", len(slips))
	}
	// E-1: 10000.00 taxable at 3% = 300.00
	if slips[0].WithholdingCents != 30000 || slips[0].NetCents != 970000 {
		t.Fatalf("slip E-1 = %+v", slips[0])
	}
	// E-2: 15000.00 taxable at 3% = 450.00
	if slips[1].WithholdingCents != 45000 || slips[1].NetCents != 1955000 {
		t.Fatalf("slip E-2 = %+v", slips[1])
	}
	if gross != 3000000 || withholding != 75000 {
		t.Fatalf("totals = (%d, %d)", gross, withholding)
	}
}

func TestComputePayslipsRejectsDuplicates(t *testing.T) {
	_, _, _, err := computePayslips("t1", "c1", "run-1", []PayrollEmployeeInput{
		{EmployeeID: "E-1", GrossCents: 100},
		{EmployeeID: "E-1", GrossCents: 200},
	})
	if err == nil {
		t.Fatal("expected duplicate employee error")
	}
}

func TestPayrollJournalEntryBalances(t *testing.T) {
	entry := payrollJournalEntry("t1", "c1", "run-1", 3000000, 75000, time.Now())
	if err := validateJournalEntry(entry); err != nil {
		t.Fatalf("payroll journal entry invalid: %v", err)
	}
}

type scriptedRow struct {
	scan func(dest ...any) error
}

func (r scriptedRow) Scan(dest ...any) error { return r.scan(dest...) }

type scriptedTx struct {
	pgx.Tx
	queryRow func(sql string, args []any) pgx.Row
}

func (t scriptedTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.queryRow(sql, args)
}

func (t scriptedTx) Commit(context.Context) error   { return nil }
func (t scriptedTx) Rollback(context.Context) error { return nil }

type scriptedDB struct {
	tx       scriptedTx
	queryRow func(sql string, args []any) pgx.Row
}

func (d scriptedDB) Begin(context.Context) (pgx.Tx, error) { return d.tx, nil }

func (d scriptedDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return d.queryRow(sql, args)
}

func fillScan(t *testing.T, dest []any, vals ...any) error {
	t.Helper()
	if len(dest) != len(vals) {
		t.Fatalf("scan arity: %d targets, %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

// A second finalize for the same run finds it no longer open. When the row
// carries our key the write must come back as a replay, not as an error.
func TestFinalizeRunDuplicateRecovers(t *testing.T) {
	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	tx := scriptedTx{queryRow: func(sql string, _ []any) pgx.Row {
		switch {
		case strings.Contains(sql, "UPDATE payroll.payroll_runs"):
			return scriptedRow{scan: func(...any) error { return pgx.ErrNoRows }}
		case strings.Contains(sql, "SELECT EXISTS"):
			return scriptedRow{scan: func(dest ...any) error { return fillScan(t, dest, true) }}
		default:
			t.Fatalf("unexpected tx query: %s", sql)
			return nil
		}
	}}
	db := scriptedDB{tx: tx, queryRow: func(sql string, _ []any) pgx.Row {
		if !strings.Contains(sql, "finalize_mutation_key") {
			t.Fatalf("recovery read used the wrong key column: %s", sql)
		}
		return scriptedRow{scan: func(dest ...any) error {
			return fillScan(t, dest, "run-1", "c1", "2026-08", payrollRunFinalized, created)
		}}
	}}

	store := &pgPayrollStore{}
	uow := store.FinalizeRunWork("t1", "c1", "run-1", []PayrollEmployeeInput{
		{EmployeeID: "E-1", GrossCents: 1000000},
	})
	res, err := mutation.NewEngine(db).WithIdempotentWrite(context.Background(), "t1", "payroll.run_finalize", "run-1", uow)
	if err != nil {
		t.Fatalf("duplicate finalize: %v", err)
	}
	if !res.Replayed || res.Outcome != mutation.OutcomeRecovered {
		t.Fatalf("want recovered replay, got %+v", res)
	}
	run, ok := res.Record.(PayrollRun)
	if !ok {
		t.Fatalf("record type %T", res.Record)
	}
	if run.ID != "run-1" || run.Status != payrollRunFinalized {
		t.Fatalf("recovered run = %+v", run)
	}
}

func TestValidatePeriodKey(t *testing.T) {
	if err := validatePeriodKey("2026-08"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	for _, bad := range []string{"2026-13", "2026", "08-2026", "aug 2026", ""} {
		if err := validatePeriodKey(bad); err == nil {
			t.Fatalf("key %q accepted", bad)
		}
	}
}
