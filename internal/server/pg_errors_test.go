package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestResolveWriteError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "stable code in message",
			err:        &pgconn.PgError{Code: "P0001", Message: "LEDGER_PERIOD_CLOSED"},
			wantStatus: 409,
			wantCode:   "LEDGER_PERIOD_CLOSED",
		},
		{
			name:       "finalize draft constraint",
			err:        &pgconn.PgError{Code: "23514", ConstraintName: "invoices_finalize_requires_draft"},
			wantStatus: 409,
			wantCode:   codeInvoiceNotDraft,
		},
		{
			name:       "payment exceeds due",
			err:        &pgconn.PgError{Code: "23514", ConstraintName: "payments_amount_within_due_check"},
			wantStatus: 409,
			wantCode:   codePaymentExceedsDue,
		},
		{
			name:       "unbalanced journal",
			err:        &pgconn.PgError{Code: "23514", ConstraintName: "journal_entries_balanced_check"},
			wantStatus: 422,
			wantCode:   codeJournalUnbalanced,
		},
		{
			name:       "payroll run not open",
			err:        &pgconn.PgError{Code: "23514", ConstraintName: "payroll_runs_finalize_requires_open"},
			wantStatus: 409,
			wantCode:   codePayrollRunNotOpen,
		},
		{
			name:       "duplicate tax filing",
			err:        &pgconn.PgError{Code: "23505", ConstraintName: "tax_filings_period_unique"},
			wantStatus: 409,
			wantCode:   codeTaxFilingDuplicate,
		},
		{
			name:       "bad input syntax",
			err:        &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"},
			wantStatus: 400,
			wantCode:   codeInvalidInput,
		},
		{
			name:       "anonymous check violation",
			err:        &pgconn.PgError{Code: "23514", Message: "new row violates check constraint"},
			wantStatus: 422,
			wantCode:   codeInvalidInput,
		},
		{
			name:       "wrapped pg error",
			err:        fmt.Errorf("insert: %w", &pgconn.PgError{Code: "P0001", Message: "PAYROLL_RUN_NOT_OPEN"}),
			wantStatus: 409,
			wantCode:   codePayrollRunNotOpen,
		},
		{
			name:       "plain error",
			err:        errors.New("connection reset"),
			wantStatus: 500,
			wantCode:   codeWriteFailed,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, code := resolveWriteError(c.err)
			if status != c.wantStatus || code != c.wantCode {
				t.Fatalf("resolveWriteError = (%d, %q), want (%d, %q)", status, code, c.wantStatus, c.wantCode)
			}
		})
	}
}

func TestIsStableDBCode(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"LEDGER_PERIOD_CLOSED", true},
		{"TAX_FILING_ALREADY_SUBMITTED", true},
		{"INVALID_INPUT_2", true},
		{"ledger_period_closed", false},
		{"LEDGER PERIOD CLOSED", false},
		{"LEDGER", false},
		{"", false},
	}
	for _, c := range cases {
		if got := isStableDBCode(c.in); got != c.want {
			t.Fatalf("isStableDBCode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
