package server

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Stable machine codes surfaced to API clients for database rejections.
// Anything not in this table falls through as write_failed.
const (
	codeInvoiceNotDraft    = "INVOICING_INVOICE_NOT_DRAFT"
	codePaymentExceedsDue  = "INVOICING_PAYMENT_EXCEEDS_DUE"
	codeJournalUnbalanced  = "LEDGER_JOURNAL_UNBALANCED"
	codePeriodClosed       = "LEDGER_PERIOD_CLOSED"
	codePayrollRunNotOpen  = "PAYROLL_RUN_NOT_OPEN"
	codeTaxFilingDuplicate = "TAX_FILING_ALREADY_SUBMITTED"
	codeInvalidInput       = "INVALID_INPUT"
	codeWriteFailed        = "WRITE_FAILED"
)

func pgErrorMessage(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isStableDBCode(msg string) bool {
	if msg == "" {
		return false
	}
	for _, r := range msg {
		if r >= 'A' && r <= 'Z' || r == '_' || r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return strings.Contains(msg, "_")
}

// resolveWriteError maps a storage failure to (status, code). Raises against
// triggers in our schema carry the stable code in the message verbatim.
func resolveWriteError(err error) (int, string) {
	msg := pgErrorMessage(err)
	if isStableDBCode(msg) {
		return 409, msg
	}

	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "invoices_finalize_requires_draft":
			return 409, codeInvoiceNotDraft
		case "payments_amount_within_due_check":
			return 409, codePaymentExceedsDue
		case "journal_entries_balanced_check":
			return 422, codeJournalUnbalanced
		case "journal_entries_period_open_check":
			return 409, codePeriodClosed
		case "payroll_runs_finalize_requires_open":
			return 409, codePayrollRunNotOpen
		case "tax_filings_period_unique":
			return 409, codeTaxFilingDuplicate
		}
		switch strings.TrimSpace(pgErr.Code) {
		case "22P02", "22007", "22008":
			return 400, codeInvalidInput
		case "23514":
			return 422, codeInvalidInput
		}
	}
	return 500, codeWriteFailed
}
