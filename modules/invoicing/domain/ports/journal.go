package ports

import "context"

type JournalLineSpec struct {
	AccountCode string
	DebitCents  int64
	CreditCents int64
}

// JournalPoster posts one balanced journal entry on behalf of an invoicing
// write. The memory store needs this seam; the pg store writes the ledger
// schema inside its own transaction instead.
type JournalPoster func(ctx context.Context, tenantID string, companyID string, entryDate string, sourceRef string, memo string, lines []JournalLineSpec) error
