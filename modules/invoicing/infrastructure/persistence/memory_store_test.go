package persistence

import (
	"context"
	"testing"

	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/types"
	"github.com/ledgerline/ledgerline/pkg/httperr"
)

type postedEntry struct {
	tenantID  string
	companyID string
	entryDate string
	sourceRef string
	memo      string
	lines     []ports.JournalLineSpec
}

type journalRecorder struct {
	entries []postedEntry
}

func (r *journalRecorder) post(_ context.Context, tenantID string, companyID string, entryDate string, sourceRef string, memo string, lines []ports.JournalLineSpec) error {
	r.entries = append(r.entries, postedEntry{
		tenantID:  tenantID,
		companyID: companyID,
		entryDate: entryDate,
		sourceRef: sourceRef,
		memo:      memo,
		lines:     lines,
	})
	return nil
}

func draftInvoice(tenantID, companyID, invoiceNo string) types.Invoice {
	return types.Invoice{
		TenantID:     tenantID,
		CompanyID:    companyID,
		InvoiceNo:    invoiceNo,
		CustomerName: "Globex",
		CurrencyCode: "USD",
		TotalCents:   100000,
		BalanceCents: 100000,
		IssueDate:    "2026-08-01",
		DueDate:      "2026-08-31",
		Status:       types.InvoiceStatusDraft,
	}
}

func mustCreate(t *testing.T, store *MemoryInvoiceStore, inv types.Invoice) types.Invoice {
	t.Helper()
	row, err := store.CreateInvoiceWork(inv).Insert(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return row.(types.Invoice)
}

func TestMemoryInsertRecordsKeyForRecovery(t *testing.T) {
	rec := &journalRecorder{}
	store := NewMemoryInvoiceStore(rec.post)

	row, err := store.CreateInvoiceWork(draftInvoice("t1", "c1", "INV-1")).Insert(context.Background(), nil, "k-create")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := row.(types.Invoice)

	got, err := store.CreateInvoiceWork(draftInvoice("t1", "c1", "INV-2")).Recover(context.Background(), nil, "k-create")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.(types.Invoice).ID != created.ID {
		t.Fatalf("recovered %+v, want id %q", got, created.ID)
	}

	work := store.FinalizeInvoiceWork("t1", "c1", created.ID)
	if _, err := work.Recover(context.Background(), nil, "k-unknown"); !httperr.IsNotFound(err) {
		t.Fatalf("unknown key: got %v", err)
	}
}

func TestMemoryCreateRejectsDuplicateNumber(t *testing.T) {
	rec := &journalRecorder{}
	store := NewMemoryInvoiceStore(rec.post)

	created := mustCreate(t, store, draftInvoice("t1", "c1", "INV-1"))
	if created.ID == "" {
		t.Fatal("created invoice has no id")
	}

	_, err := store.CreateInvoiceWork(draftInvoice("t1", "c1", "INV-1")).Insert(context.Background(), nil, "")
	if !httperr.IsBadRequest(err) {
		t.Fatalf("duplicate invoice_no: got %v", err)
	}

	// Same number under another company is a different invoice.
	if _, err := store.CreateInvoiceWork(draftInvoice("t1", "c2", "INV-1")).Insert(context.Background(), nil, ""); err != nil {
		t.Fatalf("same number, other company: %v", err)
	}
}

func TestMemoryCreateRejectsMissingScope(t *testing.T) {
	store := NewMemoryInvoiceStore((&journalRecorder{}).post)

	inv := draftInvoice("t1", "c1", "INV-1")
	inv.CompanyID = ""
	if _, err := store.CreateInvoiceWork(inv).Insert(context.Background(), nil, ""); err == nil {
		t.Fatal("expected scope rejection")
	}
}

func TestMemoryFinalizePostsReceivableEntry(t *testing.T) {
	rec := &journalRecorder{}
	store := NewMemoryInvoiceStore(rec.post)
	inv := mustCreate(t, store, draftInvoice("t1", "c1", "INV-1"))

	row, err := store.FinalizeInvoiceWork("t1", "c1", inv.ID).Insert(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := row.(types.Invoice).Status; got != types.InvoiceStatusFinalized {
		t.Fatalf("status = %q", got)
	}

	if len(rec.entries) != 1 {
		t.Fatalf("posted %d entries, want 1", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.sourceRef != inv.ID || entry.entryDate != inv.IssueDate {
		t.Fatalf("entry = %+v", entry)
	}
	if len(entry.lines) != 2 {
		t.Fatalf("entry has %d lines", len(entry.lines))
	}
	if entry.lines[0].AccountCode != accountReceivable || entry.lines[0].DebitCents != 100000 {
		t.Fatalf("debit line = %+v", entry.lines[0])
	}
	if entry.lines[1].AccountCode != accountRevenue || entry.lines[1].CreditCents != 100000 {
		t.Fatalf("credit line = %+v", entry.lines[1])
	}

	// Finalize is draft-only.
	if _, err := store.FinalizeInvoiceWork("t1", "c1", inv.ID).Insert(context.Background(), nil, ""); !httperr.IsBadRequest(err) {
		t.Fatalf("finalize of finalized invoice: got %v", err)
	}
}

func TestMemoryFinalizeUnknownInvoice(t *testing.T) {
	store := NewMemoryInvoiceStore((&journalRecorder{}).post)
	if _, err := store.FinalizeInvoiceWork("t1", "c1", "nope").Insert(context.Background(), nil, ""); !httperr.IsNotFound(err) {
		t.Fatalf("got %v", err)
	}
}

func TestMemoryPaymentLifecycle(t *testing.T) {
	rec := &journalRecorder{}
	store := NewMemoryInvoiceStore(rec.post)
	inv := mustCreate(t, store, draftInvoice("t1", "c1", "INV-1"))

	payment := func(cents int64, ref string) types.Payment {
		return types.Payment{
			TenantID:    "t1",
			CompanyID:   "c1",
			InvoiceID:   inv.ID,
			AmountCents: cents,
			Method:      "bank_transfer",
			Reference:   ref,
			PaidOn:      "2026-08-20",
		}
	}

	// Draft invoices take no payments.
	if _, err := store.RecordPaymentWork(payment(40000, "ref-1")).Insert(context.Background(), nil, ""); !httperr.IsBadRequest(err) {
		t.Fatalf("payment against draft: got %v", err)
	}

	if _, err := store.FinalizeInvoiceWork("t1", "c1", inv.ID).Insert(context.Background(), nil, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := store.RecordPaymentWork(payment(40000, "ref-1")).Insert(context.Background(), nil, ""); err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	got, ok, err := store.GetInvoice(context.Background(), "t1", "c1", inv.ID)
	if err != nil || !ok {
		t.Fatalf("get invoice: ok=%v err=%v", ok, err)
	}
	if got.BalanceCents != 60000 || got.Status != types.InvoiceStatusFinalized {
		t.Fatalf("after partial payment: balance=%d status=%q", got.BalanceCents, got.Status)
	}

	if _, err := store.RecordPaymentWork(payment(70000, "ref-2")).Insert(context.Background(), nil, ""); !httperr.IsBadRequest(err) {
		t.Fatalf("overpayment: got %v", err)
	}

	if _, err := store.RecordPaymentWork(payment(60000, "ref-3")).Insert(context.Background(), nil, ""); err != nil {
		t.Fatalf("closing payment: %v", err)
	}
	got, _, _ = store.GetInvoice(context.Background(), "t1", "c1", inv.ID)
	if got.BalanceCents != 0 || got.Status != types.InvoiceStatusPaid {
		t.Fatalf("after closing payment: balance=%d status=%q", got.BalanceCents, got.Status)
	}

	// One finalize entry plus two payment entries, each debiting cash.
	if len(rec.entries) != 3 {
		t.Fatalf("posted %d entries, want 3", len(rec.entries))
	}
	last := rec.entries[2]
	if last.lines[0].AccountCode != accountCash || last.lines[0].DebitCents != 60000 {
		t.Fatalf("cash line = %+v", last.lines[0])
	}
	if last.lines[1].AccountCode != accountReceivable || last.lines[1].CreditCents != 60000 {
		t.Fatalf("receivable line = %+v", last.lines[1])
	}
}

func TestMemoryListsAreScoped(t *testing.T) {
	rec := &journalRecorder{}
	store := NewMemoryInvoiceStore(rec.post)

	mustCreate(t, store, draftInvoice("t1", "c1", "INV-1"))
	mustCreate(t, store, draftInvoice("t1", "c2", "INV-2"))
	mustCreate(t, store, draftInvoice("t2", "c1", "INV-3"))

	invoices, err := store.ListInvoices(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(invoices) != 1 || invoices[0].InvoiceNo != "INV-1" {
		t.Fatalf("scoped list = %+v", invoices)
	}

	payments, err := store.ListPayments(context.Background(), "t2", "c1")
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 0 {
		t.Fatalf("payments = %+v", payments)
	}
}
