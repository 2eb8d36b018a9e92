package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type txStub struct {
	commitErr error
	commits   *int
	rollbacks *int
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error {
	if t.commits != nil {
		*t.commits++
	}
	return t.commitErr
}
func (t *txStub) Rollback(context.Context) error {
	if t.rollbacks != nil {
		*t.rollbacks++
	}
	return nil
}
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Conn() *pgx.Conn { return nil }
func (t *txStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

type dbStub struct {
	tx       *txStub
	beginErr error
}

func (d *dbStub) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

func (d *dbStub) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

type uowStub struct {
	mu         sync.Mutex
	insertErrs []error
	inserts    int
	recovers   int
	record     any
	recovered  any
	recoverErr error
	keys       []string
}

func (u *uowStub) Insert(_ context.Context, _ pgx.Tx, key string) (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	i := u.inserts
	u.inserts++
	if i < len(u.insertErrs) && u.insertErrs[i] != nil {
		return nil, u.insertErrs[i]
	}
	return u.record, nil
}

func (u *uowStub) Recover(_ context.Context, _ RowQuerier, _ string) (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recovers++
	if u.recoverErr != nil {
		return nil, u.recoverErr
	}
	return u.recovered, nil
}

func newTestEngine(db DB) *Engine {
	e := NewEngine(db)
	e.sleep = func(time.Duration) {}
	return e
}

func keyConflict(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func TestWithIdempotentWriteCreates(t *testing.T) {
	commits := 0
	db := &dbStub{tx: &txStub{commits: &commits}}
	uow := &uowStub{record: "invoice-row"}
	e := newTestEngine(db)

	res, err := e.WithIdempotentWrite(context.Background(), "t1", "invoicing.invoice_create", "INV-001", uow)
	if err != nil {
		t.Fatalf("WithIdempotentWrite: %v", err)
	}
	if res.Replayed || res.Outcome != OutcomeCreated {
		t.Fatalf("result=%+v", res)
	}
	if res.Record != "invoice-row" {
		t.Fatalf("record=%v", res.Record)
	}
	if commits != 1 {
		t.Fatalf("commits=%d", commits)
	}
	if uow.recovers != 0 {
		t.Fatalf("recovers=%d", uow.recovers)
	}
	want := Key("t1", "invoicing.invoice_create", "INV-001")
	if len(uow.keys) != 1 || uow.keys[0] != want {
		t.Fatalf("keys=%v want=%s", uow.keys, want)
	}
}

func TestWithIdempotentWriteRecoversOnKeyConflict(t *testing.T) {
	rollbacks := 0
	db := &dbStub{tx: &txStub{rollbacks: &rollbacks}}
	uow := &uowStub{
		insertErrs: []error{keyConflict("invoices_mutation_key_unique")},
		recovered:  "existing-row",
	}
	e := newTestEngine(db)

	res, err := e.WithIdempotentWrite(context.Background(), "t1", "invoicing.invoice_create", "INV-001", uow)
	if err != nil {
		t.Fatalf("WithIdempotentWrite: %v", err)
	}
	if !res.Replayed || res.Outcome != OutcomeRecovered {
		t.Fatalf("result=%+v", res)
	}
	if res.Record != "existing-row" {
		t.Fatalf("record=%v", res.Record)
	}
	if uow.recovers != 1 {
		t.Fatalf("recovers=%d", uow.recovers)
	}
	if rollbacks == 0 {
		t.Fatal("expected transaction rollback before recovery")
	}
}

func TestWithIdempotentWriteOtherUniqueViolationPropagates(t *testing.T) {
	db := &dbStub{tx: &txStub{}}
	uow := &uowStub{insertErrs: []error{keyConflict("invoices_invoice_no_unique")}}
	e := newTestEngine(db)

	_, err := e.WithIdempotentWrite(context.Background(), "t1", "invoicing.invoice_create", "INV-001", uow)
	if err == nil {
		t.Fatal("expected error")
	}
	if uow.recovers != 0 {
		t.Fatalf("recovers=%d", uow.recovers)
	}
}

func TestWithIdempotentWriteRetriesTransient(t *testing.T) {
	db := &dbStub{tx: &txStub{}}
	uow := &uowStub{
		insertErrs: []error{
			&pgconn.PgError{Code: "40001"},
			&pgconn.PgError{Code: "40P01"},
		},
		record: "row",
	}
	slept := 0
	e := NewEngine(db)
	e.sleep = func(time.Duration) { slept++ }

	res, err := e.WithIdempotentWrite(context.Background(), "t1", "ledger.entry_post", "JE-9", uow)
	if err != nil {
		t.Fatalf("WithIdempotentWrite: %v", err)
	}
	if res.Replayed {
		t.Fatal("must not be replayed")
	}
	if uow.inserts != 3 {
		t.Fatalf("inserts=%d", uow.inserts)
	}
	if slept != 2 {
		t.Fatalf("slept=%d", slept)
	}
}

func TestWithIdempotentWriteExhaustsTransientRetries(t *testing.T) {
	db := &dbStub{tx: &txStub{}}
	uow := &uowStub{
		insertErrs: []error{
			&pgconn.PgError{Code: "40001"},
			&pgconn.PgError{Code: "40001"},
			&pgconn.PgError{Code: "40001"},
		},
	}
	e := newTestEngine(db)

	_, err := e.WithIdempotentWrite(context.Background(), "t1", "ledger.entry_post", "JE-9", uow)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "40001" {
		t.Fatalf("err=%v", err)
	}
	if uow.inserts != 3 {
		t.Fatalf("inserts=%d", uow.inserts)
	}
}

func TestWithIdempotentWriteHardErrorNoRetry(t *testing.T) {
	db := &dbStub{tx: &txStub{}}
	uow := &uowStub{insertErrs: []error{&pgconn.PgError{Code: "23502"}}}
	e := newTestEngine(db)

	if _, err := e.WithIdempotentWrite(context.Background(), "t1", "ledger.entry_post", "JE-9", uow); err == nil {
		t.Fatal("expected error")
	}
	if uow.inserts != 1 {
		t.Fatalf("inserts=%d", uow.inserts)
	}
}

func TestWithIdempotentWriteCommitErrorPropagates(t *testing.T) {
	db := &dbStub{tx: &txStub{commitErr: errors.New("commit failed")}}
	uow := &uowStub{record: "row"}
	e := newTestEngine(db)

	if _, err := e.WithIdempotentWrite(context.Background(), "t1", "ledger.entry_post", "JE-9", uow); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithIdempotentWriteRejectsUnknownOperation(t *testing.T) {
	e := newTestEngine(&dbStub{tx: &txStub{}})
	if _, err := e.WithIdempotentWrite(context.Background(), "t1", "invoicing.delete_everything", "x", &uowStub{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithIdempotentWriteRequiresTenantAndNaturalKey(t *testing.T) {
	e := newTestEngine(&dbStub{tx: &txStub{}})
	if _, err := e.WithIdempotentWrite(context.Background(), "", "ledger.entry_post", "JE-9", &uowStub{}); err == nil {
		t.Fatal("expected tenant error")
	}
	if _, err := e.WithIdempotentWrite(context.Background(), "t1", "ledger.entry_post", "  ", &uowStub{}); err == nil {
		t.Fatal("expected natural key error")
	}
}

// Two concurrent submissions with the same natural key: one creates, the
// other recovers the same record, never two effects.
func TestWithIdempotentWriteConcurrentDoubleSubmit(t *testing.T) {
	var mu sync.Mutex
	inserted := false

	uow := &racingUOW{insert: func(key string) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if inserted {
			return nil, keyConflict("invoices_mutation_key_unique")
		}
		inserted = true
		return "invoice-123", nil
	}}

	e := newTestEngine(&dbStub{tx: &txStub{}})

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.WithIdempotentWrite(context.Background(), "tenant-t", "invoicing.invoice_finalize", "INV-123", uow)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	replayed := 0
	for _, res := range results {
		if res.Record != "invoice-123" {
			t.Fatalf("record=%v", res.Record)
		}
		if res.Replayed {
			replayed++
		}
	}
	if replayed != 1 {
		t.Fatalf("replayed=%d", replayed)
	}
}

type racingUOW struct {
	insert func(key string) (any, error)
}

func (u *racingUOW) Insert(_ context.Context, _ pgx.Tx, key string) (any, error) {
	return u.insert(key)
}

func (u *racingUOW) Recover(context.Context, RowQuerier, string) (any, error) {
	return "invoice-123", nil
}

func TestIsMutationKeyConflict(t *testing.T) {
	if !isMutationKeyConflict(keyConflict("payments_mutation_key_unique")) {
		t.Fatal("suffix constraint must match")
	}
	if isMutationKeyConflict(keyConflict("payments_payment_ref_unique")) {
		t.Fatal("other constraint must not match")
	}
	if isMutationKeyConflict(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("non-unique code must not match")
	}
	if isMutationKeyConflict(errors.New("boom")) {
		t.Fatal("non-pg error must not match")
	}
}
