package mutation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeRecovered Outcome = "recovered"
)

// Result carries the created-or-recovered record. Callers cannot distinguish
// a first call from a replay by record shape; only Replayed says which.
type Result struct {
	Record   any
	Outcome  Outcome
	Replayed bool
}

type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork performs exactly one logical creation effect. Insert must place
// key inside a uniqueness constraint named *_mutation_key_unique on the
// target row; Recover re-reads the surviving row after a key conflict.
type UnitOfWork interface {
	Insert(ctx context.Context, tx pgx.Tx, key string) (any, error)
	Recover(ctx context.Context, q RowQuerier, key string) (any, error)
}

const (
	pgCodeUniqueViolation      = "23505"
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
)

const mutationKeyConstraintSuffix = "_mutation_key_unique"

// ErrAlreadyApplied lets a UnitOfWork report that key is already recorded on
// the target row when its write cannot trip the uniqueness constraint itself,
// as with a status-guarded UPDATE that matches zero rows on a second run.
// The engine resolves it through Recover like any key conflict.
var ErrAlreadyApplied = errors.New("mutation: key already applied")

type Engine struct {
	db          DB
	maxAttempts int
	sleep       func(time.Duration)
}

func NewEngine(db DB) *Engine {
	return &Engine{
		db:          db,
		maxAttempts: 3,
		sleep:       time.Sleep,
	}
}

// WithIdempotentWrite executes operation's effect exactly once per distinct
// (tenantID, operation, naturalKey). Concurrent calls race on the store's
// uniqueness constraint; the loser recovers the winner's row. No in-process
// lock is held at any point.
func (e *Engine) WithIdempotentWrite(ctx context.Context, tenantID string, operation string, naturalKey string, uow UnitOfWork) (Result, error) {
	entry, ok := Lookup(operation)
	if !ok {
		return Result{}, errors.New("mutation: operation not in registry: " + operation)
	}
	if entry.Strategy != StrategyNaturalKey {
		return Result{}, errors.New("mutation: operation has no natural-key strategy: " + operation)
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Result{}, errors.New("mutation: tenant id is required")
	}
	naturalKey = strings.TrimSpace(naturalKey)
	if naturalKey == "" {
		return Result{}, errors.New("mutation: natural key is required")
	}

	key := Key(tenantID, operation, naturalKey)

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(backoff(attempt))
		}

		res, err := e.attempt(ctx, key, uow)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAlreadyApplied) || isMutationKeyConflict(err) {
			record, rerr := uow.Recover(ctx, e.db, key)
			if rerr != nil {
				return Result{}, rerr
			}
			return Result{Record: record, Outcome: OutcomeRecovered, Replayed: true}, nil
		}
		if !isTransient(err) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (e *Engine) attempt(ctx context.Context, key string, uow UnitOfWork) (Result, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	record, err := uow.Insert(ctx, tx, key)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	return Result{Record: record, Outcome: OutcomeCreated, Replayed: false}, nil
}

// isMutationKeyConflict recognizes only a unique violation on a mutation-key
// constraint. Unique violations on other constraints are real errors.
func isMutationKeyConflict(err error) bool {
	pgErr, ok := errors.AsType[*pgconn.PgError](err)
	if !ok || pgErr == nil {
		return false
	}
	if pgErr.Code != pgCodeUniqueViolation {
		return false
	}
	return strings.HasSuffix(strings.TrimSpace(pgErr.ConstraintName), mutationKeyConstraintSuffix)
}

func isTransient(err error) bool {
	pgErr, ok := errors.AsType[*pgconn.PgError](err)
	if !ok || pgErr == nil {
		return false
	}
	switch pgErr.Code {
	case pgCodeSerializationFailure, pgCodeDeadlockDetected:
		return true
	default:
		return false
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 25 * time.Millisecond
}
