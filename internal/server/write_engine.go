package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/pkg/httperr"
)

// writeEngine is the single entry point for financial writes. Production
// wiring uses mutation.Engine over a pgx pool; memoryWriteEngine backs
// DATABASE_URL-less runs and tests.
type writeEngine interface {
	WithIdempotentWrite(ctx context.Context, tenantID string, operation string, naturalKey string, uow mutation.UnitOfWork) (mutation.Result, error)
}

type memoryWriteEngine struct {
	mu      sync.Mutex
	records map[string]any
}

func newMemoryWriteEngine() *memoryWriteEngine {
	return &memoryWriteEngine{records: map[string]any{}}
}

func (e *memoryWriteEngine) WithIdempotentWrite(ctx context.Context, tenantID string, operation string, naturalKey string, uow mutation.UnitOfWork) (mutation.Result, error) {
	entry, ok := mutation.Lookup(operation)
	if !ok {
		return mutation.Result{}, errors.New("mutation: operation not in registry: " + operation)
	}
	if entry.Strategy != mutation.StrategyNaturalKey {
		return mutation.Result{}, errors.New("mutation: operation has no natural-key strategy: " + operation)
	}
	tenantID = strings.TrimSpace(tenantID)
	naturalKey = strings.TrimSpace(naturalKey)
	if tenantID == "" || naturalKey == "" {
		return mutation.Result{}, errors.New("mutation: tenant id and natural key are required")
	}

	key := mutation.Key(tenantID, operation, naturalKey)

	e.mu.Lock()
	defer e.mu.Unlock()
	if record, ok := e.records[key]; ok {
		return mutation.Result{Record: record, Outcome: mutation.OutcomeRecovered, Replayed: true}, nil
	}
	record, err := uow.Insert(ctx, nil, key)
	if err != nil {
		return mutation.Result{}, err
	}
	e.records[key] = record
	return mutation.Result{Record: record, Outcome: mutation.OutcomeCreated, Replayed: false}, nil
}

// runIdempotentWrite funnels a handler's write through the engine and owns
// the error envelope. The bool result tells the handler whether to render.
func runIdempotentWrite(w http.ResponseWriter, r *http.Request, engine writeEngine, tenantID string, operation string, naturalKey string, uow mutation.UnitOfWork) (mutation.Result, bool) {
	res, err := engine.WithIdempotentWrite(r.Context(), tenantID, operation, naturalKey, uow)
	if err != nil {
		if httperr.IsBadRequest(err) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_request", err.Error())
			return mutation.Result{}, false
		}
		if httperr.IsNotFound(err) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", err.Error())
			return mutation.Result{}, false
		}
		status, code := resolveWriteError(err)
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, "write rejected")
		return mutation.Result{}, false
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	return res, true
}
