package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ledgerline/ledgerline/internal/routing"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	"github.com/ledgerline/ledgerline/modules/invoicing/services"
	"github.com/ledgerline/ledgerline/pkg/httperr"
)

// memoryJournalPoster bridges the invoicing module's journal seam onto the
// in-memory ledger store.
func memoryJournalPoster(ledger *memoryLedgerStore) ports.JournalPoster {
	return func(ctx context.Context, tenantID string, companyID string, entryDate string, sourceRef string, memo string, lines []ports.JournalLineSpec) error {
		entry := JournalEntry{
			TenantID:     tenantID,
			CompanyID:    companyID,
			EntryDate:    entryDate,
			SourceModule: "invoicing",
			SourceRef:    sourceRef,
			Memo:         memo,
		}
		for _, line := range lines {
			entry.Lines = append(entry.Lines, JournalLine{
				AccountCode: line.AccountCode,
				DebitCents:  line.DebitCents,
				CreditCents: line.CreditCents,
			})
		}
		_, err := (memoryLedgerUOW{store: ledger, entry: entry}).Insert(ctx, nil, "")
		return err
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case httperr.IsBadRequest(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case httperr.IsNotFound(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", err.Error())
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func handleInvoicesAPI(w http.ResponseWriter, r *http.Request, svc *services.InvoiceService, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		invoices, err := svc.ListInvoices(r.Context(), tc.TenantID, tc.CompanyID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": invoices})
	case http.MethodPost:
		var req services.CreateInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		naturalKey, uow, err := svc.CreateInvoiceWork(tc.TenantID, tc.CompanyID, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "invoicing.invoice_create", naturalKey, uow)
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invoice": res.Record, "replayed": res.Replayed})
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleInvoicesFinalizeAPI(w http.ResponseWriter, r *http.Request, svc *services.InvoiceService, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	var req struct {
		InvoiceID string `json:"invoice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	naturalKey, uow, err := svc.FinalizeInvoiceWork(tc.TenantID, tc.CompanyID, req.InvoiceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "invoicing.invoice_finalize", naturalKey, uow)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": res.Record, "replayed": res.Replayed})
}

func handlePaymentsAPI(w http.ResponseWriter, r *http.Request, svc *services.InvoiceService, engine writeEngine) {
	tc, ok := currentTenantContext(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		payments, err := svc.ListPayments(r.Context(), tc.TenantID, tc.CompanyID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "list_failed", "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": payments})
	case http.MethodPost:
		var req services.RecordPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		naturalKey, uow, err := svc.RecordPaymentWork(tc.TenantID, tc.CompanyID, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		res, ok := runIdempotentWrite(w, r, engine, tc.TenantID, "invoicing.payment_record", naturalKey, uow)
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"payment": res.Record, "replayed": res.Replayed})
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
