package services

import (
	"context"
	"strings"
	"time"

	"github.com/ledgerline/ledgerline/internal/mutation"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/ports"
	"github.com/ledgerline/ledgerline/modules/invoicing/domain/types"
	"github.com/ledgerline/ledgerline/pkg/httperr"
)

type InvoiceService struct {
	store ports.InvoiceStore
}

func NewInvoiceService(store ports.InvoiceStore) *InvoiceService {
	return &InvoiceService{store: store}
}

type CreateInvoiceRequest struct {
	InvoiceNo    string              `json:"invoice_no"`
	CustomerName string              `json:"customer_name"`
	CurrencyCode string              `json:"currency_code"`
	IssueDate    string              `json:"issue_date"`
	DueDate      string              `json:"due_date"`
	Lines        []types.InvoiceLine `json:"lines"`
}

type RecordPaymentRequest struct {
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Reference   string `json:"reference"`
	PaidOn      string `json:"paid_on"`
}

func parseDay(field string, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", httperr.NewBadRequest(field + " required")
	}
	if _, err := time.Parse("2006-01-02", v); err != nil {
		return "", httperr.NewBadRequest(field + " must be YYYY-MM-DD")
	}
	return v, nil
}

// CreateInvoiceWork validates the request and totals the lines. The invoice
// number doubles as the idempotency natural key.
func (s *InvoiceService) CreateInvoiceWork(tenantID string, companyID string, req CreateInvoiceRequest) (string, mutation.UnitOfWork, error) {
	invoiceNo := strings.TrimSpace(req.InvoiceNo)
	if invoiceNo == "" {
		return "", nil, httperr.NewBadRequest("invoice_no required")
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		return "", nil, httperr.NewBadRequest("customer_name required")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.CurrencyCode))
	if len(currency) != 3 {
		return "", nil, httperr.NewBadRequest("currency_code must be a 3-letter code")
	}
	issueDate, err := parseDay("issue_date", req.IssueDate)
	if err != nil {
		return "", nil, err
	}
	dueDate, err := parseDay("due_date", req.DueDate)
	if err != nil {
		return "", nil, err
	}
	if dueDate < issueDate {
		return "", nil, httperr.NewBadRequest("due_date before issue_date")
	}
	if len(req.Lines) == 0 {
		return "", nil, httperr.NewBadRequest("at least one line required")
	}
	var total int64
	for _, line := range req.Lines {
		if strings.TrimSpace(line.Description) == "" {
			return "", nil, httperr.NewBadRequest("line description required")
		}
		if line.Quantity <= 0 || line.UnitCents <= 0 {
			return "", nil, httperr.NewBadRequest("line quantity and unit_cents must be positive")
		}
		total += line.Quantity * line.UnitCents
	}

	inv := types.Invoice{
		TenantID:     tenantID,
		CompanyID:    companyID,
		InvoiceNo:    invoiceNo,
		CustomerName: strings.TrimSpace(req.CustomerName),
		CurrencyCode: currency,
		TotalCents:   total,
		BalanceCents: total,
		IssueDate:    issueDate,
		DueDate:      dueDate,
		Status:       types.InvoiceStatusDraft,
	}
	naturalKey := companyID + ":" + invoiceNo
	return naturalKey, s.store.CreateInvoiceWork(inv), nil
}

func (s *InvoiceService) FinalizeInvoiceWork(tenantID string, companyID string, invoiceID string) (string, mutation.UnitOfWork, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return "", nil, httperr.NewBadRequest("invoice_id required")
	}
	return invoiceID, s.store.FinalizeInvoiceWork(tenantID, companyID, invoiceID), nil
}

// RecordPaymentWork keys idempotency on the external payment reference scoped
// to the company, so a bank webhook retrying the same reference lands on the
// same payment row while sister companies may reuse reference strings.
func (s *InvoiceService) RecordPaymentWork(tenantID string, companyID string, req RecordPaymentRequest) (string, mutation.UnitOfWork, error) {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return "", nil, httperr.NewBadRequest("invoice_id required")
	}
	if req.AmountCents <= 0 {
		return "", nil, httperr.NewBadRequest("amount_cents must be positive")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return "", nil, httperr.NewBadRequest("reference required")
	}
	paidOn, err := parseDay("paid_on", req.PaidOn)
	if err != nil {
		return "", nil, err
	}

	p := types.Payment{
		TenantID:    tenantID,
		CompanyID:   companyID,
		InvoiceID:   strings.TrimSpace(req.InvoiceID),
		AmountCents: req.AmountCents,
		Method:      strings.TrimSpace(req.Method),
		Reference:   reference,
		PaidOn:      paidOn,
	}
	return companyID + ":" + reference, s.store.RecordPaymentWork(p), nil
}

func (s *InvoiceService) ListInvoices(ctx context.Context, tenantID string, companyID string) ([]types.Invoice, error) {
	return s.store.ListInvoices(ctx, tenantID, companyID)
}

func (s *InvoiceService) ListPayments(ctx context.Context, tenantID string, companyID string) ([]types.Payment, error) {
	return s.store.ListPayments(ctx, tenantID, companyID)
}
