/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the coordinator and the month-close engine over REST. Handles
  HTTP request/response and JSON serialization, and delegates every
  decision to the domain packages.

ENDPOINTS:
  Payments:
    POST   /api/payments                       Register payment (optionally linked)
    PUT    /api/payments/{id}                  Edit payment / move between invoices
    DELETE /api/payments/{id}                  Delete (?invoice_id=&amount= guard)

  Invoices:
    GET    /api/invoices?period=YYYY-MM        List invoices of a month
    POST   /api/invoices                       Generate invoice from sessions/contracts
    GET    /api/invoices/{id}                  Read invoice
    POST   /api/invoices/{id}/reconcile        Recompute AmountPaid from payments
    POST   /api/invoices/reconcile?period=     Reconcile every invoice of a month
    POST   /api/billing/preview                Price without writing

  Admin:
    GET    /api/admin/reconciliation           Last background sweep

  Month close:
    GET    /api/closures/{year}/{month}        Closed flag and frozen closure
    POST   /api/closures/{year}/{month}/summary Pre-close figures
    POST   /api/closures/{year}/{month}        Close the month

  Demo (only with BILLING_DEMO_SCENARIOS):
    GET    /api/scenarios                      List scenarios and loaded ones
    POST   /api/scenarios/load                 Load a scenario

ERROR HANDLING:
  Errors are returned as JSON with the ledger error kind as code:
  - 400: Invalid amount or record
  - 404: Invoice, payment or closure not found
  - 409: Conflict, already closed, already invoiced
  - 503: Aborted (client went away or deadline hit before commit)
  - 500: Anything else

SECURITY NOTE:
  No authentication. The API is meant to sit behind the clinic's admin UI.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scenarios.go: Demo data loaders
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
	"github.com/warp/clinic-billing/monthclose"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *coordinator.Coordinator
	Closer      *monthclose.Engine
	// Scheduler is optional; nil when background sweeps are disabled.
	Scheduler *ReconciliationScheduler
	// DemoScenarios mounts the scenario loader routes.
	DemoScenarios bool
	log           zerolog.Logger

	scenarioMu      sync.Mutex
	loadedScenarios []string
}

// NewHandler creates a new handler.
func NewHandler(coord *coordinator.Coordinator, closer *monthclose.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		Coordinator: coord,
		Closer:      closer,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RegisterPayment records a payment.
// POST /api/payments
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var intent ledger.PaymentIntent
	if err := decodeJSON(r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, inv, err := h.Coordinator.RegisterPayment(r.Context(), intent)
	if err != nil {
		h.writeDomainError(w, "Failed to register payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterPaymentResponse{PaymentID: id, Invoice: inv})
}

// UpdatePayment edits a payment.
// PUT /api/payments/{id}
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var req UpdatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Coordinator.UpdatePayment(r.Context(), paymentID, coordinator.PaymentUpdate{
		Data: ledger.PaymentData{
			ClientID: req.ClientID,
			Amount:   req.Amount,
			Method:   req.Method,
			Date:     req.Date,
			Concept:  req.Concept,
		},
		PreviousInvoiceID: req.PreviousInvoiceID,
		NewInvoiceID:      req.NewInvoiceID,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to update payment", err)
		return
	}

	payment, err := h.Coordinator.Payment(r.Context(), paymentID)
	if err != nil {
		h.writeDomainError(w, "Payment updated but could not be read back", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// DeletePayment removes a payment.
// DELETE /api/payments/{id}?invoice_id=...&amount=...
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	query := r.URL.Query()

	var invoiceID *string
	if v := query.Get("invoice_id"); v != "" {
		invoiceID = &v
	}
	amount := decimal.Zero
	if v := query.Get("amount"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		amount = parsed
	}

	if err := h.Coordinator.DeletePayment(r.Context(), paymentID, invoiceID, amount); err != nil {
		h.writeDomainError(w, "Failed to delete payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns the invoices of a month.
// GET /api/invoices?period=YYYY-MM
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	invoices, err := h.Coordinator.Invoices(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, "Failed to list invoices", err)
		return
	}
	if invoices == nil {
		invoices = []ledger.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// GenerateInvoice prices a client's month and persists it as a new invoice.
// POST /api/invoices
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	draft, err := buildDraft(req)
	if err != nil {
		h.writeDomainError(w, "Invalid billing input", err)
		return
	}

	inv, err := h.Coordinator.GenerateInvoice(r.Context(), draft)
	if err != nil {
		h.writeDomainError(w, "Failed to generate invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetInvoice returns one invoice.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Coordinator.Invoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ReconcileInvoice recomputes an invoice's balance from its payments.
// POST /api/invoices/{id}/reconcile
func (h *Handler) ReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	report, err := h.Coordinator.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ReconcilePeriod reconciles every invoice of a month.
// POST /api/invoices/reconcile?period=YYYY-MM
func (h *Handler) ReconcilePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	reports, err := h.Coordinator.ReconcilePeriod(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile period", err)
		return
	}
	writeJSON(w, http.StatusOK, newReconcilePeriodResponse(period, reports))
}

// PreviewBilling prices a client's month without writing anything.
// POST /api/billing/preview
func (h *Handler) PreviewBilling(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	draft, err := buildDraft(req)
	if err != nil {
		h.writeDomainError(w, "Invalid billing input", err)
		return
	}

	resp := PreviewResponse{Draft: toDraftDTO(draft)}
	var inPeriod []ledger.Session
	for _, s := range req.Sessions {
		if draft.Period.Contains(s.Date) {
			inPeriod = append(inPeriod, s)
		}
	}
	if summary, ok := billing.AggregateByClient(inPeriod)[req.ClientID]; ok {
		resp.Summary = toSummaryDTO(summary)
	}
	writeJSON(w, http.StatusOK, resp)
}

func buildDraft(req InvoiceRequest) (billing.InvoiceDraft, error) {
	period := req.period()
	if !period.Valid() {
		return billing.InvoiceDraft{}, fmt.Errorf("%w: invalid period %s", ledger.ErrInvalidRecord, period)
	}
	if req.ClientID == "" {
		return billing.InvoiceDraft{}, fmt.Errorf("%w: clientId is required", ledger.ErrInvalidRecord)
	}
	if err := billing.ValidateSessions(req.Sessions); err != nil {
		return billing.InvoiceDraft{}, err
	}
	if err := billing.ValidateContracts(req.Contracts); err != nil {
		return billing.InvoiceDraft{}, err
	}

	draft := billing.BuildInvoiceDraft(req.ClientID, period, req.Sessions, req.Contracts, req.SelectedSessionIDs)
	draft.ClientCode = req.ClientCode
	return draft, nil
}

func newReconcilePeriodResponse(period ledger.Period, reports []coordinator.ReconcileReport) ReconcilePeriodResponse {
	resp := ReconcilePeriodResponse{Period: period, Checked: len(reports), Reports: reports}
	if resp.Reports == nil {
		resp.Reports = []coordinator.ReconcileReport{}
	}
	for _, rep := range reports {
		if rep.Repaired {
			resp.Repaired++
		}
	}
	return resp
}

// LastSweep returns the result of the last background reconciliation.
// GET /api/admin/reconciliation
func (h *Handler) LastSweep(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Background reconciliation is disabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lastRun": h.Scheduler.LastRun(),
		"nextRun": h.Scheduler.GetNextRunTime(),
	})
}

// =============================================================================
// MONTH CLOSE HANDLERS
// =============================================================================

// GetClosure reports whether a month is closed and returns its snapshot.
// GET /api/closures/{year}/{month}
func (h *Handler) GetClosure(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	closure, err := h.Closer.Get(r.Context(), period.Year, period.Month)
	switch {
	case errors.Is(err, ledger.ErrClosureNotFound):
		writeJSON(w, http.StatusOK, ClosureStatusDTO{Period: period})
	case err != nil:
		h.writeDomainError(w, "Failed to get closure", err)
	default:
		writeJSON(w, http.StatusOK, ClosureStatusDTO{Period: period, Closed: true, Closure: closure})
	}
}

// SummarizeMonth returns the figures a close would record.
// POST /api/closures/{year}/{month}/summary
func (h *Handler) SummarizeMonth(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	var req SummaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	summary, err := h.summarize(r, period, req)
	if err != nil {
		h.writeDomainError(w, "Failed to summarize month", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CloseMonth freezes a month.
// POST /api/closures/{year}/{month}
func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	var req CloseMonthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	summary, err := h.summarize(r, period, req.SummaryRequest)
	if err != nil {
		h.writeDomainError(w, "Failed to summarize month", err)
		return
	}
	closure, err := h.Closer.Close(r.Context(),
		summary.CloseInput(req.Income, req.TherapistCompensation, req.ManualExpenses, req.ClosedBy))
	if err != nil {
		h.writeDomainError(w, "Failed to close month", err)
		return
	}
	writeJSON(w, http.StatusCreated, closure)
}

func (h *Handler) summarize(r *http.Request, period ledger.Period, req SummaryRequest) (monthclose.Summary, error) {
	if err := billing.ValidateSessions(req.Sessions); err != nil {
		return monthclose.Summary{}, err
	}
	for _, sc := range req.ShadowCharges {
		if err := billing.ValidateShadowCharge(sc); err != nil {
			return monthclose.Summary{}, err
		}
	}
	return h.Closer.Summarize(r.Context(), period.Year, period.Month, req.Sessions, req.ShadowCharges)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func periodFromPath(r *http.Request) (ledger.Period, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return ledger.Period{}, fmt.Errorf("year: %w", err)
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return ledger.Period{}, fmt.Errorf("month: %w", err)
	}
	period := ledger.NewPeriod(year, time.Month(month))
	if !period.Valid() {
		return ledger.Period{}, fmt.Errorf("invalid period %s", period)
	}
	return period, nil
}

func periodFromQuery(r *http.Request) (ledger.Period, error) {
	v := r.URL.Query().Get("period")
	if v == "" {
		return ledger.Period{}, fmt.Errorf("period query parameter is required")
	}
	return ledger.ParsePeriod(v)
}

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrAlreadyClosed),
		errors.Is(err, ledger.ErrAlreadyInvoiced):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrAborted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    string(ledger.Kind(err)),
		Details: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
