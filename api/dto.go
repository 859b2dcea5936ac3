/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger records
  (Invoice, Payment, MonthClosure) already carry JSON tags and are returned
  as-is; calculator results are mapped to DTOs here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings on the wire ("1500.00"), never floats.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/invoice.go: InvoiceDraft
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// RegisterPaymentResponse is returned by POST /api/payments.
type RegisterPaymentResponse struct {
	PaymentID string          `json:"paymentId"`
	Invoice   *ledger.Invoice `json:"invoice,omitempty"`
}

// UpdatePaymentRequest is the body of PUT /api/payments/{id}.
type UpdatePaymentRequest struct {
	ClientID          string               `json:"clientId"`
	Amount            decimal.Decimal      `json:"amount"`
	Method            ledger.PaymentMethod `json:"method"`
	Date              time.Time            `json:"date"`
	Concept           string               `json:"concept"`
	PreviousInvoiceID *string              `json:"previousInvoiceId,omitempty"`
	NewInvoiceID      *string              `json:"newInvoiceId,omitempty"`
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceRequest carries the scheduling inputs of one client and month.
// Used by POST /api/invoices and POST /api/billing/preview.
type InvoiceRequest struct {
	ClientID           string            `json:"clientId"`
	ClientCode         string            `json:"clientCode"`
	Year               int               `json:"year"`
	Month              int               `json:"month"`
	Sessions           []ledger.Session  `json:"sessions"`
	Contracts          []ledger.Contract `json:"contracts"`
	SelectedSessionIDs []string          `json:"selectedSessionIds"`
}

func (r InvoiceRequest) period() ledger.Period {
	return ledger.NewPeriod(r.Year, time.Month(r.Month))
}

// ContractResultDTO is the discount computation of one contract.
type ContractResultDTO struct {
	ContractID        string          `json:"contractId"`
	Applied           bool            `json:"applied"`
	BaseAmount        decimal.Decimal `json:"baseAmount"`
	ScheduledCount    int             `json:"scheduledCount"`
	CancelledCount    int             `json:"cancelledCount"`
	PricePerSession   decimal.Decimal `json:"pricePerSession"`
	Discount          decimal.Decimal `json:"discount"`
	FinalAmount       decimal.Decimal `json:"finalAmount"`
	MatchedSessionIDs []string        `json:"matchedSessionIds"`
}

// InvoiceDraftDTO is a priced, not yet generated invoice.
type InvoiceDraftDTO struct {
	ClientID  string              `json:"clientId"`
	Period    ledger.Period       `json:"period"`
	LineItems []ledger.LineItem   `json:"lineItems"`
	Subtotal  decimal.Decimal     `json:"subtotal"`
	Tax       decimal.Decimal     `json:"tax"`
	Total     decimal.Decimal     `json:"total"`
	Remaining []string            `json:"remaining"`
	Contracts []ContractResultDTO `json:"contracts"`
}

// ClientSummaryDTO is the per-client aggregation of sessions.
type ClientSummaryDTO struct {
	ClientID       string            `json:"clientId"`
	Items          []ledger.LineItem `json:"items"`
	TotalHours     decimal.Decimal   `json:"totalHours"`
	TotalCount     int               `json:"totalCount"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Tax            decimal.Decimal   `json:"tax"`
	GrandTotal     decimal.Decimal   `json:"grandTotal"`
	CourtesyItems  []ledger.LineItem `json:"courtesyItems"`
	CourtesyHours  decimal.Decimal   `json:"courtesyHours"`
	CourtesyAmount decimal.Decimal   `json:"courtesyAmount"`
	CancelledCount int               `json:"cancelledCount"`
}

// PreviewResponse is returned by POST /api/billing/preview.
type PreviewResponse struct {
	Summary *ClientSummaryDTO `json:"summary,omitempty"`
	Draft   InvoiceDraftDTO   `json:"draft"`
}

// ReconcilePeriodResponse is returned by POST /api/invoices/reconcile.
type ReconcilePeriodResponse struct {
	Period   ledger.Period                 `json:"period"`
	Checked  int                           `json:"checked"`
	Repaired int                           `json:"repaired"`
	Reports  []coordinator.ReconcileReport `json:"reports"`
}

// =============================================================================
// MONTH CLOSE
// =============================================================================

// SummaryRequest carries the scheduling inputs for a month summary.
type SummaryRequest struct {
	Sessions      []ledger.Session      `json:"sessions"`
	ShadowCharges []ledger.ShadowCharge `json:"shadowCharges"`
}

// CloseMonthRequest is the body of POST /api/closures/{year}/{month}.
// Income and TherapistCompensation default to the computed values; a
// supplied TherapistCompensation is recorded as an override.
type CloseMonthRequest struct {
	SummaryRequest
	Income                *decimal.Decimal `json:"income,omitempty"`
	TherapistCompensation *decimal.Decimal `json:"therapistCompensation,omitempty"`
	ManualExpenses        []ledger.Expense `json:"manualExpenses"`
	ClosedBy              string           `json:"closedBy"`
}

// ClosureStatusDTO is returned by GET /api/closures/{year}/{month}.
type ClosureStatusDTO struct {
	Period  ledger.Period        `json:"period"`
	Closed  bool                 `json:"closed"`
	Closure *ledger.MonthClosure `json:"closure,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// MAPPING
// =============================================================================

func toDraftDTO(d billing.InvoiceDraft) InvoiceDraftDTO {
	dto := InvoiceDraftDTO{
		ClientID:  d.ClientID,
		Period:    d.Period,
		LineItems: nonNilItems(d.LineItems),
		Subtotal:  d.Subtotal,
		Tax:       d.Tax,
		Total:     d.Total,
		Remaining: nonNilStrings(d.Remaining),
		Contracts: make([]ContractResultDTO, 0, len(d.Contracts)),
	}
	for _, c := range d.Contracts {
		dto.Contracts = append(dto.Contracts, ContractResultDTO{
			ContractID:        c.ContractID,
			Applied:           c.Applied,
			BaseAmount:        c.BaseAmount,
			ScheduledCount:    c.ScheduledCount,
			CancelledCount:    c.CancelledCount,
			PricePerSession:   c.PricePerSession,
			Discount:          c.Discount,
			FinalAmount:       c.FinalAmount,
			MatchedSessionIDs: nonNilStrings(c.MatchedSessionIDs),
		})
	}
	return dto
}

func toSummaryDTO(s billing.ClientSummary) *ClientSummaryDTO {
	return &ClientSummaryDTO{
		ClientID:       s.ClientID,
		Items:          nonNilItems(s.Items),
		TotalHours:     s.TotalHours,
		TotalCount:     s.TotalCount,
		Subtotal:       s.Subtotal,
		Tax:            s.Tax,
		GrandTotal:     s.GrandTotal,
		CourtesyItems:  nonNilItems(s.CourtesyItems),
		CourtesyHours:  s.CourtesyHours,
		CourtesyAmount: s.CourtesyAmount,
		CancelledCount: s.CancelledCount,
	}
}

func nonNilItems(items []ledger.LineItem) []ledger.LineItem {
	if items == nil {
		return []ledger.LineItem{}
	}
	return items
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
