/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  billing data for demos of the admin UI. Every scenario goes through the
  coordinator, so the data obeys the same rules as real traffic.

AVAILABLE SCENARIOS:
  paid-month:             Hourly sessions invoiced and paid in full
  contract-cancellations: Fixed contract discounted for cancelled sessions
  payment-relink:         Payment moved from one invoice to another

HOW SCENARIOS WORK:
  1. Build sessions/contracts for the previous calendar month
  2. Price them with the billing calculator
  3. Generate invoices through the coordinator
  4. Register (and possibly edit) payments

  Scenarios never reset the store. Loading one twice is rejected by the
  double-billing check with 409 AlreadyInvoiced.

USAGE VIA API (BILLING_DEMO_SCENARIOS=true):
  POST /api/scenarios/load
  {"scenario_id": "paid-month"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx, period)
  3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: Handler and error mapping
  - coordinator/: Operations the loaders call
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
)

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	Scenario   string           `json:"scenario"`
	Period     ledger.Period    `json:"period"`
	InvoiceIDs []string         `json:"invoiceIds"`
	PaymentIDs []string         `json:"paymentIds"`
	Invoices   []ledger.Invoice `json:"invoices"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "paid-month",
		Name:        "Paid Month",
		Description: "Four hourly sessions invoiced and paid by transfer",
	},
	{
		ID:          "contract-cancellations",
		Name:        "Contract With Cancellations",
		Description: "9000/month fixed contract, 6 sessions, 2 cancelled, half paid",
	},
	{
		ID:          "payment-relink",
		Name:        "Payment Re-link",
		Description: "Payment registered on the wrong invoice and moved to the right one",
	},
}

// ListScenarios returns available scenarios and the ones already loaded.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	loaded := append([]string{}, h.loadedScenarios...)
	h.scenarioMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"scenarios": scenarios,
		"loaded":    loaded,
	})
}

// LoadScenario loads a predefined scenario into the previous month.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	period := ledger.PeriodOf(time.Now()).Previous()

	var (
		result *ScenarioResult
		err    error
	)
	switch req.ScenarioID {
	case "paid-month":
		result, err = h.loadPaidMonthScenario(ctx, period)
	case "contract-cancellations":
		result, err = h.loadContractCancellationsScenario(ctx, period)
	case "payment-relink":
		result, err = h.loadPaymentRelinkScenario(ctx, period)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	if err := h.refreshInvoices(ctx, result); err != nil {
		h.writeDomainError(w, "Scenario loaded but invoices could not be read back", err)
		return
	}

	h.scenarioMu.Lock()
	h.loadedScenarios = append(h.loadedScenarios, req.ScenarioID)
	h.scenarioMu.Unlock()

	h.log.Info().Str("scenario", req.ScenarioID).Str("period", period.String()).Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPaidMonthScenario(ctx context.Context, period ledger.Period) (*ScenarioResult, error) {
	result := &ScenarioResult{Scenario: "paid-month", Period: period}

	var sessions []ledger.Session
	for i, day := range []int{3, 10, 17, 24} {
		sessions = append(sessions, demoSession(fmt.Sprintf("demo-paid-s%d", i+1), "demo-paid", period, day, ledger.SessionCompleted))
	}

	inv, err := h.generateDemoInvoice(ctx, result, "demo-paid", "901", period, sessions, nil)
	if err != nil {
		return nil, err
	}
	if _, err := h.payDemoInvoice(ctx, result, inv, inv.TotalAmount, period); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Handler) loadContractCancellationsScenario(ctx context.Context, period ledger.Period) (*ScenarioResult, error) {
	result := &ScenarioResult{Scenario: "contract-cancellations", Period: period}

	var sessions []ledger.Session
	for i, day := range []int{2, 6, 9, 13, 16, 20} {
		status := ledger.SessionCompleted
		if i == 1 || i == 4 {
			status = ledger.SessionCancelled
		}
		sessions = append(sessions, demoSession(fmt.Sprintf("demo-contract-s%d", i+1), "demo-contract", period, day, status))
	}
	contract := ledger.Contract{
		ID:                "demo-contract-k1",
		ClientID:          "demo-contract",
		ServiceType:       "therapy",
		MonthlyBaseAmount: ledger.MustMoney("9000"),
		Type:              ledger.ContractFixed,
	}

	inv, err := h.generateDemoInvoice(ctx, result, "demo-contract", "902", period, sessions, []ledger.Contract{contract})
	if err != nil {
		return nil, err
	}
	half := ledger.RoundMoney(inv.TotalAmount.Div(decimal.NewFromInt(2)))
	if _, err := h.payDemoInvoice(ctx, result, inv, half, period); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Handler) loadPaymentRelinkScenario(ctx context.Context, period ledger.Period) (*ScenarioResult, error) {
	result := &ScenarioResult{Scenario: "payment-relink", Period: period}

	first, err := h.generateDemoInvoice(ctx, result, "demo-relink", "903", period,
		[]ledger.Session{demoSession("demo-relink-s1", "demo-relink", period, 4, ledger.SessionCompleted)}, nil)
	if err != nil {
		return nil, err
	}
	second, err := h.generateDemoInvoice(ctx, result, "demo-relink", "903", period,
		[]ledger.Session{demoSession("demo-relink-s2", "demo-relink", period, 11, ledger.SessionCompleted)}, nil)
	if err != nil {
		return nil, err
	}

	paymentID, err := h.payDemoInvoice(ctx, result, first, second.TotalAmount, period)
	if err != nil {
		return nil, err
	}
	payment, err := h.Coordinator.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	err = h.Coordinator.UpdatePayment(ctx, paymentID, coordinator.PaymentUpdate{
		Data: ledger.PaymentData{
			ClientID: payment.ClientID,
			Amount:   payment.Amount,
			Method:   payment.Method,
			Date:     payment.Date,
			Concept:  "Moved to " + second.Number,
		},
		PreviousInvoiceID: &first.ID,
		NewInvoiceID:      &second.ID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func demoSession(id, clientID string, period ledger.Period, day int, status ledger.SessionStatus) ledger.Session {
	date := time.Date(period.Year, period.Month, day, 0, 0, 0, 0, time.UTC)
	start := date.Add(16 * time.Hour)
	return ledger.Session{
		ID:                  id,
		Date:                date,
		Start:               start,
		End:                 start.Add(time.Hour),
		ClientID:            clientID,
		TherapistID:         "demo-therapist",
		TherapistName:       "Demo Therapist",
		ServiceType:         "therapy",
		HourlyClientPrice:   ledger.MustMoney("850"),
		HourlyTherapistCost: ledger.MustMoney("400"),
		Status:              status,
	}
}

func (h *Handler) generateDemoInvoice(ctx context.Context, result *ScenarioResult, clientID, clientCode string, period ledger.Period, sessions []ledger.Session, contracts []ledger.Contract) (*ledger.Invoice, error) {
	draft := billing.BuildInvoiceDraft(clientID, period, sessions, contracts, nil)
	draft.ClientCode = clientCode
	inv, err := h.Coordinator.GenerateInvoice(ctx, draft)
	if err != nil {
		return nil, err
	}
	result.InvoiceIDs = append(result.InvoiceIDs, inv.ID)
	return inv, nil
}

func (h *Handler) payDemoInvoice(ctx context.Context, result *ScenarioResult, inv *ledger.Invoice, amount decimal.Decimal, period ledger.Period) (string, error) {
	id, _, err := h.Coordinator.RegisterPayment(ctx, ledger.PaymentIntent{
		ClientID:  inv.ClientID,
		Amount:    amount,
		Method:    ledger.MethodTransfer,
		Date:      period.Start().AddDate(0, 0, 27),
		Concept:   "Invoice " + inv.Number,
		InvoiceID: &inv.ID,
	})
	if err != nil {
		return "", err
	}
	result.PaymentIDs = append(result.PaymentIDs, id)
	return id, nil
}

// refreshInvoices reads back the final state of every created invoice.
func (h *Handler) refreshInvoices(ctx context.Context, result *ScenarioResult) error {
	result.Invoices = make([]ledger.Invoice, 0, len(result.InvoiceIDs))
	for _, id := range result.InvoiceIDs {
		inv, err := h.Coordinator.Invoice(ctx, id)
		if err != nil {
			return err
		}
		result.Invoices = append(result.Invoices, *inv)
	}
	return nil
}
