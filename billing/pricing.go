/*
Package billing turns sessions and contracts into priced invoice lines.

PURPOSE:
  Pure, side-effect-free pricing: no I/O, no shared state. Every function
  here returns the same output for the same input, so results can be
  reproduced when an invoice is audited.

PRICING RULES:
  hours = end - start
  base  = totalOverride, else hourlyClientPrice * hours
  tax   = base * 0.16
  total = base + tax
  All money is rounded to cents.

COURTESY SESSIONS:
  Priced for display but never billed. Aggregations sum them separately
  as courtesy totals.

CANCELLED SESSIONS:
  Not billed individually. They matter only to discountable contracts,
  where they reduce the monthly base (see contract.go).

PRECONDITIONS:
  Sessions must pass ValidateSession (end after start) before reaching
  the calculator. Nothing here re-validates.

SEE ALSO:
  - contract.go: Cancellation discount on fixed-price contracts
  - invoice.go: Selection, drafts and invoice numbering
  - validate.go: Boundary validation
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// TaxRate is the VAT applied on top of every billed base amount.
var TaxRate = decimal.NewFromFloat(0.16)

// =============================================================================
// SESSION PRICING
// =============================================================================

// PriceSession prices one session.
func PriceSession(s ledger.Session) ledger.LineItem {
	hours := s.Hours()

	base := s.HourlyClientPrice.Mul(hours)
	if s.TotalOverride != nil {
		base = *s.TotalOverride
	}

	item := priceBase(ledger.RoundMoney(base))
	item.Ref = s.ID
	item.Kind = ledger.LineSession
	item.Description = s.ServiceType
	item.Date = s.Date
	item.Hours = hours
	item.Courtesy = s.Courtesy
	return item
}

// priceBase applies tax to an already rounded base.
func priceBase(base decimal.Decimal) ledger.LineItem {
	tax := ledger.RoundMoney(base.Mul(TaxRate))
	return ledger.LineItem{
		BasePrice: base,
		Tax:       tax,
		Total:     base.Add(tax),
	}
}

// =============================================================================
// AGGREGATION
// =============================================================================

// ClientSummary is the priced picture of one client's sessions.
type ClientSummary struct {
	ClientID string

	// Billable (non-courtesy, non-cancelled) lines, ordered by date.
	Items      []ledger.LineItem
	TotalHours decimal.Decimal
	TotalCount int
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	GrandTotal decimal.Decimal

	// Courtesy lines, kept for audit display only.
	CourtesyItems  []ledger.LineItem
	CourtesyHours  decimal.Decimal
	CourtesyAmount decimal.Decimal

	CancelledCount int
}

func newClientSummary(clientID string) *ClientSummary {
	return &ClientSummary{
		ClientID:       clientID,
		TotalHours:     decimal.Zero,
		Subtotal:       decimal.Zero,
		Tax:            decimal.Zero,
		GrandTotal:     decimal.Zero,
		CourtesyHours:  decimal.Zero,
		CourtesyAmount: decimal.Zero,
	}
}

func (cs *ClientSummary) add(s ledger.Session) {
	if s.IsCancelled() {
		cs.CancelledCount++
		return
	}

	item := PriceSession(s)
	if item.Courtesy {
		cs.CourtesyItems = append(cs.CourtesyItems, item)
		cs.CourtesyHours = cs.CourtesyHours.Add(item.Hours)
		cs.CourtesyAmount = cs.CourtesyAmount.Add(item.Total)
		return
	}

	cs.Items = append(cs.Items, item)
	cs.TotalHours = cs.TotalHours.Add(item.Hours)
	cs.TotalCount++
	cs.Subtotal = cs.Subtotal.Add(item.BasePrice)
	cs.Tax = cs.Tax.Add(item.Tax)
	cs.GrandTotal = cs.GrandTotal.Add(item.Total)
}

// AggregateByClient groups priced sessions per client. Callers pass the
// sessions of one period.
func AggregateByClient(sessions []ledger.Session) map[string]ClientSummary {
	ordered := append([]ledger.Session(nil), sessions...)
	sortSessions(ordered)

	acc := make(map[string]*ClientSummary)
	for _, s := range ordered {
		cs, ok := acc[s.ClientID]
		if !ok {
			cs = newClientSummary(s.ClientID)
			acc[s.ClientID] = cs
		}
		cs.add(s)
	}

	result := make(map[string]ClientSummary, len(acc))
	for id, cs := range acc {
		result[id] = *cs
	}
	return result
}

func sortSessions(sessions []ledger.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}
