package billing

import (
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// CONTRACT DISCOUNT - Fixed monthly price reduced per cancelled session
// =============================================================================

// ContractBillingResult is the priced outcome of one discountable contract
// for a period.
//
//	pricePerSession = base / scheduled   (0 when nothing is scheduled)
//	discount        = cancelled * pricePerSession
//	finalAmount     = base - discount
//
// FinalAmount replaces the individual prices of MatchedSessionIDs on the
// invoice; those sessions are never billed on their own.
type ContractBillingResult struct {
	ContractID        string
	Applied           bool
	BaseAmount        decimal.Decimal
	ScheduledCount    int
	CancelledCount    int
	PricePerSession   decimal.Decimal
	Discount          decimal.Decimal
	FinalAmount       decimal.Decimal
	MatchedSessionIDs []string
}

// ApplyContractDiscount computes the cancellation discount of a contract.
// Every session the contract covers counts as scheduled, whatever its
// status. Non-discountable contracts come back with Applied=false and
// FinalAmount equal to the base.
func ApplyContractDiscount(c ledger.Contract, sessionsInPeriod []ledger.Session) ContractBillingResult {
	result := ContractBillingResult{
		ContractID:      c.ID,
		BaseAmount:      c.MonthlyBaseAmount,
		PricePerSession: decimal.Zero,
		Discount:        decimal.Zero,
		FinalAmount:     c.MonthlyBaseAmount,
	}
	if !c.Discountable() {
		return result
	}
	result.Applied = true

	for _, s := range sessionsInPeriod {
		if !c.Covers(s) {
			continue
		}
		result.ScheduledCount++
		result.MatchedSessionIDs = append(result.MatchedSessionIDs, s.ID)
		if s.IsCancelled() {
			result.CancelledCount++
		}
	}

	if result.ScheduledCount == 0 {
		return result
	}

	scheduled := decimal.NewFromInt(int64(result.ScheduledCount))
	cancelled := decimal.NewFromInt(int64(result.CancelledCount))
	result.PricePerSession = ledger.RoundMoney(c.MonthlyBaseAmount.Div(scheduled))
	// Discount rounds once from the exact share so a fully cancelled month
	// nets to zero.
	result.Discount = ledger.RoundMoney(c.MonthlyBaseAmount.Mul(cancelled).Div(scheduled))
	result.FinalAmount = c.MonthlyBaseAmount.Sub(result.Discount)
	if result.FinalAmount.IsNegative() {
		result.FinalAmount = decimal.Zero
	}
	return result
}

// LineItem prices the contract result as one invoice line.
func (r ContractBillingResult) LineItem(description string) ledger.LineItem {
	item := priceBase(ledger.RoundMoney(r.FinalAmount))
	item.Ref = r.ContractID
	item.Kind = ledger.LineContract
	item.Description = description
	item.Hours = decimal.Zero
	return item
}
