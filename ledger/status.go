package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// INVOICE STATUS - Derived from AmountPaid vs TotalAmount
// =============================================================================

type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "pending"
	StatusPartial InvoiceStatus = "partial"
	StatusPaid    InvoiceStatus = "paid"
)

// StatusTolerance is the slack, in currency units, used when comparing
// AmountPaid against zero and against TotalAmount.
var StatusTolerance = decimal.New(1, -2)

// DeriveStatus computes an invoice status:
//
//	paid < 0.01            -> pending
//	paid >= total - 0.01   -> paid
//	otherwise              -> partial
func DeriveStatus(amountPaid, total decimal.Decimal) InvoiceStatus {
	if amountPaid.LessThan(StatusTolerance) {
		return StatusPending
	}
	if amountPaid.GreaterThanOrEqual(total.Sub(StatusTolerance)) {
		return StatusPaid
	}
	return StatusPartial
}

// ApplyPayment returns a copy of inv with delta added to AmountPaid
// (floored at zero) and the status recomputed.
func ApplyPayment(inv Invoice, delta decimal.Decimal) Invoice {
	paid := inv.AmountPaid.Add(delta)
	if paid.IsNegative() {
		paid = decimal.Zero
	}
	inv.AmountPaid = paid
	inv.Status = DeriveStatus(paid, inv.TotalAmount)
	return inv
}
