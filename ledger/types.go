/*
Package ledger provides the records and persistence contract of the billing engine.

PURPOSE:
  This package contains the entity types shared by every other package:
  payments, invoices, month closures and the read-only inputs produced by
  scheduling (sessions, contracts, shadow charges). It also defines the
  Store/Tx contract that every persistence backend implements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payment: A money receipt, optionally linked to exactly one Invoice
  - Invoice: A priced statement whose AmountPaid mirrors its linked payments
  - Session/Contract/ShadowCharge: Billable inputs, never written here
  - MonthClosure: Frozen profit/loss snapshot, one per (year, month)

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal rounded to cents, never float64
  2. Explicit shapes: Optional fields are pointers, nothing is defaulted silently
  3. Single writer: Payment and Invoice balances change only via coordinator

SEE ALSO:
  - status.go: Invoice status derivation
  - store.go: Store, Tx and UnitOfWork
  - errors.go: Sentinel and structured errors
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Cents is the number of decimal places money is rounded to.
const Cents int32 = 2

// RoundMoney rounds a value to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(Cents) }

// MustMoney parses a decimal string. Intended for constants and tests.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("ledger: invalid money literal " + s)
	}
	return d
}

// SumMoney adds up values.
func SumMoney(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodCheck    PaymentMethod = "check"
	MethodCard     PaymentMethod = "card"
)

// Valid reports whether m is one of the known methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCheck, MethodCard:
		return true
	}
	return false
}

// Payment is a recorded money receipt from a client.
// A payment references at most one invoice at any time.
type Payment struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"clientId"`
	Amount          decimal.Decimal `json:"amount"`
	Method          PaymentMethod   `json:"method"`
	Date            time.Time       `json:"date"`
	Concept         string          `json:"concept"`
	LinkedInvoiceID *string         `json:"linkedInvoiceId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsLinkedTo reports whether the payment is linked to invoiceID.
func (p Payment) IsLinkedTo(invoiceID string) bool {
	return p.LinkedInvoiceID != nil && *p.LinkedInvoiceID == invoiceID
}

// PaymentIntent is the caller-supplied data for a new payment.
type PaymentIntent struct {
	ClientID  string          `json:"clientId" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method" validate:"required,oneof=cash transfer check card"`
	Date      time.Time       `json:"date" validate:"required"`
	Concept   string          `json:"concept"`
	InvoiceID *string         `json:"invoiceId,omitempty"`
}

// PaymentData is the mutable part of a payment used by edits.
type PaymentData struct {
	ClientID string          `json:"clientId"`
	Amount   decimal.Decimal `json:"amount"`
	Method   PaymentMethod   `json:"method"`
	Date     time.Time       `json:"date"`
	Concept  string          `json:"concept"`
}

// =============================================================================
// INVOICE
// =============================================================================

type LineKind string

const (
	LineSession  LineKind = "session"
	LineContract LineKind = "contract"
)

// LineItem is one priced row of an invoice.
type LineItem struct {
	Ref         string          `json:"ref"` // session or contract id
	Kind        LineKind        `json:"kind"`
	Description string          `json:"description"`
	Date        time.Time       `json:"date,omitempty"`
	Hours       decimal.Decimal `json:"hours"`
	BasePrice   decimal.Decimal `json:"basePrice"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	Courtesy    bool            `json:"courtesy,omitempty"`
}

// Invoice is a billable statement for one client and period.
//
// INVARIANT:
//
//	AmountPaid == sum(Payment.Amount) for every payment linked to this invoice,
//	after every committed coordinator transaction.
type Invoice struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	ClientID      string          `json:"clientId"`
	ClientCode    string          `json:"clientCode"`
	Period        Period          `json:"period"`
	LineItems     []LineItem      `json:"lineItems"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	Status        InvoiceStatus   `json:"status"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// Refs returns the session/contract references billed by the invoice.
func (inv Invoice) Refs() []string {
	refs := make([]string, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		refs = append(refs, li.Ref)
	}
	return refs
}

// Outstanding returns the unpaid remainder, never below zero.
func (inv Invoice) Outstanding() decimal.Decimal {
	rest := inv.TotalAmount.Sub(inv.AmountPaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// =============================================================================
// SCHEDULING INPUTS (read-only)
// =============================================================================

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionConfirmed SessionStatus = "confirmed"
	SessionCancelled SessionStatus = "cancelled"
	SessionCompleted SessionStatus = "completed"
)

// Session is one billable unit produced by scheduling.
type Session struct {
	ID                     string           `json:"id" validate:"required"`
	Date                   time.Time        `json:"date" validate:"required"`
	Start                  time.Time        `json:"startTime" validate:"required"`
	End                    time.Time        `json:"endTime" validate:"required"`
	ClientID               string           `json:"clientId" validate:"required"`
	TherapistID            string           `json:"therapistId" validate:"required"`
	TherapistName          string           `json:"therapistName,omitempty"`
	ServiceType            string           `json:"serviceType" validate:"required"`
	HourlyClientPrice      decimal.Decimal  `json:"hourlyClientPrice"`
	HourlyTherapistCost    decimal.Decimal  `json:"hourlyTherapistCost"`
	TotalOverride          *decimal.Decimal `json:"totalOverride,omitempty"`
	TherapistTotalOverride *decimal.Decimal `json:"therapistTotalOverride,omitempty"`
	Status                 SessionStatus    `json:"status" validate:"required,oneof=scheduled confirmed cancelled completed"`
	Courtesy               bool             `json:"courtesy"`
}

// Hours returns End-Start in hours.
func (s Session) Hours() decimal.Decimal {
	minutes := decimal.NewFromInt(int64(s.End.Sub(s.Start) / time.Minute))
	return minutes.Div(decimal.NewFromInt(60))
}

func (s Session) IsCancelled() bool { return s.Status == SessionCancelled }
func (s Session) IsCompleted() bool { return s.Status == SessionCompleted }

type ContractType string

const (
	ContractFixed    ContractType = "fixed"
	ContractHybrid   ContractType = "hybrid"
	ContractPackage  ContractType = "package"
	ContractItemized ContractType = "itemized"
)

// Contract is a fixed-price agreement with a client.
type Contract struct {
	ID                string          `json:"id" validate:"required"`
	ClientID          string          `json:"clientId" validate:"required"`
	TherapistIDs      []string        `json:"therapistIds"`
	ServiceType       string          `json:"serviceType"`
	MonthlyBaseAmount decimal.Decimal `json:"monthlyBaseAmount"`
	Type              ContractType    `json:"type" validate:"required,oneof=fixed hybrid package itemized"`
}

// Discountable reports whether the contract bills a monthly base reduced
// per cancelled session instead of per-session prices.
func (c Contract) Discountable() bool {
	return (c.Type == ContractFixed || c.Type == ContractItemized) && c.MonthlyBaseAmount.IsPositive()
}

// Covers reports whether a session falls under this contract.
func (c Contract) Covers(s Session) bool {
	if s.ClientID != c.ClientID {
		return false
	}
	if c.ServiceType != "" && s.ServiceType != c.ServiceType {
		return false
	}
	if len(c.TherapistIDs) == 0 {
		return true
	}
	for _, id := range c.TherapistIDs {
		if id == s.TherapistID {
			return true
		}
	}
	return false
}

// ShadowCharge is a recurring charge billed and compensated outside
// per-session pricing.
type ShadowCharge struct {
	ID              string          `json:"id" validate:"required"`
	ClientID        string          `json:"clientId" validate:"required"`
	TherapistID     string          `json:"therapistId" validate:"required"`
	TherapistName   string          `json:"therapistName,omitempty"`
	Period          Period          `json:"month"`
	ClientAmount    decimal.Decimal `json:"clientAmount"`
	TherapistAmount decimal.Decimal `json:"therapistAmount"`
}

// =============================================================================
// MONTH CLOSURE
// =============================================================================

type ExpenseKind string

const (
	ExpenseManual    ExpenseKind = "manual"
	ExpenseTherapist ExpenseKind = "therapist"
)

// Expense is one itemized line of a closure.
type Expense struct {
	Concept string          `json:"concept"`
	Amount  decimal.Decimal `json:"amount"`
	Kind    ExpenseKind     `json:"kind"`
}

// TherapistCompensation is the per-therapist share of the therapist expense.
type TherapistCompensation struct {
	TherapistID   string          `json:"therapistId"`
	TherapistName string          `json:"therapistName"`
	Sessions      int             `json:"sessions"`
	SessionAmount decimal.Decimal `json:"sessionAmount"`
	ShadowAmount  decimal.Decimal `json:"shadowAmount"`
	Total         decimal.Decimal `json:"total"`
}

// MonthClosure is an immutable monthly snapshot.
// At most one exists per (Year, Month); it is never updated.
type MonthClosure struct {
	Year                   int                     `json:"year"`
	Month                  time.Month              `json:"month"`
	Income                 decimal.Decimal         `json:"income"`
	Expenses               []Expense               `json:"expenses"`
	TherapistCompensation  decimal.Decimal         `json:"therapistCompensation"`
	CompensationOverridden bool                    `json:"compensationOverridden"`
	TherapistBreakdown     []TherapistCompensation `json:"therapistBreakdown,omitempty"`
	TotalExpenses          decimal.Decimal         `json:"totalExpenses"`
	NetProfit              decimal.Decimal         `json:"netProfit"`
	ClosedBy               string                  `json:"closedBy"`
	ClosedAt               time.Time               `json:"closedAt"`
}

// Period returns the closure key.
func (mc MonthClosure) Period() Period { return NewPeriod(mc.Year, mc.Month) }
