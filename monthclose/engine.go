/*
Package monthclose produces the frozen monthly profit/loss snapshot.

PURPOSE:
  A month moves from Open to Closed exactly once. Closing aggregates
  income, manual expenses and therapist compensation into a MonthClosure
  record that is never modified afterwards.

STATE MACHINE (per year, month):
  Open --Close--> Closed   (terminal)

AT-MOST-ONCE:
  Close checks for an existing closure and creates the new one in the same
  unit of work. Two concurrent closers are separated by the store's unique
  key on (year, month): the loser's insert fails with ErrDuplicate, which
  is reported as ErrAlreadyClosed. There is no application-level lock.

TOTALS:
  totalExpenses = sum(manualExpenses) + therapistCompensation
  netProfit     = income - totalExpenses

SEE ALSO:
  - compensation.go: Default therapist compensation
  - ledger/store.go: CreateClosure uniqueness contract
*/
package monthclose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/ledger"
)

// Engine closes months against a store.
type Engine struct {
	store ledger.Store
	log   zerolog.Logger
	now   func() time.Time
}

type Option func(*Engine)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l.With().Str("component", "monthclose").Logger() }
}

// WithClock sets the time source used for ClosedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// QUERIES
// =============================================================================

// IsClosed reports whether a closure exists for the month.
func (e *Engine) IsClosed(ctx context.Context, year int, month time.Month) (bool, error) {
	_, err := e.store.GetClosure(ctx, year, month)
	if errors.Is(err, ledger.ErrClosureNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ledger.Aborted(err)
	}
	return true, nil
}

// Get returns the closure of the month, or ErrClosureNotFound while open.
func (e *Engine) Get(ctx context.Context, year int, month time.Month) (*ledger.MonthClosure, error) {
	mc, err := e.store.GetClosure(ctx, year, month)
	return mc, ledger.Aborted(err)
}

// Summary is the pre-close picture of a month: what Close would record
// with the automatic therapist compensation and no manual expenses.
type Summary struct {
	Period                ledger.Period                  `json:"period"`
	Closed                bool                           `json:"closed"`
	Income                decimal.Decimal                `json:"income"`
	PaymentCount          int                            `json:"paymentCount"`
	TherapistCompensation decimal.Decimal                `json:"therapistCompensation"`
	TherapistBreakdown    []ledger.TherapistCompensation `json:"therapistBreakdown"`
}

// Summarize reads the committed payments dated in the month as income and
// computes the default therapist compensation. It writes nothing.
func (e *Engine) Summarize(ctx context.Context, year int, month time.Month, sessions []ledger.Session, shadowCharges []ledger.ShadowCharge) (Summary, error) {
	period := ledger.NewPeriod(year, month)
	if !period.Valid() {
		return Summary{}, fmt.Errorf("%w: invalid month %s", ledger.ErrInvalidRecord, period)
	}

	closed, err := e.IsClosed(ctx, year, month)
	if err != nil {
		return Summary{}, err
	}
	payments, err := e.store.ListPaymentsInRange(ctx, period.Start(), period.End())
	if err != nil {
		return Summary{}, ledger.Aborted(fmt.Errorf("list payments: %w", err))
	}

	income := decimal.Zero
	for _, p := range payments {
		income = income.Add(p.Amount)
	}
	comp, breakdown := ComputeTherapistCompensation(sessions, shadowCharges, year, month)

	return Summary{
		Period:                period,
		Closed:                closed,
		Income:                income,
		PaymentCount:          len(payments),
		TherapistCompensation: comp,
		TherapistBreakdown:    breakdown,
	}, nil
}

// CloseInput turns the summary into the figures to freeze. A nil income
// keeps the summarized income; a nil compensation keeps the automatic one,
// otherwise the value is recorded as a manual override.
func (s Summary) CloseInput(income, compensation *decimal.Decimal, manual []ledger.Expense, closedBy string) CloseInput {
	in := CloseInput{
		Year:                  s.Period.Year,
		Month:                 s.Period.Month,
		Income:                s.Income,
		ManualExpenses:        manual,
		TherapistCompensation: s.TherapistCompensation,
		Breakdown:             s.TherapistBreakdown,
		ClosedBy:              closedBy,
	}
	if income != nil {
		in.Income = ledger.RoundMoney(*income)
	}
	if compensation != nil {
		in.TherapistCompensation = ledger.RoundMoney(*compensation)
		in.Override = true
	}
	return in
}

// =============================================================================
// CLOSE
// =============================================================================

// CloseInput carries the figures to freeze. Override records that the
// caller replaced the automatic therapist compensation by hand.
type CloseInput struct {
	Year                  int
	Month                 time.Month
	Income                decimal.Decimal
	ManualExpenses        []ledger.Expense
	TherapistCompensation decimal.Decimal
	Override              bool
	Breakdown             []ledger.TherapistCompensation
	ClosedBy              string
}

// Close freezes the month. A second call for the same month fails with
// ErrAlreadyClosed and leaves the stored closure untouched.
func (e *Engine) Close(ctx context.Context, in CloseInput) (*ledger.MonthClosure, error) {
	period := ledger.NewPeriod(in.Year, in.Month)
	if !period.Valid() {
		return nil, fmt.Errorf("%w: invalid month %s", ledger.ErrInvalidRecord, period)
	}
	for _, exp := range in.ManualExpenses {
		if exp.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: expense %q is negative", ledger.ErrInvalidRecord, exp.Concept)
		}
	}

	closure := buildClosure(in, e.now())

	err := ledger.Aborted(e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.GetClosure(ctx, in.Year, in.Month)
		switch {
		case err == nil:
			return &ledger.AlreadyClosedError{Year: in.Year, Month: in.Month}
		case !errors.Is(err, ledger.ErrClosureNotFound):
			return err
		}

		if err := tx.CreateClosure(ctx, closure); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return &ledger.AlreadyClosedError{Year: in.Year, Month: in.Month}
			}
			return fmt.Errorf("create closure: %w", err)
		}
		return nil
	}))
	if err != nil {
		e.log.Warn().Err(err).Str("period", period.String()).Msg("month close rejected")
		return nil, err
	}

	e.log.Info().
		Str("period", period.String()).
		Str("income", closure.Income.String()).
		Str("expenses", closure.TotalExpenses.String()).
		Str("net_profit", closure.NetProfit.String()).
		Bool("override", closure.CompensationOverridden).
		Msg("month closed")
	return &closure, nil
}

func buildClosure(in CloseInput, now time.Time) ledger.MonthClosure {
	expenses := make([]ledger.Expense, 0, len(in.ManualExpenses)+1)
	total := decimal.Zero
	for _, exp := range in.ManualExpenses {
		exp.Kind = ledger.ExpenseManual
		expenses = append(expenses, exp)
		total = total.Add(exp.Amount)
	}
	expenses = append(expenses, ledger.Expense{
		Concept: "Therapist payment",
		Amount:  in.TherapistCompensation,
		Kind:    ledger.ExpenseTherapist,
	})
	total = total.Add(in.TherapistCompensation)

	return ledger.MonthClosure{
		Year:                   in.Year,
		Month:                  in.Month,
		Income:                 in.Income,
		Expenses:               expenses,
		TherapistCompensation:  in.TherapistCompensation,
		CompensationOverridden: in.Override,
		TherapistBreakdown:     append([]ledger.TherapistCompensation(nil), in.Breakdown...),
		TotalExpenses:          total,
		NetProfit:              in.Income.Sub(total),
		ClosedBy:               in.ClosedBy,
		ClosedAt:               now,
	}
}
