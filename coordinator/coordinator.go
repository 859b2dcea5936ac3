/*
Package coordinator applies payment and invoice mutations atomically.

PURPOSE:
  The Coordinator is the only writer of Payment records and of an
  Invoice's AmountPaid/Status. Each operation is one ledger.UnitOfWork:
  every read and every write happens inside a single store transaction,
  so either all of them are committed or none are.

CRITICAL INVARIANT:
  For every invoice, after every committed operation:
    invoice.AmountPaid == sum(payment.Amount) over payments linked to it

OPERATIONS:
  RegisterPayment  create a payment, optionally credit an invoice
  UpdatePayment    edit a payment, moving its amount between invoices
  DeletePayment    remove a payment and debit its invoice
  GenerateInvoice  persist a priced draft under the next invoice number
  Reconcile        recompute AmountPaid from linked payments

FAILURE SEMANTICS:
  A missing record aborts before any write. Store conflicts surface as
  ledger.ErrConflict, context cancellation as ledger.ErrAborted. Nothing
  is retried here; retry policy belongs to the caller.

SEE ALSO:
  - ledger/store.go: Store and UnitOfWork
  - ledger/status.go: Status derivation
  - billing/invoice.go: Drafts and numbering
*/
package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/clinic-billing/ledger"
)

// Coordinator orchestrates atomic multi-record mutations.
type Coordinator struct {
	store ledger.Store
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l.With().Str("component", "coordinator").Logger() }
}

// WithClock sets the time source used for CreatedAt/LastUpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over store.
func New(store ledger.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes fn as one unit of work and normalizes its error.
func (c *Coordinator) run(ctx context.Context, op string, fn ledger.UnitOfWork) error {
	err := ledger.Aborted(c.store.WithTx(ctx, fn))
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Str("kind", string(ledger.Kind(err))).Msg("transaction rolled back")
	}
	return err
}

// Invoice reads an invoice outside any unit of work.
func (c *Coordinator) Invoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	inv, err := c.store.GetInvoice(ctx, id)
	return inv, ledger.Aborted(err)
}

// Payment reads a payment outside any unit of work.
func (c *Coordinator) Payment(ctx context.Context, id string) (*ledger.Payment, error) {
	p, err := c.store.GetPayment(ctx, id)
	return p, ledger.Aborted(err)
}
