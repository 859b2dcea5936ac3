/*
store.go - Persistence contract for payments, invoices and closures

PURPOSE:
  Defines the interface between the engine and the durable store. The
  engine never talks to a database directly: every mutation is a
  UnitOfWork executed by Store.WithTx, which commits all writes or none.

KEY INTERFACES:
  Tx:         Reads and writes visible inside one transaction
  Store:      Tx for plain reads, plus WithTx for atomic units of work
  UnitOfWork: func(ctx, Tx) error - the body of one transaction

ATOMICITY:
  If the UnitOfWork returns an error, every write it made is discarded.
  If it returns nil, all writes are committed together.

ISOLATION:
  Two units of work touching the same invoice must serialize. A store that
  detects a lost update (version mismatch, serialization failure) returns
  ErrConflict; the engine does not retry.

UNIQUENESS:
  CreateClosure must fail with ErrDuplicate when a closure already exists
  for the (year, month) key, including when a concurrent writer created it.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - store/postgres/postgres.go: PostgreSQL (pgx), SERIALIZABLE

SEE ALSO:
  - coordinator/coordinator.go: Payment and invoice units of work
  - monthclose/engine.go: Closure unit of work
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// TX - Operations available inside a unit of work
// =============================================================================

// Tx is the set of reads and writes a unit of work may perform.
// Get* methods return a NotFoundError (wrapping ErrInvoiceNotFound,
// ErrPaymentNotFound or ErrClosureNotFound) when the record is absent.
type Tx interface {
	// Payments
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// CreatePayment assigns the ID and returns it.
	CreatePayment(ctx context.Context, p Payment) (string, error)
	UpdatePayment(ctx context.Context, p Payment) error
	DeletePayment(ctx context.Context, id string) error
	ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]Payment, error)
	// ListPaymentsInRange returns payments dated in [from, to).
	ListPaymentsInRange(ctx context.Context, from, to time.Time) ([]Payment, error)

	// Invoices
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// CreateInvoice assigns the ID (when empty) and returns it.
	CreateInvoice(ctx context.Context, inv Invoice) (string, error)
	// UpdateInvoice writes inv if the stored version equals inv.Version and
	// bumps the version. A mismatch is ErrConflict.
	UpdateInvoice(ctx context.Context, inv Invoice) error
	ListInvoicesByClient(ctx context.Context, clientID string) ([]Invoice, error)
	// ListInvoicesByPeriod returns the invoices billed for period, ordered by
	// client then number.
	ListInvoicesByPeriod(ctx context.Context, period Period) ([]Invoice, error)

	// Month closures
	GetClosure(ctx context.Context, year int, month time.Month) (*MonthClosure, error)
	// CreateClosure fails with ErrDuplicate if the key exists.
	CreateClosure(ctx context.Context, mc MonthClosure) error
}

// UnitOfWork is the body of one atomic transaction. It must perform all of
// its reads and writes through tx.
type UnitOfWork func(ctx context.Context, tx Tx) error

// =============================================================================
// STORE - Transactional store
// =============================================================================

// Store offers plain reads (each its own snapshot) and atomic units of work.
// Writes through the embedded Tx outside WithTx are single-statement
// transactions and are not used by the engine.
type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn UnitOfWork) error

	Close() error
}
