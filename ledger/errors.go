/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error kinds in one place. Stores return these sentinels (possibly
  wrapped) so the coordinator and the month close engine can report a
  typed result without knowing which backend is in use.

ERROR KINDS:
  InvoiceNotFound, PaymentNotFound  - referenced record missing
  AlreadyClosed                     - month closure exists for the key
  Conflict                          - store reported an isolation violation
  InvalidAmount                     - non-positive payment amount
  Aborted                           - caller cancellation or deadline

USAGE:
  if errors.Is(err, ledger.ErrAlreadyClosed) {
      // second close of the same month
  }

SEE ALSO:
  - store.go: Store contract that produces these errors
  - coordinator/coordinator.go: Maps context errors to ErrAborted
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrClosureNotFound = errors.New("month closure not found")

	// ErrAlreadyClosed is returned when a closure already exists for the month.
	ErrAlreadyClosed = errors.New("month already closed")

	// ErrConflict is returned when the store detects a concurrent write to the
	// same record, or when the caller's view of a record is stale.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrInvalidAmount is returned for a payment amount that is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAborted is returned when the caller's context ends before commit.
	// Nothing was persisted.
	ErrAborted = errors.New("operation aborted")

	// ErrAlreadyInvoiced is returned when a session or contract is already
	// billed on another invoice of the same client and period.
	ErrAlreadyInvoiced = errors.New("already invoiced")

	// ErrInvalidRecord is returned by boundary validation of input records.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrDuplicate is the store-level unique key violation.
	ErrDuplicate = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string // "invoice", "payment", "closure"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Entity {
	case "invoice":
		return ErrInvoiceNotFound
	case "payment":
		return ErrPaymentNotFound
	case "closure":
		return ErrClosureNotFound
	}
	return nil
}

func InvoiceNotFound(id string) error { return &NotFoundError{Entity: "invoice", ID: id} }
func PaymentNotFound(id string) error { return &NotFoundError{Entity: "payment", ID: id} }
func ClosureNotFound(p Period) error  { return &NotFoundError{Entity: "closure", ID: p.String()} }

// AlreadyClosedError identifies the month that is already closed.
type AlreadyClosedError struct {
	Year  int
	Month time.Month
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("month %s already closed", NewPeriod(e.Year, e.Month))
}

func (e *AlreadyClosedError) Unwrap() error { return ErrAlreadyClosed }

// AlreadyInvoicedError names the reference already billed and where.
type AlreadyInvoicedError struct {
	Ref           string
	InvoiceNumber string
}

func (e *AlreadyInvoicedError) Error() string {
	return fmt.Sprintf("%s already billed on invoice %s", e.Ref, e.InvoiceNumber)
}

func (e *AlreadyInvoicedError) Unwrap() error { return ErrAlreadyInvoiced }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindInvoiceNotFound ErrorKind = "InvoiceNotFound"
	KindPaymentNotFound ErrorKind = "PaymentNotFound"
	KindClosureNotFound ErrorKind = "ClosureNotFound"
	KindAlreadyClosed   ErrorKind = "AlreadyClosed"
	KindAlreadyInvoiced ErrorKind = "AlreadyInvoiced"
	KindConflict        ErrorKind = "Conflict"
	KindInvalidAmount   ErrorKind = "InvalidAmount"
	KindInvalidRecord   ErrorKind = "InvalidRecord"
	KindAborted         ErrorKind = "Aborted"
	KindInternal        ErrorKind = "Internal"
)

// Kind classifies err so callers can render a message per kind.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvoiceNotFound):
		return KindInvoiceNotFound
	case errors.Is(err, ErrPaymentNotFound):
		return KindPaymentNotFound
	case errors.Is(err, ErrClosureNotFound):
		return KindClosureNotFound
	case errors.Is(err, ErrAlreadyClosed):
		return KindAlreadyClosed
	case errors.Is(err, ErrAlreadyInvoiced):
		return KindAlreadyInvoiced
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrInvalidRecord):
		return KindInvalidRecord
	case errors.Is(err, ErrAborted):
		return KindAborted
	}
	return KindInternal
}

// Aborted converts context cancellation into ErrAborted and leaves other
// errors untouched.
func Aborted(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, ErrAborted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return err
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrClosureNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrAlreadyInvoiced)
}
