package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// REGISTER
// =============================================================================

// RegisterPayment records a new payment. When intent.InvoiceID is set the
// invoice is credited in the same transaction and its new state returned.
func (c *Coordinator) RegisterPayment(ctx context.Context, intent ledger.PaymentIntent) (string, *ledger.Invoice, error) {
	if err := billing.ValidatePaymentIntent(intent); err != nil {
		return "", nil, err
	}

	var (
		paymentID string
		updated   *ledger.Invoice
	)
	err := c.run(ctx, "register_payment", func(ctx context.Context, tx ledger.Tx) error {
		now := c.now()
		payment := ledger.Payment{
			ClientID:  intent.ClientID,
			Amount:    intent.Amount,
			Method:    intent.Method,
			Date:      intent.Date,
			Concept:   intent.Concept,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if intent.InvoiceID != nil {
			inv, err := tx.GetInvoice(ctx, *intent.InvoiceID)
			if err != nil {
				return err
			}
			next, err := credit(ctx, tx, *inv, payment.Amount, now)
			if err != nil {
				return err
			}
			updated = &next
			payment.LinkedInvoiceID = stringPtr(inv.ID)
		}

		id, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		paymentID = id
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	evt := c.log.Info().Str("payment_id", paymentID).Str("amount", intent.Amount.String())
	if updated != nil {
		evt = evt.Str("invoice_id", updated.ID).Str("status", string(updated.Status))
	}
	evt.Msg("payment registered")
	return paymentID, updated, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// PaymentUpdate describes an edit of a payment.
//
// The stored link of the payment is authoritative for the invoice to debit.
// PreviousInvoiceID, when given, must agree with it; a mismatch means the
// caller edited a stale copy and is reported as ErrConflict.
// NewInvoiceID is the invoice to credit; nil leaves the payment unlinked.
type PaymentUpdate struct {
	Data              ledger.PaymentData
	PreviousInvoiceID *string
	NewInvoiceID      *string
}

// UpdatePayment edits a payment and moves its amount between invoices.
func (c *Coordinator) UpdatePayment(ctx context.Context, paymentID string, upd PaymentUpdate) error {
	if !upd.Data.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ledger.ErrInvalidAmount, upd.Data.Amount)
	}
	if !upd.Data.Method.Valid() {
		return fmt.Errorf("%w: payment %s: unknown method %q", ledger.ErrInvalidRecord, paymentID, upd.Data.Method)
	}

	err := c.run(ctx, "update_payment", func(ctx context.Context, tx ledger.Tx) error {
		current, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if upd.PreviousInvoiceID != nil && !current.IsLinkedTo(*upd.PreviousInvoiceID) {
			return fmt.Errorf("payment %s is not linked to invoice %s: %w",
				paymentID, *upd.PreviousInvoiceID, ledger.ErrConflict)
		}

		// All reads happen before the first write.
		var previous, next *ledger.Invoice
		if current.LinkedInvoiceID != nil {
			if previous, err = tx.GetInvoice(ctx, *current.LinkedInvoiceID); err != nil {
				return err
			}
		}
		if upd.NewInvoiceID != nil {
			if previous != nil && previous.ID == *upd.NewInvoiceID {
				next = previous
			} else if next, err = tx.GetInvoice(ctx, *upd.NewInvoiceID); err != nil {
				return err
			}
		}

		now := c.now()
		switch {
		case previous != nil && previous == next:
			delta := upd.Data.Amount.Sub(current.Amount)
			if _, err := credit(ctx, tx, *previous, delta, now); err != nil {
				return err
			}
		default:
			if previous != nil {
				if _, err := credit(ctx, tx, *previous, current.Amount.Neg(), now); err != nil {
					return err
				}
			}
			if next != nil {
				if _, err := credit(ctx, tx, *next, upd.Data.Amount, now); err != nil {
					return err
				}
			}
		}

		updated := *current
		updated.ClientID = upd.Data.ClientID
		updated.Amount = upd.Data.Amount
		updated.Method = upd.Data.Method
		updated.Date = upd.Data.Date
		updated.Concept = upd.Data.Concept
		updated.LinkedInvoiceID = nil
		if next != nil {
			updated.LinkedInvoiceID = stringPtr(next.ID)
		}
		updated.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, updated); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info().Str("payment_id", paymentID).Str("amount", upd.Data.Amount.String()).Msg("payment updated")
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeletePayment removes a payment and debits the invoice it was linked to.
// invoiceID and amount describe the caller's view of the payment; when set
// they must match the stored record (ErrConflict otherwise). A zero amount
// means "whatever is stored".
func (c *Coordinator) DeletePayment(ctx context.Context, paymentID string, invoiceID *string, amount decimal.Decimal) error {
	err := c.run(ctx, "delete_payment", func(ctx context.Context, tx ledger.Tx) error {
		current, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if invoiceID != nil && !current.IsLinkedTo(*invoiceID) {
			return fmt.Errorf("payment %s is not linked to invoice %s: %w",
				paymentID, *invoiceID, ledger.ErrConflict)
		}
		if !amount.IsZero() && !amount.Equal(current.Amount) {
			return fmt.Errorf("payment %s amount is %s, caller expected %s: %w",
				paymentID, current.Amount, amount, ledger.ErrConflict)
		}

		if current.LinkedInvoiceID != nil {
			inv, err := tx.GetInvoice(ctx, *current.LinkedInvoiceID)
			if err != nil {
				return err
			}
			if _, err := credit(ctx, tx, *inv, current.Amount.Neg(), c.now()); err != nil {
				return err
			}
		}

		if err := tx.DeletePayment(ctx, paymentID); err != nil {
			return fmt.Errorf("delete payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info().Str("payment_id", paymentID).Msg("payment deleted")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// credit adds delta (which may be negative) to the invoice, floors the
// result at zero, recomputes the status and writes it. It returns the
// invoice as stored.
func credit(ctx context.Context, tx ledger.Tx, inv ledger.Invoice, delta decimal.Decimal, now time.Time) (ledger.Invoice, error) {
	next := ledger.ApplyPayment(inv, delta)
	next.LastUpdatedAt = now
	if err := tx.UpdateInvoice(ctx, next); err != nil {
		return ledger.Invoice{}, fmt.Errorf("update invoice %s: %w", inv.ID, err)
	}
	next.Version++
	return next, nil
}

func stringPtr(s string) *string { return &s }
