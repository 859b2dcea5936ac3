package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/ledger"
)

// =============================================================================
// GENERATE
// =============================================================================

// GenerateInvoice persists a priced draft as a new pending invoice.
// Numbering and the double-billing check read the client's existing
// invoices inside the same transaction as the insert.
func (c *Coordinator) GenerateInvoice(ctx context.Context, draft billing.InvoiceDraft) (*ledger.Invoice, error) {
	if draft.IsEmpty() {
		return nil, fmt.Errorf("%w: invoice for client %s has no lines", ledger.ErrInvalidRecord, draft.ClientID)
	}
	if draft.ClientID == "" || draft.ClientCode == "" {
		return nil, fmt.Errorf("%w: invoice requires client id and client code", ledger.ErrInvalidRecord)
	}
	if !draft.Period.Valid() {
		return nil, fmt.Errorf("%w: invalid invoice period %s", ledger.ErrInvalidRecord, draft.Period)
	}

	var created ledger.Invoice
	err := c.run(ctx, "generate_invoice", func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.ListInvoicesByClient(ctx, draft.ClientID)
		if err != nil {
			return fmt.Errorf("list invoices: %w", err)
		}
		if err := checkNotInvoiced(draft, existing); err != nil {
			return err
		}

		numbers := make([]string, 0, len(existing))
		for _, inv := range existing {
			numbers = append(numbers, inv.Number)
		}
		sequence := billing.NextInvoiceNumber(draft.ClientCode, numbers)

		now := c.now()
		created = ledger.Invoice{
			Number:        billing.FormatInvoiceNumber(draft.ClientCode, sequence),
			ClientID:      draft.ClientID,
			ClientCode:    draft.ClientCode,
			Period:        draft.Period,
			LineItems:     append([]ledger.LineItem(nil), draft.LineItems...),
			Subtotal:      draft.Subtotal,
			Tax:           draft.Tax,
			TotalAmount:   draft.Total,
			AmountPaid:    decimal.Zero,
			Status:        ledger.StatusPending,
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
		id, err := tx.CreateInvoice(ctx, created)
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return fmt.Errorf("invoice number %s taken: %w", created.Number, ledger.ErrConflict)
			}
			return fmt.Errorf("create invoice: %w", err)
		}
		created.ID = id
		created.Version = 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("invoice_id", created.ID).
		Str("number", created.Number).
		Str("total", created.TotalAmount.String()).
		Msg("invoice generated")
	return &created, nil
}

// checkNotInvoiced rejects a draft billing a ref that an invoice of the
// same client and period already bills.
func checkNotInvoiced(draft billing.InvoiceDraft, existing []ledger.Invoice) error {
	billed := make(map[string]string)
	for _, inv := range existing {
		if inv.Period != draft.Period {
			continue
		}
		for _, ref := range inv.Refs() {
			billed[ref] = inv.Number
		}
	}
	for _, item := range draft.LineItems {
		if number, ok := billed[item.Ref]; ok {
			return &ledger.AlreadyInvoicedError{Ref: item.Ref, InvoiceNumber: number}
		}
	}
	return nil
}

// =============================================================================
// RECONCILE
// =============================================================================

// ReconcileReport compares an invoice's recorded AmountPaid with the sum of
// its linked payments.
type ReconcileReport struct {
	InvoiceID    string               `json:"invoiceId"`
	Recorded     decimal.Decimal      `json:"recorded"`
	Computed     decimal.Decimal      `json:"computed"`
	Drift        decimal.Decimal      `json:"drift"`
	PaymentCount int                  `json:"paymentCount"`
	Status       ledger.InvoiceStatus `json:"status"`
	Repaired     bool                 `json:"repaired"`
}

// Reconcile recomputes AmountPaid from the invoice's linked payments and,
// when the recorded value drifted, writes the computed one back.
func (c *Coordinator) Reconcile(ctx context.Context, invoiceID string) (ReconcileReport, error) {
	var report ReconcileReport
	err := c.run(ctx, "reconcile", func(ctx context.Context, tx ledger.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		payments, err := tx.ListPaymentsByInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}

		computed := decimal.Zero
		for _, p := range payments {
			computed = computed.Add(p.Amount)
		}

		report = ReconcileReport{
			InvoiceID:    inv.ID,
			Recorded:     inv.AmountPaid,
			Computed:     computed,
			Drift:        inv.AmountPaid.Sub(computed),
			PaymentCount: len(payments),
			Status:       inv.Status,
		}
		expected := ledger.DeriveStatus(computed, inv.TotalAmount)
		if report.Drift.IsZero() && expected == inv.Status {
			return nil
		}

		next := *inv
		next.AmountPaid = computed
		next.Status = expected
		next.LastUpdatedAt = c.now()
		if err := tx.UpdateInvoice(ctx, next); err != nil {
			return fmt.Errorf("update invoice %s: %w", inv.ID, err)
		}
		report.Status = expected
		report.Repaired = true
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	if report.Repaired {
		c.log.Warn().
			Str("invoice_id", invoiceID).
			Str("recorded", report.Recorded.String()).
			Str("computed", report.Computed.String()).
			Msg("invoice balance repaired")
	}
	return report, nil
}

// ReconcilePeriod runs Reconcile over every invoice billed for period, one
// unit of work per invoice. It stops at the first failure and returns the
// reports gathered so far.
func (c *Coordinator) ReconcilePeriod(ctx context.Context, period ledger.Period) ([]ReconcileReport, error) {
	invoices, err := c.store.ListInvoicesByPeriod(ctx, period)
	if err != nil {
		return nil, ledger.Aborted(fmt.Errorf("list invoices for %s: %w", period, err))
	}

	reports := make([]ReconcileReport, 0, len(invoices))
	for _, inv := range invoices {
		report, err := c.Reconcile(ctx, inv.ID)
		if err != nil {
			return reports, fmt.Errorf("reconcile invoice %s: %w", inv.Number, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Invoices lists the invoices billed for period.
func (c *Coordinator) Invoices(ctx context.Context, period ledger.Period) ([]ledger.Invoice, error) {
	invoices, err := c.store.ListInvoicesByPeriod(ctx, period)
	return invoices, ledger.Aborted(err)
}
