package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
	memstore "github.com/warp/clinic-billing/ledger/store"
	"github.com/warp/clinic-billing/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	march = ledger.NewPeriod(2025, time.March)
	clock = time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)
)

// backends runs a test body against every store implementation that needs
// no external service.
func backends(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memstore.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func newCoordinator(store ledger.Store) *coordinator.Coordinator {
	return coordinator.New(store, coordinator.WithClock(func() time.Time { return clock }))
}

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

// draft builds a one-line invoice draft billing ref for total (tax included).
func draft(clientID, ref, base string) billing.InvoiceDraft {
	b := money(base)
	tax := ledger.RoundMoney(b.Mul(billing.TaxRate))
	return billing.InvoiceDraft{
		ClientID:   clientID,
		ClientCode: "034",
		Period:     march,
		LineItems: []ledger.LineItem{{
			Ref:       ref,
			Kind:      ledger.LineSession,
			BasePrice: b,
			Tax:       tax,
			Total:     b.Add(tax),
		}},
		Subtotal: b,
		Tax:      tax,
		Total:    b.Add(tax),
	}
}

func generate(t *testing.T, coord *coordinator.Coordinator, clientID, ref, base string) *ledger.Invoice {
	t.Helper()
	inv, err := coord.GenerateInvoice(context.Background(), draft(clientID, ref, base))
	require.NoError(t, err)
	return inv
}

func intent(clientID, amount string, invoiceID *string) ledger.PaymentIntent {
	return ledger.PaymentIntent{
		ClientID:  clientID,
		Amount:    money(amount),
		Method:    ledger.MethodTransfer,
		Date:      time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC),
		Concept:   "March sessions",
		InvoiceID: invoiceID,
	}
}

func update(p *ledger.Payment, amount string) ledger.PaymentData {
	return ledger.PaymentData{
		ClientID: p.ClientID,
		Amount:   money(amount),
		Method:   p.Method,
		Date:     p.Date,
		Concept:  p.Concept,
	}
}

// assertBalanced checks AmountPaid against the sum of linked payments.
func assertBalanced(t *testing.T, store ledger.Store, invoiceID string) *ledger.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := store.GetInvoice(ctx, invoiceID)
	require.NoError(t, err)
	payments, err := store.ListPaymentsByInvoice(ctx, invoiceID)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, sum.Equal(inv.AmountPaid), "invoice %s: amountPaid %s, linked payments %s", inv.Number, inv.AmountPaid, sum)
	assert.Equal(t, ledger.DeriveStatus(inv.AmountPaid, inv.TotalAmount), inv.Status)
	return inv
}

func ptr(s string) *string { return &s }

// =============================================================================
// REGISTER
// =============================================================================

func TestRegisterPayment_CreditsInvoice(t *testing.T) {
	// GIVEN: An invoice of 1160 (1000 + tax)
	// WHEN: Two payments of 500 and 660 are linked to it
	// THEN: The invoice goes pending -> partial -> paid

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		assert.Equal(t, ledger.StatusPending, inv.Status)
		assert.Equal(t, "034-001", inv.Number)

		id1, updated, err := coord.RegisterPayment(ctx, intent("c1", "500", &inv.ID))
		require.NoError(t, err)
		assert.NotEmpty(t, id1)
		require.NotNil(t, updated)
		assert.Equal(t, ledger.StatusPartial, updated.Status)
		assert.True(t, money("500").Equal(updated.AmountPaid))

		_, updated, err = coord.RegisterPayment(ctx, intent("c1", "660", &inv.ID))
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPaid, updated.Status)

		stored := assertBalanced(t, store, inv.ID)
		assert.True(t, money("1160").Equal(stored.AmountPaid))
		assert.True(t, clock.Equal(stored.LastUpdatedAt))
	})
}

func TestRegisterPayment_Unlinked(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)

		id, updated, err := coord.RegisterPayment(context.Background(), intent("c1", "250", nil))
		require.NoError(t, err)
		assert.Nil(t, updated)

		p, err := coord.Payment(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, p.LinkedInvoiceID)
		assert.True(t, money("250").Equal(p.Amount))
	})
}

func TestRegisterPayment_MissingInvoiceWritesNothing(t *testing.T) {
	// GIVEN: No invoice with the referenced id
	// WHEN: Registering a payment against it
	// THEN: InvoiceNotFound and no payment is stored

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()

		_, _, err := coord.RegisterPayment(ctx, intent("c1", "100", ptr("missing")))
		assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
		assert.Equal(t, ledger.KindInvoiceNotFound, ledger.Kind(err))

		payments, err := store.ListPaymentsInRange(ctx, march.Start(), march.End())
		require.NoError(t, err)
		assert.Empty(t, payments)
	})
}

func TestRegisterPayment_RejectsNonPositiveAmount(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)

		_, _, err := coord.RegisterPayment(context.Background(), intent("c1", "0", nil))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		_, _, err = coord.RegisterPayment(context.Background(), intent("c1", "-5", nil))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})
}

func TestRegisterPayment_CancelledContextAborts(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		inv := generate(t, coord, "c1", "s1", "1000")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := coord.RegisterPayment(ctx, intent("c1", "100", &inv.ID))
		assert.ErrorIs(t, err, ledger.ErrAborted)

		stored := assertBalanced(t, store, inv.ID)
		assert.True(t, stored.AmountPaid.IsZero())
	})
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdatePayment_ChangesAmountOnSameInvoice(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		id, _, err := coord.RegisterPayment(ctx, intent("c1", "500", &inv.ID))
		require.NoError(t, err)
		p, err := coord.Payment(ctx, id)
		require.NoError(t, err)

		err = coord.UpdatePayment(ctx, id, coordinator.PaymentUpdate{
			Data:              update(p, "700"),
			PreviousInvoiceID: &inv.ID,
			NewInvoiceID:      &inv.ID,
		})
		require.NoError(t, err)

		stored := assertBalanced(t, store, inv.ID)
		assert.True(t, money("700").Equal(stored.AmountPaid))
	})
}

func TestUpdatePayment_MovesBetweenInvoices(t *testing.T) {
	// GIVEN: A payment of 500 linked to invoice A
	// WHEN: Re-linking it to invoice B with amount 600
	// THEN: A is debited 500 and B credited 600 in one transaction

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		a := generate(t, coord, "c1", "s1", "1000")
		b := generate(t, coord, "c1", "s2", "500")
		assert.Equal(t, "034-002", b.Number)

		id, _, err := coord.RegisterPayment(ctx, intent("c1", "500", &a.ID))
		require.NoError(t, err)
		p, err := coord.Payment(ctx, id)
		require.NoError(t, err)

		err = coord.UpdatePayment(ctx, id, coordinator.PaymentUpdate{
			Data:              update(p, "580"),
			PreviousInvoiceID: &a.ID,
			NewInvoiceID:      &b.ID,
		})
		require.NoError(t, err)

		storedA := assertBalanced(t, store, a.ID)
		storedB := assertBalanced(t, store, b.ID)
		assert.True(t, storedA.AmountPaid.IsZero())
		assert.Equal(t, ledger.StatusPending, storedA.Status)
		assert.True(t, money("580").Equal(storedB.AmountPaid))
		assert.Equal(t, ledger.StatusPaid, storedB.Status)

		moved, err := coord.Payment(ctx, id)
		require.NoError(t, err)
		assert.True(t, moved.IsLinkedTo(b.ID))
	})
}

func TestUpdatePayment_Unlink(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		id, _, err := coord.RegisterPayment(ctx, intent("c1", "300", &inv.ID))
		require.NoError(t, err)
		p, err := coord.Payment(ctx, id)
		require.NoError(t, err)

		require.NoError(t, coord.UpdatePayment(ctx, id, coordinator.PaymentUpdate{Data: update(p, "300")}))

		stored := assertBalanced(t, store, inv.ID)
		assert.True(t, stored.AmountPaid.IsZero())
		unlinked, err := coord.Payment(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, unlinked.LinkedInvoiceID)
	})
}

func TestUpdatePayment_StalePreviousInvoiceConflicts(t *testing.T) {
	// GIVEN: A payment linked to A, edited by a caller who believes it is on B
	// WHEN: Updating with PreviousInvoiceID = B
	// THEN: ErrConflict and nothing changes

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		a := generate(t, coord, "c1", "s1", "1000")
		b := generate(t, coord, "c1", "s2", "1000")
		id, _, err := coord.RegisterPayment(ctx, intent("c1", "500", &a.ID))
		require.NoError(t, err)
		p, err := coord.Payment(ctx, id)
		require.NoError(t, err)

		err = coord.UpdatePayment(ctx, id, coordinator.PaymentUpdate{
			Data:              update(p, "900"),
			PreviousInvoiceID: &b.ID,
			NewInvoiceID:      &b.ID,
		})
		assert.ErrorIs(t, err, ledger.ErrConflict)

		assert.True(t, money("500").Equal(assertBalanced(t, store, a.ID).AmountPaid))
		assert.True(t, assertBalanced(t, store, b.ID).AmountPaid.IsZero())
	})
}

func TestUpdatePayment_MissingTargetRollsBack(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		a := generate(t, coord, "c1", "s1", "1000")
		id, _, err := coord.RegisterPayment(ctx, intent("c1", "500", &a.ID))
		require.NoError(t, err)
		p, err := coord.Payment(ctx, id)
		require.NoError(t, err)

		err = coord.UpdatePayment(ctx, id, coordinator.PaymentUpdate{
			Data:         update(p, "500"),
			NewInvoiceID: ptr("missing"),
		})
		assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)

		assert.True(t, money("500").Equal(assertBalanced(t, store, a.ID).AmountPaid))
		again, err := coord.Payment(ctx, id)
		require.NoError(t, err)
		assert.True(t, again.IsLinkedTo(a.ID))
	})
}

func TestUpdatePayment_MissingPayment(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)

		err := coord.UpdatePayment(context.Background(), "missing", coordinator.PaymentUpdate{
			Data: ledger.PaymentData{ClientID: "c1", Amount: money("10"), Method: ledger.MethodCash},
		})
		assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
	})
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeletePayment_DebitsInvoice(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		keep, _, err := coord.RegisterPayment(ctx, intent("c1", "160", &inv.ID))
		require.NoError(t, err)
		drop, _, err := coord.RegisterPayment(ctx, intent("c1", "1000", &inv.ID))
		require.NoError(t, err)

		require.NoError(t, coord.DeletePayment(ctx, drop, &inv.ID, money("1000")))

		stored := assertBalanced(t, store, inv.ID)
		assert.True(t, money("160").Equal(stored.AmountPaid))
		assert.Equal(t, ledger.StatusPartial, stored.Status)

		_, err = coord.Payment(ctx, drop)
		assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
		_, err = coord.Payment(ctx, keep)
		assert.NoError(t, err)
	})
}

func TestDeletePayment_StaleAmountConflicts(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		id, _, err := coord.RegisterPayment(ctx, intent("c1", "400", &inv.ID))
		require.NoError(t, err)

		err = coord.DeletePayment(ctx, id, &inv.ID, money("300"))
		assert.ErrorIs(t, err, ledger.ErrConflict)

		_, err = coord.Payment(ctx, id)
		assert.NoError(t, err, "payment must survive a rejected delete")
		assert.True(t, money("400").Equal(assertBalanced(t, store, inv.ID).AmountPaid))
	})
}

// =============================================================================
// GENERATE
// =============================================================================

func TestGenerateInvoice_RejectsDoubleBilling(t *testing.T) {
	// GIVEN: Session s1 already billed in March
	// WHEN: Generating another March invoice with s1
	// THEN: AlreadyInvoiced naming the first invoice

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		first := generate(t, coord, "c1", "s1", "1000")

		_, err := coord.GenerateInvoice(context.Background(), draft("c1", "s1", "1000"))
		assert.ErrorIs(t, err, ledger.ErrAlreadyInvoiced)
		var already *ledger.AlreadyInvoicedError
		require.ErrorAs(t, err, &already)
		assert.Equal(t, first.Number, already.InvoiceNumber)

		april := draft("c1", "s1", "1000")
		april.Period = march.Next()
		next, err := coord.GenerateInvoice(context.Background(), april)
		require.NoError(t, err)
		assert.Equal(t, "034-002", next.Number)
	})
}

func TestGenerateInvoice_RejectsEmptyDraft(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		empty := draft("c1", "s1", "1000")
		empty.LineItems = nil

		_, err := coord.GenerateInvoice(context.Background(), empty)
		assert.ErrorIs(t, err, ledger.ErrInvalidRecord)
	})
}

func TestGenerateInvoice_PersistsLineItems(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		inv := generate(t, coord, "c1", "s1", "1000")

		stored, err := coord.Invoice(context.Background(), inv.ID)
		require.NoError(t, err)
		require.Len(t, stored.LineItems, 1)
		assert.Equal(t, "s1", stored.LineItems[0].Ref)
		assert.True(t, money("1160").Equal(stored.TotalAmount))
		assert.Equal(t, march, stored.Period)
		assert.Equal(t, int64(1), stored.Version)
	})
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_RepairsDrift(t *testing.T) {
	// GIVEN: An invoice whose AmountPaid was written around the coordinator
	// WHEN: Reconciling it
	// THEN: AmountPaid is recomputed from the linked payments

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		_, _, err := coord.RegisterPayment(ctx, intent("c1", "300", &inv.ID))
		require.NoError(t, err)

		corrupt, err := store.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		corrupt.AmountPaid = money("1160")
		corrupt.Status = ledger.StatusPaid
		require.NoError(t, store.UpdateInvoice(ctx, *corrupt))

		report, err := coord.Reconcile(ctx, inv.ID)
		require.NoError(t, err)
		assert.True(t, report.Repaired)
		assert.True(t, money("1160").Equal(report.Recorded))
		assert.True(t, money("300").Equal(report.Computed))
		assert.True(t, money("860").Equal(report.Drift))
		assert.Equal(t, ledger.StatusPartial, report.Status)
		assertBalanced(t, store, inv.ID)

		again, err := coord.Reconcile(ctx, inv.ID)
		require.NoError(t, err)
		assert.False(t, again.Repaired)
	})
}

func TestReconcilePeriod(t *testing.T) {
	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		a := generate(t, coord, "c1", "s1", "1000")
		generate(t, coord, "c2", "s9", "200")
		_, _, err := coord.RegisterPayment(ctx, intent("c1", "100", &a.ID))
		require.NoError(t, err)

		reports, err := coord.ReconcilePeriod(ctx, march)
		require.NoError(t, err)
		require.Len(t, reports, 2)
		for _, r := range reports {
			assert.False(t, r.Repaired)
		}

		invoices, err := coord.Invoices(ctx, march)
		require.NoError(t, err)
		assert.Len(t, invoices, 2)

		empty, err := coord.ReconcilePeriod(ctx, march.Next())
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

// =============================================================================
// ROUND TRIP AND CONCURRENCY
// =============================================================================

func TestRegisterThenDelete_RestoresInvoice(t *testing.T) {
	// GIVEN: A partially paid invoice
	// WHEN: A payment of 500 is registered on it and then deleted
	// THEN: AmountPaid and Status are exactly what they were; the version moved on twice

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		_, _, err := coord.RegisterPayment(ctx, intent("c1", "300", &inv.ID))
		require.NoError(t, err)

		before, err := coord.Invoice(ctx, inv.ID)
		require.NoError(t, err)

		paymentID, _, err := coord.RegisterPayment(ctx, intent("c1", "500", &inv.ID))
		require.NoError(t, err)
		require.NoError(t, coord.DeletePayment(ctx, paymentID, &inv.ID, money("500")))

		after := assertBalanced(t, store, inv.ID)
		assert.True(t, before.AmountPaid.Equal(after.AmountPaid), "before %s, after %s", before.AmountPaid, after.AmountPaid)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.Version+2, after.Version)
	})
}

func TestRegisterPayment_ConcurrentCreditsAllApply(t *testing.T) {
	// GIVEN: One invoice and 20 callers
	// WHEN: Each registers a payment of 10 on it at the same time
	// THEN: Every payment is counted once and the invoice balances at 200

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")

		const callers = 20
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Conflicts are the caller's to retry.
				for {
					_, _, err := coord.RegisterPayment(ctx, intent("c1", "10", &inv.ID))
					if err == nil || !ledger.IsRetryable(err) {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		final := assertBalanced(t, store, inv.ID)
		assert.True(t, money("200").Equal(final.AmountPaid), "amountPaid %s", final.AmountPaid)
		assert.Equal(t, ledger.StatusPartial, final.Status)

		payments, err := store.ListPaymentsByInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, payments, callers)
	})
}

func TestUpdateInvoice_StaleWritersConflict(t *testing.T) {
	// GIVEN: Two writers holding the same version of an invoice
	// WHEN: Both write it back in their own unit of work concurrently
	// THEN: Exactly one commits; the other gets ErrConflict instead of a lost update

	backends(t, func(t *testing.T, store ledger.Store) {
		coord := newCoordinator(store)
		ctx := context.Background()
		inv := generate(t, coord, "c1", "s1", "1000")
		stale, err := store.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for _, amount := range []string{"100", "200"} {
			wg.Add(1)
			go func(amount string) {
				defer wg.Done()
				results <- store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
					return tx.UpdateInvoice(ctx, ledger.ApplyPayment(*stale, money(amount)))
				})
			}(amount)
		}
		wg.Wait()
		close(results)

		var committed, conflicts int
		for err := range results {
			switch {
			case err == nil:
				committed++
			default:
				assert.ErrorIs(t, err, ledger.ErrConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, committed)
		assert.Equal(t, 1, conflicts)

		final, err := store.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, stale.Version+1, final.Version)
		assert.True(t, final.AmountPaid.Equal(money("100")) || final.AmountPaid.Equal(money("200")))
	})
}
