package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
	memstore "github.com/warp/clinic-billing/ledger/store"
	"github.com/warp/clinic-billing/monthclose"
)

func TestScheduler_RunNow_RepairsRecentPeriods(t *testing.T) {
	// GIVEN: A drifted March invoice and a clock in April
	// WHEN: Running one sweep
	// THEN: March and April are checked and the March invoice repaired

	store := memstore.NewMemory()
	coord := coordinator.New(store)
	ctx := context.Background()

	march := ledger.NewPeriod(2025, time.March)
	id, err := store.CreateInvoice(ctx, ledger.Invoice{
		Number: "034-001", ClientID: "c1", ClientCode: "034", Period: march,
		TotalAmount: ledger.MustMoney("1000"), AmountPaid: ledger.MustMoney("250"),
		Status: ledger.StatusPartial,
	})
	require.NoError(t, err)

	scheduler := NewReconciliationScheduler(coord, zerolog.Nop())
	scheduler.now = func() time.Time { return time.Date(2025, time.April, 2, 3, 0, 0, 0, time.UTC) }

	result := scheduler.RunNow(ctx)

	assert.Equal(t, []ledger.Period{march, ledger.NewPeriod(2025, time.April)}, result.Periods)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Repaired)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, result, scheduler.LastRun())

	inv, err := store.GetInvoice(ctx, id)
	require.NoError(t, err)
	assert.True(t, inv.AmountPaid.IsZero())
	assert.Equal(t, ledger.StatusPending, inv.Status)
}

func TestScheduler_RunNow_AbortedContextCountsFailure(t *testing.T) {
	store := memstore.NewMemory()
	_, err := store.CreateInvoice(context.Background(), ledger.Invoice{
		Number: "034-001", ClientID: "c1", ClientCode: "034",
		Period:      ledger.PeriodOf(time.Now()),
		TotalAmount: ledger.MustMoney("10"), Status: ledger.StatusPending,
	})
	require.NoError(t, err)

	scheduler := NewReconciliationScheduler(coordinator.New(store), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := scheduler.RunNow(ctx)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Repaired)
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler := NewReconciliationScheduler(coordinator.New(memstore.NewMemory()), zerolog.Nop())
	scheduler.CheckInterval = time.Hour

	scheduler.Start()
	scheduler.Stop()
	// Stop is idempotent.
	scheduler.Stop()

	assert.False(t, scheduler.LastRun().StartedAt.IsZero(), "start runs one sweep immediately")
}

func TestScheduler_StartTwiceAndRestart(t *testing.T) {
	// GIVEN: A scheduler with a short interval and a clock that counts sweeps
	// WHEN: Starting it twice, stopping it, then starting it again
	// THEN: The second Start is a no-op and the restarted loop keeps ticking

	var reads atomic.Int64
	scheduler := NewReconciliationScheduler(coordinator.New(memstore.NewMemory()), zerolog.Nop())
	scheduler.CheckInterval = 5 * time.Millisecond
	scheduler.now = func() time.Time {
		reads.Add(1)
		return time.Date(2025, time.April, 2, 3, 0, 0, 0, time.UTC)
	}

	scheduler.Start()
	first := scheduler.ticker
	scheduler.Start()
	assert.Same(t, first, scheduler.ticker)
	scheduler.Stop()

	// Each sweep reads the clock twice.
	before := reads.Load()
	scheduler.Start()
	defer scheduler.Stop()
	require.Eventually(t, func() bool { return reads.Load() >= before+6 }, 2*time.Second, 5*time.Millisecond,
		"restarted scheduler should sweep on its ticker")
}

func TestScheduler_Disabled(t *testing.T) {
	scheduler := NewReconciliationScheduler(coordinator.New(memstore.NewMemory()), zerolog.Nop())
	scheduler.Enabled = false

	scheduler.Start()
	scheduler.Stop()

	assert.True(t, scheduler.LastRun().StartedAt.IsZero())
}

func TestLastSweep_WithScheduler(t *testing.T) {
	store := memstore.NewMemory()
	coord := coordinator.New(store)
	handler := NewHandler(coord, monthclose.New(store), zerolog.Nop())
	handler.Scheduler = NewReconciliationScheduler(coord, zerolog.Nop())
	handler.Scheduler.RunNow(context.Background())

	s := &testServer{t: t, store: store, router: NewRouter(handler, []string{"*"})}
	rec := s.do(http.MethodGet, "/api/admin/reconciliation", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body, "lastRun")
	assert.Contains(t, body, "nextRun")
}
