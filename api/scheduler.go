/*
scheduler.go - Periodic invoice reconciliation

PURPOSE:
  Periodically recomputes AmountPaid of recent invoices from their linked
  payments and repairs any drift. Under normal operation every sweep is a
  no-op; a repair means something wrote around the coordinator.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep covers the current month and the previous one
  - Every invoice is reconciled in its own unit of work
  - Results of the last sweep are kept for the admin UI

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(coord, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - coordinator/invoices.go: Reconcile, ReconcilePeriod
  - handlers.go: ReconcilePeriod endpoint (manual sweep)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
)

// ReconciliationScheduler sweeps recent invoices for balance drift.
type ReconciliationScheduler struct {
	Coordinator   *coordinator.Coordinator
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun SweepResult
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	StartedAt time.Time       `json:"startedAt"`
	Periods   []ledger.Period `json:"periods"`
	Checked   int             `json:"checked"`
	Repaired  int             `json:"repaired"`
	Failed    int             `json:"failed"`
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(coord *coordinator.Coordinator, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Coordinator:   coord,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler. Starting a running scheduler is a no-op;
// a stopped one can be started again.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker.C, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-tick:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously and returns its result.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) SweepResult {
	current := ledger.PeriodOf(rs.now())
	result := SweepResult{
		StartedAt: rs.now(),
		Periods:   []ledger.Period{current.Previous(), current},
	}

	for _, period := range result.Periods {
		reports, err := rs.Coordinator.ReconcilePeriod(ctx, period)
		result.Checked += len(reports)
		for _, rep := range reports {
			if rep.Repaired {
				result.Repaired++
			}
		}
		if err != nil {
			result.Failed++
			rs.log.Warn().Err(err).Str("period", period.String()).Msg("reconciliation sweep failed")
		}
	}

	if result.Repaired > 0 {
		rs.log.Warn().
			Int("checked", result.Checked).
			Int("repaired", result.Repaired).
			Msg("reconciliation sweep repaired drift")
	} else {
		rs.log.Debug().Int("checked", result.Checked).Msg("reconciliation sweep clean")
	}

	rs.lastMu.Lock()
	rs.lastRun = result
	rs.lastMu.Unlock()
	return result
}

// LastRun returns the result of the most recent sweep.
func (rs *ReconciliationScheduler) LastRun() SweepResult {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastRun
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}
