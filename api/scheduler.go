/*
scheduler.go - Automated monthly rollover scheduler

PURPOSE:
  Periodically checks whether a new calendar month has started and, once
  per month, dispatches MonthRollover so every eligible donor gets a plan
  for the new month (and the next one near month end).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Remembers the last month it rolled over in memory
  - A restart fires the rollover again; the duplicate-plan guard turns
    that second pass into duplicates, not new visits

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRolloverScheduler(dispatcher, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRollover endpoint (manual rollover)
  - planner/generator.go: Rollover
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/planner"
)

// Dispatcher is the part of planner.Dispatcher the scheduler uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd planner.Command) (*planner.Outcome, error)
}

// RolloverScheduler fires MonthRollover once per calendar month.
type RolloverScheduler struct {
	Dispatcher    Dispatcher
	CheckInterval time.Duration
	Enabled       bool
	Location      *time.Location
	Now           func() time.Time

	logger *zap.Logger

	runMu     sync.Mutex // serializes passes; guards lastMonth
	lastMonth calendar.Month

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRolloverScheduler creates a new scheduler.
func NewRolloverScheduler(d Dispatcher, logger *zap.Logger) *RolloverScheduler {
	return &RolloverScheduler{
		Dispatcher:    d,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Location:      time.UTC,
		Now:           time.Now,
		logger:        logger,
	}
}

// Start begins the scheduler. It stops when ctx is cancelled or Stop is
// called.
func (rs *RolloverScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("rollover scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.logger.Info("rollover scheduler started", zap.Duration("check_interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-progress rollover.
func (rs *RolloverScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		rs.cancel()
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("rollover scheduler stopped")
	}
}

func (rs *RolloverScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkAndProcess dispatches MonthRollover when the month has changed
// since the last successful pass. It returns nil when nothing ran.
func (rs *RolloverScheduler) checkAndProcess(ctx context.Context) *planner.RolloverReport {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	now := rs.Now()
	month := calendar.MonthOf(now.In(rs.Location))
	if month == rs.lastMonth {
		return nil
	}

	rs.logger.Info("running monthly rollover", zap.String("month", month.String()))
	out, err := rs.Dispatcher.Dispatch(ctx, planner.MonthRollover{At: now})
	if err != nil {
		// lastMonth stays put so the next tick retries.
		rs.logger.Error("monthly rollover failed", zap.String("month", month.String()), zap.Error(err))
		return nil
	}
	rs.lastMonth = month
	return out.Rollover
}

// RunNow triggers an immediate check (for testing/admin).
func (rs *RolloverScheduler) RunNow(ctx context.Context) *planner.RolloverReport {
	return rs.checkAndProcess(ctx)
}

// LastMonth returns the month of the last successful rollover.
func (rs *RolloverScheduler) LastMonth() calendar.Month {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	return rs.lastMonth
}
