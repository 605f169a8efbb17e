/*
scheduler.go - Daily re-anchor scheduler

PURPOSE:
  Reads already anchor a copy of the timeline on the fly, but the stored
  rows only gain a "today" entry when a batch touches the card. This
  scheduler periodically anchors every stored timeline so the persisted
  most recent entry follows the calendar.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run computes today in the ledger zone and calls Engine.Reanchor
  - Timelines already anchored are skipped by the engine (idempotent)
  - The last run is kept for the health/admin surface

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAnchorScheduler(engine, loc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reanchor endpoint (manual run), Health (last/next run)
  - ledger/engine.go: Engine.Reanchor
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/logging"
)

// AnchorRun records one scheduler pass.
type AnchorRun struct {
	Today     ledger.Day
	Anchored  int
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// AnchorScheduler re-anchors stored timelines on an interval.
type AnchorScheduler struct {
	Engine        *ledger.Engine
	Location      *time.Location
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	logger  *logging.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *AnchorRun
}

// NewAnchorScheduler creates a new scheduler.
func NewAnchorScheduler(engine *ledger.Engine, loc *time.Location, logger *logging.Logger) *AnchorScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &AnchorScheduler{
		Engine:        engine,
		Location:      loc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.WithComponent(logging.ComponentScheduler),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *AnchorScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	// a previous Stop closed the old channel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("scheduler started", "interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *AnchorScheduler) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker = nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}
}

func (s *AnchorScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass immediately (for testing/admin).
func (s *AnchorScheduler) RunNow(ctx context.Context) AnchorRun {
	began := time.Now()
	start := s.Now()
	today := ledger.DayOf(start, s.Location)

	n, err := s.Engine.Reanchor(ctx, nil, today)
	run := AnchorRun{
		Today:     today,
		Anchored:  n,
		Err:       err,
		StartedAt: start,
		Duration:  time.Since(began),
	}

	if err != nil {
		s.logger.LogError(ctx, "reanchor", err, "today", today.String())
	} else {
		s.logger.Info("timelines anchored",
			"today", today.String(),
			"anchored", n,
			logging.FieldDuration, run.Duration.Milliseconds(),
		)
	}

	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()
	return run
}

// LastRun returns the most recent pass, or nil if none ran yet.
func (s *AnchorScheduler) LastRun() *AnchorRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *AnchorScheduler) GetNextRunTime() time.Time {
	if last := s.LastRun(); last != nil {
		return last.StartedAt.Add(s.CheckInterval)
	}
	return s.Now().Add(s.CheckInterval)
}
