/*
scheduler.go - Periodic lifecycle sweeps

PURPOSE:
  Calls Processor.Run on a fixed interval so commissions advance without
  anyone pressing a button. POST /api/lifecycle/run uses RunNow for the
  same path on demand.

DESIGN:
  - One background goroutine with a ticker
  - Runs once immediately on start
  - The Processor's lease keeps runs from overlapping, including runs
    started by other instances when the lease is Redis-backed
  - The last summary and error are kept for GET /api/lifecycle/status

USAGE:
  scheduler := NewLifecycleScheduler(processor, time.Hour, logger)
  scheduler.Start()
  defer scheduler.Stop()

SEE ALSO:
  - commission/processor.go: The sweeps
  - handlers.go: RunLifecycle / LifecycleStatus endpoints
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// LifecycleScheduler runs lifecycle sweeps on a ticker.
type LifecycleScheduler struct {
	Processor *commission.Processor
	Interval  time.Duration
	Enabled   bool

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun *commission.RunSummary
	lastErr error
	nextRun time.Time
}

func NewLifecycleScheduler(p *commission.Processor, interval time.Duration, logger *slog.Logger) *LifecycleScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleScheduler{
		Processor: p,
		Interval:  interval,
		Enabled:   interval > 0,
		logger:    logger.With("component", "api.scheduler"),
	}
}

// Start begins the scheduler. Calling it twice has no effect.
func (s *LifecycleScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("scheduler started", "interval", s.Interval.String())
}

// Stop cancels any sweep in progress after its current record and waits
// for the goroutine to exit.
func (s *LifecycleScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *LifecycleScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *LifecycleScheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.nextRun = time.Now().Add(s.Interval)
	s.mu.Unlock()

	_, err := s.RunNow(ctx)
	switch {
	case err == nil:
	case errors.Is(err, commission.ErrSweepInProgress):
		s.logger.InfoContext(ctx, "sweep skipped, another run holds the lease")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.ErrorContext(ctx, "scheduled sweep failed", "error", err)
	}
}

// RunNow runs one sweep and records its outcome. A run rejected because
// another holds the lease does not replace the last recorded run.
func (s *LifecycleScheduler) RunNow(ctx context.Context) (commission.RunSummary, error) {
	summary, err := s.Processor.Run(ctx)
	if errors.Is(err, commission.ErrSweepInProgress) {
		return summary, err
	}

	s.mu.Lock()
	s.lastRun = &summary
	s.lastErr = err
	s.mu.Unlock()
	return summary, err
}

// Status reports the last run for the status endpoint.
func (s *LifecycleScheduler) Status() LifecycleStatusDTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	dto := LifecycleStatusDTO{
		Enabled:  s.Enabled,
		Interval: s.Interval.String(),
		LastRun:  s.lastRun,
	}
	if s.lastErr != nil {
		dto.LastError = s.lastErr.Error()
	}
	if s.cancel != nil && !s.nextRun.IsZero() {
		next := s.nextRun.UTC().Format(time.RFC3339)
		dto.NextRunAt = &next
	}
	return dto
}
