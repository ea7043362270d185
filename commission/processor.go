/*
processor.go - Scheduled lifecycle sweeps

PURPOSE:
  The Processor is the entry point invoked by the scheduler. One Run
  executes three sweeps in a fixed order:

    1. Start Trips     pending whose trip start date has passed
    2. Complete Trips  in-progress whose trip end date has passed
    3. Release Holds   in-hold whose hold period has ended

  Running them in sequence lets a commission cascade through several
  states in one run after a long scheduler gap (a trip that both started
  and ended since the last tick lands in its hold period immediately).

FAILURE ISOLATION:
  Each record is its own transaction. A failure is logged and counted and
  the sweep moves on. There is no retry within a run; the next run finds
  the record again because its precondition still holds.

BATCHING:
  Sweeps page through the store by ID (keyset) in BatchSize chunks.

MUTUAL EXCLUSION:
  Run takes a named lease from a lock.Locker before sweeping. If another
  run holds it, Run returns ErrSweepInProgress without touching anything.
  The lease is refreshed after every batch. If it was lost (the ttl ran
  out before a refresh), the run stops at the next batch boundary; the
  row locks and version checks cover the records already in flight.

CANCELLATION:
  The context is checked between records. The record in flight always
  finishes its transaction.

SEE ALSO:
  - transitions.go: Per-record transitions
  - api/scheduler.go: Ticker that calls Run
  - lock/lock.go: Lease implementations
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/commission-engine/lock"
)

const (
	DefaultBatchSize = 100
	DefaultLockKey   = "lifecycle-sweep"
	DefaultLockTTL   = 15 * time.Minute
)

// =============================================================================
// RESULTS
// =============================================================================

// SweepResult summarizes one sweep.
type SweepResult struct {
	Processed int  `json:"processed"`
	Total     int  `json:"total"`
	Skipped   int  `json:"skipped"` // precondition no longer held under the row lock
	Failed    int  `json:"failed"`
	Success   bool `json:"success"` // the sweep ran to the end of its query
}

// RunSummary is the result of one Run.
type RunSummary struct {
	TripsStarted        SweepResult `json:"tripsStarted"`
	TripsCompleted      SweepResult `json:"tripsCompleted"`
	CommissionsReleased SweepResult `json:"commissionsReleased"`
	StartedAt           time.Time   `json:"startedAt"`
	FinishedAt          time.Time   `json:"finishedAt"`
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	engine    *Engine
	locker    lock.Locker
	batchSize int
	lockKey   string
	lockTTL   time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
}

type ProcessorOption func(*Processor)

func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithLocker(l lock.Locker) ProcessorOption { return func(p *Processor) { p.locker = l } }

func WithLockKey(key string, ttl time.Duration) ProcessorOption {
	return func(p *Processor) {
		if key != "" {
			p.lockKey = key
		}
		if ttl > 0 {
			p.lockTTL = ttl
		}
	}
}

func NewProcessor(engine *Engine, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:    engine,
		locker:    lock.NewLocal(),
		batchSize: DefaultBatchSize,
		lockKey:   DefaultLockKey,
		lockTTL:   DefaultLockTTL,
		tracer:    otel.Tracer("github.com/warp/commission-engine/commission"),
		logger:    engine.logger.With("component", "commission.processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type sweepSpec struct {
	name         string
	kind         DueKind
	statuses     []Status
	excludeFraud bool
	apply        func(ctx context.Context, id string) (*Commission, error)
}

func (p *Processor) sweeps() []sweepSpec {
	return []sweepSpec{
		{
			name:     "start_trips",
			kind:     DueTripStart,
			statuses: []Status{StatusPending},
			apply:    p.engine.StartTrip,
		},
		{
			name:         "complete_trips",
			kind:         DueTripEnd,
			statuses:     []Status{StatusTripInProgress, StatusTripCompleted},
			excludeFraud: true,
			apply:        p.engine.CompleteTrip,
		},
		{
			name:         "release_holds",
			kind:         DueHoldEnd,
			statuses:     []Status{StatusInHoldPeriod},
			excludeFraud: true,
			apply:        p.engine.ReleaseFromHold,
		},
	}
}

// Run executes Start, Complete, and Release sweeps in that order.
func (p *Processor) Run(ctx context.Context) (RunSummary, error) {
	ctx, span := p.tracer.Start(ctx, "lifecycle.run")
	defer span.End()

	summary := RunSummary{StartedAt: p.engine.clock.Now()}

	lease, ok, err := p.locker.TryAcquire(ctx, p.lockKey, p.lockTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		return summary, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		p.logger.InfoContext(ctx, "skipping run; another sweep holds the lock", "lock_key", p.lockKey)
		return summary, ErrSweepInProgress
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
		}
	}()

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	keepAlive := func() {
		held, err := lease.Refresh(ctx, p.lockTTL)
		switch {
		case err != nil:
			p.logger.WarnContext(ctx, "failed to refresh sweep lock", "lock_key", p.lockKey, "error", err)
		case !held:
			p.logger.ErrorContext(ctx, "sweep lock lost; stopping run", "lock_key", p.lockKey)
			stop(ErrSweepLockLost)
		}
	}

	results := []*SweepResult{&summary.TripsStarted, &summary.TripsCompleted, &summary.CommissionsReleased}
	for i, s := range p.sweeps() {
		*results[i] = p.sweep(ctx, s, keepAlive)
		if ctx.Err() != nil {
			break
		}
	}
	summary.FinishedAt = p.engine.clock.Now()

	span.SetAttributes(
		attribute.Int("lifecycle.trips_started", summary.TripsStarted.Processed),
		attribute.Int("lifecycle.trips_completed", summary.TripsCompleted.Processed),
		attribute.Int("lifecycle.commissions_released", summary.CommissionsReleased.Processed),
	)
	p.engine.emit(ctx, Event{
		Type: EventRunCompleted,
		At:   summary.FinishedAt,
		Attrs: map[string]string{
			"tripsStarted":        strconv.Itoa(summary.TripsStarted.Processed),
			"tripsCompleted":      strconv.Itoa(summary.TripsCompleted.Processed),
			"commissionsReleased": strconv.Itoa(summary.CommissionsReleased.Processed),
		},
	})

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return summary, context.Cause(ctx)
	}
	for _, r := range results {
		if r.Failed > 0 || !r.Success {
			span.SetStatus(codes.Error, "partial failure")
			break
		}
	}
	return summary, nil
}

// ProcessCommissionLifecycle is the scheduler entry point.
func (p *Processor) ProcessCommissionLifecycle(ctx context.Context) (RunSummary, error) {
	return p.Run(ctx)
}

func (p *Processor) sweep(ctx context.Context, s sweepSpec, keepAlive func()) SweepResult {
	ctx, span := p.tracer.Start(ctx, "lifecycle.sweep."+s.name)
	defer span.End()

	res := SweepResult{}
	before := p.engine.clock.Now()
	after := ""

	for {
		if ctx.Err() != nil {
			return p.finish(ctx, span, s, res)
		}
		batch, err := p.engine.store.ListDue(ctx, DueQuery{
			Kind:         s.kind,
			Statuses:     s.statuses,
			Before:       before,
			ExcludeFraud: s.excludeFraud,
			AfterID:      after,
			Limit:        p.batchSize,
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "sweep query failed", "sweep", s.name, "error", err)
			span.RecordError(err)
			return p.finish(ctx, span, s, res)
		}

		for _, c := range batch {
			if ctx.Err() != nil {
				return p.finish(ctx, span, s, res)
			}
			after = c.ID
			res.Total++

			_, err := s.apply(ctx, c.ID)
			switch {
			case err == nil:
				res.Processed++
			case IsInvalidState(err):
				res.Skipped++
				p.logger.DebugContext(ctx, "record skipped", "sweep", s.name, "commission_id", c.ID, "reason", err)
			default:
				res.Failed++
				p.logger.ErrorContext(ctx, "record failed", "sweep", s.name, "commission_id", c.ID,
					"retryable", IsRetryable(err), "error", err)
			}
		}

		if len(batch) < p.batchSize {
			break
		}
		keepAlive()
	}

	res.Success = true
	return p.finish(ctx, span, s, res)
}

func (p *Processor) finish(ctx context.Context, span trace.Span, s sweepSpec, res SweepResult) SweepResult {
	span.SetAttributes(
		attribute.Int("sweep.total", res.Total),
		attribute.Int("sweep.processed", res.Processed),
		attribute.Int("sweep.failed", res.Failed),
		attribute.Bool("sweep.success", res.Success),
	)
	p.logger.InfoContext(ctx, "sweep completed", "sweep", s.name,
		"processed", res.Processed, "total", res.Total,
		"skipped", res.Skipped, "failed", res.Failed, "success", res.Success)
	p.engine.emit(ctx, Event{
		Type: EventSweepCompleted,
		At:   p.engine.clock.Now(),
		Attrs: map[string]string{
			"sweep":     s.name,
			"processed": strconv.Itoa(res.Processed),
			"total":     strconv.Itoa(res.Total),
			"skipped":   strconv.Itoa(res.Skipped),
			"failed":    strconv.Itoa(res.Failed),
			"success":   strconv.FormatBool(res.Success),
		},
	})
	return res
}
