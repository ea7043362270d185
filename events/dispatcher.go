package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrMalformedMessage = errors.New("malformed message")
)

// BookingCancelled is the booking.cancelled payload.
type BookingCancelled struct {
	CommissionID string `json:"commission_id"`
	Reason       string `json:"reason"`
	ActorID      string `json:"actor_id"`
}

// PaymentRefunded is the payment.refunded payload. refund_amount accepts a
// JSON number or a decimal string.
type PaymentRefunded struct {
	CommissionID string          `json:"commission_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reason       string          `json:"reason"`
	ActorID      string          `json:"actor_id"`
}

// Dispatcher turns bus messages into engine calls.
type Dispatcher struct {
	engine *commission.Engine
}

func NewDispatcher(engine *commission.Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Dispatch handles one message. The engine's rejection (not found, wrong
// state) comes back as the Result's error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (commission.Result, error) {
	switch msg.Topic {
	case TopicBookingCancelled:
		var p BookingCancelled
		if err := decode(msg, &p); err != nil {
			return commission.Result{}, err
		}
		if p.CommissionID == "" {
			return commission.Result{}, fmt.Errorf("%w: %s without commission_id", ErrMalformedMessage, msg.Topic)
		}
		return d.engine.HandleBookingCancellation(ctx, p.CommissionID, p.Reason, p.ActorID), nil

	case TopicPaymentRefunded:
		var p PaymentRefunded
		if err := decode(msg, &p); err != nil {
			return commission.Result{}, err
		}
		if p.CommissionID == "" {
			return commission.Result{}, fmt.Errorf("%w: %s without commission_id", ErrMalformedMessage, msg.Topic)
		}
		return d.engine.HandleBookingRefund(ctx, p.CommissionID, p.RefundAmount, p.Reason, p.ActorID), nil
	}
	return commission.Result{}, fmt.Errorf("%w: %q", ErrUnknownTopic, msg.Topic)
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.Topic, err)
	}
	return nil
}

// =============================================================================
// WORKER
// =============================================================================

// WorkerStats counts what the worker did since it started.
type WorkerStats struct {
	Handled  int
	Rejected int
	Invalid  int
	Retried  int
}

// Worker polls a consumer and dispatches every message. A malformed message
// or a final engine rejection (not found, wrong state) is logged, committed
// and dropped. A retryable failure (store outage, lost version race) is kept
// uncommitted together with the rest of its batch and dispatched again on
// the next iteration before anything new is polled, so a refund or
// cancellation is never lost to a transient error.
type Worker struct {
	logger     *slog.Logger
	consumer   Consumer
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int

	// pending is only touched by ProcessOnce, which Run calls serially.
	pending []Message

	mu    sync.Mutex
	stats WorkerStats
}

func NewWorker(logger *slog.Logger, consumer Consumer, dispatcher *Dispatcher, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		logger:     logger,
		consumer:   consumer,
		dispatcher: dispatcher,
		interval:   interval,
		batch:      50,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "events.worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce dispatches the messages held back by a retryable failure, or
// polls a new batch when none are held, and commits what was settled.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	msgs := w.pending
	w.pending = nil

	var pollErr error
	if len(msgs) == 0 {
		msgs, pollErr = w.consumer.Poll(ctx, w.batch)
	}

	settled := make([]Message, 0, len(msgs))
	for i, msg := range msgs {
		res, derr := w.dispatcher.Dispatch(ctx, msg)
		switch {
		case derr != nil:
			w.count(func(s *WorkerStats) { s.Invalid++ })
			w.logger.WarnContext(ctx, "message dropped",
				"module", "events.worker",
				"topic", msg.Topic,
				"error", derr,
			)
		case !res.Success && commission.IsRetryable(res.Err):
			// Later messages may share a partition; committing them would
			// commit this one too.
			w.pending = msgs[i:]
			w.count(func(s *WorkerStats) { s.Retried++ })
			w.logger.WarnContext(ctx, "event failed, will retry",
				"module", "events.worker",
				"topic", msg.Topic,
				"held", len(w.pending),
				"error", res.Error,
			)
		case !res.Success:
			w.count(func(s *WorkerStats) { s.Rejected++ })
			w.logger.WarnContext(ctx, "event rejected by engine",
				"module", "events.worker",
				"topic", msg.Topic,
				"error", res.Error,
			)
		default:
			w.count(func(s *WorkerStats) { s.Handled++ })
		}
		if w.pending != nil {
			break
		}
		settled = append(settled, msg)
	}

	if len(settled) > 0 {
		if err := w.consumer.Commit(ctx, settled...); err != nil {
			return errors.Join(pollErr, err)
		}
	}
	return pollErr
}

func (w *Worker) count(fn func(*WorkerStats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

// Stats returns a snapshot of the counters. Safe to call while Run is active.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
