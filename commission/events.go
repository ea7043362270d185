package commission

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LIFECYCLE EVENTS - Structured emission of transitions and sweep outcomes
// =============================================================================

type EventType string

const (
	EventTransitioned     EventType = "commission.transitioned"
	EventSweepCompleted   EventType = "lifecycle.sweep_completed"
	EventRunCompleted     EventType = "lifecycle.run_completed"
	EventTrustUpdated     EventType = "affiliate.trust_updated"
	EventPolicyUnresolved EventType = "affiliate.policy_unresolved"
)

// Event is emitted after the owning transaction commits.
type Event struct {
	Type         EventType         `json:"type"`
	At           time.Time         `json:"at"`
	CommissionID string            `json:"commission_id,omitempty"`
	AffiliateID  string            `json:"affiliate_id,omitempty"`
	From         Status            `json:"from,omitempty"`
	To           Status            `json:"to,omitempty"`
	Amount       decimal.Decimal   `json:"amount"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// EventSink receives lifecycle events. Emit errors are logged, never propagated.
type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("event", string(e.Type)),
		slog.Time("at", e.At),
	}
	if e.CommissionID != "" {
		attrs = append(attrs, slog.String("commission_id", e.CommissionID))
	}
	if e.AffiliateID != "" {
		attrs = append(attrs, slog.String("affiliate_id", e.AffiliateID))
	}
	if e.From != "" || e.To != "" {
		attrs = append(attrs, slog.String("from", string(e.From)), slog.String("to", string(e.To)))
	}
	if !e.Amount.IsZero() {
		attrs = append(attrs, slog.String("amount", e.Amount.String()))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}
	level := slog.LevelInfo
	if e.Type == EventPolicyUnresolved {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "lifecycle event", attrs...)
	return nil
}

// MultiSink fans an event out to several sinks. The first error is returned
// after every sink has been called.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
