package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

var t0 = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Memory
	sink   *MemorySink
	engine *commission.Engine
}

// newFixture seeds one affiliate with a pending and an available commission.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAffiliate(context.Background(), commission.Affiliate{
		ID:                      "aff-1",
		Category:                commission.CategoryStandard,
		TrustLevel:              commission.TrustNew,
		TrustScore:              50,
		PendingBalance:          decimal.RequireFromString("80"),
		CurrentBalance:          decimal.RequireFromString("100"),
		SuccessfulBookingsCount: 4,
	}))
	mem.PutCommission(commission.Commission{
		ID:                    "c-pending",
		AffiliateID:           "aff-1",
		BookingID:             "bk-1",
		Status:                commission.StatusPending,
		TotalCommissionAmount: decimal.RequireFromString("50"),
		Currency:              "USD",
		TripStartDate:         t0.AddDate(0, 0, 10),
		TripEndDate:           t0.AddDate(0, 0, 15),
		HoldPeriodDays:        30,
		CreatedAt:             t0.AddDate(0, 0, -3),
	})
	mem.PutCommission(commission.Commission{
		ID:                    "c-available",
		AffiliateID:           "aff-1",
		BookingID:             "bk-2",
		Status:                commission.StatusAvailable,
		TotalCommissionAmount: decimal.RequireFromString("60"),
		Currency:              "USD",
		TripStartDate:         t0.AddDate(0, -2, 0),
		TripEndDate:           t0.AddDate(0, -2, 5),
		HoldPeriodDays:        30,
		CreatedAt:             t0.AddDate(0, -2, -3),
	})

	sink := NewMemorySink(0)
	return &fixture{
		store: mem,
		sink:  sink,
		engine: commission.NewEngine(mem,
			commission.WithClock(commission.NewFixedClock(t0)),
			commission.WithEventSink(sink),
		),
	}
}

func TestDispatch_BookingCancelled(t *testing.T) {
	// GIVEN: a pending commission
	f := newFixture(t)
	d := NewDispatcher(f.engine)

	// WHEN: a cancellation message arrives
	res, err := d.Dispatch(context.Background(), Message{
		Topic:   TopicBookingCancelled,
		Payload: []byte(`{"commission_id":"c-pending","reason":"customer changed plans","actor_id":"ops-7"}`),
	})

	// THEN: the commission is cancelled and leaves the pending balance
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, commission.StatusCancelled, res.Commission.Status)

	a, err := f.store.GetAffiliate(context.Background(), "aff-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("30").Equal(a.PendingBalance), a.PendingBalance.String())

	logs, err := f.store.ListLogs(context.Background(), "c-pending")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ops-7", logs[0].ChangedBy)
}

func TestDispatch_PaymentRefunded_AcceptsNumberOrString(t *testing.T) {
	payloads := map[string]string{
		"number": `{"commission_id":"c-available","refund_amount":250.5,"reason":"chargeback"}`,
		"string": `{"commission_id":"c-available","refund_amount":"250.50","reason":"chargeback"}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			d := NewDispatcher(f.engine)

			res, err := d.Dispatch(context.Background(), Message{Topic: TopicPaymentRefunded, Payload: []byte(payload)})

			require.NoError(t, err)
			require.True(t, res.Success, res.Error)
			assert.Equal(t, commission.StatusReversed, res.Commission.Status)
			assert.True(t, decimal.RequireFromString("250.5").Equal(res.Commission.RefundAmount))

			a, err := f.store.GetAffiliate(context.Background(), "aff-1")
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString("40").Equal(a.CurrentBalance), a.CurrentBalance.String())
		})
	}
}

func TestDispatch_EngineRejectionIsAResultNotAnError(t *testing.T) {
	// GIVEN: a refund for a commission that has not been released
	f := newFixture(t)
	d := NewDispatcher(f.engine)

	res, err := d.Dispatch(context.Background(), Message{
		Topic:   TopicPaymentRefunded,
		Payload: []byte(`{"commission_id":"c-pending","refund_amount":"10"}`),
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, commission.IsInvalidState(res.Err))
}

func TestDispatch_BadMessages(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.engine)

	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"unknown topic", Message{Topic: "booking.created", Payload: []byte(`{}`)}, ErrUnknownTopic},
		{"not json", Message{Topic: TopicBookingCancelled, Payload: []byte(`nope`)}, ErrMalformedMessage},
		{"no commission id", Message{Topic: TopicBookingCancelled, Payload: []byte(`{"reason":"x"}`)}, ErrMalformedMessage},
		{"bad amount", Message{Topic: TopicPaymentRefunded, Payload: []byte(`{"commission_id":"c-available","refund_amount":"ten"}`)}, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// WORKER
// =============================================================================

type stubConsumer struct {
	batches   [][]Message
	err       error
	polls     int
	committed []Message
}

func (s *stubConsumer) Poll(context.Context, int) ([]Message, error) {
	s.polls++
	if len(s.batches) == 0 {
		return nil, s.err
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

func (s *stubConsumer) Commit(_ context.Context, msgs ...Message) error {
	s.committed = append(s.committed, msgs...)
	return nil
}

// outageStore fails the next n transactions as if the database were unreachable.
type outageStore struct {
	*store.Memory
	failures int
}

func (s *outageStore) WithTx(ctx context.Context, fn func(commission.Tx) error) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s.Memory.WithTx(ctx, fn)
}

func TestWorker_ProcessOnce_CountsOutcomesAndKeepsGoing(t *testing.T) {
	// GIVEN: one good, one rejected and one malformed message in a batch
	f := newFixture(t)
	consumer := &stubConsumer{batches: [][]Message{{
		{Topic: TopicBookingCancelled, Payload: []byte(`{"commission_id":"c-pending"}`)},
		{Topic: TopicBookingCancelled, Payload: []byte(`{"commission_id":"missing"}`)},
		{Topic: TopicPaymentRefunded, Payload: []byte(`{`)},
	}}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(logger, consumer, NewDispatcher(f.engine), time.Second)

	// WHEN
	require.NoError(t, w.ProcessOnce(context.Background()))

	// THEN: every message is settled and committed
	assert.Equal(t, WorkerStats{Handled: 1, Rejected: 1, Invalid: 1}, w.Stats())
	assert.Len(t, consumer.committed, 3)
	c, err := f.store.GetCommission(context.Background(), "c-pending")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusCancelled, c.Status)
}

func TestWorker_ProcessOnce_ReturnsPollError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("broker down")
	w := NewWorker(nil, &stubConsumer{err: boom}, NewDispatcher(f.engine), 0)

	assert.ErrorIs(t, w.ProcessOnce(context.Background()), boom)
}

func TestWorker_Run_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(nil, NoopConsumer{}, NewDispatcher(f.engine), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
}

func TestWorker_RetryableFailureIsRedeliveredNotCommitted(t *testing.T) {
	// GIVEN: a refund followed by a cancellation, and a store that is down
	// for the first transaction
	f := newFixture(t)
	flaky := &outageStore{Memory: f.store, failures: 1}
	engine := commission.NewEngine(flaky,
		commission.WithClock(commission.NewFixedClock(t0)),
		commission.WithEventSink(f.sink),
	)
	refund := Message{Topic: TopicPaymentRefunded, Payload: []byte(`{"commission_id":"c-available","refund_amount":"60","reason":"chargeback"}`)}
	cancel := Message{Topic: TopicBookingCancelled, Payload: []byte(`{"commission_id":"c-pending","reason":"changed plans"}`)}
	consumer := &stubConsumer{batches: [][]Message{{refund, cancel}}}
	w := NewWorker(nil, consumer, NewDispatcher(engine), time.Second)

	// WHEN: the first iteration hits the outage
	require.NoError(t, w.ProcessOnce(context.Background()))

	// THEN: nothing is committed and nothing changed
	assert.Empty(t, consumer.committed)
	assert.Equal(t, 1, w.Stats().Retried)
	c, err := f.store.GetCommission(context.Background(), "c-available")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusAvailable, c.Status)

	// WHEN: the next iteration runs with the store back
	require.NoError(t, w.ProcessOnce(context.Background()))

	// THEN: both held messages are applied in order without a new poll
	assert.Equal(t, 1, consumer.polls)
	assert.Equal(t, []Message{refund, cancel}, consumer.committed)
	assert.Equal(t, 2, w.Stats().Handled)

	c, err = f.store.GetCommission(context.Background(), "c-available")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusReversed, c.Status)
	a, err := f.store.GetAffiliate(context.Background(), "aff-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("40").Equal(a.CurrentBalance), a.CurrentBalance.String())
	assert.True(t, decimal.RequireFromString("30").Equal(a.PendingBalance), a.PendingBalance.String())
}

func TestWorker_FinalRejectionIsCommitted(t *testing.T) {
	f := newFixture(t)
	consumer := &stubConsumer{batches: [][]Message{{
		{Topic: TopicPaymentRefunded, Payload: []byte(`{"commission_id":"c-pending","refund_amount":"10"}`)},
	}}}
	w := NewWorker(nil, consumer, NewDispatcher(f.engine), time.Second)

	require.NoError(t, w.ProcessOnce(context.Background()))

	assert.Len(t, consumer.committed, 1)
	assert.Equal(t, WorkerStats{Rejected: 1}, w.Stats())
}

func TestWorker_StatsWhileRunning(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(nil, NoopConsumer{}, NewDispatcher(f.engine), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 50; i++ {
		_ = w.Stats()
	}
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, WorkerStats{}, w.Stats())
}
