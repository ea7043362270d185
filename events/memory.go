package events

import (
	"context"
	"sync"

	"github.com/warp/commission-engine/commission"
)

// MemorySink keeps the most recent events in memory. The API exposes them
// on /api/events when Kafka is not configured.
type MemorySink struct {
	mu     sync.Mutex
	events []commission.Event
	limit  int
}

// NewMemorySink keeps at most limit events; limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Emit(_ context.Context, e commission.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = append([]commission.Event(nil), s.events[len(s.events)-s.limit:]...)
	}
	return nil
}

// Events returns a copy, oldest first.
func (s *MemorySink) Events() []commission.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commission.Event(nil), s.events...)
}

// OfType filters Events by type.
func (s *MemorySink) OfType(t commission.EventType) []commission.Event {
	var out []commission.Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
