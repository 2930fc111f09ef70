package eventstore

import (
	"iter"
	"slices"
	"time"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

// Filter narrows QueryRecent. Zero fields match everything; set fields are ANDed.
type Filter struct {
	Kind  string
	Lane  domain.Lane
	Since time.Time
}

func (f Filter) match(ev domain.Event) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Lane != "" && ev.Lane != f.Lane {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// QueryRecent returns up to limit matching events, most recent first.
// A non-positive limit returns nothing.
func (s *Store) QueryRecent(limit int, f Filter) []domain.Event {
	if limit <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The kind index is a cheaper scan when a kind is given.
	if f.Kind != "" {
		return s.scanBucket(s.byKind[f.Kind], limit, f)
	}

	out := make([]domain.Event, 0, min(limit, s.size))
	oldest := s.next - uint64(s.size)
	for seq := s.next; seq > oldest && len(out) < limit; seq-- {
		ev, _ := s.at(seq - 1)
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// QueryByCorrelation returns up to limit events sharing correlationID, most recent first.
func (s *Store) QueryByCorrelation(correlationID string, limit int, since time.Time) []domain.Event {
	if limit <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanBucket(s.byCorrelation[correlationID], limit, Filter{Since: since})
}

// QuerySlidingWindow returns events newer than now-window, most recent first.
func (s *Store) QuerySlidingWindow(window time.Duration, kind string) []domain.Event {
	since := s.clock.Now().Add(-window)
	return s.QueryRecent(s.capacity, Filter{Kind: kind, Since: since})
}

// scanBucket walks an index bucket newest first. Caller holds mu.
func (s *Store) scanBucket(bucket []uint64, limit int, f Filter) []domain.Event {
	out := make([]domain.Event, 0, min(limit, len(bucket)))
	for i := len(bucket) - 1; i >= 0 && len(out) < limit; i-- {
		ev, ok := s.at(bucket[i])
		if ok && f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ReplaySequence yields the most recent maxEvents events of a correlation id in
// chronological order (oldest first), the reverse of the query methods.
// The sequence is lazy and restartable: every range over it takes a fresh snapshot.
func (s *Store) ReplaySequence(correlationID string, maxEvents int) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		events := s.QueryByCorrelation(correlationID, maxEvents, time.Time{})
		slices.Reverse(events)
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}
