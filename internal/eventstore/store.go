// Package eventstore keeps a capacity-bounded, append-only window of events
// with correlation and kind indices.
package eventstore

import (
	"sync"
	"time"

	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
	"go.uber.org/zap"
)

const DefaultCapacity = 10000

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = clock.Or(c) } }
func WithMetrics(m metrics.Sink) Option { return func(s *Store) { s.metrics = metrics.Or(m) } }
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.Named("eventstore")
		}
	}
}

// Store is a fixed-capacity ring. Every slot is addressed by a monotonically
// increasing sequence number; seq s lives at ring[s % capacity] while
// s >= next - size.
//
// Invariant: a seq is in the ring iff it is in exactly one bucket of byCorrelation
// and exactly one bucket of byKind. Eviction removes from all three under the same lock.
type Store struct {
	mu            sync.RWMutex
	ring          []domain.Event
	capacity      int
	size          int
	next          uint64 // seq of the next append
	byCorrelation map[string][]uint64
	byKind        map[string][]uint64
	byID          map[string]uint64

	clock   clock.Clock
	metrics metrics.Sink
	logger  *zap.Logger
}

func New(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{
		ring:          make([]domain.Event, capacity),
		capacity:      capacity,
		byCorrelation: make(map[string][]uint64),
		byKind:        make(map[string][]uint64),
		byID:          make(map[string]uint64),
		clock:         clock.System{},
		metrics:       metrics.Nop{},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts ev at the tail, evicting the oldest event when full.
func (s *Store) Append(ev domain.Event) {
	s.mu.Lock()
	evicted := false
	if s.size == s.capacity {
		s.evictOldest()
		evicted = true
	}

	seq := s.next
	s.next++
	s.ring[seq%uint64(s.capacity)] = ev
	s.size++
	s.byCorrelation[ev.CorrelationID] = append(s.byCorrelation[ev.CorrelationID], seq)
	s.byKind[ev.Kind] = append(s.byKind[ev.Kind], seq)
	s.byID[ev.ID] = seq

	size, capacity := s.size, s.capacity
	s.mu.Unlock()

	if evicted {
		s.metrics.Inc(metrics.EventStoreEvictions, metrics.Labels{})
	}
	s.metrics.Set(metrics.EventStoreEvents, float64(size), metrics.Labels{})
	s.metrics.Set(metrics.EventStoreUtilized, float64(size)/float64(capacity), metrics.Labels{})
}

// Record builds an event stamped with the store clock and appends it.
func (s *Store) Record(kind string, lane domain.Lane, correlationID string, payload map[string]any) (domain.Event, error) {
	ev, err := domain.NewEvent(kind, lane, correlationID, payload, s.clock.Now())
	if err != nil {
		return domain.Event{}, err
	}
	s.Append(ev)
	return ev, nil
}

// evictOldest must be called with mu held and size > 0.
// The oldest stored seq is also the oldest entry of its buckets, so removal is a head pop.
func (s *Store) evictOldest() {
	seq := s.next - uint64(s.size)
	slot := seq % uint64(s.capacity)
	old := s.ring[slot]

	s.byCorrelation[old.CorrelationID] = popHead(s.byCorrelation[old.CorrelationID], seq)
	if len(s.byCorrelation[old.CorrelationID]) == 0 {
		delete(s.byCorrelation, old.CorrelationID)
	}
	s.byKind[old.Kind] = popHead(s.byKind[old.Kind], seq)
	if len(s.byKind[old.Kind]) == 0 {
		delete(s.byKind, old.Kind)
	}
	if cur, ok := s.byID[old.ID]; ok && cur == seq {
		delete(s.byID, old.ID)
	}

	s.ring[slot] = domain.Event{}
	s.size--
	s.logger.Debug("evicted oldest event", zap.String("event_id", old.ID), zap.String("kind", old.Kind))
}

func popHead(bucket []uint64, seq uint64) []uint64 {
	if len(bucket) > 0 && bucket[0] == seq {
		bucket[0] = 0
		return bucket[1:]
	}
	// Not reachable while the invariant holds; fall back to a linear removal.
	for i, v := range bucket {
		if v == seq {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// at returns the event for seq. Caller holds mu.
func (s *Store) at(seq uint64) (domain.Event, bool) {
	if seq >= s.next || seq < s.next-uint64(s.size) {
		return domain.Event{}, false
	}
	return s.ring[seq%uint64(s.capacity)], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Capacity() int { return s.capacity }

// Get looks an event up by id.
func (s *Store) Get(id string) (domain.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byID[id]
	if !ok {
		return domain.Event{}, false
	}
	return s.at(seq)
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Total              int       `json:"total"`
	Capacity           int       `json:"capacity"`
	Utilization        float64   `json:"utilization"`
	UniqueCorrelations int       `json:"unique_correlations"`
	UniqueKinds        int       `json:"unique_kinds"`
	OldestTimestamp    time.Time `json:"oldest_timestamp,omitzero"`
	NewestTimestamp    time.Time `json:"newest_timestamp,omitzero"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:              s.size,
		Capacity:           s.capacity,
		Utilization:        float64(s.size) / float64(s.capacity),
		UniqueCorrelations: len(s.byCorrelation),
		UniqueKinds:        len(s.byKind),
	}
	if s.size > 0 {
		oldest, _ := s.at(s.next - uint64(s.size))
		newest, _ := s.at(s.next - 1)
		st.OldestTimestamp = oldest.Timestamp
		st.NewestTimestamp = newest.Timestamp
	}
	return st
}
