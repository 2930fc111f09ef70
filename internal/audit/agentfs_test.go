package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

func TestTrail_DrainsOnStop(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, TrailConfig{BufferSize: 100, BatchSize: 10, FlushInterval: time.Hour}, nil)
	trail.Start()

	for i := 0; i < 25; i++ {
		trail.Log(Record{ID: "r", Kind: KindReplayDecision})
	}
	trail.Stop()

	assert.Len(t, store.Records(), 25)
	assert.Equal(t, 3, store.Batches(), "two full batches plus the final flush")
	assert.Zero(t, trail.Dropped())
}

func TestTrail_FlushesOnTicker(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, TrailConfig{BatchSize: 1000, FlushInterval: 10 * time.Millisecond}, nil)
	trail.Start()
	defer trail.Stop()

	trail.Log(Record{ID: "one"})
	require.Eventually(t, func() bool { return len(store.Records()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTrail_DropsAfterStop(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, TrailConfig{}, nil)
	trail.Start()
	trail.Stop()
	trail.Stop()

	trail.Log(Record{ID: "late"})
	assert.Equal(t, int64(1), trail.Dropped())
	assert.Empty(t, store.Records())
}

func TestTrail_ShedsOnOverflow(t *testing.T) {
	// Not started: nothing drains the buffer.
	trail := NewTrail(NewMemoryStorage(), TrailConfig{BufferSize: 2}, nil)
	for i := 0; i < 5; i++ {
		trail.Log(Record{ID: "x"})
	}
	assert.Equal(t, 2, trail.Buffered())
	assert.Equal(t, int64(3), trail.Dropped())
}

func TestTrail_StampsTimestamp(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, TrailConfig{}, nil)
	trail.Start()
	trail.Log(Record{ID: "no-ts"})
	trail.Stop()

	recs := store.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestFromDecisionAndOperation(t *testing.T) {
	ts := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	rec := FromDecision(domain.ReplayDecision{DecisionID: "d1", Result: domain.ReplayDenyRate, Lane: domain.LaneProd, Timestamp: ts})
	assert.Equal(t, KindReplayDecision, rec.Kind)
	assert.Equal(t, "DENY_RATE", rec.Result)
	assert.Equal(t, "prod", rec.Lane)
	assert.Equal(t, "d1", rec.Fields["decision_id"])

	rec = FromSyncOperation(domain.LaneCandidate, domain.SyncOperation{OpID: "o1", Result: domain.SyncSuccess, FoldID: "f", Timestamp: ts})
	assert.Equal(t, KindSyncOperation, rec.Kind)
	assert.Equal(t, "candidate", rec.Lane)
	assert.Equal(t, "f", rec.Fields["fold_id"])
}

type flakyStorage struct {
	failures atomic.Int32
	calls    atomic.Int32
	inner    *MemoryStorage
}

func (f *flakyStorage) WriteBatch(ctx context.Context, records []Record) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	return f.inner.WriteBatch(ctx, records)
}

func TestReliableStorage_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyStorage{inner: NewMemoryStorage()}
	flaky.failures.Store(2)
	rs := NewReliableStorage(flaky, ReliableConfig{Attempts: 3, WritesPerSecond: 1000, Burst: 100}, nil)

	err := rs.WriteBatch(context.Background(), []Record{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Len(t, flaky.inner.Records(), 1)
}

func TestReliableStorage_OpensBreaker(t *testing.T) {
	flaky := &flakyStorage{inner: NewMemoryStorage()}
	flaky.failures.Store(1 << 20)
	rs := NewReliableStorage(flaky, ReliableConfig{Attempts: 1, MaxConsecutiveFailures: 2, WritesPerSecond: 1000, Burst: 100}, nil)

	for i := 0; i < 2; i++ {
		require.Error(t, rs.WriteBatch(context.Background(), []Record{{ID: "a"}}))
	}
	calls := flaky.calls.Load()

	err := rs.WriteBatch(context.Background(), []Record{{ID: "a"}})
	require.Error(t, err)
	assert.Equal(t, calls, flaky.calls.Load(), "open breaker must not reach the backend")
	assert.Equal(t, "open", rs.State().String())
}

func TestReliableStorage_EmptyBatch(t *testing.T) {
	rs := NewReliableStorage(NewMemoryStorage(), ReliableConfig{}, nil)
	assert.NoError(t, rs.WriteBatch(context.Background(), nil))
}
