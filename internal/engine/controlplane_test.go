package engine

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/memsync"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func newPlane(t *testing.T, cfg Config) (*ControlPlane, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return New(cfg, Deps{Clock: clk}), clk
}

func TestReplay_AllowAppends(t *testing.T) {
	cp, _ := newPlane(t, Config{})

	out, err := cp.Replay(ReplayRequest{
		Lane:          "candidate",
		Kind:          "decision",
		CorrelationID: "session-1",
		Payload:       map[string]any{"choice": "a"},
	})
	require.NoError(t, err)
	require.True(t, out.Decision.Allow)
	require.NotNil(t, out.Event)
	assert.Equal(t, domain.LaneCandidate, out.Event.Lane)
	assert.Equal(t, t0, out.Event.Timestamp)

	got, ok := cp.Store().Get(out.Event.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.Payload["choice"])
}

func TestReplay_DenyDoesNotAppend(t *testing.T) {
	cp, _ := newPlane(t, Config{})

	out, err := cp.Replay(ReplayRequest{
		Lane:          "prod",
		Kind:          "decision",
		CorrelationID: "c",
		Risk:          ptr(0.3),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayDenyRisk, out.Decision.Result)
	assert.Nil(t, out.Event)
	assert.Zero(t, cp.Store().Len())

	out, err = cp.Replay(ReplayRequest{Lane: "prod", Kind: "debug", CorrelationID: "c"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayDenyKind, out.Decision.Result)
	assert.Zero(t, cp.Store().Len())
}

func TestReplay_InvalidEventSkipsGuard(t *testing.T) {
	cp, _ := newPlane(t, Config{})

	_, err := cp.Replay(ReplayRequest{Lane: "prod", Kind: "decision"})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	g, err := cp.Guard("prod")
	require.NoError(t, err)
	assert.Zero(t, g.Stats().Total)
}

func TestPromote_UpwardSucceedsAndIsRecorded(t *testing.T) {
	cp, _ := newPlane(t, Config{})

	out := cp.Promote(context.Background(), PromoteRequest{
		SourceLane: "candidate",
		TargetLane: "prod",
		Payload:    map[string]any{"fold_id": "profile", "content": "v2"},
	})
	require.True(t, out.Decision.Allow)
	require.NotNil(t, out.Operation)
	assert.Equal(t, domain.SyncSuccess, out.Operation.Result)
	assert.Equal(t, 1, out.Operation.FanoutCost)

	history := slices.Collect(cp.ReplayHistory("profile", 10))
	require.Len(t, history, 1)
	assert.Equal(t, domain.LaneProd, history[0].Lane)
	assert.Equal(t, memsync.DefaultOperationType, history[0].Kind)

	g, _ := cp.Guard("prod")
	assert.Equal(t, 1, g.Stats().Promotions)
}

func TestPromote_DemotionDeniedBeforeSync(t *testing.T) {
	cp, _ := newPlane(t, Config{})

	out := cp.Promote(context.Background(), PromoteRequest{
		SourceLane: "prod",
		TargetLane: "candidate",
		Payload:    map[string]any{"fold_id": "f"},
	})
	assert.Equal(t, domain.ReplayDenyLane, out.Decision.Result)
	assert.Nil(t, out.Operation)

	s, err := cp.Synchronizer("prod")
	require.NoError(t, err)
	assert.Zero(t, s.Stats().Total)
	assert.Zero(t, cp.Store().Len())
}

func TestPromote_SyncFailureIsNotRecorded(t *testing.T) {
	budgets := domain.DefaultSyncBudgets()
	b := budgets[domain.LaneExperimental]
	b.AllowCrossLaneSync = false
	budgets[domain.LaneExperimental] = b
	cp, _ := newPlane(t, Config{Budgets: budgets})

	out := cp.Promote(context.Background(), PromoteRequest{
		SourceLane: "experimental",
		TargetLane: "candidate",
		Payload:    map[string]any{"fold_id": "f", "content": 1},
	})
	require.True(t, out.Decision.Allow)
	require.NotNil(t, out.Operation)
	assert.Equal(t, domain.SyncErrorLanePolicy, out.Operation.Result)
	assert.Zero(t, cp.Store().Len())
}

func TestReplayHistory_Chronological(t *testing.T) {
	cp, clk := newPlane(t, Config{})

	for i := range 5 {
		_, err := cp.Replay(ReplayRequest{
			Lane:          "experimental",
			Kind:          "experiment",
			CorrelationID: "run",
			Payload:       map[string]any{"i": i},
		})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	var seen []float64
	for ev := range cp.ReplayHistory("run", 3) {
		seen = append(seen, ev.Payload["i"].(float64))
	}
	assert.Equal(t, []float64{2, 3, 4}, seen)
}

func TestNew_ConfigOverridesAndDefaults(t *testing.T) {
	policies := map[domain.Lane]domain.LanePolicy{
		domain.LaneProd: domain.NewLanePolicy(0.9, []string{"decision"}, 1, 10, 1),
	}
	cp, _ := newPlane(t, Config{Policies: policies, EventStoreCapacity: 4})

	assert.Equal(t, 4, cp.Store().Capacity())
	g, _ := cp.Guard("prod")
	assert.Equal(t, 0.9, g.Policy().MaxRiskLevel)
	c, _ := cp.Guard("candidate")
	assert.Equal(t, domain.DefaultLanePolicies()[domain.LaneCandidate].MaxRiskLevel, c.Policy().MaxRiskLevel)

	upper, err := cp.Guard(" PROD ")
	require.NoError(t, err)
	assert.Same(t, g, upper)
	syncer, err := cp.Synchronizer("Candidate")
	require.NoError(t, err)
	assert.Equal(t, domain.LaneCandidate, syncer.Lane())

	_, err = cp.Guard("staging")
	assert.ErrorIs(t, err, ErrUnknownLane)
	_, err = cp.Synchronizer("staging")
	assert.ErrorIs(t, err, ErrUnknownLane)
	_, err = cp.Guard("")
	assert.ErrorIs(t, err, ErrUnknownLane)

	out, err := cp.Replay(ReplayRequest{Lane: "prod", Kind: "decision", CorrelationID: "c", Risk: ptr(0.85)})
	require.NoError(t, err)
	assert.True(t, out.Decision.Allow)
	out, err = cp.Replay(ReplayRequest{Lane: "prod", Kind: "decision", CorrelationID: "c"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayDenyRate, out.Decision.Result)
}

func TestControlPlane_MetricsAndAudit(t *testing.T) {
	reg := prometheus.NewRegistry()
	storage := audit.NewMemoryStorage()
	trail := audit.NewTrail(storage, audit.TrailConfig{FlushInterval: 10 * time.Millisecond}, nil)
	trail.Start()

	cp := New(Config{}, Deps{
		Clock:   clock.NewManual(t0),
		Metrics: metrics.NewPrometheus(reg, "lanegate"),
		Auditor: trail,
	})

	_, err := cp.Replay(ReplayRequest{Lane: "candidate", Kind: "metric", CorrelationID: "c"})
	require.NoError(t, err)
	cp.Promote(context.Background(), PromoteRequest{
		SourceLane: "experimental",
		TargetLane: "candidate",
		Payload:    map[string]any{"fold_id": "f"},
	})
	trail.Stop()

	records := storage.Records()
	require.Len(t, records, 3)
	kinds := map[string]int{}
	for _, r := range records {
		kinds[r.Kind]++
	}
	assert.Equal(t, 2, kinds[audit.KindReplayDecision])
	assert.Equal(t, 1, kinds[audit.KindSyncOperation])

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "lanegate_replay_decisions_total"), "both admissions share one series")
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "lanegate_lane_promotions_total"))

	snap := cp.Snapshot()
	assert.Equal(t, 2, snap.EventStore.Total)
	assert.Equal(t, 2, snap.Guards[domain.LaneCandidate].Allowed)
	assert.Equal(t, 1, snap.Syncs[domain.LaneExperimental].ByResult[domain.SyncSuccess])
}
