// Package engine wires one guard and one synchronizer per lane around a shared
// event store. It is the entry point producers call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/eventstore"
	"github.com/xela07ax/spaceai-lanes/internal/memsync"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
	"github.com/xela07ax/spaceai-lanes/internal/policy"
	"github.com/xela07ax/spaceai-lanes/internal/risk"
)

var ErrUnknownLane = errors.New("unknown lane")

// Config is the resolved, immutable configuration of a control plane.
// Lanes missing from Policies or Budgets use the built-in defaults.
type Config struct {
	Policies           map[domain.Lane]domain.LanePolicy
	Budgets            map[domain.Lane]domain.SyncBudget
	EventStoreCapacity int
	DecisionLogSize    int
	OperationLogSize   int
}

// Deps are the collaborators shared by every lane. All of them are optional.
type Deps struct {
	Clock   clock.Clock
	Metrics metrics.Sink
	Auditor audit.Auditor
	Logger  *zap.Logger
	Scorer  risk.Scorer
	// Appliers overrides the fold applier per source lane.
	Appliers map[domain.Lane]memsync.Applier
}

type ControlPlane struct {
	store    *eventstore.Store
	profiles *policy.Profiles
	guards   map[domain.Lane]*policy.Guard
	syncs    map[domain.Lane]*memsync.Synchronizer
	clock    clock.Clock
	logger   *zap.Logger
}

func New(cfg Config, deps Deps) *ControlPlane {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.Or(deps.Clock)
	sink := metrics.Or(deps.Metrics)
	auditor := audit.Or(deps.Auditor)

	profiles := policy.NewProfiles(logger)
	if len(cfg.Policies) > 0 {
		profiles.Load(cfg.Policies)
	}

	cp := &ControlPlane{
		store: eventstore.New(cfg.EventStoreCapacity,
			eventstore.WithClock(clk),
			eventstore.WithMetrics(sink),
			eventstore.WithLogger(logger),
		),
		profiles: profiles,
		guards:   make(map[domain.Lane]*policy.Guard),
		syncs:    make(map[domain.Lane]*memsync.Synchronizer),
		clock:    clk,
		logger:   logger.Named("engine"),
	}

	for _, lane := range domain.Lanes() {
		cp.guards[lane] = policy.NewGuard(string(lane),
			policy.WithProfiles(profiles),
			policy.WithScorer(deps.Scorer),
			policy.WithClock(clk),
			policy.WithMetrics(sink),
			policy.WithAuditor(auditor),
			policy.WithDecisionLogSize(cfg.DecisionLogSize),
			policy.WithLogger(logger),
		)
		cp.syncs[lane] = memsync.New(string(lane),
			memsync.WithBudgets(cfg.Budgets),
			memsync.WithApplier(deps.Appliers[lane]),
			memsync.WithClock(clk),
			memsync.WithMetrics(sink),
			memsync.WithAuditor(auditor),
			memsync.WithOperationLogSize(cfg.OperationLogSize),
			memsync.WithLogger(logger),
		)
	}

	cp.logger.Info("control plane ready",
		zap.Int("lanes", len(cp.guards)),
		zap.Int("eventstore_capacity", cp.store.Capacity()),
	)
	return cp
}

// ReplayRequest asks to replay one event into Lane.
type ReplayRequest struct {
	Lane          string
	SourceLane    string
	Kind          string
	CorrelationID string
	Payload       map[string]any
	Risk          *float64
}

type ReplayOutcome struct {
	Decision domain.ReplayDecision
	// Event is set only when the decision allowed the replay.
	Event *domain.Event
}

// Replay checks req against the target lane's guard and appends the event on ALLOW.
// A malformed event is rejected with ErrInvalidEvent before the guard is consulted,
// so it never consumes rate or budget.
func (cp *ControlPlane) Replay(req ReplayRequest) (ReplayOutcome, error) {
	lane := domain.ParseLane(req.Lane)
	ev, err := domain.NewEvent(req.Kind, lane, req.CorrelationID, req.Payload, cp.clock.Now())
	if err != nil {
		return ReplayOutcome{}, fmt.Errorf("replay into %s: %w", lane, err)
	}

	d := cp.guards[lane].Check(policy.ReplayRequest{
		Kind:       req.Kind,
		Payload:    req.Payload,
		Risk:       req.Risk,
		SourceLane: req.SourceLane,
	})
	out := ReplayOutcome{Decision: d}
	if d.Allow {
		cp.store.Append(ev)
		out.Event = &ev
	}
	return out, nil
}

// PromoteRequest moves a fold from SourceLane into TargetLane.
type PromoteRequest struct {
	SourceLane    string
	TargetLane    string
	Kind          string
	CorrelationID string
	OperationType string
	Payload       map[string]any
	Risk          *float64
	ParentOpID    string
}

type PromoteOutcome struct {
	Decision domain.ReplayDecision
	// Operation is set only when the guard allowed the promotion.
	Operation *domain.SyncOperation
}

// Promote asks the target lane's guard first, then runs the fold sync on the
// source lane's synchronizer. A successful sync is recorded in the event store
// under the target lane.
func (cp *ControlPlane) Promote(ctx context.Context, req PromoteRequest) PromoteOutcome {
	source := domain.ParseLane(req.SourceLane)
	target := domain.ParseLane(req.TargetLane)
	kind := req.Kind
	if kind == "" {
		kind = memsync.DefaultOperationType
	}

	d := cp.guards[target].Check(policy.ReplayRequest{
		Kind:       kind,
		Payload:    req.Payload,
		Risk:       req.Risk,
		SourceLane: string(source),
	})
	out := PromoteOutcome{Decision: d}
	if !d.Allow {
		return out
	}

	op := cp.syncs[source].SyncFold(ctx, memsync.FoldRequest{
		SourceLane:    string(source),
		TargetLane:    string(target),
		OperationType: req.OperationType,
		Payload:       req.Payload,
		ParentOpID:    req.ParentOpID,
	})
	out.Operation = &op
	if !op.Succeeded() {
		return out
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = op.FoldID
	}
	if corrID == "" {
		corrID = op.OpID
	}
	if _, err := cp.store.Record(kind, target, corrID, req.Payload); err != nil {
		cp.logger.Warn("promotion not recorded",
			zap.String("op_id", op.OpID),
			zap.Error(err),
		)
	}
	return out
}

// ReplayHistory yields up to maxEvents events of a correlation id, oldest first.
func (cp *ControlPlane) ReplayHistory(correlationID string, maxEvents int) iter.Seq[domain.Event] {
	return cp.store.ReplaySequence(correlationID, maxEvents)
}

func (cp *ControlPlane) Store() *eventstore.Store { return cp.store }
func (cp *ControlPlane) Profiles() *policy.Profiles { return cp.profiles }

// lookupLane matches lane names case-insensitively but, unlike ParseLane, never falls back.
func lookupLane(name string) (domain.Lane, bool) {
	lane := domain.Lane(strings.ToLower(strings.TrimSpace(name)))
	return lane, lane.Known()
}

func (cp *ControlPlane) Guard(lane string) (*policy.Guard, error) {
	l, ok := lookupLane(lane)
	if !ok {
		return nil, fmt.Errorf("guard %q: %w", lane, ErrUnknownLane)
	}
	g, ok := cp.guards[l]
	if !ok {
		return nil, fmt.Errorf("guard %q: %w", lane, ErrUnknownLane)
	}
	return g, nil
}

func (cp *ControlPlane) Synchronizer(lane string) (*memsync.Synchronizer, error) {
	l, ok := lookupLane(lane)
	if !ok {
		return nil, fmt.Errorf("synchronizer %q: %w", lane, ErrUnknownLane)
	}
	s, ok := cp.syncs[l]
	if !ok {
		return nil, fmt.Errorf("synchronizer %q: %w", lane, ErrUnknownLane)
	}
	return s, nil
}

// Snapshot is a point-in-time view of every lane.
type Snapshot struct {
	EventStore eventstore.Stats              `json:"eventstore"`
	Guards     map[domain.Lane]policy.Stats  `json:"guards"`
	Syncs      map[domain.Lane]memsync.Stats `json:"syncs"`
}

func (cp *ControlPlane) Snapshot() Snapshot {
	snap := Snapshot{
		EventStore: cp.store.Stats(),
		Guards:     make(map[domain.Lane]policy.Stats, len(cp.guards)),
		Syncs:      make(map[domain.Lane]memsync.Stats, len(cp.syncs)),
	}
	for lane, g := range cp.guards {
		snap.Guards[lane] = g.Stats()
	}
	for lane, s := range cp.syncs {
		snap.Syncs[lane] = s.Stats()
	}
	return snap
}
