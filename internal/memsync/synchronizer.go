// Package memsync propagates folds between lanes under fan-out, fan-in,
// depth and per-tick budgets.
package memsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
)

// Payload keys that identify what is being synchronized.
const (
	KeyFoldID  = "fold_id"
	KeyContent = "content"

	DefaultOperationType = "fold_sync"
	DefaultOperationLog  = 10000
)

var errApplyPanic = errors.New("fold apply panicked")

// FoldRequest asks to move a fold from SourceLane to TargetLane. Empty lanes
// default to the synchronizer's own lane. ParentOpID links a nested sync to the
// in-flight operation that triggered it.
type FoldRequest struct {
	SourceLane    string
	TargetLane    string
	OperationType string
	Payload       map[string]any
	ParentOpID    string
}

type Option func(*Synchronizer)

// WithBudget pins the budget instead of using the lane default.
func WithBudget(b domain.SyncBudget) Option {
	return func(s *Synchronizer) { s.budget = b; s.pinned = true }
}

// WithBudgets supplies the lane → budget table to resolve from.
func WithBudgets(b map[domain.Lane]domain.SyncBudget) Option {
	return func(s *Synchronizer) { s.budgets = b }
}

func WithApplier(a Applier) Option {
	return func(s *Synchronizer) {
		if a != nil {
			s.applier = a
		}
	}
}

func WithClock(c clock.Clock) Option { return func(s *Synchronizer) { s.clock = clock.Or(c) } }
func WithMetrics(m metrics.Sink) Option { return func(s *Synchronizer) { s.metrics = metrics.Or(m) } }
func WithAuditor(a audit.Auditor) Option { return func(s *Synchronizer) { s.auditor = audit.Or(a) } }
func WithOperationLogSize(n int) Option { return func(s *Synchronizer) { s.logSize = n } }
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

type dataPoint struct {
	at   time.Time
	size int
}

// Synchronizer exclusively owns its reservation sets, depth map and budget histories;
// all of them are read and written only under mu.
type Synchronizer struct {
	lane    domain.Lane
	budget  domain.SyncBudget
	budgets map[domain.Lane]domain.SyncBudget
	pinned  bool
	applier Applier
	logSize int

	clock   clock.Clock
	metrics metrics.Sink
	auditor audit.Auditor
	logger  *zap.Logger

	mu       sync.Mutex
	fanout   map[domain.Lane]map[string]struct{} // target lane → in-flight op ids
	fanin    map[domain.Lane]map[string]struct{} // source lane → in-flight op ids
	depths   map[string]int                      // in-flight op id → recursion depth
	opTimes  []time.Time
	dataHist []dataPoint
	totals   map[domain.SyncResult]int
	ops      []domain.SyncOperation

	// Admitted operations that have not completed yet; they count against
	// the ops and data budgets until release.
	pendingOps   int
	pendingBytes int64
}

// New builds the synchronizer for lane. Unknown lane names get the experimental budget.
func New(lane string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		lane:    domain.ParseLane(lane),
		logSize: DefaultOperationLog,
		clock:   clock.System{},
		metrics: metrics.Nop{},
		auditor: audit.Nop{},
		logger:  zap.NewNop(),
		fanout:  make(map[domain.Lane]map[string]struct{}),
		fanin:   make(map[domain.Lane]map[string]struct{}),
		depths:  make(map[string]int),
		totals:  make(map[domain.SyncResult]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.pinned {
		s.budget = resolveBudget(s.budgets, s.lane)
	}
	if s.applier == nil {
		s.applier = NewFoldRegistry(s.clock)
	}
	if s.logSize <= 0 {
		s.logSize = DefaultOperationLog
	}
	s.logger = s.logger.Named("memsync").With(zap.String("lane", string(s.lane)))
	return s
}

func resolveBudget(table map[domain.Lane]domain.SyncBudget, lane domain.Lane) domain.SyncBudget {
	if b, ok := table[lane]; ok {
		return b
	}
	defaults := domain.DefaultSyncBudgets()
	if b, ok := defaults[lane]; ok {
		return b
	}
	return defaults[domain.LaneExperimental]
}

func (s *Synchronizer) Lane() domain.Lane { return s.lane }
func (s *Synchronizer) Budget() domain.SyncBudget { return s.budget }

// Applier exposes the configured applier (the FoldRegistry unless overridden).
func (s *Synchronizer) Applier() Applier { return s.applier }

// SyncFold admits, reserves, applies and releases, in that order.
// It always returns an operation record and never panics; failures are typed results.
func (s *Synchronizer) SyncFold(ctx context.Context, req FoldRequest) domain.SyncOperation {
	start := s.clock.Now()

	source := laneOr(req.SourceLane, s.lane)
	target := laneOr(req.TargetLane, s.lane)
	opType := req.OperationType
	if opType == "" {
		opType = DefaultOperationType
	}

	op := domain.SyncOperation{
		OpID:          uuid.New().String(),
		Timestamp:     start,
		SourceLane:    source,
		TargetLane:    target,
		OperationType: opType,
		FoldID:        foldID(req.Payload),
	}

	// 1. Resource costs
	size, sizeErr := payloadSize(req.Payload)
	op.DataSize = size
	if target != s.lane {
		op.FanoutCost = 1
	}
	if source != s.lane {
		op.FaninCost = 1
	}

	var invalid string
	switch {
	case sizeErr != nil:
		invalid = fmt.Sprintf("payload is not serializable: %v", sizeErr)
	case !hasFoldData(req.Payload):
		invalid = "payload must contain fold_id or content"
	}

	s.mu.Lock()
	op.DepthLevel = s.depthLocked(req.ParentOpID)
	if result, msg := s.admitLocked(op, invalid, start); result != domain.SyncSuccess {
		s.mu.Unlock()
		return s.finish(op, result, msg)
	}
	res := s.reserveLocked(op)
	s.mu.Unlock()

	err := s.perform(ctx, res, Transfer{
		OpID:          op.OpID,
		FoldID:        op.FoldID,
		OperationType: opType,
		Source:        source,
		Target:        target,
		Depth:         op.DepthLevel,
		Payload:       req.Payload,
	})
	if err != nil {
		s.logger.Error("fold sync failed",
			zap.String("op_id", op.OpID),
			zap.String("fold_id", op.FoldID),
			zap.String("target", string(target)),
			zap.Error(err),
		)
		return s.finish(op, domain.SyncErrorConcurrency, err.Error())
	}
	return s.finish(op, domain.SyncSuccess, "")
}

// perform runs the applier with the reservation scoped to this call:
// the deferred release fires on return, on error and on panic alike.
func (s *Synchronizer) perform(ctx context.Context, r *reservation, t Transfer) (err error) {
	defer func() { r.release(err == nil, s.clock.Now()) }()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errApplyPanic, p)
		}
	}()
	return s.applier.Apply(ctx, t)
}

// admitLocked runs the lane, fan-out, fan-in, depth, payload, ops and data checks in order.
// invalid is the payload validation failure, if any; it is reported after the structural
// checks and before any budget, so a malformed payload never reads as budget exhaustion.
func (s *Synchronizer) admitLocked(op domain.SyncOperation, invalid string, now time.Time) (domain.SyncResult, string) {
	b := s.budget

	// 2. Lane policy
	if (op.FanoutCost > 0 || op.FaninCost > 0) && !b.AllowCrossLaneSync {
		return domain.SyncErrorLanePolicy, fmt.Sprintf("cross-lane sync %s -> %s is disabled for lane %s", op.SourceLane, op.TargetLane, s.lane)
	}

	// 3. Fan-out
	if n := inflight(s.fanout) + op.FanoutCost; n > b.MaxFanout {
		return domain.SyncErrorFanout, fmt.Sprintf("fan-out %d exceeds limit %d", n, b.MaxFanout)
	}

	// 4. Fan-in
	if n := inflight(s.fanin) + op.FaninCost; n > b.MaxFanin {
		return domain.SyncErrorFanin, fmt.Sprintf("fan-in %d exceeds limit %d", n, b.MaxFanin)
	}

	// 5. Depth
	if op.DepthLevel > b.MaxDepth {
		return domain.SyncErrorDepth, fmt.Sprintf("depth %d exceeds limit %d", op.DepthLevel, b.MaxDepth)
	}

	// 6. Payload
	if invalid != "" {
		return domain.SyncErrorDataValidation, invalid
	}

	s.pruneLocked(now)

	// 7. Operation budget, in-flight operations included
	if len(s.opTimes)+s.pendingOps >= b.OpsBudgetPerTick {
		return domain.SyncErrorBudget, fmt.Sprintf("operation budget of %d per %ds exhausted", b.OpsBudgetPerTick, b.BudgetWindowSeconds)
	}

	// 8. Data budget, in-flight bytes included
	used := s.pendingBytes
	for _, p := range s.dataHist {
		used += int64(p.size)
	}
	if used+int64(op.DataSize) > b.DataBudgetBytes() {
		return domain.SyncErrorBudget, fmt.Sprintf("data budget of %.2f MB per %ds exceeded", b.DataBudgetPerTickMB, b.BudgetWindowSeconds)
	}

	return domain.SyncSuccess, ""
}

// pruneLocked drops history entries that slid out of the budget window.
func (s *Synchronizer) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.budget.Window())

	i := 0
	for i < len(s.opTimes) && !s.opTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.opTimes = append(s.opTimes[:0], s.opTimes[i:]...)
	}

	j := 0
	for j < len(s.dataHist) && !s.dataHist[j].at.After(cutoff) {
		j++
	}
	if j > 0 {
		s.dataHist = append(s.dataHist[:0], s.dataHist[j:]...)
	}
}

// depthLocked is the parent's depth + 1, or 0 when there is no in-flight parent.
func (s *Synchronizer) depthLocked(parentOpID string) int {
	if parentOpID == "" {
		return 0
	}
	if d, ok := s.depths[parentOpID]; ok {
		return d + 1
	}
	return 0
}

func (s *Synchronizer) finish(op domain.SyncOperation, result domain.SyncResult, msg string) domain.SyncOperation {
	op.Result = result
	op.ErrorMessage = msg
	op.Duration = s.clock.Now().Sub(op.Timestamp)

	s.mu.Lock()
	s.totals[result]++
	s.ops = append(s.ops, op)
	if len(s.ops) >= 2*s.logSize {
		s.ops = append(s.ops[:0], s.ops[len(s.ops)-s.logSize:]...)
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.SyncOperations, metrics.Labels{"lane": string(s.lane), "result": string(result)})
	s.metrics.Observe(metrics.SyncDuration, op.Duration.Seconds(), metrics.Labels{"lane": string(s.lane)})
	s.auditor.Log(audit.FromSyncOperation(s.lane, op))

	if result != domain.SyncSuccess && result != domain.SyncErrorConcurrency {
		s.logger.Debug("fold sync rejected",
			zap.String("op_id", op.OpID),
			zap.String("result", string(result)),
			zap.String("reason", msg),
		)
	}
	return op
}

// Operations returns up to limit recent operations, newest first.
func (s *Synchronizer) Operations(limit int) []domain.SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ops
	if len(kept) > s.logSize {
		kept = kept[len(kept)-s.logSize:]
	}
	if limit <= 0 || limit > len(kept) {
		limit = len(kept)
	}
	out := make([]domain.SyncOperation, 0, limit)
	for i := len(kept) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, kept[i])
	}
	return out
}

type Stats struct {
	Lane           domain.Lane               `json:"lane"`
	InflightFanout int                       `json:"inflight_fanout"`
	InflightFanin  int                       `json:"inflight_fanin"`
	DepthEntries   int                       `json:"depth_entries"`
	OpsInWindow    int                       `json:"ops_in_window"`
	BytesInWindow  int64                     `json:"bytes_in_window"`
	OpsInFlight    int                       `json:"ops_in_flight"`
	BytesInFlight  int64                     `json:"bytes_in_flight"`
	Total          int                       `json:"total"`
	ByResult       map[domain.SyncResult]int `json:"by_result"`
}

func (s *Synchronizer) Stats() Stats {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	st := Stats{
		Lane:           s.lane,
		InflightFanout: inflight(s.fanout),
		InflightFanin:  inflight(s.fanin),
		DepthEntries:   len(s.depths),
		OpsInWindow:    len(s.opTimes),
		OpsInFlight:    s.pendingOps,
		BytesInFlight:  s.pendingBytes,
		ByResult:       make(map[domain.SyncResult]int, len(s.totals)),
	}
	for _, p := range s.dataHist {
		st.BytesInWindow += int64(p.size)
	}
	for r, n := range s.totals {
		st.ByResult[r] = n
		st.Total += n
	}
	return st
}

func laneOr(name string, fallback domain.Lane) domain.Lane {
	if name == "" {
		return fallback
	}
	return domain.ParseLane(name)
}

func payloadSize(payload map[string]any) (int, error) {
	if payload == nil {
		return 0, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func foldID(payload map[string]any) string {
	v, ok := payload[KeyFoldID]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func hasFoldData(payload map[string]any) bool {
	if foldID(payload) != "" {
		return true
	}
	v, ok := payload[KeyContent]
	return ok && v != nil
}
