// Package policy decides whether an event may be replayed into a lane.
package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
	"github.com/xela07ax/spaceai-lanes/internal/risk"
)

const DefaultDecisionLogSize = 10000

// ReplayRequest is one admission question. Risk, when set, overrides the scorer.
// An empty SourceLane means the event originates in the guard's own lane.
type ReplayRequest struct {
	Kind       string
	Payload    map[string]any
	Risk       *float64
	SourceLane string
}

type Option func(*Guard)

func WithProfiles(p *Profiles) Option { return func(g *Guard) { g.profiles = p } }

// WithPolicy pins the policy instead of resolving it from profiles.
func WithPolicy(p domain.LanePolicy) Option {
	return func(g *Guard) { g.policy = p; g.pinned = true }
}

func WithScorer(s risk.Scorer) Option {
	return func(g *Guard) {
		if s != nil {
			g.scorer = s
		}
	}
}

func WithClock(c clock.Clock) Option { return func(g *Guard) { g.clock = clock.Or(c) } }
func WithMetrics(m metrics.Sink) Option { return func(g *Guard) { g.metrics = metrics.Or(m) } }
func WithAuditor(a audit.Auditor) Option { return func(g *Guard) { g.auditor = audit.Or(a) } }
func WithDecisionLogSize(n int) Option { return func(g *Guard) { g.logSize = n } }
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// Guard owns its own rate and budget counters; they are never shared between instances.
type Guard struct {
	lane     domain.Lane
	policy   domain.LanePolicy
	pinned   bool
	profiles *Profiles
	scorer   risk.Scorer
	logSize  int

	clock   clock.Clock
	metrics metrics.Sink
	auditor audit.Auditor
	logger  *zap.Logger

	mu           sync.Mutex
	minuteCounts map[int64]int // wall-clock minute → admissions
	admitted     []time.Time   // admissions inside the budget window, oldest first
	decisions    []domain.ReplayDecision
	totals       map[domain.ReplayResult]int
	promotions   int
}

// NewGuard builds the guard for lane. Unknown lane names get the experimental profile.
func NewGuard(lane string, opts ...Option) *Guard {
	g := &Guard{
		scorer:       risk.Heuristic{},
		logSize:      DefaultDecisionLogSize,
		clock:        clock.System{},
		metrics:      metrics.Nop{},
		auditor:      audit.Nop{},
		logger:       zap.NewNop(),
		minuteCounts: make(map[int64]int),
		totals:       make(map[domain.ReplayResult]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.profiles == nil {
		g.profiles = NewProfiles(g.logger)
	}
	resolved, pol := g.profiles.Lookup(lane)
	g.lane = resolved
	if !g.pinned {
		g.policy = pol
	}
	if g.logSize <= 0 {
		g.logSize = DefaultDecisionLogSize
	}
	g.logger = g.logger.Named("guard").With(zap.String("lane", string(g.lane)))
	return g
}

func (g *Guard) Lane() domain.Lane { return g.lane }
func (g *Guard) Policy() domain.LanePolicy { return g.policy }

// CheckEvent asks whether ev, produced in its own lane, may be replayed into this guard's lane.
func (g *Guard) CheckEvent(ev domain.Event, riskValue *float64) domain.ReplayDecision {
	return g.Check(ReplayRequest{
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Risk:       riskValue,
		SourceLane: string(ev.Lane),
	})
}

// Check runs kind → lane → risk → rate → budget; the first failing check wins.
// Only an ALLOW touches the rate and budget counters. Check never panics on bad input.
func (g *Guard) Check(req ReplayRequest) domain.ReplayDecision {
	now := g.clock.Now()

	var source domain.Lane
	if req.SourceLane != "" {
		source = domain.ParseLane(req.SourceLane)
	}

	g.mu.Lock()
	g.pruneLocked(now)
	result, reason, riskValue := g.evaluateLocked(req, source, now)

	d := domain.ReplayDecision{
		DecisionID: uuid.New().String(),
		Timestamp:  now,
		Allow:      result == domain.ReplayAllow,
		Result:     result,
		Reason:     reason,
		Lane:       g.lane,
		SourceLane: source,
		EventKind:  req.Kind,
		Risk:       riskValue,
	}
	if d.Allow {
		g.minuteCounts[minuteKey(now)]++
		g.admitted = append(g.admitted, now)
		if d.CrossLane() {
			g.promotions++
		}
	}
	g.totals[result]++
	g.appendDecisionLocked(d)
	g.mu.Unlock()

	g.emit(d)
	return d
}

func (g *Guard) evaluateLocked(req ReplayRequest, source domain.Lane, now time.Time) (domain.ReplayResult, string, float64) {
	// 1. Kind allow-list
	if !g.policy.Allows(req.Kind) {
		return domain.ReplayDenyKind, fmt.Sprintf("event kind %q is not allowed in lane %s", req.Kind, g.lane), 0
	}

	// 2. Lane hierarchy: only promotion toward equal or higher trust
	if source != "" && source != g.lane && !domain.CanPromote(source, g.lane) {
		return domain.ReplayDenyLane, fmt.Sprintf("demotion from %s to %s is not allowed", source, g.lane), 0
	}

	// 3. Risk
	riskValue := g.riskOf(req)
	if riskValue > g.policy.MaxRiskLevel {
		return domain.ReplayDenyRisk, fmt.Sprintf("risk %.2f exceeds lane maximum %.2f", riskValue, g.policy.MaxRiskLevel), riskValue
	}

	// 4. Per-minute rate
	if n := g.minuteCounts[minuteKey(now)]; n >= g.policy.MaxReplayRate {
		return domain.ReplayDenyRate, fmt.Sprintf("rate limit of %d replays per minute reached", g.policy.MaxReplayRate), riskValue
	}

	// 5. Sliding budget
	if len(g.admitted) >= g.policy.ReplayBudget {
		return domain.ReplayDenyBudget, fmt.Sprintf("replay budget of %d per %d minutes exhausted", g.policy.ReplayBudget, g.policy.BudgetWindowMinutes), riskValue
	}

	return domain.ReplayAllow, "admitted", riskValue
}

func (g *Guard) riskOf(req ReplayRequest) float64 {
	var v float64
	if req.Risk != nil {
		v = *req.Risk
	} else {
		v = g.scorer.Score(req.Payload)
	}
	if math.IsNaN(v) {
		return 1
	}
	return v
}

// pruneLocked drops minute buckets before the current minute and budget entries
// that slid out of the window. Dropping expired entries never changes an outcome.
func (g *Guard) pruneLocked(now time.Time) {
	current := minuteKey(now)
	for k := range g.minuteCounts {
		if k < current {
			delete(g.minuteCounts, k)
		}
	}

	cutoff := now.Add(-g.policy.BudgetWindow())
	i := 0
	for i < len(g.admitted) && !g.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.admitted = append(g.admitted[:0], g.admitted[i:]...)
	}
}

func (g *Guard) appendDecisionLocked(d domain.ReplayDecision) {
	g.decisions = append(g.decisions, d)
	// Trim in chunks so the log stays amortized O(1) per call.
	if len(g.decisions) >= 2*g.logSize {
		g.decisions = append(g.decisions[:0], g.decisions[len(g.decisions)-g.logSize:]...)
	}
}

func (g *Guard) emit(d domain.ReplayDecision) {
	g.metrics.Inc(metrics.ReplayDecisions, metrics.Labels{"lane": string(d.Lane), "result": string(d.Result)})
	if d.Allow && d.CrossLane() {
		g.metrics.Inc(metrics.LanePromotions, metrics.Labels{"source": string(d.SourceLane), "target": string(d.Lane)})
	}
	g.auditor.Log(audit.FromDecision(d))

	if ce := g.logger.Check(zap.DebugLevel, "replay decision"); ce != nil {
		ce.Write(
			zap.String("decision_id", d.DecisionID),
			zap.String("result", string(d.Result)),
			zap.String("kind", d.EventKind),
			zap.String("source_lane", string(d.SourceLane)),
			zap.Float64("risk", d.Risk),
			zap.String("reason", d.Reason),
		)
	}
}

func minuteKey(t time.Time) int64 {
	return t.Unix() / 60
}

// Decisions returns up to limit recent decisions, newest first.
func (g *Guard) Decisions(limit int) []domain.ReplayDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.decisions
	if len(kept) > g.logSize {
		kept = kept[len(kept)-g.logSize:]
	}
	if limit <= 0 || limit > len(kept) {
		limit = len(kept)
	}
	out := make([]domain.ReplayDecision, 0, limit)
	for i := len(kept) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, kept[i])
	}
	return out
}

type Stats struct {
	Lane            domain.Lane                 `json:"lane"`
	Total           int                         `json:"total"`
	Allowed         int                         `json:"allowed"`
	Denied          int                         `json:"denied"`
	ByResult        map[domain.ReplayResult]int `json:"by_result"`
	Promotions      int                         `json:"promotions"`
	RateThisMinute  int                         `json:"rate_this_minute"`
	BudgetUsed      int                         `json:"budget_used"`
	BudgetRemaining int                         `json:"budget_remaining"`
}

func (g *Guard) Stats() Stats {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)

	st := Stats{
		Lane:           g.lane,
		ByResult:       make(map[domain.ReplayResult]int, len(g.totals)),
		Promotions:     g.promotions,
		RateThisMinute: g.minuteCounts[minuteKey(now)],
		BudgetUsed:     len(g.admitted),
	}
	for r, n := range g.totals {
		st.ByResult[r] = n
		st.Total += n
	}
	st.Allowed = g.totals[domain.ReplayAllow]
	st.Denied = st.Total - st.Allowed
	st.BudgetRemaining = max(0, g.policy.ReplayBudget-st.BudgetUsed)
	return st
}
