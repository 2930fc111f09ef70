package domain

import (
	"maps"
	"slices"
	"time"
)

// LanePolicy bounds what the Policy Guard of a lane admits.
type LanePolicy struct {
	MaxRiskLevel        float64             `json:"max_risk_level"`
	AllowedKinds        map[string]struct{} `json:"allowed_kinds"`
	MaxReplayRate       int                 `json:"max_replay_rate"` // admissions per wall-clock minute
	ReplayBudget        int                 `json:"replay_budget"`   // admissions per budget window
	BudgetWindowMinutes int                 `json:"budget_window_minutes"`
}

// NewLanePolicy builds a policy from a kinds list.
func NewLanePolicy(maxRisk float64, kinds []string, rate, budget, windowMinutes int) LanePolicy {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return LanePolicy{
		MaxRiskLevel:        maxRisk,
		AllowedKinds:        set,
		MaxReplayRate:       rate,
		ReplayBudget:        budget,
		BudgetWindowMinutes: windowMinutes,
	}
}

func (p LanePolicy) Allows(kind string) bool {
	_, ok := p.AllowedKinds[kind]
	return ok
}

// Kinds lists the allowed kinds in sorted order.
func (p LanePolicy) Kinds() []string {
	return slices.Sorted(maps.Keys(p.AllowedKinds))
}

func (p LanePolicy) BudgetWindow() time.Duration {
	return time.Duration(p.BudgetWindowMinutes) * time.Minute
}

// SyncBudget bounds what the Memory Synchronizer of a lane may do.
type SyncBudget struct {
	MaxFanout           int     `json:"max_fanout"`
	MaxFanin            int     `json:"max_fanin"`
	MaxDepth            int     `json:"max_depth"`
	OpsBudgetPerTick    int     `json:"ops_budget_per_tick"`
	DataBudgetPerTickMB float64 `json:"data_budget_per_tick_mb"`
	BudgetWindowSeconds int     `json:"budget_window_seconds"`
	AllowCrossLaneSync  bool    `json:"allow_cross_lane_sync"`
}

func (b SyncBudget) Window() time.Duration {
	return time.Duration(b.BudgetWindowSeconds) * time.Second
}

// DataBudgetBytes converts the per-tick data budget to bytes.
func (b SyncBudget) DataBudgetBytes() int64 {
	return int64(b.DataBudgetPerTickMB * 1024 * 1024)
}

// DefaultLanePolicies are the built-in guard profiles.
func DefaultLanePolicies() map[Lane]LanePolicy {
	return map[Lane]LanePolicy{
		LaneExperimental: NewLanePolicy(0.8,
			[]string{"fold_sync", "memory_write", "state_snapshot", "decision", "metric", "debug", "experiment"},
			100, 1000, 60),
		LaneCandidate: NewLanePolicy(0.5,
			[]string{"fold_sync", "memory_write", "state_snapshot", "decision", "metric"},
			50, 500, 60),
		LaneProd: NewLanePolicy(0.2,
			[]string{"fold_sync", "state_snapshot", "decision"},
			20, 200, 60),
	}
}

// DefaultSyncBudgets are the built-in synchronizer budgets.
func DefaultSyncBudgets() map[Lane]SyncBudget {
	return map[Lane]SyncBudget{
		LaneExperimental: {MaxFanout: 10, MaxFanin: 10, MaxDepth: 5, OpsBudgetPerTick: 100, DataBudgetPerTickMB: 50, BudgetWindowSeconds: 60, AllowCrossLaneSync: true},
		LaneCandidate:    {MaxFanout: 5, MaxFanin: 5, MaxDepth: 3, OpsBudgetPerTick: 50, DataBudgetPerTickMB: 20, BudgetWindowSeconds: 60, AllowCrossLaneSync: true},
		LaneProd:         {MaxFanout: 3, MaxFanin: 3, MaxDepth: 2, OpsBudgetPerTick: 20, DataBudgetPerTickMB: 10, BudgetWindowSeconds: 60, AllowCrossLaneSync: true},
	}
}
