package domain

import "time"

// ReplayResult is the terminal outcome of one admission check.
type ReplayResult string

const (
	ReplayAllow      ReplayResult = "ALLOW"
	ReplayDenyRisk   ReplayResult = "DENY_RISK"
	ReplayDenyLane   ReplayResult = "DENY_LANE"
	ReplayDenyKind   ReplayResult = "DENY_KIND"
	ReplayDenyRate   ReplayResult = "DENY_RATE"
	ReplayDenyBudget ReplayResult = "DENY_BUDGET"
)

// Retryable reports whether the denial can clear on its own once a window slides.
// Lane, kind and risk denials are structural and will repeat for the same input.
func (r ReplayResult) Retryable() bool {
	return r == ReplayDenyRate || r == ReplayDenyBudget
}

// ReplayDecision is produced exactly once per guard call.
type ReplayDecision struct {
	DecisionID string       `json:"decision_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Allow      bool         `json:"allow"`
	Result     ReplayResult `json:"result"`
	Reason     string       `json:"reason"`
	Lane       Lane         `json:"lane"`
	SourceLane Lane         `json:"source_lane,omitempty"`
	EventKind  string       `json:"event_kind"`
	Risk       float64      `json:"risk"`
}

// CrossLane reports whether the decision concerned a promotion attempt.
func (d ReplayDecision) CrossLane() bool {
	return d.SourceLane != "" && d.SourceLane != d.Lane
}

// Fields flattens the decision for structured logging and audit sinks.
func (d ReplayDecision) Fields() map[string]any {
	return map[string]any{
		"decision_id": d.DecisionID,
		"timestamp":   d.Timestamp.Format(time.RFC3339Nano),
		"allow":       d.Allow,
		"result":      string(d.Result),
		"reason":      d.Reason,
		"lane":        string(d.Lane),
		"source_lane": string(d.SourceLane),
		"event_kind":  d.EventKind,
		"risk":        d.Risk,
	}
}
