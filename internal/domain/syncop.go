package domain

import "time"

// SyncResult is the outcome of one fold synchronization.
type SyncResult string

const (
	SyncSuccess             SyncResult = "SUCCESS"
	SyncErrorFanout         SyncResult = "ERROR_FANOUT"
	SyncErrorFanin          SyncResult = "ERROR_FANIN"
	SyncErrorDepth          SyncResult = "ERROR_DEPTH"
	SyncErrorBudget         SyncResult = "ERROR_BUDGET"
	SyncErrorLanePolicy     SyncResult = "ERROR_LANE_POLICY"
	SyncErrorDataValidation SyncResult = "ERROR_DATA_VALIDATION"
	SyncErrorConcurrency    SyncResult = "ERROR_CONCURRENCY"
)

// Retryable: capacity errors clear when in-flight work drains or the window slides.
// ERROR_CONCURRENCY is an internal defect and is not reported as retryable.
func (r SyncResult) Retryable() bool {
	switch r {
	case SyncErrorFanout, SyncErrorFanin, SyncErrorBudget:
		return true
	}
	return false
}

// SyncOperation records one SyncFold call, successful or not.
type SyncOperation struct {
	OpID          string        `json:"op_id"`
	Timestamp     time.Time     `json:"timestamp"`
	SourceLane    Lane          `json:"source_lane"`
	TargetLane    Lane          `json:"target_lane"`
	OperationType string        `json:"operation_type"`
	FoldID        string        `json:"fold_id"`
	DataSize      int           `json:"data_size"` // bytes
	FanoutCost    int           `json:"fanout_cost"`
	FaninCost     int           `json:"fanin_cost"`
	DepthLevel    int           `json:"depth_level"`
	Result        SyncResult    `json:"result"`
	Duration      time.Duration `json:"duration"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

func (o SyncOperation) Succeeded() bool { return o.Result == SyncSuccess }

// Fields flattens the operation for structured logging and audit sinks.
func (o SyncOperation) Fields() map[string]any {
	return map[string]any{
		"op_id":          o.OpID,
		"timestamp":      o.Timestamp.Format(time.RFC3339Nano),
		"source_lane":    string(o.SourceLane),
		"target_lane":    string(o.TargetLane),
		"operation_type": o.OperationType,
		"fold_id":        o.FoldID,
		"data_size":      o.DataSize,
		"fanout_cost":    o.FanoutCost,
		"fanin_cost":     o.FaninCost,
		"depth_level":    o.DepthLevel,
		"result":         string(o.Result),
		"duration_ms":    float64(o.Duration) / float64(time.Millisecond),
		"error_message":  o.ErrorMessage,
	}
}
