package audit

import (
	"time"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

// Record kinds.
const (
	KindReplayDecision = "replay_decision"
	KindSyncOperation  = "sync_operation"
)

// Record is the flat, storage-agnostic shape of a governance outcome.
type Record struct {
	ID        string         `json:"id"`   // decision_id or op_id
	Kind      string         `json:"kind"` // replay_decision | sync_operation
	Lane      string         `json:"lane"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Auditor receives records. Implementations must not block the caller.
type Auditor interface {
	Log(rec Record)
}

// Nop drops every record.
type Nop struct{}

func (Nop) Log(Record) {}

func Or(a Auditor) Auditor {
	if a == nil {
		return Nop{}
	}
	return a
}

func FromDecision(d domain.ReplayDecision) Record {
	return Record{
		ID:        d.DecisionID,
		Kind:      KindReplayDecision,
		Lane:      string(d.Lane),
		Result:    string(d.Result),
		Timestamp: d.Timestamp,
		Fields:    d.Fields(),
	}
}

// FromSyncOperation records the synchronizer's own lane, which is the source of the operation
// for outbound syncs and the target for inbound ones; both are kept in Fields.
func FromSyncOperation(lane domain.Lane, op domain.SyncOperation) Record {
	return Record{
		ID:        op.OpID,
		Kind:      KindSyncOperation,
		Lane:      string(lane),
		Result:    string(op.Result),
		Timestamp: op.Timestamp,
		Fields:    op.Fields(),
	}
}
