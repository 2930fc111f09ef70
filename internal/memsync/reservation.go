package memsync

import (
	"time"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
)

// reservation holds the fan-out/fan-in slots and depth entry of one in-flight operation.
// release is the only way to give them back and is safe to call more than once.
type reservation struct {
	s      *Synchronizer
	opID   string
	source domain.Lane
	target domain.Lane
	fanout bool
	fanin  bool
	size   int
	done   bool
}

// reserveLocked must be called with s.mu held, after every admission check passed.
func (s *Synchronizer) reserveLocked(op domain.SyncOperation) *reservation {
	r := &reservation{
		s:      s,
		opID:   op.OpID,
		source: op.SourceLane,
		target: op.TargetLane,
		fanout: op.FanoutCost > 0,
		fanin:  op.FaninCost > 0,
		size:   op.DataSize,
	}
	if r.fanout {
		addSlot(s.fanout, r.target, r.opID)
	}
	if r.fanin {
		addSlot(s.fanin, r.source, r.opID)
	}
	s.depths[r.opID] = op.DepthLevel
	s.pendingOps++
	s.pendingBytes += int64(r.size)
	s.publishInflightLocked()
	return r
}

// release returns the slots and the pending budget charge; a successful operation
// moves its charge into the budget windows, a failed one is not charged at all.
func (r *reservation) release(success bool, at time.Time) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	if r.fanout {
		removeSlot(s.fanout, r.target, r.opID)
	}
	if r.fanin {
		removeSlot(s.fanin, r.source, r.opID)
	}
	delete(s.depths, r.opID)
	s.pendingOps--
	s.pendingBytes -= int64(r.size)
	if success {
		s.opTimes = append(s.opTimes, at)
		s.dataHist = append(s.dataHist, dataPoint{at: at, size: r.size})
	}
	s.publishInflightLocked()
}

func addSlot(m map[domain.Lane]map[string]struct{}, lane domain.Lane, opID string) {
	set, ok := m[lane]
	if !ok {
		set = make(map[string]struct{})
		m[lane] = set
	}
	set[opID] = struct{}{}
}

func removeSlot(m map[domain.Lane]map[string]struct{}, lane domain.Lane, opID string) {
	set, ok := m[lane]
	if !ok {
		return
	}
	delete(set, opID)
	if len(set) == 0 {
		delete(m, lane)
	}
}

func inflight(m map[domain.Lane]map[string]struct{}) int {
	n := 0
	for _, set := range m {
		n += len(set)
	}
	return n
}

func (s *Synchronizer) publishInflightLocked() {
	s.metrics.Set(metrics.SyncInflight, float64(inflight(s.fanout)), metrics.Labels{"lane": string(s.lane), "direction": "out"})
	s.metrics.Set(metrics.SyncInflight, float64(inflight(s.fanin)), metrics.Labels{"lane": string(s.lane), "direction": "in"})
}
