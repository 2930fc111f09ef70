package memsync

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-lanes/internal/clock"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

// Transfer is what an Applier receives once budgets are reserved.
type Transfer struct {
	OpID          string
	FoldID        string
	OperationType string
	Source        domain.Lane
	Target        domain.Lane
	Depth         int
	Payload       map[string]any
}

// Applier performs the actual propagation. It runs outside the synchronizer lock
// and may call back into SyncFold with ParentOpID set to t.OpID.
// Returned errors and panics are reported as ERROR_CONCURRENCY.
type Applier interface {
	Apply(ctx context.Context, t Transfer) error
}

type ApplierFunc func(ctx context.Context, t Transfer) error

func (f ApplierFunc) Apply(ctx context.Context, t Transfer) error { return f(ctx, t) }

// Fold is the latest state of a fold in one lane.
type Fold struct {
	ID        string         `json:"id"`
	Lane      domain.Lane    `json:"lane"`
	Payload   map[string]any `json:"payload"`
	LastOpID  string         `json:"last_op_id"`
	Applies   int            `json:"applies"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FoldRegistry is the default Applier: an upsert keyed by (target lane, fold id).
// Applying the same fold twice leaves the same state, so replays are safe.
type FoldRegistry struct {
	mu    sync.RWMutex
	folds map[domain.Lane]map[string]Fold
	clock clock.Clock
}

func NewFoldRegistry(c clock.Clock) *FoldRegistry {
	return &FoldRegistry{
		folds: make(map[domain.Lane]map[string]Fold),
		clock: clock.Or(c),
	}
}

func (r *FoldRegistry) Apply(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := t.FoldID
	if key == "" {
		// Content-only transfers are keyed by the operation that carried them.
		key = t.OpID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lane, ok := r.folds[t.Target]
	if !ok {
		lane = make(map[string]Fold)
		r.folds[t.Target] = lane
	}
	prev := lane[key]
	lane[key] = Fold{
		ID:        key,
		Lane:      t.Target,
		Payload:   maps.Clone(t.Payload),
		LastOpID:  t.OpID,
		Applies:   prev.Applies + 1,
		UpdatedAt: r.clock.Now(),
	}
	return nil
}

func (r *FoldRegistry) Get(lane domain.Lane, foldID string) (Fold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.folds[lane][foldID]
	return f, ok
}

// Count is the number of folds held for lane.
func (r *FoldRegistry) Count(lane domain.Lane) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.folds[lane])
}
