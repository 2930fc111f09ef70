package audit

/*
Trail is the asynchronous audit sink for governance records.

- Non-blocking Log: records go through a buffered channel so the admission hot path
  never waits on storage; when the buffer is full the record is shed and logged.
- Batching: the worker accumulates records and flushes on BatchSize or on the ticker.
- Drain on Stop: Stop closes the channel and waits for the worker to flush what is left.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Storage persists batches of records (Postgres, Redis stream, memory).
type Storage interface {
	WriteBatch(ctx context.Context, records []Record) error
}

type TrailConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c TrailConfig) withDefaults() TrailConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type Trail struct {
	ch      chan Record
	repo    Storage
	cfg     TrailConfig
	logger  *zap.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	mu      sync.RWMutex // Log holds RLock around the send so Stop never closes under a writer
	dropped atomic.Int64
}

func NewTrail(repo Storage, cfg TrailConfig, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Trail{
		ch:     make(chan Record, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.Named("audit"),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop closes intake and waits until the worker has flushed the remaining buffer.
// Calling Stop more than once is a no-op.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed.Swap(true) {
		t.mu.Unlock()
		return
	}
	t.logger.Info("stopping audit trail: closing channel and flushing buffer")
	close(t.ch)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped", zap.Int64("dropped", t.dropped.Load()))
}

func (t *Trail) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		t.dropped.Add(1)
		t.logger.Warn("audit record dropped: trail is stopping", zap.String("id", rec.ID))
		return
	}

	// Load shedding: never block the caller.
	select {
	case t.ch <- rec:
	default:
		t.dropped.Add(1)
		t.logger.Error("audit_buffer_overflow",
			zap.String("id", rec.ID),
			zap.String("kind", rec.Kind),
			zap.String("result", rec.Result),
		)
	}
}

// Buffered is the number of records waiting for the worker.
func (t *Trail) Buffered() int { return len(t.ch) }

// Dropped counts records shed because of overflow or shutdown.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Record, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: the caller's context may already be gone during shutdown.
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]Record, 0, t.cfg.BatchSize)
	}

	for {
		select {
		case rec, ok := <-t.ch:
			if !ok {
				flush()
				t.logger.Debug("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
