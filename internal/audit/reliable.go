package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReliableConfig struct {
	WritesPerSecond float64
	Burst           int
	Attempts        uint
	AttemptTimeout  time.Duration
	BreakerName     string
	// Open the breaker after this many consecutive failed batches.
	MaxConsecutiveFailures uint32
	BreakerTimeout         time.Duration
}

func (c ReliableConfig) withDefaults() ReliableConfig {
	if c.WritesPerSecond <= 0 {
		c.WritesPerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.BreakerName == "" {
		c.BreakerName = "audit-storage"
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

// ReliableStorage wraps a Storage with a write rate limiter, a circuit breaker
// and bounded retries, so a flapping backend cannot stall the audit worker.
type ReliableStorage struct {
	next    Storage
	cfg     ReliableConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewReliableStorage(next Storage, cfg ReliableConfig, logger *zap.Logger) *ReliableStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("audit-storage")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout, // half-open after this long
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("audit storage breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &ReliableStorage{
		next:    next,
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), cfg.Burst),
		logger:  logger,
	}
}

func (s *ReliableStorage) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("audit storage rate limit: %w", err)
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.cfg.Attempts),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
			defer cancel()
			return s.next.WriteBatch(tCtx, records)
		})
	})
	if err != nil {
		return fmt.Errorf("audit storage write (%d records): %w", len(records), err)
	}
	return nil
}

// State exposes the breaker state for health reporting.
func (s *ReliableStorage) State() gobreaker.State {
	return s.cb.State()
}
