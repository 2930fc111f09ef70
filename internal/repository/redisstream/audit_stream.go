// Package redisstream mirrors audit records into Redis streams for live consumers.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/infra"
)

// AuditStream appends every record to the global audit stream and to its lane stream
// in one pipeline per batch. Streams are trimmed approximately to MaxLen.
type AuditStream struct {
	rdb    redis.Cmdable
	maxLen int64
}

func NewAuditStream(rdb redis.Cmdable, maxLen int64) *AuditStream {
	return &AuditStream{rdb: rdb, maxLen: maxLen}
}

func (s *AuditStream) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, rec := range records {
		values, err := streamValues(rec)
		if err != nil {
			return err
		}
		for _, stream := range []string{infra.RedisStreamAudit, infra.LaneAuditStreamKey(rec.Lane)} {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: s.maxLen,
				Approx: true,
				Values: values,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append %d audit records: %w", len(records), err)
	}
	return nil
}

func streamValues(rec audit.Record) (map[string]any, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("redis: encode fields of %s: %w", rec.ID, err)
	}
	return map[string]any{
		"id":     rec.ID,
		"kind":   rec.Kind,
		"lane":   rec.Lane,
		"result": rec.Result,
		"ts":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"fields": string(fields),
	}, nil
}
