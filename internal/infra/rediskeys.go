package infra

import "fmt"

const (
	// RedisNamespace isolates the project's keys in a shared Redis.
	RedisNamespace = "lanegate"
)

// Streams
const (
	// RedisStreamAudit receives every replay decision and sync operation.
	RedisStreamAudit = RedisNamespace + ":audit"
)

// LaneAuditStreamKey is the per-lane stream a record is mirrored to.
func LaneAuditStreamKey(lane string) string {
	return fmt.Sprintf("%s:audit:%s", RedisNamespace, lane)
}
