package domain

import "strings"

// Lane is an isolated deployment track with its own trust level.
type Lane string

const (
	LaneExperimental Lane = "experimental"
	LaneCandidate    Lane = "candidate"
	LaneProd         Lane = "prod"
)

// Lanes lists every known lane in ascending trust order.
func Lanes() []Lane {
	return []Lane{LaneExperimental, LaneCandidate, LaneProd}
}

// ParseLane is case-insensitive. Empty or unknown names fall back to experimental.
func ParseLane(s string) Lane {
	switch Lane(strings.ToLower(strings.TrimSpace(s))) {
	case LaneCandidate:
		return LaneCandidate
	case LaneProd:
		return LaneProd
	default:
		return LaneExperimental
	}
}

// Known reports whether l is one of the three lanes (no fallback applied).
func (l Lane) Known() bool {
	switch l {
	case LaneExperimental, LaneCandidate, LaneProd:
		return true
	}
	return false
}

// Level is the position in the trust hierarchy: experimental(0) < candidate(1) < prod(2).
func (l Lane) Level() int {
	switch ParseLane(string(l)) {
	case LaneCandidate:
		return 1
	case LaneProd:
		return 2
	default:
		return 0
	}
}

func (l Lane) String() string { return string(l) }

// CanPromote reports whether state may flow from source to target.
// Flow toward equal or higher trust is a promotion; anything else is a demotion.
func CanPromote(source, target Lane) bool {
	return source.Level() <= target.Level()
}
