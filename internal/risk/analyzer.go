// Package risk supplies the pluggable scoring strategy the Policy Guard uses
// when a caller does not pass an explicit risk value.
package risk

import (
	"go.uber.org/zap"
)

// Payload keys understood by Heuristic.
const (
	KeyRiskScore      = "risk_score"
	KeyError          = "error"
	KeyException      = "exception"
	KeyExternalAction = "external_action"
	KeyExternalCall   = "external_call"
)

const (
	ErrorRisk    = 0.7
	ExternalRisk = 0.6
	DefaultRisk  = 0.1
)

// Scorer derives a risk value in [0, 1] from an event payload.
type Scorer interface {
	Score(payload map[string]any) float64
}

type ScorerFunc func(payload map[string]any) float64

func (f ScorerFunc) Score(payload map[string]any) float64 { return f(payload) }

// Heuristic is the default approximation used when no upstream score is available:
// an explicit risk_score wins, then error indicators, then external actions.
type Heuristic struct{}

func (Heuristic) Score(payload map[string]any) float64 {
	if v, ok := payload[KeyRiskScore]; ok {
		if f, ok := toFloat(v); ok {
			return Clamp(f)
		}
	}
	if has(payload, KeyError) || has(payload, KeyException) {
		return ErrorRisk
	}
	if has(payload, KeyExternalAction) || has(payload, KeyExternalCall) {
		return ExternalRisk
	}
	return DefaultRisk
}

// FieldThreshold scores High when a numeric payload field exceeds Threshold
// (e.g. an amount above a limit) and defers to Fallback otherwise.
type FieldThreshold struct {
	Field     string
	Threshold float64
	High      float64
	Fallback  Scorer
	Logger    *zap.Logger
}

func (a FieldThreshold) Score(payload map[string]any) float64 {
	if a.Field != "" {
		if raw, ok := payload[a.Field]; ok {
			if val, ok := toFloat(raw); ok && val > a.Threshold {
				if a.Logger != nil {
					a.Logger.Debug("risk threshold exceeded",
						zap.String("field", a.Field),
						zap.Float64("value", val),
						zap.Float64("threshold", a.Threshold),
					)
				}
				return Clamp(a.High)
			}
		}
	}
	if a.Fallback == nil {
		return Heuristic{}.Score(payload)
	}
	return a.Fallback.Score(payload)
}

// Clamp bounds v to [0, 1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func has(payload map[string]any, key string) bool {
	v, ok := payload[key]
	return ok && v != nil
}

// Decoded JSON numbers are float64, but in-process callers may pass ints.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
