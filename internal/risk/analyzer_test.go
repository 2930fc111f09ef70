package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristic(t *testing.T) {
	h := Heuristic{}
	cases := []struct {
		name    string
		payload map[string]any
		want    float64
	}{
		{"empty", nil, DefaultRisk},
		{"explicit", map[string]any{"risk_score": 0.35}, 0.35},
		{"explicit int", map[string]any{"risk_score": 1}, 1},
		{"explicit clamped", map[string]any{"risk_score": 4.2}, 1},
		{"explicit wins over error", map[string]any{"risk_score": 0.05, "error": "boom"}, 0.05},
		{"error", map[string]any{"error": "timeout"}, ErrorRisk},
		{"exception", map[string]any{"exception": "ValueError"}, ErrorRisk},
		{"error wins over external", map[string]any{"error": "x", "external_action": "email"}, ErrorRisk},
		{"external action", map[string]any{"external_action": "send_email"}, ExternalRisk},
		{"external call", map[string]any{"external_call": true}, ExternalRisk},
		{"nil indicator ignored", map[string]any{"error": nil}, DefaultRisk},
		{"non-numeric explicit", map[string]any{"risk_score": "high"}, DefaultRisk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, h.Score(tc.payload), 1e-9)
		})
	}
}

func TestFieldThreshold(t *testing.T) {
	s := FieldThreshold{Field: "amount", Threshold: 1000, High: 0.95}

	assert.InDelta(t, 0.95, s.Score(map[string]any{"amount": 5000.0}), 1e-9)
	assert.InDelta(t, DefaultRisk, s.Score(map[string]any{"amount": 10.0}), 1e-9)
	assert.InDelta(t, ErrorRisk, s.Score(map[string]any{"amount": 10.0, "error": "x"}), 1e-9)

	custom := FieldThreshold{Field: "amount", Threshold: 1, High: 0.9, Fallback: ScorerFunc(func(map[string]any) float64 { return 0.3 })}
	assert.InDelta(t, 0.3, custom.Score(map[string]any{}), 1e-9)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1))
	assert.Equal(t, 1.0, Clamp(2))
	assert.Equal(t, 0.4, Clamp(0.4))
}
