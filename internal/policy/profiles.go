package policy

import (
	"sync"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"go.uber.org/zap"
)

// Profiles is the in-memory lane → policy table guards are built from.
// Lookups for an unknown lane fall back to the experimental profile.
type Profiles struct {
	mu       sync.RWMutex
	policies map[domain.Lane]domain.LanePolicy
	logger   *zap.Logger
}

func NewProfiles(logger *zap.Logger) *Profiles {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiles{
		policies: domain.DefaultLanePolicies(),
		logger:   logger.Named("profiles"),
	}
}

// Lookup resolves a lane name (case-insensitive) to its policy.
func (p *Profiles) Lookup(lane string) (domain.Lane, domain.LanePolicy) {
	resolved := domain.ParseLane(lane)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if pol, ok := p.policies[resolved]; ok {
		return resolved, pol
	}
	return domain.LaneExperimental, p.policies[domain.LaneExperimental]
}

// Load replaces the table. Lanes missing from policies keep their built-in defaults.
// Guards already constructed keep the profile they were built with.
func (p *Profiles) Load(policies map[domain.Lane]domain.LanePolicy) {
	next := domain.DefaultLanePolicies()
	for lane, pol := range policies {
		if lane.Known() {
			next[lane] = pol
		}
	}

	p.mu.Lock()
	p.policies = next
	p.mu.Unlock()

	p.logger.Info("lane profiles loaded", zap.Int("overrides", len(policies)))
}
