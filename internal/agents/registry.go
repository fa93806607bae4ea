// Package agents holds the named logical roles (planner, coder, reviewer, …)
// and their per-provider trust bookkeeping.
//
// Trust is a running reliability estimate the router uses as a secondary
// ranking signal: +0.05 per success capped at 1.0, −0.1 per failure floored
// at 0.0.
package agents

import (
	"sync"
	"time"

	"github.com/codeloom/codeloom/pkg/models"
)

const (
	// DefaultTrust is the starting score for a provider under a role.
	DefaultTrust = 0.5
	trustGain    = 0.05
	trustLoss    = 0.1
)

// Default role names seeded into a fresh registry.
const (
	RolePlanner  = "planner"
	RoleCoder    = "coder"
	RoleReviewer = "reviewer"
	RoleAuditor  = "auditor"
)

// Registry is the in-process agent role table. Trust updates are atomic per
// registry; many in-flight tasks report outcomes concurrently.
type Registry struct {
	mu    sync.Mutex
	roles map[string]*models.AgentConfig
}

// NewRegistry creates a registry with the default roles bound to the given
// provider preference order.
func NewRegistry(providerOrder []string) *Registry {
	r := &Registry{roles: make(map[string]*models.AgentConfig)}
	for _, role := range []string{RolePlanner, RoleCoder, RoleReviewer, RoleAuditor} {
		r.Configure(role, providerOrder)
	}
	return r
}

// Configure sets (or replaces) a role's ordered provider preference list.
// Existing trust scores for providers that remain on the list are kept.
func (r *Registry) Configure(role string, providers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.roles[role]
	cfg := &models.AgentConfig{
		Role:      role,
		Providers: append([]string(nil), providers...),
		Trust:     make(map[string]float64, len(providers)),
	}
	for _, p := range providers {
		cfg.Trust[p] = DefaultTrust
		if prev != nil {
			if t, ok := prev.Trust[p]; ok {
				cfg.Trust[p] = t
			}
		}
	}
	r.roles[role] = cfg
}

// PreferredProviders returns the role's providers ordered by descending
// trust, configured preference breaking ties. Unknown roles get nil.
func (r *Registry) PreferredProviders(role string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.roles[role]
	if !ok {
		return nil
	}
	return cfg.TrustOrder()
}

// Trust returns the current trust score for a provider under a role.
func (r *Registry) Trust(role, provider string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.roles[role]
	if !ok {
		return DefaultTrust
	}
	if t, ok := cfg.Trust[provider]; ok {
		return t
	}
	return DefaultTrust
}

// RecordOutcome adjusts a role's trust in a provider after a task attempt.
// Providers not on the role's preference list are tracked anyway so ad-hoc
// capability matches still build history.
func (r *Registry) RecordOutcome(role, provider string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.roles[role]
	if !ok {
		cfg = &models.AgentConfig{Role: role, Trust: make(map[string]float64)}
		r.roles[role] = cfg
	}

	t, ok := cfg.Trust[provider]
	if !ok {
		t = DefaultTrust
	}
	if success {
		t += trustGain
		if t > 1.0 {
			t = 1.0
		}
	} else {
		t -= trustLoss
		if t < 0.0 {
			t = 0.0
		}
	}
	cfg.Trust[provider] = t
	cfg.LastActive = time.Now().UTC()
}

// Snapshot returns a deep copy of every role config, for display and
// persistence.
func (r *Registry) Snapshot() []models.AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.AgentConfig, 0, len(r.roles))
	for _, cfg := range r.roles {
		out = append(out, cfg.Clone())
	}
	return out
}
