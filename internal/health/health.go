// Package health aggregates liveness of the engine's external
// collaborators. The server registers one checker per dependency it was
// wired with: the deal database, the chain RPC endpoint, and the booking
// provider. The /health endpoint reports the aggregate plus per-check
// detail, so a degraded RPC node is distinguishable from a dead one.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one dependency check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker pings one dependency. Implementations should honor ctx
// deadlines; a check that hangs blocks the whole /health response.
type Checker func(ctx context.Context) Status

// Registry holds the registered checkers and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []registration
}

type registration struct {
	name string
	fn   Checker
}

// NewRegistry creates an empty registry. No checks means healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under name. The registered name wins over
// whatever the checker puts in Status.Name, so results always line up
// with what was wired.
func (r *Registry) Register(name string, fn Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, registration{name: name, fn: fn})
	r.mu.Unlock()
}

// CheckAll runs every check in registration order and reports the
// aggregate: one failing dependency degrades the whole service.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]registration, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))

	for i, reg := range checks {
		st := reg.fn(ctx)
		st.Name = reg.name
		statuses[i] = st
		if !st.Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
