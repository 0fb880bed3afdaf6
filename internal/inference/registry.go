package inference

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 60 * time.Second
	defaultRateLimit        = 15
	defaultRateWindow       = 60 * time.Second
	defaultRefreshInterval  = 10 * time.Second
)

// ModelState is the health and rate-window bookkeeping for one model.
type ModelState struct {
	Name                string
	WindowRequests      int
	WindowStart         time.Time
	ConsecutiveFailures int
	LastFailure         time.Time
	Healthy             bool
	CooldownUntil       time.Time
}

type RegistryConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	RateLimit        int
	RateWindow       time.Duration
	RefreshInterval  time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.RateLimit < 1 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	return c
}

// Registry tracks every configured model. Healthy models move to cooldown
// after FailureThreshold consecutive failures and come back once Cooldown has
// elapsed. Models that used up their request window are skipped without
// touching their health.
type Registry struct {
	cfg RegistryConfig
	now func() time.Time

	mu         sync.Mutex
	order      []string
	states     map[string]*ModelState
	eligible   []string
	eligibleAt time.Time
	dirty      bool
	cursor     int
}

func NewRegistry(models []string, cfg RegistryConfig) *Registry {
	r := &Registry{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		states: make(map[string]*ModelState, len(models)),
		dirty:  true,
	}
	for _, name := range models {
		if _, exists := r.states[name]; exists || name == "" {
			continue
		}
		r.order = append(r.order, name)
		r.states[name] = &ModelState{Name: name, Healthy: true}
	}
	return r
}

func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// State returns a copy of the named model's state.
func (r *Registry) State(name string) (ModelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[name]
	if !ok {
		return ModelState{}, false
	}
	return *state, true
}

// RecordRequest counts one request against the model's rolling window.
func (r *Registry) RecordRequest(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[name]
	if !ok {
		return
	}
	now := r.now()
	if state.WindowStart.IsZero() || now.Sub(state.WindowStart) >= r.cfg.RateWindow {
		state.WindowStart = now
		state.WindowRequests = 0
	}
	state.WindowRequests++
	if state.WindowRequests >= r.cfg.RateLimit {
		r.dirty = true
	}
}

// RecordFailure bumps the failure counter and reports whether this failure
// moved the model into cooldown.
func (r *Registry) RecordFailure(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[name]
	if !ok {
		return false
	}
	now := r.now()
	state.ConsecutiveFailures++
	state.LastFailure = now
	if state.Healthy && state.ConsecutiveFailures >= r.cfg.FailureThreshold {
		state.Healthy = false
		state.CooldownUntil = now.Add(r.cfg.Cooldown)
		r.dirty = true
		return true
	}
	return false
}

func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[name]
	if !ok {
		return
	}
	state.ConsecutiveFailures = 0
	if !state.Healthy {
		state.Healthy = true
		state.CooldownUntil = time.Time{}
		r.dirty = true
	}
}

// Eligible returns the healthy, non-rate-limited models in configured order.
// The list is recomputed at most once per RefreshInterval unless a model
// changed health in between.
func (r *Registry) Eligible() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	eligible := r.eligibleLocked()
	out := make([]string, len(eligible))
	copy(out, eligible)
	return out
}

// Next returns the next model in the round-robin cycle. When no model is
// eligible it cycles over every configured model instead.
func (r *Registry) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLocked("")
}

// Prefer returns name when it is eligible, otherwise the next model in the
// cycle.
func (r *Registry) Prefer(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" && contains(r.eligibleLocked(), name) {
		return name
	}
	return r.nextLocked("")
}

// NextAfter picks a replacement for a model that just failed: the first
// eligible entry of its alternatives, else the next model in the cycle that
// is not the failed one.
func (r *Registry) NextAfter(failed string, alternatives []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	eligible := r.eligibleLocked()
	for _, alt := range alternatives {
		if alt != failed && contains(eligible, alt) {
			return alt
		}
	}
	return r.nextLocked(failed)
}

func (r *Registry) nextLocked(skip string) string {
	pool := r.eligibleLocked()
	if len(pool) == 0 {
		pool = r.order
	}
	if len(pool) == 0 {
		return ""
	}
	for i := 0; i < len(pool); i++ {
		name := pool[r.cursor%len(pool)]
		r.cursor++
		if name != skip || len(pool) == 1 {
			return name
		}
	}
	return pool[0]
}

func (r *Registry) eligibleLocked() []string {
	now := r.now()
	if !r.dirty && !r.eligibleAt.IsZero() && now.Sub(r.eligibleAt) < r.cfg.RefreshInterval {
		return r.eligible
	}

	eligible := make([]string, 0, len(r.order))
	for _, name := range r.order {
		state := r.states[name]
		if !state.Healthy && !now.Before(state.CooldownUntil) {
			state.Healthy = true
			state.ConsecutiveFailures = 0
			state.CooldownUntil = time.Time{}
		}
		if !state.Healthy {
			continue
		}
		if !state.WindowStart.IsZero() && now.Sub(state.WindowStart) < r.cfg.RateWindow && state.WindowRequests >= r.cfg.RateLimit {
			continue
		}
		eligible = append(eligible, name)
	}
	r.eligible = eligible
	r.eligibleAt = now
	r.dirty = false
	return r.eligible
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
