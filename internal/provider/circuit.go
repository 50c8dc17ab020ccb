package provider

import (
	"sync"
	"time"
)

// State is the circuit breaker state machine value.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the circuit breaker state machine.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns the operational defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker guards one provider identity. State transitions:
// CLOSED -> OPEN when consecutive failures reach the threshold;
// OPEN -> HALF_OPEN when the cooldown elapses;
// HALF_OPEN -> CLOSED after HalfOpenMaxCalls consecutive successes;
// HALF_OPEN -> OPEN on any failure.
type Breaker struct {
	mu sync.Mutex

	cfg                 BreakerConfig
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastStateChange     time.Time

	now func() time.Time
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, lastStateChange: time.Now()}
}

// Allow reports whether a call may proceed. An OPEN breaker whose cooldown
// has elapsed transitions to HALF_OPEN and allows a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker's counters for health reporting.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastStateChange:     b.lastStateChange,
	}
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastStateChange = b.now()
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
}

// Registry owns one breaker per provider identity. It is the only shared
// mutable state across concurrent segment tasks.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig

	// OnStateChange, when set, is invoked (outside the registry lock) after
	// each Allow/Record call with the provider's current state.
	OnStateChange func(provider string, state State)
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[provider] = b
	}
	return b
}

// Allow checks whether calls to a provider may proceed.
func (r *Registry) Allow(provider string) bool {
	b := r.Get(provider)
	ok := b.Allow()
	r.notify(provider, b)
	return ok
}

// RecordSuccess notes a successful call for a provider.
func (r *Registry) RecordSuccess(provider string) {
	b := r.Get(provider)
	b.RecordSuccess()
	r.notify(provider, b)
}

// RecordFailure notes a failed call for a provider.
func (r *Registry) RecordFailure(provider string) {
	b := r.Get(provider)
	b.RecordFailure()
	r.notify(provider, b)
}

// IsOpen reports whether the provider's circuit is currently OPEN.
func (r *Registry) IsOpen(provider string) bool {
	return r.Get(provider).State() == StateOpen
}

// Snapshots returns the observable state of every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = r.Get(name).Snapshot()
	}
	return out
}

func (r *Registry) notify(provider string, b *Breaker) {
	if r.OnStateChange != nil {
		r.OnStateChange(provider, b.State())
	}
}
