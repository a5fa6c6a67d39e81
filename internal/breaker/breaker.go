// Package breaker implements the per-client health circuit breaker:
// closed -> open -> half_open -> closed, with a doubling cooldown on
// repeated half-open failure. It is adapted from the teacher's generic
// infrastructure/resilience circuit breaker, specialized to the engine's
// rule that a doubling-cooldown cap applies and that remote_error never
// trips it (callers classify outcomes via task.ErrKind.TripsBreaker before
// calling RecordFailure).
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive trip-eligible failures
	// before the breaker opens. Default 5.
	FailureThreshold int
	// Cooldown is the initial open-state duration before a half-open
	// trial is permitted. Default 30s.
	Cooldown time.Duration
	// MaxCooldown caps the doubling cooldown applied after repeated
	// half-open failures. Default 300s, independent of Cooldown.
	MaxCooldown time.Duration
	// OnStateChange, if set, is invoked (off the lock) on every state
	// transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the spec's defaults (N=5, cooldown 30s).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      300 * time.Second,
	}
}

// Breaker is a per-analyzer-client circuit breaker. It is never shared
// across clients, and never scoped per-tool (circuit breaker scope is
// per-service, per the design notes — tools within a service share the
// same transport health).
type Breaker struct {
	mu sync.Mutex
	cfg Config

	state            State
	consecutiveFails int
	openedAt         time.Time
	currentCooldown  time.Duration
	halfOpenInFlight bool
}

// New constructs a Breaker, filling in zero-value Config fields with
// DefaultConfig's values.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &Breaker{cfg: cfg, state: StateClosed, currentCooldown: cfg.Cooldown}
}

// State returns the breaker's current state, promoting open -> half_open
// if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteLocked(time.Now())
	return b.state
}

// Allow reports whether a call may proceed. In StateOpen it fast-fails
// (false) without opening a connection. In StateHalfOpen it permits
// exactly one concurrent trial call; subsequent callers are fast-failed
// until that trial resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.maybePromoteLocked(now)

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // StateOpen
		return false
	}
}

func (b *Breaker) maybePromoteLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.currentCooldown {
		b.setStateLocked(StateHalfOpen)
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.currentCooldown = b.cfg.Cooldown
		b.consecutiveFails = 0
		b.setStateLocked(StateClosed)
	case StateClosed:
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a trip-eligible failure. Callers must only invoke
// this for outcomes where task.ErrKind.TripsBreaker() is true; remote_error
// and other non-tripping outcomes must not call RecordFailure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.currentCooldown *= 2
		if b.currentCooldown > b.cfg.MaxCooldown {
			b.currentCooldown = b.cfg.MaxCooldown
		}
		b.openedAt = time.Now()
		b.setStateLocked(StateOpen)
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.setStateLocked(StateOpen)
		}
	}
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateClosed {
		b.consecutiveFails = 0
	}
	if to != StateHalfOpen {
		b.halfOpenInFlight = false
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}
