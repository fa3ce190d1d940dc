// Package resourcemon implements the resource monitor and circuit breaker
// (spec.md §4.8, component C8): periodic sampling of a worker's memory,
// inbox depth, and work delta, escalating into a per-{tenant,service}
// circuit breaker when a limit is repeatedly violated.
package resourcemon

import (
	"sync"
	"time"
)

// State mirrors the classic three-state circuit breaker used across the
// kernel's resilience layer.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a per-identity circuit breaker.
type BreakerConfig struct {
	MaxViolations int           // violations before opening
	OpenTimeout   time.Duration // time to stay open before probing
	HalfOpenMax   int           // probe requests allowed in half-open
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig matches spec.md §4.8's suggested defaults: three
// consecutive violations opens the breaker for 30s before a half-open probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxViolations: 3,
		OpenTimeout:   30 * time.Second,
		HalfOpenMax:   1,
	}
}

// Breaker is a circuit breaker keyed to one {tenant, service} identity,
// tripped by repeated resource_violation samples rather than by call
// failures.
type Breaker struct {
	mu          sync.RWMutex
	config      BreakerConfig
	state       State
	violations  int
	successes   int
	halfOpenReq int
	lastTrip    time.Time
}

// NewBreaker constructs a closed breaker with cfg, filling in defaults for
// zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{config: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Allow reports whether a worker may keep running under this breaker. When
// the breaker is open but its timeout has elapsed, Allow transitions it to
// half-open and allows a single probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastTrip) > b.config.OpenTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenReq = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenReq >= b.config.HalfOpenMax {
			return false
		}
		b.halfOpenReq++
		return true
	default:
		return true
	}
}

// RecordViolation registers a resource_violation sample. It returns true if
// this call tripped the breaker open.
func (b *Breaker) RecordViolation() (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.violations++
	b.lastTrip = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
		return true
	case StateClosed:
		if b.violations >= b.config.MaxViolations {
			b.setState(StateOpen)
			return true
		}
	}
	return false
}

// RecordHealthy registers a clean sample, clearing accumulated violations in
// the closed state and, in half-open, closing the breaker once enough probes
// succeed.
func (b *Breaker) RecordHealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMax {
			b.setState(StateClosed)
		}
	case StateClosed:
		b.violations = 0
	}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	b.violations = 0
	b.successes = 0
	b.halfOpenReq = 0

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(old, newState)
	}
}
