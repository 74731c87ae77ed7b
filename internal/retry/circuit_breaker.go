package retry

import (
	"fmt"
	"sync"
	"time"

	swerrors "p4switch/internal/errors"
)

// ── Circuit breaker state ────────────────────────────────────────────

// State represents the circuit breaker's operational state.
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota
	// StateOpen rejects calls without running them.
	StateOpen
	// StateHalfOpen lets trial calls through to test recovery.
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

// ── Configuration ────────────────────────────────────────────────────

// BreakerConfig configures a [CircuitBreaker].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the
	// circuit opens (default 3).
	MaxFailures int
	// Cooldown is how long the circuit stays open before a trial call is
	// allowed through (default 10s).
	Cooldown time.Duration
	// HalfOpenMax is the number of consecutive trial successes needed
	// to close the circuit again (default 1).
	HalfOpenMax int
	// OnStateChange runs under the breaker lock on every transition.
	OnStateChange func(from, to State)
	// now is overridden in tests.
	now func() time.Time
}

// NotifyBreakerConfig is used for advisory registry notifications.
func NotifyBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
		HalfOpenMax: 1,
	}
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker tracks consecutive failures of a dependency and
// short-circuits calls once a threshold is crossed.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	rejected      int64
	maxFailures   int
	cooldown      time.Duration
	halfOpenMax   int
	openedAt      time.Time
	onStateChange func(from, to State)
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker. A nil config uses
// [NotifyBreakerConfig].
func NewCircuitBreaker(cfg *BreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = NotifyBreakerConfig()
	}
	cb := &CircuitBreaker{
		state:         StateClosed,
		maxFailures:   cfg.MaxFailures,
		cooldown:      cfg.Cooldown,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 3
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 10 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 1
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Execute runs fn through the breaker. While the circuit is open fn is
// not called and an error wrapping [swerrors.ErrCircuitOpen] is
// returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// CurrentState returns the current state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Rejected returns how many calls were short-circuited.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.transition(StateClosed)
}

// ── internal ─────────────────────────────────────────────────────────

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	elapsed := cb.now().Sub(cb.openedAt)
	if elapsed >= cb.cooldown {
		cb.successes = 0
		cb.transition(StateHalfOpen)
		return nil
	}
	cb.rejected++
	return fmt.Errorf("%w after %d failures, next trial in %v",
		swerrors.ErrCircuitOpen, cb.failures, (cb.cooldown - elapsed).Truncate(time.Millisecond))
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.halfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
