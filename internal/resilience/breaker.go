package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the circuit state of a single source.
type BreakerState int

const (
	// StateClosed lets calls through normally.
	StateClosed BreakerState = iota
	// StateOpen rejects calls without touching the source.
	StateOpen
	// StateHalfOpen lets a probe through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned when the source's circuit is open. Callers
// treat it like any other source failure and degrade the stage.
var ErrBreakerOpen = eris.New("source circuit open")

// BreakerConfig tunes a source breaker.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int

	// Cooldown is how long the circuit stays open before a probe is
	// allowed through.
	Cooldown time.Duration

	// Trips overrides which errors count against the threshold. When nil
	// every error counts.
	Trips func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(source string, from, to BreakerState)
}

// DefaultBreakerConfig suits the enrichment sources' call rates.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a circuit breaker for one enrichment source.
type Breaker struct {
	source string
	cfg    BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	now func() time.Time
}

// NewBreaker creates a breaker named after the source it guards.
func NewBreaker(source string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{source: source, cfg: cfg, now: time.Now}
}

// Call runs fn through the breaker, returning ErrBreakerOpen without
// invoking fn while the circuit is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, ErrBreakerOpen
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State reports the current state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := b.cfg.Trips
	if trips == nil {
		trips = func(e error) bool { return e != nil }
	}

	if err == nil || !trips(err) {
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	b.openedAt = b.now()
	if b.state == StateHalfOpen || b.failures >= b.cfg.Threshold {
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.source, from, to)
	}
}
