package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBreakerOpen signals that calls are being rejected without reaching the
// protected resource. Callers can distinguish "infrastructure is down" from
// an ordinary call failure with errors.Is.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the current state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a resource class against repeated failures. One
// instance is shared by every call site that talks to the same resource.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	// onStateChange, if set, is invoked after each transition (metrics hook).
	onStateChange func(name string, from, to BreakerState)

	now func() time.Time // swappable for tests
}

func NewCircuitBreaker(name string, failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: failureThreshold,
		timeout:   timeout,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// OnStateChange registers a transition hook. Must be called before use.
func (b *CircuitBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	b.onStateChange = fn
}

// State reports the breaker state, accounting for open->half-open expiry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.timeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute runs op unless the breaker is open. While open, calls fail
// immediately with ErrBreakerOpen until the timeout has elapsed; the next
// call is then allowed through as a half-open probe.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.timeout {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s (retry after %s)", ErrBreakerOpen, b.name, b.timeout)
		}
		b.transition(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		switch {
		case b.state == BreakerHalfOpen:
			log.Warn().Str("breaker", b.name).Msg("half-open probe failed, reopening breaker")
			b.transition(BreakerOpen)
		case b.failures >= b.threshold && b.state == BreakerClosed:
			log.Warn().
				Str("breaker", b.name).
				Int("failures", b.failures).
				Msg("failure threshold reached, opening breaker")
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state != BreakerClosed {
		log.Info().Str("breaker", b.name).Msg("probe succeeded, closing breaker")
	}
	b.failures = 0
	b.transition(BreakerClosed)
	return nil
}

// transition assumes b.mu is held.
func (b *CircuitBreaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
