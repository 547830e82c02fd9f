package reliability

import (
	"fmt"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Now              func() time.Time
}

// Breaker fails fast after repeated failures against a single peer. State
// and counters are atomics; there is no lock around the guarded call.
type Breaker struct {
	name             string
	failureThreshold int32
	successThreshold int32
	openTimeout      time.Duration
	now              func() time.Time

	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64
}

// NewBreaker constructs a breaker with the marketplace defaults of five
// failures to open, three successes to close and a thirty second probe delay.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	failures := cfg.FailureThreshold
	if failures < 1 {
		failures = 5
	}
	successes := cfg.SuccessThreshold
	if successes < 1 {
		successes = 3
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:             name,
		failureThreshold: int32(failures),
		successThreshold: int32(successes),
		openTimeout:      openTimeout,
		now:              now,
	}
}

// Do runs the function unless the breaker is open. When open and the probe
// delay has elapsed, the first caller moves the breaker to half-open and the
// call proceeds as a probe.
func (b *Breaker) Do(fn func() error) error {
	if b == nil {
		return fn()
	}

	if BreakerState(b.state.Load()) == BreakerOpen {
		elapsed := b.now().UnixNano() - b.lastFailure.Load()
		if elapsed < int64(b.openTimeout) {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		if b.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen)) {
			b.successes.Store(0)
		}
	}

	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.failures.Store(0)
	if BreakerState(b.state.Load()) == BreakerHalfOpen {
		if b.successes.Add(1) >= b.successThreshold {
			b.state.Store(int32(BreakerClosed))
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure.Store(b.now().UnixNano())
	if BreakerState(b.state.Load()) == BreakerHalfOpen {
		b.state.Store(int32(BreakerOpen))
		b.failures.Store(0)
		return
	}
	if b.failures.Add(1) >= b.failureThreshold {
		b.state.Store(int32(BreakerOpen))
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Stats renders a one-line summary for operator surfaces.
func (b *Breaker) Stats() string {
	return fmt.Sprintf("Breaker[%s]: state=%s failures=%d/%d successes=%d/%d",
		b.name, b.State(), b.failures.Load(), b.failureThreshold,
		b.successes.Load(), b.successThreshold)
}
