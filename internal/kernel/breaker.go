package kernel

import (
	"errors"
	"sync"
	"time"

	"github.com/example/eventstream-ingest/internal/metrics"
)

// ErrBreakerOpen is returned while the store breaker refuses work.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker opens after a run of consecutive failures and lets a probe
// through once the cooldown has passed.
type circuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (cb *circuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = breakerHalfOpen
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != breakerClosed {
		cb.state = breakerClosed
		metrics.BreakerOpen.Set(0)
	}
}

func (cb *circuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	// a failed probe reopens immediately
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
		metrics.BreakerOpen.Set(1)
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == breakerOpen
}
