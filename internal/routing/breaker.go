package routing

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the backend is considered down.
var ErrCircuitOpen = errors.New("routing: circuit open")

// Breaker rejects calls after a run of consecutive transient failures until
// the reset timeout has passed; the next call then tries the backend again.
type Breaker struct {
	threshold int
	reset     time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker opens after threshold consecutive failures for reset.
func NewBreaker(threshold int, reset time.Duration) *Breaker {
	return &Breaker{threshold: max(threshold, 1), reset: reset, now: time.Now}
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open()
}

func (b *Breaker) open() bool {
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.reset
}

// Execute runs fn unless the circuit is open. Only transient errors count
// as failures; a success closes the circuit.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.open() {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.failures = 0
	case IsTransient(err):
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
		}
	}
	return err
}
