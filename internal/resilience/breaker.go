package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Execute while the breaker is open and the
// retry timeout has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// BreakerConfig tunes a Breaker. Zero values select defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// RetryAfter is how long the breaker stays open before admitting a
	// probe call. Default 10 s.
	RetryAfter time.Duration
}

// Breaker is a two-state circuit breaker guarding the external event sink:
// after MaxFailures consecutive publish errors it fails fast, re-probing
// once per RetryAfter. A successful probe closes it again. The pipeline
// never stalls on a dead sink — events drop, audio keeps flowing.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	failures  int
	openSince time.Time
	open      bool
}

// NewBreaker creates a breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. While open, one probe call is
// admitted each RetryAfter; its outcome decides whether the breaker closes.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.open {
		if time.Since(b.openSince) < b.cfg.RetryAfter {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		// Probe window: reset the clock so concurrent callers don't all
		// probe at once.
		b.openSince = time.Now()
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.cfg.MaxFailures && !b.open {
			b.open = true
			b.openSince = time.Now()
		}
		return err
	}
	b.failures = 0
	b.open = false
	return nil
}

// Open reports whether the breaker is currently tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
