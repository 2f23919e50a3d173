// Package resilience guards calls to flaky dependencies.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). After
// MaxFailures consecutive failures it opens and rejects calls with
// [ErrOpen] until Cooldown has passed; then a single probe decides
// whether it closes again. It is safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets one probe call through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// Breaker is a circuit breaker. The zero value is not usable; create one with
// [NewBreaker].
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero config fields take the package
// defaults.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn unless the breaker is open. A call rejected while open or while
// another probe is in flight returns [ErrOpen] without running fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.report(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current() {
	case Open:
		return false, ErrOpen
	case HalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.state, b.probing = HalfOpen, true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) report(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != Closed {
			slog.Info("resilience: circuit closed", "name", b.cfg.Name)
		}
		b.state, b.failures = Closed, 0
		return
	}

	b.failures++
	if probe || b.failures >= b.cfg.MaxFailures {
		if b.state != Open {
			slog.Warn("resilience: circuit opened", "name", b.cfg.Name, "failures", b.failures, "err", err)
		}
		b.state, b.openedAt = Open, b.now()
	}
}

// current must be called with b.mu held.
func (b *Breaker) current() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// State reports the current mode. An open breaker whose cooldown has passed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}
