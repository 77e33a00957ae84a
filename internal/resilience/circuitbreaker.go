// Package resilience guards remote providers with circuit breakers.
//
// A [Breaker] counts consecutive provider-side failures. Once they reach the
// threshold it opens and rejects calls with [ErrCircuitOpen] until a cooldown
// has passed, so a dead refinement endpoint costs a dictation nothing instead
// of a full request timeout. After the cooldown a bounded number of probe
// calls decide whether it closes again. [Set] keeps one breaker per provider.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls.
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

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes a [Breaker]. Zero fields take the documented defaults.
type Config struct {
	// Threshold is the number of consecutive tripping failures that opens a
	// closed breaker. Default: 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls. Default: 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent half-open calls admitted and
	// the number of successful ones needed to close. Default: 1.
	Probes int

	// Trips reports whether err counts against the breaker. Errors it
	// rejects (a canceled caller, a request the provider refused as
	// invalid) pass through untouched. Default: every non-nil error.
	Trips func(err error) bool

	// OnChange is called on every state transition with the breaker lock
	// held. It must not call back into the breaker.
	OnChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Trips == nil {
		c.Trips = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inflight  int
	successes int
}

// New returns a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Do calls fn unless the breaker rejects it. A context that is already done
// is reported without calling fn and without touching the counters.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.settle(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inflight >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inflight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := err != nil && b.cfg.Trips(err)

	if probe {
		// The breaker moved on (another probe failed, or Reset) while this
		// call was in flight.
		if b.state != StateHalfOpen {
			return
		}
		b.inflight--
		switch {
		case trips:
			b.trip()
		case err == nil:
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.setState(StateClosed)
			}
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	switch {
	case trips:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	case err == nil:
		b.failures = 0
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState clears the counters and reports the transition. Must be called
// with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.failures, b.inflight, b.successes = 0, 0, 0
	if from == to {
		return
	}

	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", b.name, "from", from, "to", to)
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(b.name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}
