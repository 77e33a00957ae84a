package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errUpstream = errors.New("upstream 503")
	errBadInput = errors.New("bad request")
)

// fakeClock is advanced by hand so cooldowns do not need sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("refine/local", cfg)
	b.now = clk.now
	return b, clk
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

// ── defaults ─────────────────────────────────────────────────────────────────

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.Threshold != 5 || c.Cooldown != 30*time.Second || c.Probes != 1 {
		t.Errorf("defaults = %+v", c)
	}
	if c.Trips(nil) || !c.Trips(errUpstream) {
		t.Error("default Trips should count every non-nil error")
	}
}

// ── closed ───────────────────────────────────────────────────────────────────

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 3, Cooldown: time.Minute})
	for i := range 3 {
		if err := b.Do(context.Background(), fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 3})
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed: failures were not consecutive", b.State())
	}
}

func TestBreaker_NonTrippingErrorsPassThrough(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{
		Threshold: 1,
		Trips:     func(err error) bool { return errors.Is(err, errUpstream) },
	})
	for range 5 {
		err := b.Do(context.Background(), func(context.Context) error { return errBadInput })
		if !errors.Is(err, errBadInput) {
			t.Fatalf("err = %v, want errBadInput", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_DoneContextSkipsCall(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

// ── open → half-open ─────────────────────────────────────────────────────────

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Cooldown: time.Minute})
	_ = b.Do(context.Background(), fail)

	clk.advance(59 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before cooldown = %v", b.State())
	}
	clk.advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %v", b.State())
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Cooldown: time.Minute})
	_ = b.Do(context.Background(), fail)
	clk.advance(time.Minute)

	if err := b.Do(context.Background(), fail); !errors.Is(err, errUpstream) {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	// The cooldown restarts from the failed probe.
	clk.advance(30 * time.Second)
	if err := b.Do(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ProbesBoundConcurrency(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second, Probes: 2})
	_ = b.Do(context.Background(), fail)
	clk.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := b.Do(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third probe err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after two successful probes", b.State())
	}
}

func TestBreaker_NeutralProbeFreesSlot(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		Trips:     func(err error) bool { return errors.Is(err, errUpstream) },
	})
	_ = b.Do(context.Background(), fail)
	clk.advance(time.Second)

	_ = b.Do(context.Background(), func(context.Context) error { return errBadInput })
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want still half-open", b.State())
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Errorf("second probe err = %v", err)
	}
}

// ── hooks and reset ──────────────────────────────────────────────────────────

func TestBreaker_OnChange(t *testing.T) {
	t.Parallel()

	type transition struct{ from, to State }
	var got []transition
	b, clk := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnChange: func(name string, from, to State) {
			if name != "refine/local" {
				t.Errorf("name = %q", name)
			}
			got = append(got, transition{from, to})
		},
	})

	_ = b.Do(context.Background(), fail)
	clk.advance(time.Second)
	_ = b.Do(context.Background(), succeed)

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Threshold: 1, Cooldown: time.Hour})
	_ = b.Do(context.Background(), fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v", b.State())
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestState_Text(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		b, _ := s.MarshalText()
		if string(b) != want {
			t.Errorf("%d: %q, want %q", int(s), b, want)
		}
	}
}

// ── set ──────────────────────────────────────────────────────────────────────

func TestSet_PerKeyBreakers(t *testing.T) {
	t.Parallel()

	s := NewSet(Config{Threshold: 1, Cooldown: time.Hour})
	if s.Get("a") != s.Get("a") {
		t.Fatal("Get returned different breakers for one key")
	}
	if s.Get("a").Name() != "a" {
		t.Errorf("name = %q", s.Get("a").Name())
	}

	_ = s.Get("a").Do(context.Background(), fail)
	_ = s.Get("b").Do(context.Background(), succeed)

	states := s.States()
	if states["a"] != StateOpen || states["b"] != StateClosed {
		t.Errorf("states = %v", states)
	}

	s.Reset()
	if got := s.States()["a"]; got != StateClosed {
		t.Errorf("after Reset: a = %v", got)
	}
}
