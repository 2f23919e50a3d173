package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/resilience"
)

var errTest = errors.New("test error")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(t *testing.T, max int) (*resilience.Breaker, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: max, Cooldown: time.Minute},
		resilience.WithClock(c.Now))
	return b, c
}

func fail(context.Context) error { return errTest }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t, 3)

	for range 3 {
		if err := b.Do(t.Context(), fail); !errors.Is(err, errTest) {
			t.Fatalf("Do = %v, want errTest", err)
		}
	}
	if b.State() != resilience.Open {
		t.Fatalf("State() = %s, want open", b.State())
	}

	called := false
	err := b.Do(t.Context(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) || called {
		t.Errorf("Do while open = %v (called %v), want ErrOpen", err, called)
	}
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t, 3)

	_ = b.Do(t.Context(), fail)
	_ = b.Do(t.Context(), fail)
	_ = b.Do(t.Context(), ok)
	_ = b.Do(t.Context(), fail)
	_ = b.Do(t.Context(), fail)

	if b.State() != resilience.Closed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_ProbeCloses(t *testing.T) {
	t.Parallel()
	b, c := newBreaker(t, 1)

	_ = b.Do(t.Context(), fail)
	c.advance(time.Minute)
	if b.State() != resilience.HalfOpen {
		t.Fatalf("State() = %s, want half-open", b.State())
	}
	if err := b.Do(t.Context(), ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != resilience.Closed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b, c := newBreaker(t, 2)

	_ = b.Do(t.Context(), fail)
	_ = b.Do(t.Context(), fail)
	c.advance(time.Minute)

	_ = b.Do(t.Context(), fail)
	if b.State() != resilience.Open {
		t.Fatalf("State() = %s, want open after failed probe", b.State())
	}
	c.advance(30 * time.Second)
	if err := b.Do(t.Context(), ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("Do before cooldown = %v, want ErrOpen", err)
	}
}

func TestBreaker_OneProbeAtATime(t *testing.T) {
	t.Parallel()
	b, c := newBreaker(t, 1)
	_ = b.Do(t.Context(), fail)
	c.advance(time.Minute)

	inProbe, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(t.Context(), func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Do(t.Context(), ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("second probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    resilience.State
		want string
	}{
		{resilience.Closed, "closed"},
		{resilience.Open, "open"},
		{resilience.HalfOpen, "half-open"},
		{resilience.State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
