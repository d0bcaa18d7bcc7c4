package resilience_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/resilience"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clock *fakeClock, trials int) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		Cooldown:    time.Minute,
		Trials:      trials,
		Now:         clock.Now,
	})
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)

	if err := b.Do(fail); !errors.Is(err, errBoom) {
		t.Fatalf("Do = %v, want errBoom", err)
	}
	// A success in between resets the count.
	_ = b.Do(succeed)
	_ = b.Do(fail)
	if b.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) || called {
		t.Errorf("Do while open = %v (called=%v), want ErrOpen without a call", err, called)
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		trials    []func() error
		wantState resilience.State
	}{
		{name: "trial succeeds", trials: []func() error{succeed}, wantState: resilience.StateClosed},
		{name: "trial fails", trials: []func() error{fail}, wantState: resilience.StateOpen},
		{name: "second trial fails", trials: []func() error{succeed, fail}, wantState: resilience.StateOpen},
		{name: "two trials succeed", trials: []func() error{succeed, succeed}, wantState: resilience.StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := &fakeClock{now: time.Unix(0, 0)}
			b := newBreaker(clock, len(tt.trials))
			_ = b.Do(fail)
			_ = b.Do(fail)

			clock.Advance(time.Minute)
			if b.State() != resilience.StateHalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", b.State())
			}
			for _, p := range tt.trials {
				_ = b.Do(p)
			}
			if got := b.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestBreaker_LimitsTrials(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	_ = b.Do(fail)
	_ = b.Do(fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Do(succeed); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("second trial = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("trial = %v", err)
	}
	if b.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{})
	for range resilience.DefaultMaxFailures - 1 {
		_ = b.Do(fail)
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed below the default threshold", b.State())
	}
	_ = b.Do(fail)
	if b.State() != resilience.StateOpen {
		t.Errorf("state = %v, want open at the default threshold", b.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestBreaker_IgnoredErrors(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("bad input")
	ignore := func(err error) bool { return errors.Is(err, errBadInput) }

	tests := []struct {
		name      string
		calls     []func() error
		wantState resilience.State
	}{
		{
			name:      "ignored errors never open",
			calls:     []func() error{badInput(errBadInput), badInput(errBadInput), badInput(errBadInput)},
			wantState: resilience.StateClosed,
		},
		{
			name:      "ignored error keeps the failure streak",
			calls:     []func() error{fail, badInput(errBadInput), fail},
			wantState: resilience.StateOpen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 2, Ignore: ignore})
			for i, fn := range tt.calls {
				if err := b.Do(fn); err == nil {
					t.Fatalf("call %d succeeded", i)
				}
			}
			if got := b.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestBreaker_IgnoredErrorFreesHalfOpenSlot(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("bad input")
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := resilience.NewBreaker(resilience.BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Minute,
		Trials:      1,
		Ignore:      func(err error) bool { return errors.Is(err, errBadInput) },
		Now:         clock.Now,
	})
	_ = b.Do(fail)
	clock.Advance(time.Minute)

	if err := b.Do(badInput(errBadInput)); !errors.Is(err, errBadInput) {
		t.Fatalf("Do = %v, want errBadInput", err)
	}
	if err := b.Do(succeed); err != nil {
		t.Fatalf("Do after ignored error = %v, want the call admitted", err)
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func badInput(err error) func() error {
	return func() error { return err }
}
