// Package scheduler runs a function periodically on its own goroutine until
// cancelled. It replaces ad-hoc timer handles with an explicit Start/Cancel
// lifecycle and lets tests drive ticks by hand.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a [Ticker] for the given interval.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// TimeTicker is the default [TickerFactory], backed by [time.NewTicker].
func TimeTicker(interval time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(interval)}
}

// Option is a functional option for [New].
type Option func(*Periodic)

// WithTickerFactory replaces the ticker source. Used in tests with
// [ManualTicker.Factory].
func WithTickerFactory(f TickerFactory) Option {
	return func(p *Periodic) { p.newTicker = f }
}

// Periodic calls a function at a fixed interval.
//
// Ticks are delivered serially: the function is never called concurrently with
// itself, and a tick that arrives while the function is still running is
// coalesced by the underlying ticker.
//
// Periodic is safe for concurrent use.
type Periodic struct {
	name      string
	fn        func(context.Context)
	newTicker TickerFactory

	// startMu serialises Start so concurrent reschedules cannot both
	// install a run.
	startMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// New creates a stopped Periodic that will call fn on every tick. name is used
// in log messages only.
func New(name string, fn func(context.Context), opts ...Option) *Periodic {
	p := &Periodic{
		name:      name,
		fn:        fn,
		newTicker: TimeTicker,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins ticking every interval. ctx bounds the whole run and is passed
// to every call. If p is already running it is rescheduled with the new
// interval. A non-positive interval leaves p stopped.
func (p *Periodic) Start(ctx context.Context, interval time.Duration) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.Cancel()
	if interval <= 0 {
		slog.Debug("scheduler: disabled", "name", p.name)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := p.newTicker(interval)

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.interval = interval
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				if runCtx.Err() != nil {
					return
				}
				p.fn(runCtx)
			}
		}
	}()
	slog.Debug("scheduler: started", "name", p.name, "interval", interval)
}

// Cancel stops ticking and waits for an in-flight call to return. It is safe
// to call Cancel on a stopped Periodic and more than once.
func (p *Periodic) Cancel() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.interval = 0
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Interval returns the current tick interval, or 0 while stopped.
func (p *Periodic) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Running reports whether p is currently scheduled.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
