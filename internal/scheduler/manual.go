package scheduler

import (
	"sync"
	"time"
)

// ManualTicker is a [Ticker] that only fires when [ManualTicker.Tick] is
// called. It is meant for tests that need deterministic scheduling.
type ManualTicker struct {
	c chan time.Time

	mu        sync.Mutex
	intervals []time.Duration
	stops     int
}

// NewManualTicker returns a ManualTicker with an unbuffered channel.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{c: make(chan time.Time)}
}

// Factory returns a [TickerFactory] that hands out m for every interval and
// records the requested intervals.
func (m *ManualTicker) Factory() TickerFactory {
	return func(interval time.Duration) Ticker {
		m.mu.Lock()
		m.intervals = append(m.intervals, interval)
		m.mu.Unlock()
		return m
	}
}

// C implements [Ticker].
func (m *ManualTicker) C() <-chan time.Time { return m.c }

// Stop implements [Ticker].
func (m *ManualTicker) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
}

// Tick delivers one tick and blocks until the scheduler has received it. Two
// consecutive Tick calls therefore guarantee that the first tick's callback
// has returned.
func (m *ManualTicker) Tick() {
	m.c <- time.Now()
}

// TryTick delivers one tick if the scheduler is waiting within d, and reports
// whether it was received.
func (m *ManualTicker) TryTick(d time.Duration) bool {
	select {
	case m.c <- time.Now():
		return true
	case <-time.After(d):
		return false
	}
}

// Intervals returns every interval the factory was asked for, in order.
func (m *ManualTicker) Intervals() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.intervals))
	copy(out, m.intervals)
	return out
}

// Stops returns how many times Stop was called.
func (m *ManualTicker) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
