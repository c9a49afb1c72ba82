package sched

import (
	"sync"
	"time"
)

// TickSource feeds the daemon loop its notion of "check the schedule now".
// The daemon owns stopping the source when it shuts down.
type TickSource interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerSource is the production source: a plain wall-clock ticker.
type TickerSource struct {
	ticker *time.Ticker
}

// NewTickerSource ticks every interval.
func NewTickerSource(interval time.Duration) *TickerSource {
	return &TickerSource{ticker: time.NewTicker(interval)}
}

// Ticks returns the tick channel.
func (t *TickerSource) Ticks() <-chan time.Time {
	return t.ticker.C
}

// Stop stops the underlying ticker.
func (t *TickerSource) Stop() {
	t.ticker.Stop()
}

// ManualSource is a test source: ticks happen when the test says so.
type ManualSource struct {
	ch   chan time.Time
	stop sync.Once
}

// NewManualSource returns a source with a small buffer so tests can emit
// without a concurrent reader.
func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan time.Time, 16)}
}

// Emit delivers one tick carrying the given time.
func (m *ManualSource) Emit(now time.Time) {
	m.ch <- now
}

// Ticks returns the tick channel.
func (m *ManualSource) Ticks() <-chan time.Time {
	return m.ch
}

// Stop closes the tick channel; the daemon loop treats that as shutdown.
// Safe to call more than once, since both the daemon and the test that
// built the source may stop it.
func (m *ManualSource) Stop() {
	m.stop.Do(func() { close(m.ch) })
}
