// Package xtimer implements the exponential-backoff retransmit timer
// abstraction of §4.2.2 and §9 ("usable in both real and virtualized
// time"). Tests drive it with a fake Clock; production code uses
// RealClock.
package xtimer

import "time"

// Clock abstracts wall-clock access so the timer can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Cancel
}

// Cancel stops a scheduled callback; Stop reports whether the call
// prevented a still-pending callback from firing.
type Cancel interface {
	Stop() bool
}

// RealClock uses the standard library's wall clock and timers.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Cancel {
	return time.AfterFunc(d, f)
}

// RetransmitTimer is an exponential-backoff deadline timer. On each
// expiry it doubles its interval, capped at Max, and calls onExpire. Once
// cumulative elapsed time since the timer was last Reset reaches the
// total-failure ceiling, onExpire is called with totalFailed set.
type RetransmitTimer struct {
	clock    Clock
	initial  time.Duration
	max      time.Duration
	ceiling  time.Duration
	onExpire func(attempt int, totalFailed bool)

	cancel    Cancel
	interval  time.Duration
	startedAt time.Time
	attempt   int
	running   bool
}

// New constructs a RetransmitTimer. onExpire is invoked on the clock's
// goroutine each time the timer fires; totalFailed is true once the
// cumulative elapsed backoff has crossed ceiling.
func New(clock Clock, initial, max, ceiling time.Duration, onExpire func(attempt int, totalFailed bool)) *RetransmitTimer {
	return &RetransmitTimer{
		clock:    clock,
		initial:  initial,
		max:      max,
		ceiling:  ceiling,
		onExpire: onExpire,
	}
}

// Reset (re)starts the timer at the initial interval, as happens whenever
// a fresh packet is sent and no timer is already pending (§4.2.2).
func (t *RetransmitTimer) Reset() {
	t.stopLocked()
	t.interval = t.initial
	t.attempt = 0
	t.startedAt = t.clock.Now()
	t.schedule()
}

// Stop cancels any pending expiry.
func (t *RetransmitTimer) Stop() {
	t.stopLocked()
}

func (t *RetransmitTimer) stopLocked() {
	if t.cancel != nil {
		t.cancel.Stop()
		t.cancel = nil
	}
	t.running = false
}

func (t *RetransmitTimer) schedule() {
	t.running = true
	t.cancel = t.clock.AfterFunc(t.interval, t.fire)
}

func (t *RetransmitTimer) fire() {
	if !t.running {
		return
	}
	t.attempt++
	elapsed := t.clock.Now().Sub(t.startedAt)
	totalFailed := elapsed >= t.ceiling

	// double the interval, capped at max, before invoking the callback so
	// a callback that immediately calls Reset observes a clean state.
	next := t.interval * 2
	if next > t.max {
		next = t.max
	}
	t.interval = next

	if !totalFailed {
		t.schedule()
	} else {
		t.running = false
	}

	if t.onExpire != nil {
		t.onExpire(t.attempt, totalFailed)
	}
}

// Running reports whether the timer currently has a pending expiry.
func (t *RetransmitTimer) Running() bool { return t.running }

// Attempt returns how many times the timer has fired since the last Reset.
func (t *RetransmitTimer) Attempt() int { return t.attempt }
