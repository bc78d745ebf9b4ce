package eventloop

import "time"

// Timer is a cancellable deadline owned by a component running on the loop.
// Its callback runs on the loop goroutine. Reset, Stop and Active must only be
// called from the loop.
type Timer struct {
	loop     *Loop
	fn       func()
	deadline time.Time
	seq      uint64
}

func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Reset arms the timer d from now, replacing any pending deadline.
func (t *Timer) Reset(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.loop.seq++
	t.seq = t.loop.seq
	t.deadline = t.loop.clock.Now().Add(d)
	t.loop.timers[t] = struct{}{}
}

// Stop cancels the pending deadline and reports whether one was pending.
func (t *Timer) Stop() bool {
	if _, ok := t.loop.timers[t]; !ok {
		return false
	}
	delete(t.loop.timers, t)
	return true
}

func (t *Timer) Active() bool {
	_, ok := t.loop.timers[t]
	return ok
}

// Deadline is the zero time when the timer is not armed.
func (t *Timer) Deadline() time.Time {
	if !t.Active() {
		return time.Time{}
	}
	return t.deadline
}
