// Package eventloop runs every state change of a chat session on one
// goroutine. Transport callbacks, fetch completions and timers are all posted
// here, so the state they touch needs no locking.
package eventloop

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	commonlog "bizchat/server/common/log"
)

var ErrStopped = errors.New("event loop stopped")

const defaultInboxSize = 256

type Loop struct {
	name    string
	clock   clockwork.Clock
	inbox   chan func()
	timers  map[*Timer]struct{}
	seq     uint64
	quit    chan struct{}
	stopped chan struct{}
	started chan struct{}
}

func New(name string, clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		name:    name,
		clock:   clock,
		inbox:   make(chan func(), defaultInboxSize),
		timers:  map[*Timer]struct{}{},
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Run processes callbacks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	close(l.started)
	defer close(l.stopped)
	for {
		l.fireDue()

		var wake clockwork.Timer
		var wakeC <-chan time.Time
		if next, ok := l.nextDeadline(); ok {
			wake = l.clock.NewTimer(next.Sub(l.clock.Now()))
			// the clock may have moved before the timer was registered
			if !next.After(l.clock.Now()) {
				wake.Stop()
				continue
			}
			wakeC = wake.Chan()
		}

		select {
		case <-ctx.Done():
			l.shutdown(wake)
			return
		case <-l.quit:
			l.shutdown(wake)
			return
		case fn := <-l.inbox:
			l.fireDue()
			l.invoke(fn)
		case <-wakeC:
		}
		if wake != nil {
			wake.Stop()
		}
	}
}

// Stop ends Run and waits for it when the loop was started.
func (l *Loop) Stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	select {
	case <-l.started:
		<-l.stopped
	default:
	}
}

func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Post queues fn without waiting. It reports false once the loop is stopping.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.quit:
		return false
	case <-l.stopped:
		return false
	}
}

// TryPost queues fn only if the inbox has room. Callers on another loop use
// it so two loops posting to each other cannot wedge.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.quit:
		return false
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it. Never call it from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case <-l.quit:
		return ErrStopped
	default:
	}
	select {
	case l.inbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrStopped
	case <-l.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=event_loop action=callback status=panic loop=%s panic=%v stack=%s", l.name, r, debug.Stack())
		}
	}()
	fn()
}

func (l *Loop) fireDue() {
	for {
		now := l.clock.Now()
		due := make([]*Timer, 0)
		for t := range l.timers {
			if !t.deadline.After(now) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline.Equal(due[j].deadline) {
				return due[i].seq < due[j].seq
			}
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, t := range due {
			// an earlier callback in this batch may have stopped or re-armed t
			if _, armed := l.timers[t]; !armed || t.deadline.After(now) {
				continue
			}
			delete(l.timers, t)
			l.invoke(t.fn)
		}
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for t := range l.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

func (l *Loop) shutdown(wake clockwork.Timer) {
	if wake != nil {
		wake.Stop()
	}
	for t := range l.timers {
		delete(l.timers, t)
	}
}
