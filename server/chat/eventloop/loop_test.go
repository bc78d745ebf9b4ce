package eventloop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bizchat/server/chat/eventloop"
)

func startLoop(t *testing.T) (*eventloop.Loop, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	loop := eventloop.New("test", clock)
	go loop.Run(context.Background())
	t.Cleanup(loop.Stop)
	return loop, clock
}

func do(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

func TestTimerFiresAtDeadline(t *testing.T) {
	loop, clock := startLoop(t)
	fired := 0
	do(t, loop, func() {
		timer := loop.NewTimer(func() { fired++ })
		timer.Reset(5 * time.Minute)
	})

	clock.Advance(5*time.Minute - time.Nanosecond)
	do(t, loop, func() {})
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}

	clock.Advance(time.Nanosecond)
	var got int
	do(t, loop, func() { got = fired })
	if got != 1 {
		t.Fatalf("expected exactly one fire at deadline, got %d", got)
	}
}

func TestResetReplacesPendingDeadline(t *testing.T) {
	loop, clock := startLoop(t)
	fired := 0
	var timer *eventloop.Timer
	do(t, loop, func() {
		timer = loop.NewTimer(func() { fired++ })
		timer.Reset(3 * time.Second)
	})

	clock.Advance(2 * time.Second)
	do(t, loop, func() { timer.Reset(3 * time.Second) })
	clock.Advance(2 * time.Second)
	var got int
	do(t, loop, func() { got = fired })
	if got != 0 {
		t.Fatalf("expected the first deadline to be cancelled, got %d fires", got)
	}

	clock.Advance(time.Second)
	do(t, loop, func() { got = fired })
	if got != 1 {
		t.Fatalf("expected one fire after re-armed deadline, got %d", got)
	}
}

func TestStopCancelsTimer(t *testing.T) {
	loop, clock := startLoop(t)
	fired := false
	var stopped bool
	do(t, loop, func() {
		timer := loop.NewTimer(func() { fired = true })
		timer.Reset(time.Second)
		stopped = timer.Stop()
	})
	if !stopped {
		t.Fatalf("expected Stop to report a pending deadline")
	}
	clock.Advance(time.Hour)
	var got bool
	do(t, loop, func() { got = fired })
	if got {
		t.Fatalf("expected stopped timer not to fire")
	}
}

func TestDueTimersRunBeforePostedCallbacks(t *testing.T) {
	loop, clock := startLoop(t)
	order := make([]string, 0)
	do(t, loop, func() {
		loop.NewTimer(func() { order = append(order, "b") }).Reset(2 * time.Second)
		loop.NewTimer(func() { order = append(order, "a") }).Reset(time.Second)
	})
	clock.Advance(10 * time.Second)
	var got []string
	do(t, loop, func() { got = append(got, order...) })
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected timers in deadline order before the query, got %v", got)
	}
}

func TestPanicInCallbackDoesNotKillLoop(t *testing.T) {
	loop, _ := startLoop(t)
	loop.Post(func() { panic("boom") })
	ran := false
	do(t, loop, func() { ran = true })
	if !ran {
		t.Fatalf("expected loop to keep running after a panic")
	}
}

func TestPostAndDoAfterStop(t *testing.T) {
	loop := eventloop.New("stopped", clockwork.NewFakeClock())
	go loop.Run(context.Background())
	loop.Stop()

	if loop.Post(func() {}) {
		t.Fatalf("expected Post to be rejected after Stop")
	}
	err := loop.Do(context.Background(), func() {})
	if !errors.Is(err, eventloop.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTryPostDropsWhenInboxIsFull(t *testing.T) {
	loop := eventloop.New("busy", clockwork.NewFakeClock())
	ran := 0
	queued := 0
	for i := 0; i < 1000; i++ {
		if loop.TryPost(func() { ran++ }) {
			queued++
		}
	}
	if queued == 0 || queued == 1000 {
		t.Fatalf("expected a bounded number of queued callbacks, got %d", queued)
	}

	go loop.Run(context.Background())
	t.Cleanup(loop.Stop)
	var got int
	do(t, loop, func() { got = ran })
	if got != queued {
		t.Fatalf("expected %d callbacks to run, got %d", queued, got)
	}

	loop.Stop()
	if loop.TryPost(func() {}) {
		t.Fatalf("expected TryPost to be rejected after Stop")
	}
}
