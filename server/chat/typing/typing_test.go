package typing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
	"bizchat/server/chat/typing"
)

const quiet = 3 * time.Second

type recordingRelay struct {
	signals []domain.TypingSignal
	deliver func(domain.TypingSignal)
}

func (r *recordingRelay) RelayTyping(signal domain.TypingSignal) {
	r.signals = append(r.signals, signal)
	if r.deliver != nil {
		r.deliver(signal)
	}
}

func (r *recordingRelay) summary() string {
	out := make([]string, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, fmt.Sprintf("%s>%s:%t", s.From, s.To, s.Typing))
	}
	return fmt.Sprint(out)
}

type fixture struct {
	loop  *eventloop.Loop
	clock clockwork.FakeClock
	relay *recordingRelay
	out   *typing.Outbound
	set   *typing.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	loop := eventloop.New("typing-test", clock)
	go loop.Run(context.Background())
	t.Cleanup(loop.Stop)
	f := &fixture{loop: loop, clock: clock, relay: &recordingRelay{}}
	f.out = typing.NewOutbound(loop, f.relay, quiet)
	f.set = typing.NewSet(loop, quiet)
	f.do(t, func() { f.out.SetLocal("ana") })
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

func (f *fixture) outboundTyping(t *testing.T, peer string) bool {
	t.Helper()
	var typingNow bool
	f.do(t, func() { typingNow = f.out.Typing(peer) })
	return typingNow
}

func (f *fixture) inboundTyping(t *testing.T, from string) bool {
	t.Helper()
	var typingNow bool
	f.do(t, func() { typingNow = f.set.Typing(from) })
	return typingNow
}

func TestOutboundExpiresOneQuietPeriodAfterLastKeystroke(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.out.Keystroke("bruno") })
	for i := 0; i < 5; i++ {
		f.clock.Advance(2900 * time.Millisecond)
		if !f.outboundTyping(t, "bruno") {
			t.Fatalf("expected typing to persist while keystrokes continue (round %d)", i)
		}
		f.do(t, func() { f.out.Keystroke("bruno") })
	}

	f.clock.Advance(quiet - time.Nanosecond)
	if !f.outboundTyping(t, "bruno") {
		t.Fatalf("expected typing just before the quiet period ends")
	}
	f.clock.Advance(time.Nanosecond)
	if f.outboundTyping(t, "bruno") {
		t.Fatalf("expected typing to stop exactly one quiet period after the last keystroke")
	}

	var last domain.TypingSignal
	f.do(t, func() { last = f.relay.signals[len(f.relay.signals)-1] })
	if last.Typing {
		t.Fatalf("expected a stop signal to be relayed, got %+v", last)
	}
}

func TestStartedIsSignalledOnce(t *testing.T) {
	f := newFixture(t)
	var events []string
	f.do(t, func() {
		f.out.OnChange(func(peer string, typingNow bool) { events = append(events, fmt.Sprintf("%s:%t", peer, typingNow)) })
		for i := 0; i < 10; i++ {
			f.out.Keystroke("bruno")
		}
	})
	f.clock.Advance(quiet)

	var got, relayed string
	f.do(t, func() {
		got = fmt.Sprint(events)
		relayed = f.relay.summary()
	})
	if got != "[bruno:true bruno:false]" {
		t.Fatalf("expected one start and one stop, got %s", got)
	}
	if relayed != "[ana>bruno:true ana>bruno:false]" {
		t.Fatalf("expected no repeated start signal, got %s", relayed)
	}
}

func TestClearStopsAndCancelsTimers(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.out.Keystroke("bruno")
		f.out.Keystroke("carla")
		f.out.Clear("bruno")
	})
	if f.outboundTyping(t, "bruno") {
		t.Fatalf("expected clear to stop typing immediately")
	}
	f.clock.Advance(10 * time.Second)

	var relayed string
	f.do(t, func() { relayed = f.relay.summary() })
	want := "[ana>bruno:true ana>carla:true ana>bruno:false ana>carla:false]"
	if relayed != want {
		t.Fatalf("expected %s, got %s", want, relayed)
	}
}

func TestKeystrokesWithoutIdentityAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.out.SetLocal("")
		f.out.Keystroke("bruno")
	})
	if f.outboundTyping(t, "bruno") {
		t.Fatalf("expected no typing without a local user")
	}
}

func TestSetLocalStopsPreviousUser(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.out.Keystroke("bruno")
		f.out.SetLocal("carla")
	})
	var relayed string
	f.do(t, func() { relayed = f.relay.summary() })
	if relayed != "[ana>bruno:true ana>bruno:false]" {
		t.Fatalf("expected the previous user's typing to stop, got %s", relayed)
	}
}

func TestInboundEntryExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.set.Apply(domain.TypingSignal{From: "bruno", To: "ana", Typing: true, Seq: 1, At: f.loop.Now()})
	})
	f.clock.Advance(quiet - time.Nanosecond)
	if !f.inboundTyping(t, "bruno") {
		t.Fatalf("expected entry to survive until the TTL")
	}
	f.clock.Advance(time.Nanosecond)
	if f.inboundTyping(t, "bruno") {
		t.Fatalf("expected entry to expire at the TTL")
	}
}

func TestInboundIgnoresOutOfOrderSignals(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	var applied []bool
	f.do(t, func() {
		applied = append(applied,
			f.set.Apply(domain.TypingSignal{From: "bruno", Typing: true, Seq: 1, At: now}),
			f.set.Apply(domain.TypingSignal{From: "bruno", Typing: false, Seq: 3, At: now}),
			f.set.Apply(domain.TypingSignal{From: "bruno", Typing: true, Seq: 2, At: now}),
		)
	})
	if fmt.Sprint(applied) != "[true true false]" {
		t.Fatalf("expected the late start to be ignored, got %v", applied)
	}
	if f.inboundTyping(t, "bruno") {
		t.Fatalf("expected bruno not typing after the stop")
	}

	// a new session of the same sender restarts its sequence
	f.clock.Advance(time.Second)
	var ok bool
	f.do(t, func() {
		ok = f.set.Apply(domain.TypingSignal{From: "bruno", Typing: true, Seq: 1, At: f.loop.Now()})
	})
	if !ok || !f.inboundTyping(t, "bruno") {
		t.Fatalf("expected a newer signal to be applied")
	}
}

func TestRelayedTypingPersistsWhileSenderKeepsTyping(t *testing.T) {
	f := newFixture(t)
	f.relay.deliver = func(s domain.TypingSignal) { f.set.Apply(s) }

	keystrokes := map[int]bool{0: true, 1400: true, 4300: true, 7200: true}
	f.do(t, func() { f.out.Keystroke("bruno") })
	for ms := 100; ms <= 10300; ms += 100 {
		f.clock.Advance(100 * time.Millisecond)
		if keystrokes[ms] {
			f.do(t, func() { f.out.Keystroke("bruno") })
		}
		got := f.inboundTyping(t, "ana")
		if ms < 10200 && !got {
			t.Fatalf("receiver lost the typing entry at %dms while keystrokes continued", ms)
		}
		if ms >= 10200 && got {
			t.Fatalf("receiver still shows typing at %dms, last keystroke at 7200ms", ms)
		}
	}
}

func TestClearEmptiesTheSet(t *testing.T) {
	f := newFixture(t)
	var peers [][]string
	f.do(t, func() {
		f.set.OnChange(func(p []string) { peers = append(peers, p) })
		f.set.Observe("carla")
		f.set.Observe("bruno")
		f.set.Clear()
	})
	var got string
	f.do(t, func() { got = fmt.Sprint(peers) })
	if got != "[[carla] [bruno carla] []]" {
		t.Fatalf("unexpected change sequence %s", got)
	}
}

func TestSenderSessionsAreOrderedIndependently(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	var applied []bool
	f.do(t, func() {
		applied = append(applied,
			f.set.Apply(domain.TypingSignal{From: "bruno", Session: "laptop", Typing: true, Seq: 40, At: now}),
			// the phone's counter is behind the laptop's; it must still count
			f.set.Apply(domain.TypingSignal{From: "bruno", Session: "phone", Typing: true, Seq: 2, At: now}),
			f.set.Apply(domain.TypingSignal{From: "bruno", Session: "laptop", Typing: false, Seq: 41, At: now}),
		)
	})
	if fmt.Sprint(applied) != "[true true true]" {
		t.Fatalf("expected every signal applied, got %v", applied)
	}
	if !f.inboundTyping(t, "bruno") {
		t.Fatalf("expected bruno still typing from the phone")
	}

	f.do(t, func() {
		f.set.Apply(domain.TypingSignal{From: "bruno", Session: "phone", Typing: false, Seq: 3, At: now})
	})
	if f.inboundTyping(t, "bruno") {
		t.Fatalf("expected bruno to stop typing once both sessions stopped")
	}
}

func TestOutboundSignalsCarryTheSession(t *testing.T) {
	f := newFixture(t)
	var sent []domain.TypingSignal
	f.do(t, func() {
		f.out.SetSession("s-ana")
		f.out.Keystroke("bruno")
		sent = append(sent, f.relay.signals...)
	})
	if len(sent) != 1 || sent[0].Session != "s-ana" {
		t.Fatalf("expected one signal tagged with the session, got %+v", sent)
	}
}
