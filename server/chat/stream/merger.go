package stream

import (
	"context"
	"fmt"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
	commonlog "bizchat/server/common/log"
)

// Source is the push side of the message store. onSnapshot receives the full
// ordered result set of the filter every time it changes and may be called
// from any goroutine.
type Source interface {
	Subscribe(ctx context.Context, filter domain.StreamFilter, onSnapshot func([]domain.Message)) (domain.Subscription, error)
}

// Merger keeps the union of the local user's sent and received streams.
// Its state lives on the loop; Subscribe and Unsubscribe are called from
// outside it.
type Merger struct {
	loop   *eventloop.Loop
	source Source

	userID   string
	gen      uint64
	subs     []domain.Subscription
	sent     []domain.Message
	received []domain.Message
	timeline []domain.Message

	listeners []func(userID string, timeline []domain.Message)
}

func NewMerger(loop *eventloop.Loop, source Source) *Merger {
	return &Merger{loop: loop, source: source}
}

// OnChange registers a loop-side listener for every recomputed timeline.
func (m *Merger) OnChange(fn func(userID string, timeline []domain.Message)) {
	m.listeners = append(m.listeners, fn)
}

// Subscribe replaces the current subscriptions with the two streams of
// userID. Establishment errors are returned and leave the merger detached.
func (m *Merger) Subscribe(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrInvalidUser
	}
	var gen uint64
	var stale []domain.Subscription
	if err := m.loop.Do(ctx, func() {
		stale = m.reset(userID)
		gen = m.gen
	}); err != nil {
		return err
	}
	closeAll(stale)

	sentSub, err := m.source.Subscribe(ctx, domain.StreamFilter{By: domain.BySender, UserID: userID}, m.handler(gen, domain.BySender))
	if err != nil {
		return fmt.Errorf("subscribe sender stream: %w", err)
	}
	receivedSub, err := m.source.Subscribe(ctx, domain.StreamFilter{By: domain.ByRecipient, UserID: userID}, m.handler(gen, domain.ByRecipient))
	if err != nil {
		_ = sentSub.Close()
		return fmt.Errorf("subscribe recipient stream: %w", err)
	}

	attached := false
	if err := m.loop.Do(ctx, func() {
		if m.gen == gen {
			m.subs = []domain.Subscription{sentSub, receivedSub}
			attached = true
		}
	}); err != nil || !attached {
		_ = sentSub.Close()
		_ = receivedSub.Close()
		if err != nil {
			return err
		}
		return fmt.Errorf("subscription for %s superseded", userID)
	}
	commonlog.Infof("event=stream_merger action=subscribe status=ok user_id=%s", userID)
	return nil
}

// Unsubscribe cancels both streams and clears the timeline.
func (m *Merger) Unsubscribe(ctx context.Context) error {
	var stale []domain.Subscription
	if err := m.loop.Do(ctx, func() { stale = m.reset("") }); err != nil {
		return err
	}
	closeAll(stale)
	return nil
}

// Detach is the loop-side teardown; subscriptions are closed off the loop.
func (m *Merger) Detach() {
	stale := m.reset("")
	if len(stale) > 0 {
		go closeAll(stale)
	}
}

func (m *Merger) UserID() string {
	return m.userID
}

// Attached reports whether both streams of the current user are live.
func (m *Merger) Attached() bool {
	return m.userID != "" && len(m.subs) > 0
}

// Timeline returns a copy of the merged timeline. Call it from the loop.
func (m *Merger) Timeline() []domain.Message {
	return append([]domain.Message(nil), m.timeline...)
}

func (m *Merger) reset(userID string) []domain.Subscription {
	stale := m.subs
	m.subs = nil
	m.gen++
	m.userID = userID
	m.sent = nil
	m.received = nil
	if len(m.timeline) > 0 || userID == "" {
		m.recompute()
	}
	return stale
}

func (m *Merger) handler(gen uint64, side domain.StreamRole) func([]domain.Message) {
	return func(snapshot []domain.Message) {
		items := append([]domain.Message(nil), snapshot...)
		m.loop.Post(func() {
			if m.gen != gen {
				return
			}
			if side == domain.BySender {
				m.sent = items
			} else {
				m.received = items
			}
			m.recompute()
		})
	}
}

// recompute always merges in the same order so the result does not depend on
// which stream delivered last.
func (m *Merger) recompute() {
	m.timeline = domain.UnionByID(m.sent, m.received)
	for _, fn := range m.listeners {
		fn(m.userID, m.Timeline())
	}
}

func closeAll(subs []domain.Subscription) {
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			commonlog.Warnf("event=stream_merger action=unsubscribe status=failed error=%v", err)
		}
	}
}
