package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"bizchat/server/chat/conversation"
	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
	"bizchat/server/chat/presence"
	"bizchat/server/chat/stream"
	"bizchat/server/chat/typing"
	"bizchat/server/chat/unread"
	commonlog "bizchat/server/common/log"
)

const defaultRequestTimeout = 10 * time.Second

// Store is the message store as seen by one session.
type Store interface {
	stream.Source
	conversation.Store
	Append(ctx context.Context, draft domain.MessageDraft) (domain.Message, error)
}

type Directory interface {
	presence.Directory
	ListEmployees(ctx context.Context) ([]domain.User, error)
}

// MessageEvents is told about every message this session stored.
type MessageEvents interface {
	MessageCreated(ctx context.Context, msg domain.Message) error
}

type Deps struct {
	Store       Store
	Directory   Directory
	Broadcaster presence.Broadcaster
	Relay       typing.Relay
	Events      MessageEvents
	Clock       clockwork.Clock
}

type Config struct {
	IdleTimeout    time.Duration
	QuietPeriod    time.Duration
	RequestTimeout time.Duration
}

// State is a point-in-time copy of everything a session shows.
type State struct {
	SessionID    string            `json:"session_id"`
	User         *domain.User      `json:"user,omitempty"`
	Status       domain.Status     `json:"status"`
	Roster       []domain.User     `json:"roster"`
	Timeline     []domain.Message  `json:"timeline"`
	Unread       map[string]int    `json:"unread"`
	Conversation conversation.View `json:"conversation"`
	TypingFrom   []string          `json:"typing_from"`
	TypingTo     []string          `json:"typing_to"`
}

// Session is one connected client: a presence machine, a merged timeline,
// unread counts, the open conversation and typing state, all owned by a
// single event loop. Exported methods are safe to call from any goroutine.
type Session struct {
	id      string
	loop    *eventloop.Loop
	store   Store
	dir     Directory
	events  MessageEvents
	timeout time.Duration
	sink    func(Event)

	presence *presence.Machine
	merger   *stream.Merger
	unread   *unread.Counter
	conv     *conversation.Cache
	outbound *typing.Outbound
	inbound  *typing.Set
	expiry   *eventloop.Timer

	mu     sync.RWMutex
	userID string

	closeOnce sync.Once
}

// New starts the session loop. sink receives events on the loop and must
// not block.
func New(id string, deps Deps, cfg Config, sink func(Event)) *Session {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if sink == nil {
		sink = func(Event) {}
	}
	loop := eventloop.New("session-"+id, clock)
	s := &Session{
		id:      id,
		loop:    loop,
		store:   deps.Store,
		dir:     deps.Directory,
		events:  deps.Events,
		timeout: cfg.RequestTimeout,
		sink:    sink,
	}
	var directory presence.Directory
	if deps.Directory != nil {
		directory = deps.Directory
	}
	s.presence = presence.NewMachine(loop, directory, deps.Broadcaster, presence.Config{IdleTimeout: cfg.IdleTimeout})
	s.merger = stream.NewMerger(loop, deps.Store)
	s.unread = unread.NewCounter()
	s.conv = conversation.NewCache(loop, deps.Store, s.unread, s.presence, conversation.Config{RequestTimeout: cfg.RequestTimeout})
	s.outbound = typing.NewOutbound(loop, deps.Relay, cfg.QuietPeriod)
	s.outbound.SetSession(id)
	s.inbound = typing.NewSet(loop, cfg.QuietPeriod)
	s.expiry = loop.NewTimer(func() { s.dropIdentity("token_expired") })
	s.wire()
	go loop.Run(context.Background())
	return s
}

func (s *Session) ID() string {
	return s.id
}

// UserID is the current local user, empty when nobody is identified.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// wire runs before the loop starts, so registering listeners here is safe.
func (s *Session) wire() {
	// the counter sees a timeline before the cache so a reset issued by the
	// cache covers the newest messages
	s.merger.OnChange(func(userID string, timeline []domain.Message) {
		s.unread.Recompute(userID, timeline)
		s.conv.OnTimeline(userID, timeline)
		s.emit(EventTimelineUpdated, timeline)
	})
	s.unread.OnChange(func(counts map[string]int) {
		s.emit(EventUnreadChanged, counts)
	})
	s.conv.OnChange(func(view conversation.View) {
		s.emit(EventConversationUpdated, view)
	})
	s.presence.OnStatus(func(update domain.PresenceUpdate) {
		s.emit(EventPresenceChanged, update)
	})
	s.presence.OnRoster(func() {
		s.emit(EventRosterChanged, s.presence.Roster())
	})
	s.inbound.OnChange(func(peers []string) {
		s.emit(EventTypingChanged, TypingPayload{Peers: peers})
	})
}

// Identify makes user the local identity until expiresAt (zero means no
// expiry). The same user again counts as activity; a different one replaces
// the previous user, who goes offline first.
func (s *Session) Identify(ctx context.Context, user domain.User, expiresAt time.Time) error {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return domain.ErrInvalidUser
	}
	same := false
	if err := s.loop.Do(ctx, func() {
		if local, ok := s.presence.Local(); ok && local.ID == user.ID {
			same = true
			s.armExpiry(expiresAt)
			s.presence.Activate()
			return
		}
		s.merger.Detach()
		s.outbound.SetLocal(user.ID)
		s.inbound.Clear()
		s.conv.SetLocal(user.ID)
		s.unread.Recompute(user.ID, nil)
		if err := s.presence.Login(user); err != nil {
			return
		}
		s.setUserID(user.ID)
		s.armExpiry(expiresAt)
	}); err != nil {
		return err
	}
	if same {
		return nil
	}
	s.loadRoster()
	if err := s.merger.Subscribe(ctx, user.ID); err != nil {
		commonlog.Errorf("event=session action=subscribe status=failed session_id=%s user_id=%s error=%v", s.id, user.ID, err)
		s.rollbackIdentity(user.ID)
		return err
	}
	return nil
}

// rollbackIdentity undoes a login whose streams could not be established, so
// a retried Identify starts over instead of finding the user already active.
func (s *Session) rollbackIdentity(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.loop.Do(ctx, func() {
		local, ok := s.presence.Local()
		if !ok || local.ID != userID || s.merger.Attached() {
			return
		}
		s.dropIdentity("subscribe_failed")
		s.emit(EventError, ErrorPayload{Op: "subscribe", Message: "message streams unavailable"})
	})
	if err != nil {
		commonlog.Warnf("event=session action=rollback_identity status=failed session_id=%s user_id=%s error=%v", s.id, userID, err)
	}
}

// Logout ends the local identity; the session stays open for a new one.
func (s *Session) Logout(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "logout"
	}
	return s.loop.Do(ctx, func() { s.dropIdentity(reason) })
}

func (s *Session) Activate(ctx context.Context) error {
	return s.loop.Do(ctx, func() { s.presence.Activate() })
}

func (s *Session) OpenConversation(ctx context.Context, peer string) error {
	var openErr error
	if err := s.loop.Do(ctx, func() {
		openErr = s.conv.Open(strings.TrimSpace(peer))
		if openErr == nil {
			s.presence.Activate()
		}
	}); err != nil {
		return err
	}
	return openErr
}

func (s *Session) CloseConversation(ctx context.Context) error {
	return s.loop.Do(ctx, func() { s.conv.Close() })
}

// Send validates and queues a message to peer. The store write happens in
// the background; the message shows up through the live streams and a
// failed write is only logged.
func (s *Session) Send(ctx context.Context, to, topic, body string) error {
	to = strings.TrimSpace(to)
	var draft domain.MessageDraft
	var sendErr error
	if err := s.loop.Do(ctx, func() {
		local, ok := s.presence.Local()
		switch {
		case !ok:
			sendErr = domain.ErrNoIdentity
		case to == "":
			sendErr = domain.ErrNoRecipient
		case strings.TrimSpace(body) == "":
			sendErr = domain.ErrEmptyBody
		}
		if sendErr != nil {
			return
		}
		s.outbound.Clear(to)
		s.presence.Activate()
		draft = domain.MessageDraft{SenderID: local.ID, SenderName: local.Name, RecipientID: to, Topic: topic, Body: body}
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	go s.appendDraft(draft)
	return nil
}

func (s *Session) Keystroke(peer string) {
	s.loop.Post(func() {
		s.outbound.Keystroke(strings.TrimSpace(peer))
		s.presence.Activate()
	})
}

func (s *Session) ClearInput(peer string) {
	s.loop.Post(func() { s.outbound.Clear(strings.TrimSpace(peer)) })
}

// ReceiveTyping applies a signal relayed from another session. The relay runs
// on the sender's loop, so a full inbox drops the signal; the next keepalive
// or the TTL repairs the state.
func (s *Session) ReceiveTyping(signal domain.TypingSignal) {
	queued := s.loop.TryPost(func() {
		if local, ok := s.presence.Local(); ok && local.ID == signal.To {
			s.inbound.Apply(signal)
		}
	})
	if !queued {
		commonlog.Debugf("event=session action=receive_typing status=dropped session_id=%s from=%s", s.id, signal.From)
	}
}

// ReceivePresence applies a presence change published by any session.
func (s *Session) ReceivePresence(update domain.PresenceUpdate) {
	s.loop.Post(func() { s.presence.ApplyRemote(update) })
}

func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := s.loop.Do(ctx, func() {
		st = State{
			SessionID:    s.id,
			Status:       s.presence.Status(),
			Roster:       s.presence.Roster(),
			Timeline:     s.merger.Timeline(),
			Unread:       s.unread.Counts(),
			Conversation: s.conv.View(),
			TypingFrom:   s.inbound.Peers(),
			TypingTo:     s.outbound.Peers(),
		}
		if local, ok := s.presence.Local(); ok {
			st.User = &local
		}
	})
	return st, err
}

// Close takes the user offline, cancels every subscription and timer and
// stops the loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.loop.Do(ctx, func() {
			s.dropIdentity("session_end")
			s.presence.Close()
		}); err != nil {
			commonlog.Warnf("event=session action=close status=failed session_id=%s error=%v", s.id, err)
		}
		s.loop.Stop()
		<-s.loop.Done()
		// the offline notice must reach the directory and hub before callers
		// tear down the connections behind them
		select {
		case <-s.presence.Drained():
		case <-ctx.Done():
			commonlog.Warnf("event=session action=close status=notify_timeout session_id=%s", s.id)
		}
		commonlog.Infof("event=session action=close status=ok session_id=%s", s.id)
	})
}

func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}

func (s *Session) dropIdentity(reason string) {
	s.expiry.Stop()
	s.outbound.StopAll()
	s.outbound.SetLocal("")
	s.inbound.Clear()
	s.conv.SetLocal("")
	s.presence.Logout(reason)
	s.merger.Detach()
	s.unread.Recompute("", nil)
	s.setUserID("")
}

func (s *Session) armExpiry(expiresAt time.Time) {
	if expiresAt.IsZero() {
		s.expiry.Stop()
		return
	}
	s.expiry.Reset(expiresAt.Sub(s.loop.Now()))
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *Session) loadRoster() {
	if s.dir == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		users, err := s.dir.ListEmployees(ctx)
		if err != nil {
			commonlog.Warnf("event=session action=load_roster status=failed session_id=%s error=%v", s.id, err)
			return
		}
		s.loop.Post(func() { s.presence.LoadRoster(users) })
	}()
}

func (s *Session) appendDraft(draft domain.MessageDraft) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	msg, err := s.store.Append(ctx, draft)
	if err != nil {
		commonlog.Warnf("event=session action=send status=failed session_id=%s user_id=%s to=%s error=%v", s.id, draft.SenderID, draft.RecipientID, err)
		s.loop.Post(func() { s.emit(EventError, ErrorPayload{Op: "send", Message: err.Error()}) })
		return
	}
	commonlog.Infof("event=session action=send status=ok session_id=%s message_id=%s to=%s", s.id, msg.ID, msg.RecipientID)
	if s.events != nil {
		if err := s.events.MessageCreated(ctx, msg); err != nil {
			commonlog.Warnf("event=session action=publish_message status=failed message_id=%s error=%v", msg.ID, err)
		}
	}
}

func (s *Session) emit(kind string, data any) {
	s.sink(Event{Type: kind, Data: data})
}
