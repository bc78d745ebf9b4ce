package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/session"
	commonlog "bizchat/server/common/log"
)

const hubEventsChannel = "bizchat:hub:events"

type hubEvent struct {
	Kind     string                 `json:"kind"`
	Presence *domain.PresenceUpdate `json:"presence,omitempty"`
	Typing   *domain.TypingSignal   `json:"typing,omitempty"`
}

// Hub connects the sessions of this node with each other and, through redis,
// with the sessions of every other node. Presence changes go to every
// session; typing signals go to the sessions of the addressed user.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*session.Session
	presence  map[string]domain.PresenceUpdate
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

func NewHub() *Hub {
	return &Hub{
		sessions: map[string]*session.Session{},
		presence: map[string]domain.PresenceUpdate{},
	}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, hubEventsChannel)
	if _, err := sub.Receive(subCtx); err != nil {
		h.mu.Unlock()
		cancel()
		_ = sub.Close()
		return err
	}
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

// Attach registers s and replays the latest known presence of every user,
// so a new session starts from the live statuses instead of the directory's.
func (h *Hub) Attach(s *session.Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	known := make([]domain.PresenceUpdate, 0, len(h.presence))
	for _, u := range h.presence {
		known = append(known, u)
	}
	h.mu.Unlock()
	for _, u := range known {
		s.ReceivePresence(u)
	}
}

func (h *Hub) Detach(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
}

// CloseAll detaches and closes every session on this node, taking their
// users offline. It returns how many sessions were closed.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	targets := make([]*session.Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		targets = append(targets, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	commonlog.Infof("event=chat_hub action=close_all status=ok count=%d", len(targets))
	return len(targets)
}

// SessionsFor lists the live sessions of userID on this node.
func (h *Hub) SessionsFor(userID string) []*session.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session.Session, 0)
	for _, s := range h.sessions {
		if userID != "" && s.UserID() == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// PublishPresence spreads a presence change to every session.
func (h *Hub) PublishPresence(ctx context.Context, update domain.PresenceUpdate) error {
	if h.publish(ctx, hubEvent{Kind: "presence", Presence: &update}) {
		return nil
	}
	fanoutCount := h.presenceLocal(update)
	commonlog.Infof("event=chat_hub action=fallback_dispatch kind=presence user_id=%s fanout_count=%d", update.UserID, fanoutCount)
	return nil
}

// RelayTyping hands a typing signal to the sessions of its recipient. It is
// called from a session loop, so the redis round trip runs in the background.
func (h *Hub) RelayTyping(signal domain.TypingSignal) {
	h.mu.RLock()
	useRedis := h.redis != nil
	h.mu.RUnlock()
	if !useRedis {
		h.typingLocal(signal)
		return
	}
	go func() {
		if !h.publish(context.Background(), hubEvent{Kind: "typing", Typing: &signal}) {
			h.typingLocal(signal)
		}
	}()
}

func (h *Hub) presenceLocal(update domain.PresenceUpdate) int {
	h.mu.Lock()
	if prev, ok := h.presence[update.UserID]; ok && prev.At.After(update.At) {
		h.mu.Unlock()
		return 0
	}
	h.presence[update.UserID] = update
	targets := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.ReceivePresence(update)
	}
	return len(targets)
}

func (h *Hub) typingLocal(signal domain.TypingSignal) int {
	count := 0
	for _, s := range h.SessionsFor(signal.To) {
		s.ReceiveTyping(signal)
		count++
	}
	return count
}

func (h *Hub) publish(ctx context.Context, event hubEvent) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Warnf("event=chat_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	if err := redisClient.Publish(ctx, hubEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=chat_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			commonlog.Warnf("event=chat_hub action=consume status=invalid error=%v", err)
			continue
		}
		switch event.Kind {
		case "presence":
			if event.Presence == nil {
				continue
			}
			fanoutCount := h.presenceLocal(*event.Presence)
			commonlog.Debugf("event=chat_hub action=consume status=ok kind=presence user_id=%s fanout_count=%d", event.Presence.UserID, fanoutCount)
		case "typing":
			if event.Typing == nil {
				continue
			}
			h.typingLocal(*event.Typing)
		}
	}
}
