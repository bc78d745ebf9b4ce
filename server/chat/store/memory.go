package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"bizchat/server/chat/domain"
)

const DefaultSnapshotLimit = 500

// Memory is a push-capable message store kept in process. It backs the
// memory mode of the server and the tests.
type Memory struct {
	clock clockwork.Clock
	limit int

	mu       sync.Mutex
	messages []domain.Message
	byID     map[string]int
	subs     map[*snapshotSub]domain.StreamFilter
}

func NewMemory(clock clockwork.Clock, limit int) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	return &Memory{
		clock: clock,
		limit: limit,
		byID:  map[string]int{},
		subs:  map[*snapshotSub]domain.StreamFilter{},
	}
}

func (m *Memory) Subscribe(ctx context.Context, filter domain.StreamFilter, onSnapshot func([]domain.Message)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filter.UserID == "" {
		return nil, domain.ErrInvalidUser
	}
	label := fmt.Sprintf("memory:%s:%s", filter.By, filter.UserID)
	// registered before the first snapshot query can take the lock
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := newSnapshotSub(label, func(ctx context.Context) ([]domain.Message, error) {
		return m.Snapshot(ctx, filter)
	}, onSnapshot)
	sub.onClose = func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}
	m.subs[sub] = filter
	return sub, nil
}

// Snapshot returns the latest messages matching filter, oldest first.
func (m *Memory) Snapshot(ctx context.Context, filter domain.StreamFilter) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if matches(filter, msg) {
			out = append(out, msg)
		}
	}
	domain.SortMessages(out)
	if len(out) > m.limit {
		out = out[len(out)-m.limit:]
	}
	return out, nil
}

func (m *Memory) FetchConversation(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := domain.Conversation(m.messages, userA, userB)
	m.mu.Unlock()
	domain.SortMessages(out)
	return out, nil
}

func (m *Memory) Append(ctx context.Context, draft domain.MessageDraft) (domain.Message, error) {
	if err := validateDraft(draft); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:          uuid.NewString(),
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		Topic:       strings.TrimSpace(draft.Topic),
		Body:        draft.Body,
		Timestamp:   m.clock.Now().UTC(),
		RecipientID: draft.RecipientID,
	}
	m.mu.Lock()
	m.byID[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.notify(msg.SenderID, msg.RecipientID)
	return msg, nil
}

func (m *Memory) BatchMarkRead(ctx context.Context, filter domain.ReadFilter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	changed := 0
	m.mu.Lock()
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.SenderID == filter.Sender && msg.RecipientID == filter.Recipient && !msg.Read {
			msg.Read = true
			changed++
		}
	}
	m.mu.Unlock()
	if changed > 0 {
		m.notify(filter.Sender, filter.Recipient)
	}
	return nil
}

// Get returns a stored message by id.
func (m *Memory) Get(id string) (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return m.messages[pos], true
}

func (m *Memory) notify(userIDs ...string) {
	m.mu.Lock()
	targets := make([]*snapshotSub, 0)
	for sub, filter := range m.subs {
		for _, id := range userIDs {
			if filter.UserID == id {
				targets = append(targets, sub)
				break
			}
		}
	}
	m.mu.Unlock()
	for _, sub := range targets {
		sub.Poke()
	}
}

func matches(filter domain.StreamFilter, msg domain.Message) bool {
	switch filter.By {
	case domain.BySender:
		return msg.SenderID == filter.UserID
	case domain.ByRecipient:
		return msg.RecipientID == filter.UserID
	default:
		return false
	}
}

func validateDraft(draft domain.MessageDraft) error {
	if draft.SenderID == "" {
		return domain.ErrNoIdentity
	}
	if draft.RecipientID == "" {
		return domain.ErrNoRecipient
	}
	if strings.TrimSpace(draft.Body) == "" {
		return domain.ErrEmptyBody
	}
	return nil
}
