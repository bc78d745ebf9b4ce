package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bizchat/server/chat/domain"
	commonlog "bizchat/server/common/log"
)

const channelPrefix = "bizchat:messages:"

type change struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Live makes the Postgres store push-capable: every write publishes a
// change on the redis channel of each party, and every subscription
// re-reads its snapshot when its channel fires.
type Live struct {
	db    *Postgres
	redis *redis.Client
}

func NewLive(db *Postgres, client *redis.Client) *Live {
	return &Live{db: db, redis: client}
}

func ChannelFor(userID string) string {
	return channelPrefix + userID
}

func (l *Live) Subscribe(ctx context.Context, filter domain.StreamFilter, onSnapshot func([]domain.Message)) (domain.Subscription, error) {
	if filter.UserID == "" {
		return nil, domain.ErrInvalidUser
	}
	pubsub := l.redis.Subscribe(ctx, ChannelFor(filter.UserID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChannelFor(filter.UserID), err)
	}

	label := fmt.Sprintf("postgres:%s:%s", filter.By, filter.UserID)
	sub := newSnapshotSub(label, func(ctx context.Context) ([]domain.Message, error) {
		return l.db.Snapshot(ctx, filter)
	}, onSnapshot)
	sub.onClose = func() {
		if err := pubsub.Close(); err != nil {
			commonlog.Warnf("event=message_feed action=unsubscribe status=failed sub=%s error=%v", label, err)
		}
	}
	go func() {
		for range pubsub.Channel() {
			sub.Poke()
		}
	}()
	return sub, nil
}

func (l *Live) FetchConversation(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	return l.db.FetchConversation(ctx, userA, userB)
}

// Append stores the message; a failed notification only delays the push
// until the next change on the same channels.
func (l *Live) Append(ctx context.Context, draft domain.MessageDraft) (domain.Message, error) {
	msg, err := l.db.Append(ctx, draft)
	if err != nil {
		return domain.Message{}, err
	}
	l.notify(ctx, change{Kind: "append", MessageID: msg.ID, At: msg.Timestamp}, msg.SenderID, msg.RecipientID)
	return msg, nil
}

func (l *Live) BatchMarkRead(ctx context.Context, filter domain.ReadFilter) error {
	n, err := l.db.BatchMarkRead(ctx, filter)
	if err != nil {
		return err
	}
	if n > 0 {
		l.notify(ctx, change{Kind: "read", At: time.Now().UTC()}, filter.Sender, filter.Recipient)
	}
	return nil
}

func (l *Live) notify(ctx context.Context, c change, userIDs ...string) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	seen := map[string]bool{}
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := l.redis.Publish(ctx, ChannelFor(id), payload).Err(); err != nil {
			commonlog.Warnf("event=message_feed action=notify status=failed user_id=%s kind=%s error=%v", id, c.Kind, err)
		}
	}
}
