package conversation

import (
	"context"
	"time"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
	commonlog "bizchat/server/common/log"
)

const defaultRequestTimeout = 10 * time.Second

// Store is the pull side of the message store.
type Store interface {
	FetchConversation(ctx context.Context, userA, userB string) ([]domain.Message, error)
	BatchMarkRead(ctx context.Context, filter domain.ReadFilter) error
}

type UnreadResetter interface {
	Reset(counterparty string)
}

type Names interface {
	Lookup(userID string) (domain.User, bool)
}

type Config struct {
	RequestTimeout time.Duration
}

// View is the active conversation as shown to the client. Loading is set
// until the history fetch settles; Degraded means the fetch failed and the
// view is built from the live timeline only.
type View struct {
	Peer     string           `json:"peer"`
	Messages []domain.Message `json:"messages"`
	Loading  bool             `json:"loading"`
	Degraded bool             `json:"degraded"`
}

// Cache holds the open conversation of one session. All methods run on the
// loop; store calls happen on their own goroutines and report back via Post.
type Cache struct {
	loop    *eventloop.Loop
	store   Store
	unread  UnreadResetter
	names   Names
	timeout time.Duration

	localID  string
	timeline []domain.Message

	peer      string
	token     uint64
	messages  []domain.Message
	loading   bool
	degraded  bool
	requested map[string]struct{}

	listeners []func(View)
}

func NewCache(loop *eventloop.Loop, store Store, unread UnreadResetter, names Names, cfg Config) *Cache {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Cache{
		loop:    loop,
		store:   store,
		unread:  unread,
		names:   names,
		timeout: cfg.RequestTimeout,
	}
}

func (c *Cache) OnChange(fn func(View)) {
	c.listeners = append(c.listeners, fn)
}

func (c *Cache) Peer() string {
	return c.peer
}

func (c *Cache) View() View {
	return View{
		Peer:     c.peer,
		Messages: append([]domain.Message(nil), c.messages...),
		Loading:  c.loading,
		Degraded: c.degraded,
	}
}

// Open shows the conversation with peer right away from the live timeline,
// then fetches its history, marks peer's messages read and resets the
// unread count for peer.
func (c *Cache) Open(peer string) error {
	if c.localID == "" {
		return domain.ErrNoIdentity
	}
	// peer may be the local user: notes to self are a conversation too
	if peer == "" {
		return domain.ErrNoRecipient
	}
	c.token++
	c.peer = peer
	c.loading = true
	c.degraded = false
	c.requested = map[string]struct{}{}
	c.messages = c.withNames(domain.Conversation(c.timeline, c.localID, peer))
	commonlog.Infof("event=conversation action=open user_id=%s peer=%s", c.localID, peer)

	c.trackUnread()
	c.markRead()
	c.fetch(c.token, c.localID, peer)
	c.publish()
	return nil
}

func (c *Cache) Close() {
	if c.peer == "" {
		return
	}
	commonlog.Infof("event=conversation action=close user_id=%s peer=%s", c.localID, c.peer)
	c.token++
	c.peer = ""
	c.messages = nil
	c.loading = false
	c.degraded = false
	c.requested = nil
	c.publish()
}

// SetLocal switches the local user. A different user closes the open
// conversation and forgets the timeline.
func (c *Cache) SetLocal(localID string) {
	if localID == c.localID {
		return
	}
	c.Close()
	c.localID = localID
	c.timeline = nil
}

// OnTimeline feeds the merged timeline of localID.
func (c *Cache) OnTimeline(localID string, timeline []domain.Message) {
	c.SetLocal(localID)
	c.timeline = timeline
	if c.peer == "" {
		return
	}
	live := domain.Conversation(timeline, c.localID, c.peer)
	c.messages = c.withNames(domain.UnionByID(c.messages, live))
	if c.trackUnread() {
		c.markRead()
	}
	c.publish()
}

func (c *Cache) fetch(token uint64, localID, peer string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		history, err := c.store.FetchConversation(ctx, localID, peer)
		c.loop.Post(func() { c.settle(token, history, err) })
	}()
}

func (c *Cache) settle(token uint64, history []domain.Message, err error) {
	if token != c.token {
		return
	}
	c.loading = false
	live := domain.Conversation(c.timeline, c.localID, c.peer)
	if err != nil {
		c.degraded = true
		commonlog.Warnf("event=conversation action=fetch status=degraded user_id=%s peer=%s error=%v", c.localID, c.peer, err)
		c.messages = c.withNames(domain.UnionByID(c.messages, live))
		c.publish()
		return
	}
	own := domain.Conversation(history, c.localID, c.peer)
	c.messages = c.withNames(domain.UnionByID(own, c.messages, live))
	if c.trackUnread() {
		c.markRead()
	}
	c.publish()
}

// trackUnread records peer's unread messages in the view and reports whether
// any of them is not yet covered by a mark-read request.
func (c *Cache) trackUnread() bool {
	fresh := false
	for _, m := range c.messages {
		if m.SenderID != c.peer || !m.UnreadFor(c.localID) {
			continue
		}
		if _, ok := c.requested[m.ID]; !ok {
			c.requested[m.ID] = struct{}{}
			fresh = true
		}
	}
	return fresh
}

// markRead resets the unread count for peer right away and asks the store
// to mark peer's messages read without waiting for the answer.
func (c *Cache) markRead() {
	if c.unread != nil {
		c.unread.Reset(c.peer)
	}
	filter := domain.ReadFilter{Sender: c.peer, Recipient: c.localID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.store.BatchMarkRead(ctx, filter); err != nil {
			commonlog.Warnf("event=conversation action=mark_read status=failed user_id=%s peer=%s error=%v", filter.Recipient, filter.Sender, err)
		}
	}()
}

func (c *Cache) withNames(items []domain.Message) []domain.Message {
	if c.names == nil {
		return items
	}
	for i := range items {
		if items[i].SenderName != "" {
			continue
		}
		if u, ok := c.names.Lookup(items[i].SenderID); ok {
			items[i].SenderName = u.Name
		}
	}
	return items
}

func (c *Cache) publish() {
	if len(c.listeners) == 0 {
		return
	}
	view := c.View()
	for _, fn := range c.listeners {
		fn(view)
	}
}
