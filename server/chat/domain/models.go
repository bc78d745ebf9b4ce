package domain

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusActive  Status = "active"
	StatusAway    Status = "away"
)

var (
	ErrNoIdentity   = errors.New("no authenticated user")
	ErrEmptyBody    = errors.New("message body is required")
	ErrNoRecipient  = errors.New("recipient is required")
	ErrInvalidUser  = errors.New("user id is required")
	ErrNotAvailable = errors.New("message store is not available")
)

// User is a presence participant. The local user comes from the identity
// provider; everyone else is a read-only roster entry from the directory.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Sector    string    `json:"sector"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Topic       string    `json:"topic"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	RecipientID string    `json:"recipient_id"`
	Read        bool      `json:"read"`
}

// Between reports whether m belongs to the two-party conversation of a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// UnreadFor reports whether m is an unread inbound message for userID.
func (m Message) UnreadFor(userID string) bool {
	return m.RecipientID == userID && !m.Read
}

type MessageDraft struct {
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Topic       string `json:"topic"`
	Body        string `json:"body"`
	RecipientID string `json:"recipient_id"`
}

type StreamRole string

const (
	BySender    StreamRole = "sender"
	ByRecipient StreamRole = "recipient"
)

// StreamFilter selects one side of a user's traffic; snapshots are ordered
// by timestamp ascending.
type StreamFilter struct {
	By     StreamRole `json:"by"`
	UserID string     `json:"user_id"`
}

// ReadFilter selects the unread messages sent by Sender to Recipient.
type ReadFilter struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

type Subscription interface {
	Close() error
}

type PresenceUpdate struct {
	UserID string    `json:"user_id"`
	Name   string    `json:"name,omitempty"`
	Role   string    `json:"role,omitempty"`
	Sector string    `json:"sector,omitempty"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// TypingSignal is ordered per sending session by At, then Seq.
type TypingSignal struct {
	From    string    `json:"from"`
	Session string    `json:"session,omitempty"`
	To      string    `json:"to"`
	Typing  bool      `json:"typing"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
}
