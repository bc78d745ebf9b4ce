package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SortMessages orders messages by timestamp ascending. Equal timestamps keep
// their arrival order.
func SortMessages(items []Message) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
}

// UnionByID merges the lists by message identity and returns them sorted.
// Later lists win on fields, except Read which never goes back to false.
func UnionByID(lists ...[]Message) []Message {
	size := 0
	for _, list := range lists {
		size += len(list)
	}
	index := make(map[string]int, size)
	out := make([]Message, 0, size)
	for _, list := range lists {
		for _, m := range list {
			if m.ID == "" {
				continue
			}
			if pos, ok := index[m.ID]; ok {
				read := out[pos].Read || m.Read
				out[pos] = m
				out[pos].Read = read
				continue
			}
			index[m.ID] = len(out)
			out = append(out, m)
		}
	}
	SortMessages(out)
	return out
}

// Conversation filters a timeline down to the messages exchanged by a and b.
func Conversation(timeline []Message, a, b string) []Message {
	out := make([]Message, 0)
	for _, m := range timeline {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	return out
}

var (
	messageIDKeys        = []string{"id", "message_id", "messageId", "_id"}
	messageSenderKeys    = []string{"sender_id", "senderId", "from", "sender"}
	messageSenderNameKey = []string{"sender_name", "senderName", "from_name", "name"}
	messageTopicKeys     = []string{"topic", "category", "subject"}
	messageBodyKeys      = []string{"body", "content", "text", "message"}
	messageTimeKeys      = []string{"timestamp", "created_at", "createdAt", "sent_at"}
	messageRecipientKeys = []string{"recipient_id", "recipientId", "to", "recipient"}
	messageReadKeys      = []string{"read", "is_read", "isRead"}

	userIDKeys     = []string{"id", "user_id", "userId", "uid"}
	userNameKeys   = []string{"name", "display_name", "displayName", "full_name"}
	userRoleKeys   = []string{"role", "title", "position"}
	userSectorKeys = []string{"sector", "department", "org_unit"}
	userStatusKeys = []string{"status", "presence"}
	userActiveKeys = []string{"active", "is_active", "isActive"}
)

// UnmarshalJSON accepts the key spellings different producers have used for
// the same fields.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{
		ID:          pickString(raw, messageIDKeys),
		SenderID:    pickString(raw, messageSenderKeys),
		SenderName:  pickString(raw, messageSenderNameKey),
		Topic:       pickString(raw, messageTopicKeys),
		Body:        pickString(raw, messageBodyKeys),
		Timestamp:   pickTime(raw, messageTimeKeys),
		RecipientID: pickString(raw, messageRecipientKeys),
		Read:        pickBool(raw, messageReadKeys),
	}
	return nil
}

func (u *User) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = User{
		ID:        pickString(raw, userIDKeys),
		Name:      pickString(raw, userNameKeys),
		Role:      pickString(raw, userRoleKeys),
		Sector:    pickString(raw, userSectorKeys),
		Status:    Status(strings.ToLower(pickString(raw, userStatusKeys))),
		UpdatedAt: pickTime(raw, []string{"updated_at", "updatedAt"}),
	}
	switch u.Status {
	case StatusActive, StatusAway, StatusOffline:
	case "online":
		u.Status = StatusActive
	default:
		u.Status = StatusOffline
		if pickBool(raw, userActiveKeys) {
			u.Status = StatusActive
		}
	}
	return nil
}

func pickString(raw map[string]json.RawMessage, keys []string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func pickBool(raw map[string]json.RawMessage, keys []string) bool {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return b
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if parsed, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return parsed
			}
		}
	}
	return false
}

// pickTime understands RFC3339 strings and unix milliseconds.
func pickTime(raw map[string]json.RawMessage, keys []string) time.Time {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
				return ts.UTC()
			}
			continue
		}
		var ms int64
		if err := json.Unmarshal(v, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}
