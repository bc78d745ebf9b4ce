package session

const (
	EventPresenceChanged     = "presence.changed"
	EventRosterChanged       = "roster.changed"
	EventTimelineUpdated     = "timeline.updated"
	EventUnreadChanged       = "unread.changed"
	EventConversationUpdated = "conversation.updated"
	EventTypingChanged       = "typing.changed"
	EventError               = "error"
)

// Event is pushed to the client of a session.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type TypingPayload struct {
	Peers []string `json:"peers"`
}

type ErrorPayload struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}
