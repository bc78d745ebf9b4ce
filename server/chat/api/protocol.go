package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/session"
	commonauth "bizchat/server/common/auth"
)

const (
	frameIdentify  = "identify"
	frameLogout    = "logout"
	frameActivate  = "activate"
	frameOpen      = "open"
	frameClose     = "close"
	frameSend      = "send"
	frameKeystroke = "keystroke"
	frameClear     = "clear"
	frameSync      = "sync"
	frameInvalid   = "invalid"

	EventState = "state"
)

var errUnknownFrame = errors.New("unknown frame type")

// clientFrame is every message a client can send; fields not used by a type
// are ignored.
type clientFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Peer   string `json:"peer,omitempty"`
	To     string `json:"to,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Body   string `json:"body,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func userFromIdentity(id commonauth.Identity) domain.User {
	return domain.User{ID: id.UserID, Name: id.Name, Role: id.Role, Sector: id.Sector}
}

// dispatch applies one client frame to the session.
func (h *Handler) dispatch(ctx context.Context, s *session.Session, frame clientFrame, reply func(session.Event)) error {
	switch strings.ToLower(strings.TrimSpace(frame.Type)) {
	case frameIdentify:
		id, err := h.auth.ParseIdentity(strings.TrimSpace(frame.Token))
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		return h.identify(ctx, s, id)
	case frameLogout:
		return s.Logout(ctx, frame.Reason)
	case frameActivate:
		return s.Activate(ctx)
	case frameOpen:
		return s.OpenConversation(ctx, frame.Peer)
	case frameClose:
		return s.CloseConversation(ctx)
	case frameSend:
		return s.Send(ctx, frame.To, frame.Topic, frame.Body)
	case frameKeystroke:
		s.Keystroke(frame.Peer)
		return nil
	case frameClear:
		s.ClearInput(frame.Peer)
		return nil
	case frameSync:
		st, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		reply(session.Event{Type: EventState, Data: st})
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
	}
}
