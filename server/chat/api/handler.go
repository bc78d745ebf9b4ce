package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/service"
	"bizchat/server/chat/session"
	commonauth "bizchat/server/common/auth"
	commonlog "bizchat/server/common/log"
	"bizchat/server/common/middleware"
	"bizchat/server/common/transport/httpresp"
)

const frameTimeout = 10 * time.Second

// SessionFactory builds a session that reports its events to sink.
type SessionFactory func(id string, sink func(session.Event)) *session.Session

// Registry learns about users as they identify, for deployments without a
// directory service.
type Registry interface {
	Register(user domain.User)
}

type Handler struct {
	auth       *commonauth.Service
	hub        *service.Hub
	newSession SessionFactory
	registry   Registry
	upgrader   websocket.Upgrader
}

func NewHandler(auth *commonauth.Service, hub *service.Hub, newSession SessionFactory) *Handler {
	return &Handler{
		auth:       auth,
		hub:        hub,
		newSession: newSession,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *Handler) UseRegistry(r Registry) {
	h.registry = r
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, NewHealthResponse("ok", h.hub.SessionCount()))
	})
	r.GET("/ws/chat", h.handleWS)

	api := r.Group("/api/v1/chat")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/roster", h.getRoster)
		api.GET("/unread", h.getUnread)
	}
}

// handleWS opens a session for the connection. A token on the upgrade
// request identifies the user right away; otherwise the client sends an
// identify frame.
func (h *Handler) handleWS(c *gin.Context) {
	var identity *commonauth.Identity
	if token, ok := wsAccessToken(c); ok {
		id, err := h.auth.ParseIdentity(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		identity = &id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=chat_ws action=upgrade status=failed error=%v", err)
		return
	}
	sessionID := uuid.NewString()
	client := newWSClient(conn, sessionID)
	s := h.newSession(sessionID, client.push)
	h.hub.Attach(s)
	commonlog.Infof("event=chat_ws action=connect session_id=%s remote=%s", sessionID, c.ClientIP())
	defer func() {
		h.hub.Detach(s)
		s.Close()
		client.close()
		commonlog.Infof("event=chat_ws action=disconnect session_id=%s", sessionID)
	}()

	go client.writePump()
	go func() {
		// a session closed elsewhere (server shutdown) ends the connection
		select {
		case <-s.Done():
			client.close()
		case <-client.done:
		}
	}()
	client.prepareRead()

	if identity != nil {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		err := h.identify(ctx, s, *identity)
		cancel()
		if err != nil {
			client.push(errorEvent(frameIdentify, err))
		}
	}

	for {
		frame, err := client.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				commonlog.Warnf("event=chat_ws action=read status=failed session_id=%s error=%v", sessionID, err)
			}
			return
		}
		if frame.Type == frameInvalid {
			client.push(errorEvent(frameInvalid, errors.New("frame is not valid json")))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		err = h.dispatch(ctx, s, frame, client.push)
		cancel()
		if err != nil {
			client.push(errorEvent(frame.Type, err))
		}
	}
}

func (h *Handler) identify(ctx context.Context, s *session.Session, id commonauth.Identity) error {
	user := userFromIdentity(id)
	if h.registry != nil {
		h.registry.Register(user)
	}
	return s.Identify(ctx, user, id.ExpiresAt)
}

func (h *Handler) getRoster(c *gin.Context) {
	st, ok := h.liveState(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, NewRosterResponse(st.Roster))
}

func (h *Handler) getUnread(c *gin.Context) {
	st, ok := h.liveState(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, NewUnreadResponse(st.User.ID, st.Unread))
}

// liveState reads the state of the caller's first live session on this node.
func (h *Handler) liveState(c *gin.Context) (session.State, bool) {
	id, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return session.State{}, false
	}
	for _, s := range h.hub.SessionsFor(id.UserID) {
		st, err := s.Snapshot(c.Request.Context())
		if err != nil || st.User == nil || st.User.ID != id.UserID {
			continue
		}
		return st, true
	}
	c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNoLiveSession))
	return session.State{}, false
}

func errorEvent(op string, err error) session.Event {
	return session.Event{Type: session.EventError, Data: session.ErrorPayload{Op: op, Message: err.Error()}}
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}
