package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bizchat/server/chat/api"
	"bizchat/server/chat/directory"
	"bizchat/server/chat/domain"
	"bizchat/server/chat/service"
	"bizchat/server/chat/session"
	"bizchat/server/chat/store"
	commonauth "bizchat/server/common/auth"
)

type testServer struct {
	srv  *httptest.Server
	auth *commonauth.Service
	hub  *service.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := commonauth.NewService("test-secret", 60)
	hub := service.NewHub()
	messages := store.NewMemory(nil, 0)
	dir := directory.NewMemory(domain.User{ID: "carla", Name: "Carla"})
	factory := func(id string, sink func(session.Event)) *session.Session {
		return session.New(id, session.Deps{
			Store:       messages,
			Directory:   dir,
			Broadcaster: hub,
			Relay:       hub,
		}, session.Config{}, sink)
	}

	h := api.NewHandler(auth, hub, factory)
	h.UseRegistry(dir)
	r := gin.New()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, auth: auth, hub: hub}
}

func (ts *testServer) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := ts.auth.GenerateToken(commonauth.Identity{UserID: userID, Name: name, Role: "member"})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/chat"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial websocket: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) get(t *testing.T, path, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readUntil reads events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasUsers(users []domain.User, ids ...string) bool {
	seen := map[string]bool{}
	for _, u := range users {
		seen[u.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return false
		}
	}
	return true
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body api.HealthResponse
	if code := ts.get(t, "/health", "", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Status != "ok" || body.Sessions != 0 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.get(t, "/api/v1/chat/unread", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := ts.get(t, "/api/v1/chat/unread", "not-a-token", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", code)
	}
}

func TestRESTWithoutLiveSession(t *testing.T) {
	ts := newTestServer(t)
	var body api.ErrorResponse
	if code := ts.get(t, "/api/v1/chat/roster", ts.token(t, "ana", "Ana"), &body); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestWebsocketRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/chat?token=broken"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestSendOverWebsocketCountsUnreadForRecipient(t *testing.T) {
	ts := newTestServer(t)
	anaToken := ts.token(t, "ana", "Ana")
	brunoToken := ts.token(t, "bruno", "Bruno")

	ana := ts.dial(t, anaToken)
	readUntil(t, ana, session.EventPresenceChanged)
	bruno := ts.dial(t, brunoToken)
	readUntil(t, bruno, session.EventPresenceChanged)

	if err := ana.WriteJSON(map[string]string{"type": "send", "to": "bruno", "body": "hello"}); err != nil {
		t.Fatalf("write send frame: %v", err)
	}

	var unread api.UnreadResponse
	waitFor(t, "bruno unread over REST", func() bool {
		code := ts.get(t, "/api/v1/chat/unread", brunoToken, &unread)
		return code == http.StatusOK && unread.Counts["ana"] == 1
	})
	if unread.Total != 1 || unread.UserID != "bruno" {
		t.Fatalf("expected one unread for bruno, got %+v", unread)
	}

	var roster api.RosterResponse
	waitFor(t, "roster with bruno and carla", func() bool {
		code := ts.get(t, "/api/v1/chat/roster", anaToken, &roster)
		return code == http.StatusOK && hasUsers(roster.Items, "bruno", "carla")
	})
	if ts.hub.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", ts.hub.SessionCount())
	}
}

func TestIdentifyFrameAndErrors(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	if err := conn.WriteJSON(map[string]string{"type": "open", "peer": "bruno"}); err != nil {
		t.Fatalf("write open frame: %v", err)
	}
	ev := readUntil(t, conn, session.EventError)
	var payload session.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Op != "open" {
		t.Fatalf("expected open error, got %+v", payload)
	}

	if err := conn.WriteJSON(map[string]string{"type": "identify", "token": ts.token(t, "ana", "Ana")}); err != nil {
		t.Fatalf("write identify frame: %v", err)
	}
	readUntil(t, conn, session.EventPresenceChanged)

	if err := conn.WriteJSON(map[string]string{"type": "sync"}); err != nil {
		t.Fatalf("write sync frame: %v", err)
	}
	ev = readUntil(t, conn, api.EventState)
	var st session.State
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.User == nil || st.User.ID != "ana" || st.Status != domain.StatusActive {
		t.Fatalf("expected ana active, got %+v", st)
	}

	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatalf("write unknown frame: %v", err)
	}
	ev = readUntil(t, conn, session.EventError)
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Op != "dance" {
		t.Fatalf("expected error for unknown frame, got %+v (%v)", payload, err)
	}
}
