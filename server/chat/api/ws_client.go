package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bizchat/server/chat/session"
	commonlog "bizchat/server/common/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// wsClient owns one websocket. Session events are queued on send and written
// by writePump; frames are read by the handler goroutine.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	sessionID string
}

func newWSClient(conn *websocket.Conn, sessionID string) *wsClient {
	return &wsClient{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		sessionID: sessionID,
	}
}

// push is the session sink. It runs on the session loop and never blocks;
// a client that cannot keep up loses events until it catches up, and every
// event carries full state so the next one repairs the view.
func (c *wsClient) push(ev session.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		commonlog.Warnf("event=chat_ws action=encode status=failed session_id=%s type=%s error=%v", c.sessionID, ev.Type, err)
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		commonlog.Warnf("event=chat_ws action=push status=dropped session_id=%s type=%s reason=buffer_full", c.sessionID, ev.Type)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				commonlog.Warnf("event=chat_ws action=write status=failed session_id=%s error=%v", c.sessionID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) prepareRead() {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readFrame blocks for the next client frame.
func (c *wsClient) readFrame() (clientFrame, error) {
	var frame clientFrame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{Type: frameInvalid}, nil
	}
	return frame, nil
}
