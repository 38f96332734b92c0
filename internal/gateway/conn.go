package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"go.uber.org/zap"
)

// Message is the JSON shape exchanged with clients in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// conn is one authenticated socket.
type conn struct {
	id     string
	userID string
	orgID  string
	ws     *websocket.Conn
	send   chan []byte
	log    *zap.Logger

	// rooms is guarded by the hub lock.
	rooms map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id, userID, orgID string, ws *websocket.Conn, buffer int, log *zap.Logger) *conn {
	return &conn{
		id:     id,
		userID: userID,
		orgID:  orgID,
		ws:     ws,
		send:   make(chan []byte, buffer),
		log:    log.With(zap.String("conn_id", id), zap.String("user_id", userID)),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue hands msg to the write pump, dropping it when the client is too slow.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.GatewayFramesDropped.Inc()
		c.log.Warn("send buffer full, dropping frame")
		return false
	}
}

func (c *conn) emit(event string, payload interface{}) {
	msg, err := encodeMessage(event, payload)
	if err != nil {
		c.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func encodeMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Raw(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: event, Payload: raw})
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump passes every client message to handle until the socket closes.
func (c *conn) readPump(cfg Config, handle func(*conn, Message)) {
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected socket close", zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.emit(EventError, errorPayload{Message: "malformed message"})
			continue
		}
		handle(c, msg)
	}
}
