package gateway

import (
	"context"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"go.uber.org/zap"
)

// Socket event names.
const (
	EventConnectionReady     = "connection:ready"
	EventError               = "error"
	EventPresenceUpdate      = "presence:update"
	EventPresenceSubscribe   = "presence:subscribe"
	EventPresenceUnsubscribe = "presence:unsubscribe"
	EventConversationJoin    = "conversation:join"
	EventConversationLeave   = "conversation:leave"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventMessageRead         = "message:read"
)

type readyPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	OrgID        string `json:"orgId,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type presenceUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type userRef struct {
	UserID string `json:"userId"`
}

// handleMessage dispatches one client message.
func (g *Gateway) handleMessage(c *conn, msg Message) {
	ctx := context.Background()
	switch msg.Type {
	case EventPresenceUpdate:
		var p presenceUpdate
		if !decode(c, msg, &p) {
			return
		}
		rec, err := g.presence.Set(ctx, c.userID, p.Status, p.Message)
		if err != nil {
			c.emit(EventError, errorPayload{Message: "presence update failed", Event: msg.Type})
			return
		}
		g.broadcast(ctx, []string{roomPresence + c.userID}, "", EventPresenceUpdate, rec)

	case EventConversationJoin, EventConversationLeave:
		var p conversationRef
		if !decode(c, msg, &p) || !requireField(c, msg, p.ConversationID, "conversationId") {
			return
		}
		room := roomConversation + p.ConversationID
		if msg.Type == EventConversationJoin {
			g.hub.join(room, c)
		} else {
			g.hub.leave(room, c)
		}

	case EventPresenceSubscribe:
		var p userRef
		if !decode(c, msg, &p) || !requireField(c, msg, p.UserID, "userId") {
			return
		}
		g.hub.join(roomPresence+p.UserID, c)
		rec, err := g.presence.Get(ctx, p.UserID)
		if err != nil {
			c.log.Warn("presence lookup failed", zap.String("target_user_id", p.UserID), zap.Error(err))
			return
		}
		c.emit(EventPresenceUpdate, rec)

	case EventPresenceUnsubscribe:
		var p userRef
		if !decode(c, msg, &p) || !requireField(c, msg, p.UserID, "userId") {
			return
		}
		g.hub.leave(roomPresence+p.UserID, c)

	case EventTypingStart, EventTypingStop, EventMessageRead:
		g.relayToConversation(ctx, c, msg)

	default:
		c.emit(EventError, errorPayload{Message: "unknown event type", Event: msg.Type})
	}
}

// relayToConversation re-broadcasts a client event to the conversation,
// excluding the sending socket, with the sender's user id stamped on it.
func (g *Gateway) relayToConversation(ctx context.Context, c *conn, msg Message) {
	var p map[string]interface{}
	if !decode(c, msg, &p) {
		return
	}
	id, _ := p["conversationId"].(string)
	if !requireField(c, msg, id, "conversationId") {
		return
	}
	if msg.Type == EventMessageRead {
		if mid, _ := p["messageId"].(string); !requireField(c, msg, mid, "messageId") {
			return
		}
	}
	p["userId"] = c.userID
	g.broadcast(ctx, []string{roomConversation + id}, c.id, msg.Type, p)
}

func decode(c *conn, msg Message, dst interface{}) bool {
	if len(msg.Payload) == 0 {
		c.emit(EventError, errorPayload{Message: "payload is required", Event: msg.Type})
		return false
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		c.emit(EventError, errorPayload{Message: "malformed payload", Event: msg.Type})
		return false
	}
	return true
}

func requireField(c *conn, msg Message, value, field string) bool {
	if value != "" {
		return true
	}
	c.emit(EventError, errorPayload{Message: field + " is required", Event: msg.Type})
	return false
}
