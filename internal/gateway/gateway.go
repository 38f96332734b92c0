// Package gateway is the realtime socket edge of the relay. It authenticates
// websocket handshakes, keeps room memberships for the connections on this
// node, relays client events and fans server broadcasts out through a
// Backplane so every node delivers to its own members.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"go.uber.org/zap"
)

// TokenVerifier validates handshake tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Context, error)
}

// Config tunes the socket edge.
type Config struct {
	// AllowedOrigins lists accepted Origin hosts or full origins; "*" accepts any.
	AllowedOrigins []string
	GraceWindow    time.Duration
	SendBuffer     int
	ReadLimit      int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// presenceStripes is the number of locks presence transitions are spread over.
const presenceStripes = 64

// Gateway serves authenticated websocket connections.
type Gateway struct {
	cfg       Config
	verifier  TokenVerifier
	presence  *presence.Service
	tracker   *presence.Tracker
	backplane Backplane
	hub       *hub
	upgrader  websocket.Upgrader
	log       *zap.Logger

	// presenceMu orders the ONLINE and OFFLINE writes of one user with their broadcasts.
	presenceMu [presenceStripes]sync.Mutex

	closing atomic.Bool
	wg      sync.WaitGroup
}

// New builds a gateway. Call Start before serving.
func New(cfg Config, verifier TokenVerifier, presenceSvc *presence.Service, backplane Backplane, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:       cfg,
		verifier:  verifier,
		presence:  presenceSvc,
		backplane: backplane,
		hub:       newHub(),
		log:       logger.Component(log, "gateway"),
	}
	g.tracker = presence.NewTracker(cfg.GraceWindow, g.markOffline)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Start subscribes the gateway to the backplane.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.backplane.Subscribe(ctx, g.deliver); err != nil {
		return relayerrors.Wrap(err, "start gateway")
	}
	return nil
}

// Tracker exposes the session registry of this node.
func (g *Gateway) Tracker() *presence.Tracker {
	return g.tracker
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := auth.ExtractToken(r)
	if token == "" {
		g.reject(w, "missing_token", relayerrors.ErrAuthenticationFailure)
		return
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, relayerrors.ErrTokenExpired) {
			reason = "expired_token"
		}
		g.reject(w, reason, err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.GatewayRejected.WithLabelValues("upgrade_failed").Inc()
		g.log.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), identity.UserID, identity.OrgID, ws, g.cfg.SendBuffer, g.log)
	g.accept(r.Context(), c)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writePump(g.cfg)
	}()
	go func() {
		defer g.wg.Done()
		c.readPump(g.cfg, g.handleMessage)
		g.disconnect(c)
	}()
}

func (g *Gateway) reject(w http.ResponseWriter, reason string, err error) {
	metrics.GatewayRejected.WithLabelValues(reason).Inc()
	g.log.Info("handshake rejected", zap.String("reason", reason), zap.Error(err))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// accept registers c, marks its user ONLINE and greets it.
func (g *Gateway) accept(ctx context.Context, c *conn) {
	ctx = context.WithoutCancel(ctx)
	g.hub.add(c)
	g.hub.join(roomUser+c.userID, c)
	if c.orgID != "" {
		g.hub.join(roomOrg+c.orgID, c)
	}
	g.tracker.Connect(c.userID, c.id)
	metrics.GatewayConnections.Inc()

	unlock := g.lockPresence(c.userID)
	if rec, err := g.presence.Set(ctx, c.userID, string(presence.Online), ""); err == nil {
		g.broadcast(ctx, []string{roomPresence + c.userID}, "", EventPresenceUpdate, rec)
	}
	unlock()

	c.emit(EventConnectionReady, readyPayload{ConnectionID: c.id, UserID: c.userID, OrgID: c.orgID})
	c.log.Info("socket connected", zap.String("org_id", c.orgID))
}

func (g *Gateway) disconnect(c *conn) {
	c.close()
	g.hub.remove(c)
	g.tracker.Disconnect(c.userID, c.id)
	metrics.GatewayConnections.Dec()
	c.log.Info("socket disconnected")
}

// markOffline runs when a user's grace window expires with no connection left.
// A connection accepted after the timer fired wins: it either stops the write
// here or waits for it and writes ONLINE afterwards.
func (g *Gateway) markOffline(userID string) {
	defer g.lockPresence(userID)()
	if g.tracker.IsPresent(userID) {
		return
	}
	ctx := context.Background()
	rec, err := g.presence.Set(ctx, userID, string(presence.Offline), "")
	if err != nil {
		return
	}
	g.broadcast(ctx, []string{roomPresence + userID}, "", EventPresenceUpdate, rec)
}

func (g *Gateway) lockPresence(userID string) func() {
	mu := &g.presenceMu[xxhash.Sum64String(userID)%presenceStripes]
	mu.Lock()
	return mu.Unlock
}

// deliver is the backplane callback: hand f to every local member once.
func (g *Gateway) deliver(f Frame) {
	msg, err := json.Marshal(Message{Type: f.Event, Payload: f.Payload})
	if err != nil {
		g.log.Error("failed to encode frame", zap.String("event", f.Event), zap.Error(err))
		return
	}
	for _, c := range g.hub.members(f.Rooms, f.Except) {
		c.enqueue(msg)
	}
}

// broadcast publishes a frame on the backplane. Failures are only logged.
func (g *Gateway) broadcast(ctx context.Context, rooms []string, except, event string, payload interface{}) {
	if len(rooms) == 0 {
		return
	}
	raw, err := json.Raw(payload)
	if err != nil {
		g.log.Error("failed to encode broadcast payload", zap.String("event", event), zap.Error(err))
		return
	}
	if err := g.backplane.Publish(ctx, Frame{Rooms: rooms, Event: event, Payload: raw, Except: except}); err != nil {
		logger.FromContext(ctx, g.log).Warn("backplane publish failed",
			zap.String("event", event),
			zap.Strings("rooms", rooms),
			zap.Error(err),
		)
	}
}

// BroadcastToConversation sends event to everyone who joined the conversation.
func (g *Gateway) BroadcastToConversation(ctx context.Context, conversationID, event string, payload interface{}) {
	g.broadcast(ctx, []string{roomConversation + conversationID}, "", event, payload)
}

// BroadcastToOrg sends event to every connection of the org.
func (g *Gateway) BroadcastToOrg(ctx context.Context, orgID, event string, payload interface{}) {
	g.broadcast(ctx, []string{roomOrg + orgID}, "", event, payload)
}

// BroadcastToUser sends event to every device of the user.
func (g *Gateway) BroadcastToUser(ctx context.Context, userID, event string, payload interface{}) {
	g.broadcast(ctx, []string{roomUser + userID}, "", event, payload)
}

// BroadcastToUsers sends one frame addressed to all listed users.
func (g *Gateway) BroadcastToUsers(ctx context.Context, userIDs []string, event string, payload interface{}) {
	seen := make(map[string]struct{}, len(userIDs))
	rooms := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rooms = append(rooms, roomUser+id)
	}
	g.broadcast(ctx, rooms, "", event, payload)
}

// Shutdown stops accepting sockets, closes the live ones and releases the backplane.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	for _, c := range g.hub.all() {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	g.tracker.Stop()
	if cerr := g.backplane.Close(); cerr != nil && err == nil {
		err = cerr
	}
	g.log.Info("gateway stopped")
	return err
}

// checkOrigin accepts non-browser clients and origins whose host or full
// value is allow-listed.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Hostname()) {
			return true
		}
	}
	return false
}
