// Package gateway is the push side of the server: it upgrades authenticated
// clients to a live channel, forwards their commands into the homeserver core
// and fans resulting events out to the connected members of each room.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jianluochat/chatd/homeserver"
	"github.com/jianluochat/chatd/internal"
	"github.com/jianluochat/chatd/state"
	"github.com/jianluochat/chatd/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Authenticator resolves a bearer token to an authenticated user ID. The
// gateway trusts the returned ID.
type Authenticator interface {
	UserIDFromToken(token string) (string, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(token string) (string, error)

func (f AuthenticatorFunc) UserIDFromToken(token string) (string, error) {
	return f(token)
}

const (
	tokenCacheTTL = 1 * time.Minute
	txnCacheTTL   = 5 * time.Minute
)

// Gateway holds the channel-by-user map and the room presence index. Each
// index has its own lock-free-reader structure; there is no single global
// lock across them.
type Gateway struct {
	core   *homeserver.Core
	auth   Authenticator
	engine *syncer.Engine

	tracker *ConnTracker
	conns   *connMap

	upgrader websocket.Upgrader
	// token -> user ID, so a chatty client doesn't hit the identity service
	// on every reconnect. Logout takes up to tokenCacheTTL to propagate here.
	tokenCache *ttlcache.Cache[string, string]
	// user+txnId -> event ID, so a reconnect resend doesn't append twice
	txns *ttlcache.Cache[string, string]

	numConnections prometheus.Gauge
	framesFanned   prometheus.Counter
}

func NewGateway(core *homeserver.Core, auth Authenticator, enablePrometheus bool) *Gateway {
	g := &Gateway{
		core:    core,
		auth:    auth,
		tracker: NewConnTracker(),
		conns:   newConnMap(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		tokenCache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](tokenCacheTTL),
		),
		txns: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](txnCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	go g.tokenCache.Start()
	go g.txns.Start()
	if enablePrometheus {
		g.addPrometheusMetrics()
	}
	return g
}

func (g *Gateway) addPrometheusMetrics() {
	g.numConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "gateway",
		Name:      "num_connections",
		Help:      "Number of live websocket connections.",
	})
	g.framesFanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "gateway",
		Name:      "frames_fanned_total",
		Help:      "Number of frames pushed to client channels.",
	})
	prometheus.MustRegister(g.numConnections, g.framesFanned)
}

// AttachEngine wires the sync engine in. Call once before serving traffic;
// the engine's sink should be this gateway.
func (g *Gateway) AttachEngine(engine *syncer.Engine) {
	g.engine = engine
}

// Teardown stops background caches and unregisters metrics.
func (g *Gateway) Teardown() {
	g.tokenCache.Stop()
	g.txns.Stop()
	if g.numConnections != nil {
		prometheus.Unregister(g.numConnections)
		prometheus.Unregister(g.framesFanned)
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	return ""
}

func (g *Gateway) authenticate(token string) (string, error) {
	if token == "" {
		return "", internal.ErrAuthenticationRequired
	}
	if item := g.tokenCache.Get(token); item != nil {
		return item.Value(), nil
	}
	userID, err := g.auth.UserIDFromToken(token)
	if err != nil {
		return "", err
	}
	g.tokenCache.Set(token, userID, ttlcache.DefaultTTL)
	return userID, nil
}

// HandleWS validates the caller's bearer token, upgrades to a live channel
// and runs the read loop until the peer goes away. Each inbound frame is
// handled as its own task so one user's slow command never blocks another's.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authenticate(bearerToken(r))
	if err != nil {
		he := &internal.HandlerError{StatusCode: http.StatusUnauthorized, Err: err}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(he.StatusCode)
		w.Write(he.JSON())
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("user", userID).Msg("websocket upgrade failed")
		return
	}

	c := newConn(userID, ws)
	if old := g.conns.replace(userID, c); old != nil {
		// at most one usable channel per session
		old.Close()
	}
	if g.numConnections != nil {
		g.numConnections.Inc()
	}
	logger.Info().Str("user", userID).Msg("websocket connection established")

	c.Enqueue(NewEnvelope(OutConnected, "welcome", nil))
	if g.engine != nil {
		g.engine.EnsurePolling(context.Background(), userID)
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info().Str("user", userID).Msg("peer closed connection")
			} else {
				logger.Warn().Err(err).Str("user", userID).Msg("read failed")
			}
			break
		}
		frame := raw
		go g.handleCommand(context.Background(), c, frame)
	}
	g.disconnect(c)
}

// disconnect tears the channel down: it is removed from the channel map and
// from every room index entry immediately, so subsequent fan-out can never
// reach it.
func (g *Gateway) disconnect(c *conn) {
	if g.conns.removeIfCurrent(c.userID, c) {
		g.tracker.RemoveUser(c.userID)
		if g.engine != nil {
			g.engine.StopSession(c.userID)
		}
		if g.numConnections != nil {
			g.numConnections.Dec()
		}
		logger.Info().Str("user", c.userID).Msg("websocket connection closed")
	}
	c.Close()
}

// handleCommand processes one inbound frame. Every failure path produces
// exactly one ERROR frame to the originating channel and nothing anywhere
// else.
func (g *Gateway) handleCommand(ctx context.Context, c channel, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			internal.GetSentryHubFromContextOrDefault(ctx).Recover(r)
			logger.Error().Interface("panic", r).Str("user", c.UserID()).Msg("panic handling command")
			g.sendError(c, "internal error")
		}
	}()

	cmd, err := ParseCommand(raw)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}

	switch cmd := cmd.(type) {
	case PingCommand:
		c.Enqueue(NewEnvelope(OutPong, "pong", nil))
	case JoinRoomCommand:
		g.handleJoinRoom(c, cmd)
	case LeaveRoomCommand:
		g.handleLeaveRoom(c, cmd)
	case JoinWorldCommand:
		g.tracker.UserJoinedRoom(c.UserID(), g.core.WorldRoomID())
		c.Enqueue(NewEnvelope(OutWorldJoined, "joined world channel", map[string]string{"channel": "world"}))
	case ChatMessageCommand:
		g.handleChatMessage(c, cmd)
	case WorldMessageCommand:
		g.handleWorldMessage(c, cmd)
	case TypingCommand:
		g.handleTyping(c, cmd)
	}
}

func errorReason(err error) string {
	var unknown *UnknownCommandError
	if errors.As(err, &unknown) {
		return unknown.Error()
	}
	return err.Error()
}

func (g *Gateway) sendError(c channel, reason string) {
	c.Enqueue(NewEnvelope(OutError, reason, nil))
}

func (g *Gateway) handleJoinRoom(c channel, cmd JoinRoomCommand) {
	userID := c.UserID()
	if _, err := g.core.JoinRoom(userID, cmd.RoomCode); err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	st, err := g.core.RoomState(cmd.RoomCode)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	g.tracker.UserJoinedRoom(userID, st.ID)
	c.Enqueue(NewEnvelope(OutRoomJoined, "joined room", map[string]string{"roomCode": cmd.RoomCode}))
}

func (g *Gateway) handleLeaveRoom(c channel, cmd LeaveRoomCommand) {
	userID := c.UserID()
	st, err := g.core.RoomState(cmd.RoomCode)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	if err := g.core.LeaveRoom(userID, st.ID); err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	g.tracker.UserLeftRoom(userID, st.ID)
	c.Enqueue(NewEnvelope(OutRoomLeft, "left room", map[string]string{"roomCode": cmd.RoomCode}))
}

// messageData is the payload of NEW_MESSAGE and WORLD_MESSAGE frames.
type messageData struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
}

func messageDataFromEvent(ev *state.Event) messageData {
	return messageData{
		ID:          ev.ID,
		RoomID:      ev.RoomID,
		Sender:      ev.Sender,
		Content:     ev.ContentField("body").Str,
		MessageType: ev.ContentField("msgtype").Str,
		Timestamp:   ev.Timestamp,
	}
}

func (g *Gateway) handleChatMessage(c channel, cmd ChatMessageCommand) {
	userID := c.UserID()
	txnKey := ""
	if cmd.TxnID != "" {
		txnKey = userID + " " + cmd.TxnID
		if g.txns.Get(txnKey) != nil {
			// resend of a message we already appended
			return
		}
	}
	eventID, err := g.core.SendMessage(userID, cmd.Identifier(), cmd.Content)
	if err != nil {
		// includes the unknown-room case: one ERROR to the sender, never a
		// broadcast to unrelated connections
		g.sendError(c, errorReason(err))
		return
	}
	if txnKey != "" {
		g.txns.Set(txnKey, eventID, ttlcache.DefaultTTL)
	}
	st, err := g.core.RoomState(cmd.Identifier())
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	ev, err := g.core.RoomEvent(st.ID, eventID)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	g.fanOutToRoom(st.ID, OutNewMessage, "new message", ev, "")
}

func (g *Gateway) handleWorldMessage(c channel, cmd WorldMessageCommand) {
	userID := c.UserID()
	worldID := g.core.WorldRoomID()
	eventID, err := g.core.SendMessage(userID, worldID, cmd.Content)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	ev, err := g.core.RoomEvent(worldID, eventID)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	data := messageDataFromEvent(ev)
	// world messages go to every connection, not just the room index
	for _, ch := range g.conns.all() {
		g.push(ch, NewEnvelope(OutWorldMessage, "world message", data), ev.ID)
	}
}

func (g *Gateway) handleTyping(c channel, cmd TypingCommand) {
	userID := c.UserID()
	ev, err := g.core.Typing(userID, cmd.RoomCode, cmd.IsTyping)
	if err != nil {
		g.sendError(c, errorReason(err))
		return
	}
	data := map[string]interface{}{
		"userId":   userID,
		"roomCode": cmd.RoomCode,
		"isTyping": cmd.IsTyping,
	}
	env := NewEnvelope(OutTypingIndicator, "typing", data)
	for _, member := range g.tracker.UsersInRoom(ev.RoomID, func(u string) bool { return u != userID }) {
		if ch := g.conns.get(member); ch != nil {
			g.push(ch, env, ev.ID)
		}
	}
}

// fanOutToRoom delivers the event to every connected user in the room's
// presence index. If the room has no index entry nobody is contacted; there
// is deliberately no broadcast fallback.
func (g *Gateway) fanOutToRoom(roomID, frameType, message string, ev *state.Event, excludeUser string) {
	data := messageDataFromEvent(ev)
	env := NewEnvelope(frameType, message, data)
	for _, member := range g.tracker.UsersInRoom(roomID, func(u string) bool { return u != excludeUser }) {
		if ch := g.conns.get(member); ch != nil {
			g.push(ch, env, ev.ID)
		}
	}
}

// push delivers one frame to one channel, at most once per event ID.
func (g *Gateway) push(ch channel, env Envelope, eventID string) {
	if eventID != "" && !ch.MarkSeen(eventID) {
		return
	}
	if ch.Enqueue(env) && g.framesFanned != nil {
		g.framesFanned.Inc()
	}
}

// OnDelta implements syncer.Sink: live events collected by the session's
// poller are pushed down the user's channel. Events already delivered by the
// command fast path are skipped by the per-channel seen gate.
func (g *Gateway) OnDelta(ctx context.Context, delta *syncer.Delta) {
	ch := g.conns.get(delta.UserID)
	if ch == nil {
		// channel gone; the session will catch up from its cursor next time
		return
	}
	worldID := g.core.WorldRoomID()
	for _, ev := range delta.Events {
		if !ev.IsMessage() {
			continue
		}
		frameType := OutNewMessage
		message := "new message"
		if ev.RoomID == worldID {
			frameType = OutWorldMessage
			message = "world message"
		}
		g.push(ch, NewEnvelope(frameType, message, messageDataFromEvent(ev)), ev.ID)
	}
}

// IsUserOnline reports whether the user currently has a live channel.
func (g *Gateway) IsUserOnline(userID string) bool {
	return g.conns.get(userID) != nil
}

// OnlineUserCount returns the number of live channels.
func (g *Gateway) OnlineUserCount() int {
	return g.conns.size()
}
