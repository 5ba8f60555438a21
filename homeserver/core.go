// Package homeserver orchestrates logins, room lifecycle and message sending
// on top of the volatile state stores. It is the only component that mutates
// the room registry, the event log and the session registry.
package homeserver

import (
	"os"

	"github.com/jianluochat/chatd/internal"
	"github.com/jianluochat/chatd/state"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Core implements the homeserver operations. Store handles are injected via
// the constructor; there are no package-level registries.
type Core struct {
	domain      string
	store       *state.Storage
	sessions    *state.Sessions
	worldRoomID string
}

func NewCore(domain string, store *state.Storage, sessions *state.Sessions) *Core {
	return &Core{
		domain:   domain,
		store:    store,
		sessions: sessions,
	}
}

// SystemUserID is the owner of server-created rooms like the world channel.
func (c *Core) SystemUserID() string {
	return internal.UserID("system", c.domain)
}

// WorldRoomID returns the well-known public room every user is joined to.
// Empty until BootstrapWorldRoom has run.
func (c *Core) WorldRoomID() string {
	return c.worldRoomID
}

// BootstrapWorldRoom creates the world channel. Call once at startup, before
// any traffic.
func (c *Core) BootstrapWorldRoom() error {
	alias := internal.WorldRoomAlias(c.domain)
	roomID := internal.NewRoomID(c.domain)
	system := c.SystemUserID()
	_, err := c.store.CreateRoom(roomID, alias, system, "World Channel",
		"Public chat space shared by every user on this server.", true, false)
	if err != nil {
		return err
	}
	if _, err := c.store.AppendEvent(roomID, state.NewRoomCreateEvent(roomID, system)); err != nil {
		return err
	}
	c.worldRoomID = roomID
	logger.Info().Str("room", roomID).Str("alias", alias).Msg("world room initialised")
	return nil
}

// RegisterOrLogin returns the user's session, creating one if none is active.
// Idempotent: a call for an already-active session returns the same session
// unchanged. A fresh session is auto-joined to the world room.
func (c *Core) RegisterOrLogin(username, password string) (state.Session, error) {
	if username == "" {
		return state.Session{}, internal.ErrInvalidPayload
	}
	userID := internal.UserID(username, c.domain)
	sess, fresh := c.sessions.NewSession(userID)
	if !fresh {
		return sess, nil
	}
	logger.Info().Str("user", userID).Str("device", sess.DeviceID).Msg("user logged in")
	if c.worldRoomID != "" {
		if _, err := c.JoinRoom(userID, c.worldRoomID); err != nil {
			logger.Warn().Err(err).Str("user", userID).Msg("failed to auto-join world room")
		}
		sess, _ = c.sessions.Session(userID)
	}
	return sess, nil
}

// UserIDFromToken resolves a bearer token to an authenticated user ID.
func (c *Core) UserIDFromToken(token string) (string, error) {
	sess, ok := c.sessions.SessionByToken(token)
	if !ok || !sess.Active {
		return "", internal.ErrAuthenticationRequired
	}
	return sess.UserID, nil
}

// Logout marks the user's session inactive; its sync loop winds down by the
// next poll.
func (c *Core) Logout(userID string) {
	c.sessions.MarkInactive(userID)
	logger.Info().Str("user", userID).Msg("user logged out")
}

func (c *Core) requireActive(userID string) error {
	if !c.sessions.IsActive(userID) {
		return internal.ErrAuthenticationRequired
	}
	return nil
}

// CreateRoom creates a room owned by creatorID, who is auto-joined at the
// maximum power level. Public rooms get an alias derived from the name.
func (c *Core) CreateRoom(creatorID, name, topic string, isPublic bool) (string, error) {
	if err := c.requireActive(creatorID); err != nil {
		return "", err
	}
	if name == "" {
		return "", internal.ErrInvalidPayload
	}
	roomID := internal.NewRoomID(c.domain)
	alias := ""
	if isPublic {
		alias = internal.RoomAlias(name, c.domain)
	}
	if _, err := c.store.CreateRoom(roomID, alias, creatorID, name, topic, isPublic, false); err != nil {
		return "", err
	}
	if _, err := c.store.AppendEvent(roomID, state.NewRoomCreateEvent(roomID, creatorID)); err != nil {
		return "", err
	}
	// the member set already contains the creator; record the session side and
	// append the membership event so the log folds back to the same state
	c.sessions.JoinRoom(creatorID, roomID)
	if _, err := c.store.AppendEvent(roomID, state.NewMemberEvent(roomID, creatorID, creatorID, state.MembershipJoin)); err != nil {
		return "", err
	}
	logger.Info().Str("room", roomID).Str("creator", creatorID).Str("name", name).Msg("room created")
	return roomID, nil
}

// JoinRoom joins the user to the room. Returns true for a fresh join and for
// an already-joined member; a membership event is appended only when the
// member set actually changed.
func (c *Core) JoinRoom(userID, identifier string) (bool, error) {
	if err := c.requireActive(userID); err != nil {
		return false, err
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return false, err
	}
	// update the session's joined set before the event is appended: a sync
	// poller that can see the event's position must also see the room
	c.sessions.JoinRoom(userID, roomID)
	changed, err := c.store.ApplyMembership(roomID, userID, state.MembershipJoin)
	if err != nil {
		return false, err
	}
	if !changed {
		return true, nil
	}
	if _, err := c.store.AppendEvent(roomID, state.NewMemberEvent(roomID, userID, userID, state.MembershipJoin)); err != nil {
		return false, err
	}
	logger.Info().Str("user", userID).Str("room", roomID).Msg("user joined room")
	return true, nil
}

// LeaveRoom removes the user from the room and appends the membership event.
// No-op if the user is not a member.
func (c *Core) LeaveRoom(userID, identifier string) error {
	if err := c.requireActive(userID); err != nil {
		return err
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return err
	}
	changed, err := c.store.ApplyMembership(roomID, userID, state.MembershipLeave)
	if err != nil {
		return err
	}
	c.sessions.LeaveRoom(userID, roomID)
	if !changed {
		return nil
	}
	if _, err := c.store.AppendEvent(roomID, state.NewMemberEvent(roomID, userID, userID, state.MembershipLeave)); err != nil {
		return err
	}
	logger.Info().Str("user", userID).Str("room", roomID).Msg("user left room")
	return nil
}

// SendMessage appends a message event to the room and returns its event ID.
// The sender must currently be joined; the membership check runs before any
// event is read or written.
func (c *Core) SendMessage(userID, identifier, body string) (string, error) {
	if err := c.requireActive(userID); err != nil {
		return "", err
	}
	if body == "" {
		return "", internal.ErrInvalidPayload
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return "", err
	}
	member, err := c.store.IsMember(roomID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", internal.ErrNotAMember
	}
	ev, err := c.store.AppendEvent(roomID, state.NewMessageEvent(roomID, userID, "m.text", body))
	if err != nil {
		return "", err
	}
	logger.Debug().Str("event", ev.ID).Str("room", roomID).Msg("message sent")
	return ev.ID, nil
}

// RoomMessages returns up to limit message events, most recent first. The
// membership check runs strictly before any event data is read, so
// non-members learn nothing about the room's contents.
func (c *Core) RoomMessages(userID, identifier string, limit int) ([]*state.Event, error) {
	if err := c.requireActive(userID); err != nil {
		return nil, err
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return nil, err
	}
	member, err := c.store.IsMember(roomID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, internal.ErrNotAMember
	}
	return c.store.LatestEvents(roomID, limit, state.EventTypeMessage)
}

// SetRoomName appends an m.room.name state event; the new name replaces the
// old by the state fold.
func (c *Core) SetRoomName(userID, identifier, name string) error {
	return c.setStateEvent(userID, identifier, func(roomID string) *state.Event {
		return state.NewNameEvent(roomID, userID, name)
	})
}

// SetRoomTopic appends an m.room.topic state event.
func (c *Core) SetRoomTopic(userID, identifier, topic string) error {
	return c.setStateEvent(userID, identifier, func(roomID string) *state.Event {
		return state.NewTopicEvent(roomID, userID, topic)
	})
}

func (c *Core) setStateEvent(userID, identifier string, build func(roomID string) *state.Event) error {
	if err := c.requireActive(userID); err != nil {
		return err
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return err
	}
	member, err := c.store.IsMember(roomID, userID)
	if err != nil {
		return err
	}
	if !member {
		return internal.ErrNotAMember
	}
	_, err = c.store.AppendEvent(roomID, build(roomID))
	return err
}

// Typing validates membership and returns the ephemeral typing event for
// fan-out. Typing events are never appended to the room log.
func (c *Core) Typing(userID, identifier string, isTyping bool) (*state.Event, error) {
	if err := c.requireActive(userID); err != nil {
		return nil, err
	}
	roomID, err := c.store.ResolveRoomID(identifier)
	if err != nil {
		return nil, err
	}
	member, err := c.store.IsMember(roomID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, internal.ErrNotAMember
	}
	return state.NewTypingEvent(roomID, userID, isTyping), nil
}

// RoomState exposes a read-only snapshot of the room for callers that need
// metadata (gateway, tests).
func (c *Core) RoomState(identifier string) (state.RoomState, error) {
	return c.store.RoomState(identifier)
}

// RoomEvent is a server-internal read used by the gateway's fan-out path; it
// performs no membership check because the caller already authorised the
// write that produced the event.
func (c *Core) RoomEvent(identifier, eventID string) (*state.Event, error) {
	ev, err := c.store.EventByID(identifier, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, internal.ErrInvalidPayload
	}
	return ev, nil
}
