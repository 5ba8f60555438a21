package state

import (
	"encoding/json"
	"time"

	"github.com/jianluochat/chatd/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event types understood by the server. Everything that happens in a room is
// one of these.
const (
	EventTypeMessage = "m.room.message"
	EventTypeMember  = "m.room.member"
	EventTypeCreate  = "m.room.create"
	EventTypeName    = "m.room.name"
	EventTypeTopic   = "m.room.topic"
	EventTypeTyping  = "m.typing"
)

// Membership values carried by m.room.member events.
const (
	MembershipJoin  = "join"
	MembershipLeave = "leave"
)

// Event is an immutable record of a message or state change within a room.
// Seq is the position within the room's log; Position is the append position
// across all rooms and is what sync cursors are measured against. Both are
// assigned by Storage.AppendEvent and are never reused.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id"`
	Sender    string          `json:"sender"`
	Content   json.RawMessage `json:"content"`
	StateKey  *string         `json:"state_key,omitempty"`
	Seq       int64           `json:"seq"`
	Position  int64           `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsState reports whether this is a state event: its content replaces the
// previous state event with the same type and state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

func (e *Event) IsMessage() bool {
	return e.Type == EventTypeMessage
}

// ContentField pulls a single field out of the opaque content payload.
func (e *Event) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

func newEvent(evType, roomID, sender string, content []byte, stateKey *string) *Event {
	return &Event{
		ID:        internal.NewEventID(),
		Type:      evType,
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		StateKey:  stateKey,
		Timestamp: time.Now(),
	}
}

func strptr(s string) *string { return &s }

// NewMessageEvent builds an m.room.message event with msgtype/body content.
func NewMessageEvent(roomID, sender, msgType, body string) *Event {
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "msgtype", msgType)
	content, _ = sjson.SetBytes(content, "body", body)
	return newEvent(EventTypeMessage, roomID, sender, content, nil)
}

// NewMemberEvent builds an m.room.member state event for targetUser.
func NewMemberEvent(roomID, sender, targetUser, membership string) *Event {
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "membership", membership)
	content, _ = sjson.SetBytes(content, "displayname", internal.Localpart(targetUser))
	return newEvent(EventTypeMember, roomID, sender, content, strptr(targetUser))
}

// NewRoomCreateEvent builds the m.room.create state event appended exactly
// once, when the room is created.
func NewRoomCreateEvent(roomID, creator string) *Event {
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "creator", creator)
	content, _ = sjson.SetBytes(content, "room_version", "9")
	return newEvent(EventTypeCreate, roomID, creator, content, strptr(""))
}

// NewNameEvent builds an m.room.name state event.
func NewNameEvent(roomID, sender, name string) *Event {
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "name", name)
	return newEvent(EventTypeName, roomID, sender, content, strptr(""))
}

// NewTopicEvent builds an m.room.topic state event.
func NewTopicEvent(roomID, sender, topic string) *Event {
	content := []byte(`{}`)
	content, _ = sjson.SetBytes(content, "topic", topic)
	return newEvent(EventTypeTopic, roomID, sender, content, strptr(""))
}

// NewTypingEvent builds an ephemeral m.typing event. Typing events are fanned
// out live but never appended to the room log.
func NewTypingEvent(roomID, sender string, isTyping bool) *Event {
	content := []byte(`{"user_ids":[]}`)
	if isTyping {
		content, _ = sjson.SetBytes(content, "user_ids.0", sender)
	}
	return newEvent(EventTypeTyping, roomID, sender, content, nil)
}
