package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jianluochat/chatd/internal"
	"github.com/tidwall/gjson"
)

// Outbound frame types.
const (
	OutConnected       = "CONNECTED"
	OutPong            = "PONG"
	OutRoomJoined      = "ROOM_JOINED"
	OutRoomLeft        = "ROOM_LEFT"
	OutWorldJoined     = "WORLD_JOINED"
	OutNewMessage      = "NEW_MESSAGE"
	OutWorldMessage    = "WORLD_MESSAGE"
	OutTypingIndicator = "TYPING_INDICATOR"
	OutError           = "ERROR"
)

// Envelope is the JSON object every frame is wrapped in, both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps data (marshalled, or JSON null when nil) in an envelope
// stamped with the current time.
func NewEnvelope(frameType, message string, data interface{}) Envelope {
	raw := json.RawMessage("null")
	if data != nil {
		b, err := json.Marshal(data)
		if err == nil {
			raw = b
		}
	}
	return Envelope{
		Type:      frameType,
		Message:   message,
		Data:      raw,
		Timestamp: time.Now(),
	}
}

// Command is the closed set of inbound frames. ParseCommand returns exactly
// one of the concrete types below; an unrecognised type tag is an
// UnknownCommandError, never a silent default.
type Command interface {
	isCommand()
}

type PingCommand struct{}

type JoinRoomCommand struct {
	RoomCode string
}

type LeaveRoomCommand struct {
	RoomCode string
}

type JoinWorldCommand struct{}

type ChatMessageCommand struct {
	// RoomCode and RoomID both identify the target room; RoomID wins when both
	// are present.
	RoomCode string
	RoomID   string
	Content  string
	MsgType  string
	// TxnID, when set, lets the gateway drop resends of the same message after
	// a reconnect.
	TxnID string
}

// Identifier returns whichever room identifier the client supplied.
func (c ChatMessageCommand) Identifier() string {
	if c.RoomID != "" {
		return c.RoomID
	}
	return c.RoomCode
}

type WorldMessageCommand struct {
	Content string
}

type TypingCommand struct {
	RoomCode string
	IsTyping bool
}

func (PingCommand) isCommand()        {}
func (JoinRoomCommand) isCommand()    {}
func (LeaveRoomCommand) isCommand()   {}
func (JoinWorldCommand) isCommand()   {}
func (ChatMessageCommand) isCommand() {}
func (WorldMessageCommand) isCommand() {}
func (TypingCommand) isCommand()      {}

// UnknownCommandError marks a frame whose type tag is not part of the
// protocol.
type UnknownCommandError struct {
	Type string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type %q", e.Type)
}

// ParseCommand decodes one inbound frame into its command variant.
func ParseCommand(raw []byte) (Command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, internal.ErrInvalidPayload
	}
	frame := gjson.ParseBytes(raw)
	data := frame.Get("data")
	switch frame.Get("type").Str {
	case "PING":
		return PingCommand{}, nil
	case "JOIN_ROOM":
		roomCode := data.Get("roomCode").Str
		if roomCode == "" {
			return nil, internal.ErrInvalidPayload
		}
		return JoinRoomCommand{RoomCode: roomCode}, nil
	case "LEAVE_ROOM":
		roomCode := data.Get("roomCode").Str
		if roomCode == "" {
			return nil, internal.ErrInvalidPayload
		}
		return LeaveRoomCommand{RoomCode: roomCode}, nil
	case "JOIN_WORLD":
		return JoinWorldCommand{}, nil
	case "CHAT_MESSAGE":
		cmd := ChatMessageCommand{
			RoomCode: data.Get("roomCode").Str,
			RoomID:   data.Get("roomId").Str,
			Content:  data.Get("content").Str,
			MsgType:  data.Get("messageType").Str,
			TxnID:    data.Get("txnId").Str,
		}
		if cmd.Identifier() == "" || cmd.Content == "" {
			return nil, internal.ErrInvalidPayload
		}
		return cmd, nil
	case "WORLD_MESSAGE":
		content := data.Get("content").Str
		if content == "" {
			return nil, internal.ErrInvalidPayload
		}
		return WorldMessageCommand{Content: content}, nil
	case "TYPING":
		roomCode := data.Get("roomCode").Str
		if roomCode == "" {
			return nil, internal.ErrInvalidPayload
		}
		return TypingCommand{RoomCode: roomCode, IsTyping: data.Get("isTyping").Bool()}, nil
	default:
		return nil, &UnknownCommandError{Type: frame.Get("type").Str}
	}
}
