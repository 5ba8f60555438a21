package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jianluochat/chatd/internal"
)

func TestParseCommandVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Command
	}{
		{"ping", `{"type":"PING"}`, PingCommand{}},
		{"join room", `{"type":"JOIN_ROOM","data":{"roomCode":"#general:test"}}`, JoinRoomCommand{RoomCode: "#general:test"}},
		{"leave room", `{"type":"LEAVE_ROOM","data":{"roomCode":"#general:test"}}`, LeaveRoomCommand{RoomCode: "#general:test"}},
		{"join world", `{"type":"JOIN_WORLD"}`, JoinWorldCommand{}},
		{
			"chat message",
			`{"type":"CHAT_MESSAGE","data":{"roomCode":"#general:test","content":"hi","messageType":"m.text","txnId":"t1"}}`,
			ChatMessageCommand{RoomCode: "#general:test", Content: "hi", MsgType: "m.text", TxnID: "t1"},
		},
		{
			"chat message by room id",
			`{"type":"CHAT_MESSAGE","data":{"roomId":"!abc:test","content":"hi"}}`,
			ChatMessageCommand{RoomID: "!abc:test", Content: "hi"},
		},
		{"world message", `{"type":"WORLD_MESSAGE","data":{"content":"hello all"}}`, WorldMessageCommand{Content: "hello all"}},
		{"typing", `{"type":"TYPING","data":{"roomCode":"#general:test","isTyping":true}}`, TypingCommand{RoomCode: "#general:test", IsTyping: true}},
	}
	for _, tc := range cases {
		got, err := ParseCommand([]byte(tc.raw))
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %#v, want %#v", tc.name, got, tc.want)
		}
	}
}

func TestParseCommandRoomIDWins(t *testing.T) {
	raw := `{"type":"CHAT_MESSAGE","data":{"roomCode":"#general:test","roomId":"!abc:test","content":"hi"}}`
	got, err := ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	cmd := got.(ChatMessageCommand)
	if cmd.Identifier() != "!abc:test" {
		t.Errorf("Identifier: got %q, want the room ID to win", cmd.Identifier())
	}
}

func TestParseCommandUnknownType(t *testing.T) {
	_, err := ParseCommand([]byte(`{"type":"SELF_DESTRUCT"}`))
	var unknown *UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownCommandError", err)
	}
	if unknown.Type != "SELF_DESTRUCT" {
		t.Errorf("unknown type tag: got %q", unknown.Type)
	}
}

func TestParseCommandRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"join without room", `{"type":"JOIN_ROOM","data":{}}`},
		{"leave without room", `{"type":"LEAVE_ROOM"}`},
		{"message without room", `{"type":"CHAT_MESSAGE","data":{"content":"hi"}}`},
		{"message without content", `{"type":"CHAT_MESSAGE","data":{"roomCode":"#a:test"}}`},
		{"world message without content", `{"type":"WORLD_MESSAGE","data":{}}`},
		{"typing without room", `{"type":"TYPING","data":{"isTyping":true}}`},
	}
	for _, tc := range cases {
		if _, err := ParseCommand([]byte(tc.raw)); !errors.Is(err, internal.ErrInvalidPayload) {
			t.Errorf("%s: got %v, want ErrInvalidPayload", tc.name, err)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(OutRoomJoined, "joined", map[string]string{"roomCode": "#a:test"})
	if env.Type != OutRoomJoined || env.Message != "joined" {
		t.Errorf("envelope header: %+v", env)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data not JSON: %v", err)
	}
	if data["roomCode"] != "#a:test" {
		t.Errorf("data payload: %v", data)
	}
	if env.Timestamp.IsZero() {
		t.Errorf("envelope not timestamped")
	}

	empty := NewEnvelope(OutPong, "pong", nil)
	if string(empty.Data) != "null" {
		t.Errorf("nil data should marshal as JSON null, got %s", string(empty.Data))
	}
}
