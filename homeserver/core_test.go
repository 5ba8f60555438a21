package homeserver

import (
	"errors"
	"testing"

	"github.com/jianluochat/chatd/internal"
	"github.com/jianluochat/chatd/state"
)

func newTestCore(t *testing.T) (*Core, *state.Storage, *state.Sessions) {
	t.Helper()
	store := state.NewStorage(false)
	sessions := state.NewSessions()
	core := NewCore("test.local", store, sessions)
	if err := core.BootstrapWorldRoom(); err != nil {
		t.Fatalf("BootstrapWorldRoom: %v", err)
	}
	return core, store, sessions
}

func login(t *testing.T, core *Core, username string) state.Session {
	t.Helper()
	sess, err := core.RegisterOrLogin(username, "password")
	if err != nil {
		t.Fatalf("RegisterOrLogin(%q): %v", username, err)
	}
	return sess
}

func TestRegisterOrLogin(t *testing.T) {
	core, _, _ := newTestCore(t)
	first := login(t, core, "alice")
	if first.UserID != "@alice:test.local" {
		t.Errorf("user ID: got %q, want @alice:test.local", first.UserID)
	}

	// idempotent: same token back while the session is active
	second := login(t, core, "alice")
	if second.AccessToken != first.AccessToken {
		t.Errorf("re-login minted a new token for an active session")
	}

	// a fresh session is auto-joined to the world room
	member, err := core.store.IsMember(core.WorldRoomID(), first.UserID)
	if err != nil || !member {
		t.Errorf("alice should be in the world room: member=%v err=%v", member, err)
	}

	if _, err := core.RegisterOrLogin("", "password"); !errors.Is(err, internal.ErrInvalidPayload) {
		t.Errorf("empty username: got %v, want ErrInvalidPayload", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	core, _, _ := newTestCore(t)
	sess := login(t, core, "alice")

	userID, err := core.UserIDFromToken(sess.AccessToken)
	if err != nil || userID != sess.UserID {
		t.Fatalf("UserIDFromToken: got %q err=%v", userID, err)
	}
	if _, err := core.UserIDFromToken("mda_bogus"); !errors.Is(err, internal.ErrAuthenticationRequired) {
		t.Errorf("bogus token: got %v, want ErrAuthenticationRequired", err)
	}

	core.Logout(sess.UserID)
	if _, err := core.UserIDFromToken(sess.AccessToken); !errors.Is(err, internal.ErrAuthenticationRequired) {
		t.Errorf("token after logout: got %v, want ErrAuthenticationRequired", err)
	}
	if _, err := core.SendMessage(sess.UserID, core.WorldRoomID(), "hi"); !errors.Is(err, internal.ErrAuthenticationRequired) {
		t.Errorf("send after logout: got %v, want ErrAuthenticationRequired", err)
	}
}

func TestCreateRoom(t *testing.T) {
	core, store, sessions := newTestCore(t)
	alice := login(t, core, "alice")

	roomID, err := core.CreateRoom(alice.UserID, "My Project", "build things", true)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	st, err := core.RoomState(roomID)
	if err != nil {
		t.Fatalf("RoomState: %v", err)
	}
	if st.Creator != alice.UserID || !st.IsMember(alice.UserID) {
		t.Errorf("creator should be a member: %+v", st)
	}
	if st.PowerLevel(alice.UserID) != state.PowerLevelAdmin {
		t.Errorf("creator power level: got %d, want %d", st.PowerLevel(alice.UserID), state.PowerLevelAdmin)
	}
	// public rooms are addressable by the alias derived from the name
	if resolved, err := store.ResolveRoomID("#my_project:test.local"); err != nil || resolved != roomID {
		t.Errorf("alias lookup: got %q err=%v", resolved, err)
	}
	// the session's joined set includes the new room
	found := false
	for _, r := range sessions.JoinedRooms(alice.UserID) {
		if r == roomID {
			found = true
		}
	}
	if !found {
		t.Errorf("creator's session should list the new room")
	}

	// the log folds back to the same state: create event then creator join
	events, err := store.EventsBetween(roomID, 0, 0, 0, "")
	if err != nil {
		t.Fatalf("EventsBetween: %v", err)
	}
	if len(events) != 2 || events[0].Type != state.EventTypeCreate || events[1].Type != state.EventTypeMember {
		t.Errorf("room log after create: %v", eventTypes(events))
	}

	if _, err := core.CreateRoom(alice.UserID, "", "", false); !errors.Is(err, internal.ErrInvalidPayload) {
		t.Errorf("empty name: got %v, want ErrInvalidPayload", err)
	}
}

func eventTypes(events []*state.Event) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestJoinRoomIdempotent(t *testing.T) {
	core, store, _ := newTestCore(t)
	alice := login(t, core, "alice")
	bob := login(t, core, "bob")
	roomID, err := core.CreateRoom(alice.UserID, "General", "", true)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	before, _ := store.EventsBetween(roomID, 0, 0, 0, state.EventTypeMember)
	joined, err := core.JoinRoom(bob.UserID, roomID)
	if err != nil || !joined {
		t.Fatalf("first join: joined=%v err=%v", joined, err)
	}
	joined, err = core.JoinRoom(bob.UserID, roomID)
	if err != nil || !joined {
		t.Fatalf("second join should still report success: joined=%v err=%v", joined, err)
	}
	after, _ := store.EventsBetween(roomID, 0, 0, 0, state.EventTypeMember)
	if len(after) != len(before)+1 {
		t.Errorf("membership events: got %d, want %d (one per actual change)", len(after), len(before)+1)
	}

	if _, err := core.JoinRoom(bob.UserID, "!missing:test.local"); !errors.Is(err, internal.ErrRoomNotFound) {
		t.Errorf("join unknown room: got %v, want ErrRoomNotFound", err)
	}
}

func TestLeaveRoom(t *testing.T) {
	core, store, sessions := newTestCore(t)
	alice := login(t, core, "alice")
	bob := login(t, core, "bob")
	roomID, _ := core.CreateRoom(alice.UserID, "General", "", true)
	if _, err := core.JoinRoom(bob.UserID, roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	if err := core.LeaveRoom(bob.UserID, roomID); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	member, _ := store.IsMember(roomID, bob.UserID)
	if member {
		t.Errorf("bob should no longer be a member")
	}
	for _, r := range sessions.JoinedRooms(bob.UserID) {
		if r == roomID {
			t.Errorf("bob's session should no longer list the room")
		}
	}
	events, _ := store.EventsBetween(roomID, 0, 0, 0, state.EventTypeMember)
	last := events[len(events)-1]
	if last.ContentField("membership").Str != state.MembershipLeave || *last.StateKey != bob.UserID {
		t.Errorf("last membership event should be bob's leave: %s", string(last.Content))
	}

	// leaving again is a no-op, not an error
	before := len(events)
	if err := core.LeaveRoom(bob.UserID, roomID); err != nil {
		t.Errorf("second leave: %v", err)
	}
	events, _ = store.EventsBetween(roomID, 0, 0, 0, state.EventTypeMember)
	if len(events) != before {
		t.Errorf("second leave appended an event")
	}
}

func TestSendMessageRequiresMembership(t *testing.T) {
	core, _, _ := newTestCore(t)
	alice := login(t, core, "alice")
	mallory := login(t, core, "mallory")
	roomID, _ := core.CreateRoom(alice.UserID, "Private", "", false)

	if _, err := core.SendMessage(mallory.UserID, roomID, "let me in"); !errors.Is(err, internal.ErrNotAMember) {
		t.Errorf("non-member send: got %v, want ErrNotAMember", err)
	}
	if _, err := core.SendMessage(alice.UserID, "!missing:test.local", "hi"); !errors.Is(err, internal.ErrRoomNotFound) {
		t.Errorf("unknown room send: got %v, want ErrRoomNotFound", err)
	}
	if _, err := core.SendMessage(alice.UserID, roomID, ""); !errors.Is(err, internal.ErrInvalidPayload) {
		t.Errorf("empty body: got %v, want ErrInvalidPayload", err)
	}
}

func TestRoomMessagesAuthorisation(t *testing.T) {
	core, _, _ := newTestCore(t)
	alice := login(t, core, "alice")
	mallory := login(t, core, "mallory")
	roomID, _ := core.CreateRoom(alice.UserID, "Private", "", false)
	if _, err := core.SendMessage(alice.UserID, roomID, "secret"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// the membership check runs before any event data is read
	if _, err := core.RoomMessages(mallory.UserID, roomID, 10); !errors.Is(err, internal.ErrNotAMember) {
		t.Errorf("non-member read: got %v, want ErrNotAMember", err)
	}
	core.Logout(mallory.UserID)
	if _, err := core.RoomMessages(mallory.UserID, roomID, 10); !errors.Is(err, internal.ErrAuthenticationRequired) {
		t.Errorf("logged-out read: got %v, want ErrAuthenticationRequired", err)
	}
}

func TestRoomMessagesMostRecentFirst(t *testing.T) {
	core, _, _ := newTestCore(t)
	alice := login(t, core, "alice")
	roomID, _ := core.CreateRoom(alice.UserID, "General", "", true)
	for _, body := range []string{"one", "two", "three"} {
		if _, err := core.SendMessage(alice.UserID, roomID, body); err != nil {
			t.Fatalf("SendMessage(%q): %v", body, err)
		}
	}

	msgs, err := core.RoomMessages(alice.UserID, roomID, 2)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("RoomMessages: got %d, want 2", len(msgs))
	}
	if msgs[0].ContentField("body").Str != "three" || msgs[1].ContentField("body").Str != "two" {
		t.Errorf("wrong order: got [%s %s], want most recent first",
			msgs[0].ContentField("body").Str, msgs[1].ContentField("body").Str)
	}
}

// Two users in one room: B must be able to read what A sent, by room ID or by
// alias.
func TestTwoUserConversation(t *testing.T) {
	core, _, _ := newTestCore(t)
	alice := login(t, core, "alice")
	bob := login(t, core, "bob")

	roomID, err := core.CreateRoom(alice.UserID, "Lobby", "say hi", true)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := core.JoinRoom(bob.UserID, "#lobby:test.local"); err != nil {
		t.Fatalf("JoinRoom by alias: %v", err)
	}
	eventID, err := core.SendMessage(alice.UserID, roomID, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs, err := core.RoomMessages(bob.UserID, "#lobby:test.local", 10)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != eventID {
		t.Fatalf("bob should see exactly alice's message: %v", msgs)
	}
	if msgs[0].Sender != alice.UserID || msgs[0].ContentField("body").Str != "hi" {
		t.Errorf("wrong message payload: %s from %s", string(msgs[0].Content), msgs[0].Sender)
	}
}

func TestSetNameAndTopic(t *testing.T) {
	core, _, _ := newTestCore(t)
	alice := login(t, core, "alice")
	roomID, _ := core.CreateRoom(alice.UserID, "Old Name", "", false)

	if err := core.SetRoomName(alice.UserID, roomID, "New Name"); err != nil {
		t.Fatalf("SetRoomName: %v", err)
	}
	if err := core.SetRoomTopic(alice.UserID, roomID, "fresh topic"); err != nil {
		t.Fatalf("SetRoomTopic: %v", err)
	}
	st, _ := core.RoomState(roomID)
	if st.Name != "New Name" || st.Topic != "fresh topic" {
		t.Errorf("room state after updates: name=%q topic=%q", st.Name, st.Topic)
	}

	mallory := login(t, core, "mallory")
	if err := core.SetRoomName(mallory.UserID, roomID, "pwned"); !errors.Is(err, internal.ErrNotAMember) {
		t.Errorf("non-member rename: got %v, want ErrNotAMember", err)
	}
}

func TestTypingIsEphemeral(t *testing.T) {
	core, store, _ := newTestCore(t)
	alice := login(t, core, "alice")
	roomID, _ := core.CreateRoom(alice.UserID, "General", "", true)
	before, _ := store.EventsBetween(roomID, 0, 0, 0, "")

	ev, err := core.Typing(alice.UserID, roomID, true)
	if err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if ev.Type != state.EventTypeTyping || ev.RoomID != roomID {
		t.Errorf("typing event: %+v", ev)
	}
	after, _ := store.EventsBetween(roomID, 0, 0, 0, "")
	if len(after) != len(before) {
		t.Errorf("typing events must never be appended to the log")
	}

	mallory := login(t, core, "mallory")
	if _, err := core.Typing(mallory.UserID, roomID, true); !errors.Is(err, internal.ErrNotAMember) {
		t.Errorf("non-member typing: got %v, want ErrNotAMember", err)
	}
}
