package gateway

import (
	"sort"
	"testing"
)

func TestConnTracker(t *testing.T) {
	// basic usage
	tr := NewConnTracker()
	tr.UserJoinedRoom("alice", "room1")
	tr.UserJoinedRoom("alice", "room2")
	tr.UserJoinedRoom("bob", "room2")
	tr.UserJoinedRoom("bob", "room3")
	assertEqualSlices(t, "alice rooms", tr.RoomsForUser("alice"), []string{"room1", "room2"})
	assertEqualSlices(t, "room1 users", tr.UsersInRoom("room1", nil), []string{"alice"})
	assertEqualSlices(t, "room2 users", tr.UsersInRoom("room2", nil), []string{"alice", "bob"})
	if !tr.IsUserInRoom("alice", "room1") {
		t.Errorf("alice should be in room1")
	}

	tr.UserLeftRoom("alice", "room1")
	assertEqualSlices(t, "alice rooms after leave", tr.RoomsForUser("alice"), []string{"room2"})
	if tr.IsUserInRoom("alice", "room1") {
		t.Errorf("alice should not be in room1 after leaving")
	}

	// bogus values
	assertEqualSlices(t, "unknown user", tr.RoomsForUser("unknown"), nil)
	assertEqualSlices(t, "unknown room", tr.UsersInRoom("unknown", nil), nil)

	// leaves before joins
	tr.UserLeftRoom("alice", "unknown")
	tr.UserLeftRoom("unknown", "unknown2")
	assertEqualSlices(t, "alice rooms unchanged", tr.RoomsForUser("alice"), []string{"room2"})

	// dupe joins don't bother it
	if fresh := tr.UserJoinedRoom("carol", "room2"); !fresh {
		t.Errorf("first join should report fresh")
	}
	if fresh := tr.UserJoinedRoom("carol", "room2"); fresh {
		t.Errorf("dupe join should not report fresh")
	}
}

func TestConnTrackerRemoveUser(t *testing.T) {
	tr := NewConnTracker()
	tr.UserJoinedRoom("alice", "room1")
	tr.UserJoinedRoom("alice", "room2")
	tr.UserJoinedRoom("bob", "room1")

	tr.RemoveUser("alice")
	assertEqualSlices(t, "alice rooms", tr.RoomsForUser("alice"), nil)
	assertEqualSlices(t, "room1 users", tr.UsersInRoom("room1", nil), []string{"bob"})
	assertEqualSlices(t, "room2 users", tr.UsersInRoom("room2", nil), nil)
}

func TestConnTrackerFilter(t *testing.T) {
	tr := NewConnTracker()
	tr.UserJoinedRoom("alice", "room1")
	tr.UserJoinedRoom("bob", "room1")
	got := tr.UsersInRoom("room1", func(userID string) bool { return userID != "alice" })
	assertEqualSlices(t, "filtered", got, []string{"bob"})
}

func assertEqualSlices(t *testing.T, name string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: slices not equal, length mismatch: got %v , want %v", name, got, want)
	}
	sort.Strings(got)
	sort.Strings(want)
	for i := 0; i < len(got); i++ {
		if got[i] != want[i] {
			t.Errorf("%s: slices not equal, got %v want %v", name, got, want)
		}
	}
}
