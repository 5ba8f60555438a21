package gateway

import (
	"sync"
)

type set map[string]struct{}

// Tracks which connected users are present in which rooms. This is critical
// from a security perspective: only users present in a room may receive its
// events, so fan-out always consults this index and never falls back to a
// broader audience when a room is missing from it.
type ConnTracker struct {
	roomIDToUsers map[string]set
	userToRoomIDs map[string]set
	mu            *sync.RWMutex
}

func NewConnTracker() *ConnTracker {
	return &ConnTracker{
		roomIDToUsers: make(map[string]set),
		userToRoomIDs: make(map[string]set),
		mu:            &sync.RWMutex{},
	}
}

func (t *ConnTracker) IsUserInRoom(userID, roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roomIDToUsers[roomID][userID]
	return ok
}

// UserJoinedRoom marks the user as present in the room. Returns true if the
// user was not present prior to this call.
func (t *ConnTracker) UserJoinedRoom(userID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.roomIDToUsers[roomID]
	if users == nil {
		users = make(set)
		t.roomIDToUsers[roomID] = users
	}
	_, existed := users[userID]
	users[userID] = struct{}{}

	rooms := t.userToRoomIDs[userID]
	if rooms == nil {
		rooms = make(set)
		t.userToRoomIDs[userID] = rooms
	}
	rooms[roomID] = struct{}{}
	return !existed
}

// UserLeftRoom removes the user from the room. Leaves before joins are fine.
func (t *ConnTracker) UserLeftRoom(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roomIDToUsers[roomID], userID)
	delete(t.userToRoomIDs[userID], roomID)
}

// RemoveUser removes the user from every room index entry, for disconnects.
func (t *ConnTracker) RemoveUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID := range t.userToRoomIDs[userID] {
		delete(t.roomIDToUsers[roomID], userID)
	}
	delete(t.userToRoomIDs, userID)
}

// UsersInRoom returns the users present in the room, filtered by the filter
// function if provided.
func (t *ConnTracker) UsersInRoom(roomID string, filter func(userID string) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := t.roomIDToUsers[roomID]
	if len(users) == 0 {
		return nil
	}
	if filter == nil {
		filter = func(userID string) bool { return true }
	}
	var matched []string
	for userID := range users {
		if filter(userID) {
			matched = append(matched, userID)
		}
	}
	return matched
}

// RoomsForUser returns the rooms the user is currently present in.
func (t *ConnTracker) RoomsForUser(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rooms := t.userToRoomIDs[userID]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}
