package state

import "time"

// Power levels assigned to members. The creator gets the maximum.
const (
	PowerLevelAdmin   = 100
	PowerLevelDefault = 0
)

// RoomState is a snapshot of a room's metadata and member set at the time of
// the call that produced it. Members maps user ID to power level; the member
// set is always the result of folding every membership event appended to the
// room, last write wins per member.
type RoomState struct {
	ID        string
	Alias     string
	Name      string
	Topic     string
	Public    bool
	Encrypted bool
	Creator   string
	CreatedAt time.Time
	Members   map[string]int
}

func (r *RoomState) IsMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

func (r *RoomState) MemberCount() int {
	return len(r.Members)
}

// PowerLevel returns the member's power level, or the default for
// non-members.
func (r *RoomState) PowerLevel(userID string) int {
	if lvl, ok := r.Members[userID]; ok {
		return lvl
	}
	return PowerLevelDefault
}

// room is the mutable master record inside Storage. All access goes through
// Storage which enforces the locking contract.
type room struct {
	state RoomState
	// latest state event per key: the event type, plus ":<state_key>" for
	// keys like room members where many events of one type coexist.
	stateEvents map[string]*Event
	events      []*Event
}

func stateEventKey(ev *Event) string {
	if ev.StateKey != nil && *ev.StateKey != "" {
		return ev.Type + ":" + *ev.StateKey
	}
	return ev.Type
}
