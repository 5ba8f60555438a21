package state

import (
	"os"
	"sync"
	"time"

	"github.com/jianluochat/chatd/internal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is the volatile event log and room registry. Rooms are addressable
// by ID or alias. Nothing here survives a restart; a durable log can replace
// this type without changing any caller's contract.
//
// Locking: roomsMu guards the room/alias maps only. appendMu serializes every
// append, across rooms, so that events become visible in strictly increasing
// Position order; a sync cursor captured at position P can then never skip an
// event with position <= P that lands mid-collection. Reads take the room's
// entry out under roomsMu and copy under appendMu's shadow via the read lock,
// so they see a consistent snapshot at call time.
type Storage struct {
	roomsMu  sync.RWMutex
	rooms    map[string]*room
	aliases  map[string]string
	appendMu sync.RWMutex
	position int64

	eventsAppended prometheus.Counter
}

func NewStorage(enablePrometheus bool) *Storage {
	s := &Storage{
		rooms:   make(map[string]*room),
		aliases: make(map[string]string),
	}
	if enablePrometheus {
		s.addPrometheusMetrics()
	}
	return s
}

func (s *Storage) addPrometheusMetrics() {
	s.eventsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "storage",
		Name:      "events_appended_total",
		Help:      "Number of events appended to room logs.",
	})
	prometheus.MustRegister(s.eventsAppended)
}

// Teardown unregisters metrics. Only useful for tests.
func (s *Storage) Teardown() {
	if s.eventsAppended != nil {
		prometheus.Unregister(s.eventsAppended)
	}
}

// CreateRoom registers a new room. The creator becomes a member at the
// maximum power level. The caller is responsible for appending the room
// create and membership events.
func (s *Storage) CreateRoom(roomID, alias, creator, name, topic string, public, encrypted bool) (RoomState, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, exists := s.rooms[roomID]; exists {
		return RoomState{}, internal.ErrInvalidPayload
	}
	r := &room{
		state: RoomState{
			ID:        roomID,
			Alias:     alias,
			Name:      name,
			Topic:     topic,
			Public:    public,
			Encrypted: encrypted,
			Creator:   creator,
			CreatedAt: time.Now(),
			Members:   map[string]int{creator: PowerLevelAdmin},
		},
		stateEvents: make(map[string]*Event),
	}
	s.rooms[roomID] = r
	if alias != "" {
		s.aliases[alias] = roomID
	}
	logger.Info().Str("room", roomID).Str("alias", alias).Str("creator", creator).Msg("room created")
	return s.snapshotLocked(r), nil
}

func (s *Storage) lookup(identifier string) *room {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	if r, ok := s.rooms[identifier]; ok {
		return r
	}
	if roomID, ok := s.aliases[identifier]; ok {
		return s.rooms[roomID]
	}
	return nil
}

// ResolveRoomID maps a room ID or alias to the canonical room ID.
func (s *Storage) ResolveRoomID(identifier string) (string, error) {
	r := s.lookup(identifier)
	if r == nil {
		return "", internal.ErrRoomNotFound
	}
	return r.state.ID, nil
}

// RoomState returns a snapshot of the room's current state.
func (s *Storage) RoomState(identifier string) (RoomState, error) {
	r := s.lookup(identifier)
	if r == nil {
		return RoomState{}, internal.ErrRoomNotFound
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	return s.snapshotLocked(r), nil
}

func (s *Storage) snapshotLocked(r *room) RoomState {
	snap := r.state
	snap.Members = make(map[string]int, len(r.state.Members))
	for userID, lvl := range r.state.Members {
		snap.Members[userID] = lvl
	}
	return snap
}

// IsMember reports whether userID is currently joined to the room.
func (s *Storage) IsMember(identifier, userID string) (bool, error) {
	r := s.lookup(identifier)
	if r == nil {
		return false, internal.ErrRoomNotFound
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	_, ok := r.state.Members[userID]
	return ok, nil
}

// ApplyMembership applies a join or leave to the member set and reports
// whether it changed anything. Re-applying "join" to an existing member is a
// no-op, as is "leave" for a non-member.
func (s *Storage) ApplyMembership(identifier, userID, membership string) (bool, error) {
	r := s.lookup(identifier)
	if r == nil {
		return false, internal.ErrRoomNotFound
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return applyMembershipLocked(r, userID, membership), nil
}

func applyMembershipLocked(r *room, userID, membership string) bool {
	_, isMember := r.state.Members[userID]
	switch membership {
	case MembershipJoin:
		if isMember {
			return false
		}
		r.state.Members[userID] = PowerLevelDefault
		return true
	case MembershipLeave:
		if !isMember {
			return false
		}
		delete(r.state.Members, userID)
		return true
	default:
		logger.Warn().Str("membership", membership).Str("user", userID).Msg("ignoring unknown membership")
		return false
	}
}

// SetPowerLevel updates a member's power level. Non-members are left alone.
func (s *Storage) SetPowerLevel(identifier, userID string, level int) error {
	r := s.lookup(identifier)
	if r == nil {
		return internal.ErrRoomNotFound
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if _, ok := r.state.Members[userID]; ok {
		r.state.Members[userID] = level
	}
	return nil
}

// AppendEvent appends the event to the room's log, assigning the next
// per-room sequence index and the next global position. State events fold
// into the room's current state before the call returns, so a reader that
// sees the event also sees its effect. The stored event must not be mutated
// afterwards.
func (s *Storage) AppendEvent(identifier string, ev *Event) (*Event, error) {
	r := s.lookup(identifier)
	if r == nil {
		return nil, internal.ErrRoomNotFound
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	s.position++
	ev.Position = s.position
	ev.Seq = int64(len(r.events)) + 1
	ev.RoomID = r.state.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if ev.IsState() {
		r.stateEvents[stateEventKey(ev)] = ev
		s.foldStateLocked(r, ev)
	}
	r.events = append(r.events, ev)
	if s.eventsAppended != nil {
		s.eventsAppended.Inc()
	}
	return ev, nil
}

func (s *Storage) foldStateLocked(r *room, ev *Event) {
	switch ev.Type {
	case EventTypeMember:
		membership := gjson.GetBytes(ev.Content, "membership").Str
		applyMembershipLocked(r, *ev.StateKey, membership)
	case EventTypeName:
		r.state.Name = gjson.GetBytes(ev.Content, "name").Str
	case EventTypeTopic:
		r.state.Topic = gjson.GetBytes(ev.Content, "topic").Str
	}
}

// StateEvent returns the latest state event of the given type (and state key,
// for keyed types like members), or nil if none has been appended.
func (s *Storage) StateEvent(identifier, evType, stateKey string) (*Event, error) {
	r := s.lookup(identifier)
	if r == nil {
		return nil, internal.ErrRoomNotFound
	}
	key := evType
	if stateKey != "" {
		key = evType + ":" + stateKey
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	return r.stateEvents[key], nil
}

// EventsBetween returns, in append order, events with from < Position <= to.
// Pass to=0 for no upper bound and limit<=0 for no cap. typeFilter narrows to
// one event type when non-empty. The returned slice is a snapshot: later
// appends never show up in it.
func (s *Storage) EventsBetween(identifier string, from, to int64, limit int, typeFilter string) ([]*Event, error) {
	r := s.lookup(identifier)
	if r == nil {
		return nil, internal.ErrRoomNotFound
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	var out []*Event
	for _, ev := range r.events {
		if ev.Position <= from {
			continue
		}
		if to > 0 && ev.Position > to {
			break
		}
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// EventsSince returns events appended after the given position, in append
// order.
func (s *Storage) EventsSince(identifier string, since int64, limit int, typeFilter string) ([]*Event, error) {
	return s.EventsBetween(identifier, since, 0, limit, typeFilter)
}

// LatestEvents returns up to limit events, most recent first.
func (s *Storage) LatestEvents(identifier string, limit int, typeFilter string) ([]*Event, error) {
	r := s.lookup(identifier)
	if r == nil {
		return nil, internal.ErrRoomNotFound
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	var out []*Event
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// EventByID returns the stored event with the given ID, or ErrRoomNotFound /
// nil when the room or event is unknown.
func (s *Storage) EventByID(identifier, eventID string) (*Event, error) {
	r := s.lookup(identifier)
	if r == nil {
		return nil, internal.ErrRoomNotFound
	}
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].ID == eventID {
			return r.events[i], nil
		}
	}
	return nil, nil
}

// LatestPosition returns the position of the most recently appended event
// across all rooms. Events appended after this call have strictly greater
// positions.
func (s *Storage) LatestPosition() int64 {
	s.appendMu.RLock()
	defer s.appendMu.RUnlock()
	return s.position
}

// RoomIDs lists every known room ID.
func (s *Storage) RoomIDs() []string {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		out = append(out, roomID)
	}
	return out
}
