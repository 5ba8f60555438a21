package state

import (
	"sync"
	"time"

	"github.com/jianluochat/chatd/internal"
)

// Session is a snapshot of one user's login state. JoinedRooms is a copy; the
// registry owns the mutable record.
type Session struct {
	UserID      string
	AccessToken string
	DeviceID    string
	LoginTime   time.Time
	Active      bool
	JoinedRooms []string
	// SyncPosition is the opaque cursor of the session's sync stream: the
	// highest event position this session has already been handed.
	SyncPosition int64
}

type sessionRecord struct {
	userID       string
	accessToken  string
	deviceID     string
	loginTime    time.Time
	active       bool
	joinedRooms  map[string]struct{}
	syncPosition int64
}

// Sessions is the registry of every user's login session and sync cursor.
// One session per user: logging in again while active returns the existing
// session unchanged.
type Sessions struct {
	mu      sync.RWMutex
	byUser  map[string]*sessionRecord
	byToken map[string]*sessionRecord
}

func NewSessions() *Sessions {
	return &Sessions{
		byUser:  make(map[string]*sessionRecord),
		byToken: make(map[string]*sessionRecord),
	}
}

// NewSession creates (or revives) the session for userID and returns it. If
// an active session already exists it is returned unchanged, with fresh=false.
func (s *Sessions) NewSession(userID string) (sess Session, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byUser[userID]; ok && rec.active {
		return snapshot(rec), false
	}
	rec := &sessionRecord{
		userID:      userID,
		accessToken: internal.NewAccessToken(),
		deviceID:    internal.NewDeviceID(),
		loginTime:   time.Now(),
		active:      true,
		joinedRooms: make(map[string]struct{}),
	}
	if old, ok := s.byUser[userID]; ok {
		// carry forward room membership and the cursor across re-login so the
		// next sync resumes instead of replaying from zero
		rec.joinedRooms = old.joinedRooms
		rec.syncPosition = old.syncPosition
		delete(s.byToken, old.accessToken)
	}
	s.byUser[userID] = rec
	s.byToken[rec.accessToken] = rec
	return snapshot(rec), true
}

func snapshot(rec *sessionRecord) Session {
	rooms := make([]string, 0, len(rec.joinedRooms))
	for roomID := range rec.joinedRooms {
		rooms = append(rooms, roomID)
	}
	return Session{
		UserID:       rec.userID,
		AccessToken:  rec.accessToken,
		DeviceID:     rec.deviceID,
		LoginTime:    rec.loginTime,
		Active:       rec.active,
		JoinedRooms:  rooms,
		SyncPosition: rec.syncPosition,
	}
}

// Session returns the user's session snapshot, or ok=false if none exists.
func (s *Sessions) Session(userID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return snapshot(rec), true
}

// SessionByToken resolves a bearer token to its session snapshot.
func (s *Sessions) SessionByToken(token string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byToken[token]
	if !ok {
		return Session{}, false
	}
	return snapshot(rec), true
}

// IsActive reports whether the user has an active session. Inactive sessions
// receive no further sync deltas.
func (s *Sessions) IsActive(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byUser[userID]
	return ok && rec.active
}

// MarkInactive deactivates the user's session (logout or expiry). The token
// stops resolving immediately.
func (s *Sessions) MarkInactive(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byUser[userID]
	if !ok {
		return
	}
	rec.active = false
	delete(s.byToken, rec.accessToken)
}

// JoinRoom records roomID in the session's joined set.
func (s *Sessions) JoinRoom(userID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byUser[userID]; ok {
		rec.joinedRooms[roomID] = struct{}{}
	}
}

// LeaveRoom removes roomID from the session's joined set.
func (s *Sessions) LeaveRoom(userID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byUser[userID]; ok {
		delete(rec.joinedRooms, roomID)
	}
}

// JoinedRooms returns a copy of the session's joined room set.
func (s *Sessions) JoinedRooms(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(rec.joinedRooms))
	for roomID := range rec.joinedRooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// SyncPosition returns the session's sync cursor.
func (s *Sessions) SyncPosition(userID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byUser[userID]; ok {
		return rec.syncPosition
	}
	return 0
}

// UpdateSyncPosition advances the session's sync cursor. Cursors never move
// backwards.
func (s *Sessions) UpdateSyncPosition(userID string, pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byUser[userID]
	if !ok {
		return
	}
	if pos > rec.syncPosition {
		rec.syncPosition = pos
	}
}
