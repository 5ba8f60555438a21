package gateway

import "sync"

// connMap is the channel-by-user index. It has its own lock, independent of
// the room tracker's, so channel lookups never contend with presence updates.
type connMap struct {
	mu sync.RWMutex
	m  map[string]channel
}

func newConnMap() *connMap {
	return &connMap{m: make(map[string]channel)}
}

// replace installs ch as the user's channel and returns the previous one, if
// any, so the caller can close it.
func (cm *connMap) replace(userID string, ch channel) channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	old := cm.m[userID]
	cm.m[userID] = ch
	return old
}

// removeIfCurrent removes the user's entry only if it still points at ch.
// Returns false when a newer channel has already replaced it, in which case
// the newer channel's state must be left alone.
func (cm *connMap) removeIfCurrent(userID string, ch channel) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.m[userID] != ch {
		return false
	}
	delete(cm.m, userID)
	return true
}

func (cm *connMap) get(userID string) channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.m[userID]
	if !ok {
		return nil
	}
	return ch
}

func (cm *connMap) all() []channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]channel, 0, len(cm.m))
	for _, ch := range cm.m {
		out = append(out, ch)
	}
	return out
}

func (cm *connMap) size() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.m)
}
