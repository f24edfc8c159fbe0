package realtime

import "sync"

// PresenceEntry is ephemeral: created on connect, mutated by focus frames,
// destroyed on disconnect. Nothing here is ever persisted.
type PresenceEntry struct {
	UserID                string
	ConnectionID          string
	FocusedConversationID string
}

// Registry is the single owner of presence state. It is created when the hub
// starts and torn down with it; all access goes through these methods.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*PresenceEntry // by connection id
	byUser  map[string]int            // live connection count per user
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*PresenceEntry),
		byUser:  make(map[string]int),
	}
}

// Connect registers a connection. The second return value reports whether
// this is the user's first live connection (an offline -> online transition).
func (r *Registry) Connect(connectionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[connectionID] = &PresenceEntry{UserID: userID, ConnectionID: connectionID}
	r.byUser[userID]++
	return r.byUser[userID] == 1
}

// Disconnect removes a connection. The second return value reports whether
// the user has no connections left (an online -> offline transition).
func (r *Registry) Disconnect(connectionID string) (userID string, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[connectionID]
	if !ok {
		return "", false
	}
	delete(r.entries, connectionID)
	userID = entry.UserID
	r.byUser[userID]--
	if r.byUser[userID] <= 0 {
		delete(r.byUser, userID)
		return userID, true
	}
	return userID, false
}

// SetFocus records which conversation the connection currently has in the
// foreground. An empty id clears focus.
func (r *Registry) SetFocus(connectionID, conversationID string) (PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[connectionID]
	if !ok {
		return PresenceEntry{}, false
	}
	entry.FocusedConversationID = conversationID
	return *entry, true
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID] > 0
}

// FocusedOn lists the users whose foreground conversation is the given one.
func (r *Registry) FocusedOn(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var users []string
	for _, entry := range r.entries {
		if entry.FocusedConversationID != conversationID {
			continue
		}
		if _, dup := seen[entry.UserID]; dup {
			continue
		}
		seen[entry.UserID] = struct{}{}
		users = append(users, entry.UserID)
	}
	return users
}
