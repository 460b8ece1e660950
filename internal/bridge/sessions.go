package bridge

import "log/slog"

// GetSession returns a snapshot of one session. ok is false when the
// user has no session yet.
func (b *Bridge) GetSession(channel, userID string) (Session, bool) {
	key := SessionKey(channel, userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListSessions returns a snapshot of every session keyed by session key.
func (b *Bridge) ListSessions() map[string]Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Session, len(b.sessions))
	for k, s := range b.sessions {
		out[k] = *s
	}
	return out
}

// SessionsByChannel returns a snapshot of the channel's sessions.
func (b *Bridge) SessionsByChannel(channel string) map[string]Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Session)
	for k, s := range b.sessions {
		if s.Channel == channel {
			out[k] = *s
		}
	}
	return out
}

// RemoveSession drops a user's session so their next message starts a
// fresh conversation. Returns false when no session existed.
func (b *Bridge) RemoveSession(channel, userID string) bool {
	key := SessionKey(channel, userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[key]; !ok {
		return false
	}
	delete(b.sessions, key)
	slog.Info("removed session", "session_key", key)
	return true
}

// ActiveSessionCount reports how many sessions exist.
func (b *Bridge) ActiveSessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
