package vault

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one viewer's open vault: created on open, destroyed on close or
// disconnect.
type Session struct {
	PlayerID uuid.UUID
	GuildID  uuid.UUID
	View     ViewHandle
	JoinedAt time.Time

	lastInteraction time.Time
}

// Registry tracks which sessions have each guild's vault open. At most one
// active session per (player, guild); registering again replaces the stale
// session.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session // keyed by player
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// Register opens a session, replacing any existing session for the player.
func (r *Registry) Register(guildID, playerID uuid.UUID, view ViewHandle) *Session {
	now := time.Now()
	s := &Session{
		PlayerID:        playerID,
		GuildID:         guildID,
		View:            view,
		JoinedAt:        now,
		lastInteraction: now,
	}
	r.mu.Lock()
	r.sessions[playerID] = s
	r.mu.Unlock()
	return s
}

// Unregister closes the player's session and reports whether any viewers
// remain on the same guild — the trigger condition for an unconditional
// flush.
func (r *Registry) Unregister(playerID uuid.UUID) (guildID uuid.UUID, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[playerID]
	if !ok {
		return uuid.Nil, false, false
	}
	delete(r.sessions, playerID)
	for _, other := range r.sessions {
		if other.GuildID == s.GuildID {
			return s.GuildID, false, true
		}
	}
	return s.GuildID, true, true
}

// Viewers returns every open session on a guild's vault.
func (r *Registry) Viewers(guildID uuid.UUID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.GuildID == guildID {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the player's session, if any.
func (r *Registry) Get(playerID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[playerID]
	return s, ok
}

// Touch records viewer activity for the idle sweep.
func (r *Registry) Touch(playerID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[playerID]; ok {
		s.lastInteraction = time.Now()
	}
}

// Idle returns the players whose sessions have seen no interaction within
// the threshold.
func (r *Registry) Idle(threshold time.Duration) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	cutoff := time.Now().Add(-threshold)
	for playerID, s := range r.sessions {
		if s.lastInteraction.Before(cutoff) {
			out = append(out, playerID)
		}
	}
	return out
}

// Count is the number of open sessions across all guilds.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
