// Package cooldown tracks users whose attention increments are
// suppressed after a judge-AI "no reply" decision, auto-releasing them
// once maxDuration has passed, or early through Remove (spec §3
// CooldownEntry, §4.4 step 2).
package cooldown

import (
	"log/slog"
	"sync"
	"time"

	"github.com/groupwatch/core/internal/chatkey"
)

// Entry records why and when a user entered cooldown.
type Entry struct {
	StartTime time.Time
	Reason    string
	UserName  string
}

// Manager tracks cooldown entries per (ChatKey, user).
type Manager struct {
	mu          sync.Mutex
	log         *slog.Logger
	maxDuration time.Duration
	chats       map[string]map[string]Entry
}

// New builds a Manager. maxDuration is the auto-release timeout
// (`cooldown_max_duration`).
func New(maxDuration time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		log:         log.With("component", "cooldown"),
		maxDuration: maxDuration,
		chats:       make(map[string]map[string]Entry),
	}
}

// Add puts a user into cooldown. Returns false if the user was already
// in cooldown (no-op, matching the original's "skip if already cooling").
func (m *Manager) Add(key chatkey.Key, userID, userName, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	chat, ok := m.chats[k]
	if !ok {
		chat = make(map[string]Entry)
		m.chats[k] = chat
	}
	if _, exists := chat[userID]; exists {
		return false
	}
	chat[userID] = Entry{StartTime: time.Now(), Reason: reason, UserName: userName}
	m.log.Info("user entered cooldown", "chat", k, "user_id", userID, "reason", reason)
	return true
}

// Remove releases a user from cooldown early (e.g. on explicit reply).
// Returns false if the user wasn't in cooldown.
func (m *Manager) Remove(key chatkey.Key, userID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	chat, ok := m.chats[k]
	if !ok {
		return false
	}
	entry, ok := chat[userID]
	if !ok {
		return false
	}
	delete(chat, userID)
	if len(chat) == 0 {
		delete(m.chats, k)
	}
	m.log.Info("user released from cooldown", "chat", k, "user_id", userID,
		"reason", reason, "duration", time.Since(entry.StartTime))
	return true
}

// IsInCooldown reports whether a user is currently suppressed. An entry
// older than maxDuration is released here and reported as not in cooldown.
func (m *Manager) IsInCooldown(key chatkey.Key, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	chat, ok := m.chats[k]
	if !ok {
		return false
	}
	entry, ok := chat[userID]
	if !ok {
		return false
	}
	if time.Since(entry.StartTime) >= m.maxDuration {
		delete(chat, userID)
		if len(chat) == 0 {
			delete(m.chats, k)
		}
		m.log.Info("released expired cooldown", "chat", k, "user_id", userID)
		return false
	}
	return true
}

// Info returns the cooldown entry for a user along with elapsed/remaining
// duration, or ok=false if the user isn't in cooldown.
func (m *Manager) Info(key chatkey.Key, userID string) (entry Entry, elapsed, remaining time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, exists := m.chats[key.String()]
	if !exists {
		return Entry{}, 0, 0, false
	}
	entry, ok = chat[userID]
	if !ok {
		return Entry{}, 0, 0, false
	}
	elapsed = time.Since(entry.StartTime)
	remaining = m.maxDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return entry, elapsed, remaining, true
}

// CheckAndReleaseExpired releases every user in key's chat whose cooldown
// has exceeded maxDuration, returning the released user ids.
func (m *Manager) CheckAndReleaseExpired(key chatkey.Key) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	chat, ok := m.chats[k]
	if !ok {
		return nil
	}

	var released []string
	now := time.Now()
	for userID, entry := range chat {
		if now.Sub(entry.StartTime) >= m.maxDuration {
			released = append(released, userID)
		}
	}
	for _, userID := range released {
		delete(chat, userID)
	}
	if len(chat) == 0 {
		delete(m.chats, k)
	}
	if len(released) > 0 {
		m.log.Info("released expired cooldowns", "chat", k, "users", released)
	}
	return released
}

// ClearChat removes every cooldown entry for a chat, returning the count
// cleared. Used by the reset-here command.
func (m *Manager) ClearChat(key chatkey.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	chat, ok := m.chats[k]
	if !ok {
		return 0
	}
	n := len(chat)
	delete(m.chats, k)
	return n
}

// ClearAll removes every cooldown entry across all chats, returning the
// count cleared. Used by the global reset command.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, chat := range m.chats {
		n += len(chat)
	}
	m.chats = make(map[string]map[string]Entry)
	return n
}

// Export returns a deep copy of every cooldown entry, keyed by chat then
// user id, for the periodic CooldownSet snapshot (spec §4.10).
func (m *Manager) Export() map[string]map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]Entry, len(m.chats))
	for chatKey, users := range m.chats {
		chatOut := make(map[string]Entry, len(users))
		for userID, e := range users {
			chatOut[userID] = e
		}
		out[chatKey] = chatOut
	}
	return out
}

// Import seeds the manager from a prior CooldownSet snapshot, replacing
// any in-memory state. Called once at startup before traffic resumes.
func (m *Manager) Import(chats map[string]map[string]Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = make(map[string]map[string]Entry, len(chats))
	for chatKey, users := range chats {
		chatIn := make(map[string]Entry, len(users))
		for userID, e := range users {
			chatIn[userID] = e
		}
		m.chats[chatKey] = chatIn
	}
}
