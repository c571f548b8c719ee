// Package history implements HistoryStore (spec §4.5, §4.10): the dual
// JSON/SQLite-mirrored custom history shadow, promotion of tentatively
// cached messages into official history with content-hash dedup, and
// context assembly for the LLM prompt.
package history

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
)

const maxHistoryEntries = 150

// Message is one entry in a chat's official history shadow.
type Message struct {
	Role       string
	Content    string
	SenderID   string
	SenderName string
	Timestamp  time.Time
	MessageID  string
	ImageURLs  []string
	IsBot      bool

	// IsProactive marks an entry generated by the proactive scheduler
	// (spec §4.8 step 6 "preserving the proactive marker on the
	// user-role entry") rather than organic user traffic, so later
	// reads of official history can tell the two apart.
	IsProactive bool
}

// ContentHash mirrors cache.CachedMessage.ContentHash so a cached message
// and its eventual Message form collide for dedup purposes.
func (m Message) ContentHash() string {
	payload := struct {
		Role      string   `json:"role"`
		Content   string   `json:"content"`
		ImageURLs []string `json:"image_urls,omitempty"`
	}{Role: m.Role, Content: m.Content, ImageURLs: m.ImageURLs}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store holds, per ChatKey, a JSON-file-backed shadow of official history,
// optionally mirrored into a central SQLite database for query/inspection
// tooling. Writes go through a per-chat file lock so concurrent handlers
// touching the same chat serialize on the slow path (disk I/O) without
// blocking handlers for other chats.
type Store struct {
	mu      sync.Mutex
	cache   map[string][]Message
	fileMu  map[string]*sync.Mutex
	mapMu   sync.Mutex
	baseDir string
	db      *sql.DB
	logger  *slog.Logger
}

// New creates a Store rooted at baseDir (defaulting to
// "./data/chat_history", mirroring the source's `chat_history/` layout).
// db is optional; when non-nil, every write is also mirrored into the
// session_entries-style tables so operators can query history centrally.
func New(baseDir string, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if baseDir == "" {
		baseDir = "./data/chat_history"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create history dir %q: %w", baseDir, err)
	}
	return &Store{
		cache:   make(map[string][]Message),
		fileMu:  make(map[string]*sync.Mutex),
		baseDir: baseDir,
		db:      db,
		logger:  logger,
	}, nil
}

func sanitizeChatID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

func (s *Store) pathFor(key chatkey.Key) string {
	kind := "group"
	if key.Kind == chatkey.Private {
		kind = "private"
	}
	dir := filepath.Join(s.baseDir, key.Platform, kind)
	return filepath.Join(dir, sanitizeChatID(key.ChatID)+".json")
}

func (s *Store) fileMuFor(key chatkey.Key) *sync.Mutex {
	k := key.String()
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if m, ok := s.fileMu[k]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.fileMu[k] = m
	return m
}

func (s *Store) setCache(key chatkey.Key, msgs []Message) {
	s.mu.Lock()
	s.cache[key.String()] = msgs
	s.mu.Unlock()
}

func (s *Store) getCache(key chatkey.Key) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.cache[key.String()]
	return msgs, ok
}

// Load returns the chat's history, reading from disk on first access and
// serving from memory afterward. A missing file is not an error — it
// means the chat has no history yet.
func (s *Store) Load(key chatkey.Key) ([]Message, error) {
	if msgs, ok := s.getCache(key); ok {
		return msgs, nil
	}

	mu := s.fileMuFor(key)
	mu.Lock()
	defer mu.Unlock()

	if msgs, ok := s.getCache(key); ok {
		return msgs, nil
	}

	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			s.setCache(key, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("corrupt history file, starting fresh", "chat", key.String(), "err", err)
		msgs = nil
	}
	s.setCache(key, msgs)
	return msgs, nil
}

func (s *Store) writeLocked(key chatkey.Key, msgs []Message) error {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create chat history dir: %w", err)
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}

	if s.db != nil {
		if err := s.mirrorSQLite(key, msgs); err != nil {
			s.logger.Warn("sqlite history mirror failed", "chat", key.String(), "err", err)
		}
	}

	s.setCache(key, msgs)
	return nil
}

// mirrorSQLite replaces the chat's rows in history_entries with the given
// snapshot, giving operators a queryable copy alongside the JSON shadow.
func (s *Store) mirrorSQLite(key chatkey.Key, msgs []Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM history_entries WHERE chat_key = ?`, key.String()); err != nil {
		return fmt.Errorf("clear history rows: %w", err)
	}
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO history_entries (chat_key, role, content, sender_id, sender_name, message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key.String(), m.Role, m.Content, m.SenderID, m.SenderName, m.MessageID, m.Timestamp.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}
	return tx.Commit()
}

// Promote merges a batch of tentatively cached messages, the current user
// message, and an optional bot reply into the chat's official history
// (spec §4.5 "Promotion to official history"). Entries are deduplicated
// by content hash, ordered by timestamp, and the result is truncated to
// the most recent maxHistoryEntries. On write failure the in-memory cache
// (and therefore the caller's PendingCache, which is untouched by this
// call) is left exactly as it was — callers must not clear PendingCache
// unless Promote returns nil.
func (s *Store) Promote(key chatkey.Key, cachedBatch []cache.CachedMessage, userMsg Message, botReply *Message) error {
	mu := s.fileMuFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.loadLockedNoFileMu(key)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ContentHash()] = struct{}{}
	}

	sorted := make([]cache.CachedMessage, len(cachedBatch))
	copy(sorted, cachedBatch)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MessageTimestamp.Before(sorted[j].MessageTimestamp)
	})

	merged := existing
	for _, c := range sorted {
		msg := Message{
			Role:       c.Role,
			Content:    c.Content,
			SenderID:   c.SenderID,
			SenderName: c.SenderName,
			Timestamp:  c.MessageTimestamp,
			MessageID:  c.MessageID,
			ImageURLs:  c.ImageURLs,
		}
		h := msg.ContentHash()
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		merged = append(merged, msg)
	}

	if h := userMsg.ContentHash(); !contains(seen, h) {
		seen[h] = struct{}{}
		merged = append(merged, userMsg)
	}

	if botReply != nil {
		botReply.IsBot = true
		if h := botReply.ContentHash(); !contains(seen, h) {
			merged = append(merged, *botReply)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > maxHistoryEntries {
		merged = merged[len(merged)-maxHistoryEntries:]
	}

	if err := s.writeLocked(key, merged); err != nil {
		s.logger.Error("promote to official history failed, retaining cache", "chat", key.String(), "err", err)
		return err
	}
	return nil
}

func contains(set map[string]struct{}, h string) bool {
	_, ok := set[h]
	return ok
}

// loadLockedNoFileMu reads history assuming the caller already holds the
// per-chat file lock.
func (s *Store) loadLockedNoFileMu(key chatkey.Key) ([]Message, error) {
	if msgs, ok := s.getCache(key); ok {
		return append([]Message(nil), msgs...), nil
	}
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("corrupt history file, starting fresh", "chat", key.String(), "err", err)
		return nil, nil
	}
	return msgs, nil
}

// FormatContextForAI renders history plus the current message into the
// prompt text described in spec §4.5, tagging bot messages with a
// do-not-repeat marker and delimiting the current message.
func FormatContextForAI(history []Message, current Message, botID string, includeTimestamp, includeSenderInfo bool) string {
	var b strings.Builder
	for _, m := range history {
		label := m.SenderName
		if includeSenderInfo {
			label = fmt.Sprintf("%s(ID:%s)", m.SenderName, m.SenderID)
		}
		prefix := ""
		if includeTimestamp {
			prefix = fmt.Sprintf("[%s] ", m.Timestamp.Format(time.RFC3339))
		}
		b.WriteString(prefix)
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content)
		if m.IsBot || m.SenderID == botID {
			b.WriteString(" ⚠️ DO NOT REPEAT — this is your own previous reply")
		}
		b.WriteString("\n")
	}

	b.WriteString("=== CURRENT NEW MESSAGE — prioritize its content ===\n")
	if includeTimestamp {
		b.WriteString(fmt.Sprintf("[%s] ", current.Timestamp.Format(time.RFC3339)))
	}
	label := current.SenderName
	if includeSenderInfo {
		label = fmt.Sprintf("%s(ID:%s)", current.SenderName, current.SenderID)
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(current.Content)
	return b.String()
}
