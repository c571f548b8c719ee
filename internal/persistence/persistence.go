// Package persistence implements the three top-level JSON snapshot files
// spec §4.10 lists alongside the chat-history shadow: attention_data.json,
// cooldown_data.json, and proactive_chat_states.json. Each is force-saved
// on shutdown and autosaved on its own interval (60s for attention/
// cooldown, 300s for the proactive scheduler — the scheduler runs its own
// cron tick and autosave call, so this package only supplies the file I/O
// it calls through).
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/groupwatch/core/internal/attention"
	"github.com/groupwatch/core/internal/cooldown"
	"github.com/groupwatch/core/internal/proactive"
)

const (
	attentionFileName = "attention_data.json"
	cooldownFileName  = "cooldown_data.json"
	proactiveFileName = "proactive_chat_states.json"

	attentionAutosaveInterval = 60 * time.Second
)

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persistence: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("persistence: parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, in any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("persistence: create dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("persistence: write %s: %w", path, err)
	}
	return nil
}

// ProactiveSaveFn builds the callback proactive.New expects, writing
// directly to dataDir/proactive_chat_states.json.
func ProactiveSaveFn(dataDir string) func(map[string]*proactive.ChatState) error {
	path := filepath.Join(dataDir, proactiveFileName)
	return func(states map[string]*proactive.ChatState) error {
		return writeJSON(path, states)
	}
}

// LoadProactiveStates reads proactive_chat_states.json, returning an empty
// map (not an error) when the file doesn't exist yet.
func LoadProactiveStates(dataDir string) (map[string]*proactive.ChatState, error) {
	out := make(map[string]*proactive.ChatState)
	if err := readJSON(filepath.Join(dataDir, proactiveFileName), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Store owns the attention_data.json / cooldown_data.json autosave loop.
// The proactive scheduler persists its own state file through
// ProactiveSaveFn; this Store only covers the two managers that have no
// autosave loop of their own.
type Store struct {
	dataDir   string
	attention *attention.Tracker
	cooldown  *cooldown.Manager
	log       *slog.Logger
}

// New builds a Store. Either collaborator may be nil to skip its file.
func New(dataDir string, att *attention.Tracker, cd *cooldown.Manager, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dataDir:   dataDir,
		attention: att,
		cooldown:  cd,
		log:       log.With("component", "persistence"),
	}
}

// LoadAll seeds the attention tracker and cooldown manager from disk. Call
// once at startup before traffic resumes.
func (s *Store) LoadAll() error {
	if s.attention != nil {
		var profiles map[string]map[string]attention.Profile
		if err := readJSON(filepath.Join(s.dataDir, attentionFileName), &profiles); err != nil {
			return err
		}
		if profiles != nil {
			s.attention.Import(profiles)
		}
	}
	if s.cooldown != nil {
		var chats map[string]map[string]cooldown.Entry
		if err := readJSON(filepath.Join(s.dataDir, cooldownFileName), &chats); err != nil {
			return err
		}
		if chats != nil {
			s.cooldown.Import(chats)
		}
	}
	return nil
}

// SaveAll force-saves both files, logging (not returning) individual
// failures so a transient disk error on one file never blocks the other —
// matching spec §8's "persistence failure: logged, retained in memory,
// retried on next autosave tick".
func (s *Store) SaveAll() {
	if s.attention != nil {
		path := filepath.Join(s.dataDir, attentionFileName)
		if err := writeJSON(path, s.attention.Export()); err != nil {
			s.log.Error("attention autosave failed", "err", err)
		}
	}
	if s.cooldown != nil {
		path := filepath.Join(s.dataDir, cooldownFileName)
		if err := writeJSON(path, s.cooldown.Export()); err != nil {
			s.log.Error("cooldown autosave failed", "err", err)
		}
	}
}

// Start launches the 60s autosave ticker in the background. ctx
// cancellation force-saves once more before the goroutine returns,
// matching the "force-save ... on plugin shutdown" rule.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(attentionAutosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.SaveAll()
				return
			case <-ticker.C:
				s.SaveAll()
			}
		}
	}()
}
