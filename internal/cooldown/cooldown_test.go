package cooldown

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/groupwatch/core/internal/chatkey"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddThenIsInCooldown(t *testing.T) {
	m := New(time.Minute, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	if !m.Add(key, "u1", "Alice", "decision_ai_no_reply") {
		t.Fatal("expected first Add to succeed")
	}
	if !m.IsInCooldown(key, "u1") {
		t.Fatal("expected user to be in cooldown")
	}
}

func TestAddTwiceReturnsFalse(t *testing.T) {
	m := New(time.Minute, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	m.Add(key, "u1", "Alice", "reason")
	if m.Add(key, "u1", "Alice", "reason") {
		t.Fatal("expected second Add to report already-in-cooldown")
	}
}

func TestRemoveReleasesUser(t *testing.T) {
	m := New(time.Minute, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	m.Add(key, "u1", "Alice", "reason")
	if !m.Remove(key, "u1", "manual") {
		t.Fatal("expected Remove to succeed")
	}
	if m.IsInCooldown(key, "u1") {
		t.Fatal("expected user no longer in cooldown")
	}
}

func TestRemoveNonexistentReturnsFalse(t *testing.T) {
	m := New(time.Minute, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	if m.Remove(key, "ghost", "manual") {
		t.Fatal("expected Remove of unknown user to report false")
	}
}

func TestCheckAndReleaseExpired(t *testing.T) {
	m := New(10*time.Millisecond, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	m.Add(key, "u1", "Alice", "reason")
	time.Sleep(20 * time.Millisecond)

	released := m.CheckAndReleaseExpired(key)
	if len(released) != 1 || released[0] != "u1" {
		t.Fatalf("expected u1 to be released, got %v", released)
	}
	if m.IsInCooldown(key, "u1") {
		t.Fatal("expected u1 to no longer be in cooldown")
	}
}

func TestInfoReportsElapsedAndRemaining(t *testing.T) {
	m := New(time.Minute, testLogger())
	key := chatkey.New("discord", "", chatkey.Group, "1")
	m.Add(key, "u1", "Alice", "reason")

	_, elapsed, remaining, ok := m.Info(key, "u1")
	if !ok {
		t.Fatal("expected Info to find the entry")
	}
	if elapsed < 0 || remaining <= 0 || remaining > time.Minute {
		t.Fatalf("unexpected elapsed=%v remaining=%v", elapsed, remaining)
	}
}

func TestClearChatOnlyAffectsThatChat(t *testing.T) {
	m := New(time.Minute, testLogger())
	a := chatkey.New("discord", "", chatkey.Group, "a")
	b := chatkey.New("discord", "", chatkey.Group, "b")
	m.Add(a, "u1", "Alice", "reason")
	m.Add(b, "u2", "Bob", "reason")

	if n := m.ClearChat(a); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if m.IsInCooldown(a, "u1") {
		t.Fatal("expected chat a cleared")
	}
	if !m.IsInCooldown(b, "u2") {
		t.Fatal("expected chat b untouched")
	}
}

func TestClearAllClearsEverything(t *testing.T) {
	m := New(time.Minute, testLogger())
	a := chatkey.New("discord", "", chatkey.Group, "a")
	b := chatkey.New("discord", "", chatkey.Group, "b")
	m.Add(a, "u1", "Alice", "reason")
	m.Add(b, "u2", "Bob", "reason")

	if n := m.ClearAll(); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if m.IsInCooldown(a, "u1") || m.IsInCooldown(b, "u2") {
		t.Fatal("expected all cooldowns cleared")
	}
}
