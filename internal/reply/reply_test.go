package reply

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/contentfilter"
	"github.com/groupwatch/core/internal/history"
	"github.com/groupwatch/core/internal/hostchannel"
	"github.com/groupwatch/core/internal/llmclient"
	"github.com/groupwatch/core/internal/memoryprovider"
	"github.com/groupwatch/core/internal/toolsreminder"
	"github.com/groupwatch/core/internal/typingsim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubLLMServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

type stubSender struct {
	sent []hostchannel.Outgoing
}

func (s *stubSender) Send(ctx context.Context, platform, chatID string, out hostchannel.Outgoing) (hostchannel.SendResult, error) {
	s.sent = append(s.sent, out)
	return hostchannel.SendResult{MessageID: "sent-1", DisplayText: out.Content}, nil
}
func (s *stubSender) React(ctx context.Context, platform, chatID, messageID, emoji string) error {
	return nil
}
func (s *stubSender) Poke(ctx context.Context, platform, chatID, toUserID string) error { return nil }

type stubMemoryProvider struct {
	mems []memoryprovider.Memory
}

func (p *stubMemoryProvider) Mode() memoryprovider.Mode { return memoryprovider.ModeLegacy }
func (p *stubMemoryProvider) Available(ctx context.Context) bool { return true }
func (p *stubMemoryProvider) Search(ctx context.Context, q memoryprovider.Query) ([]memoryprovider.Memory, error) {
	return p.mems, nil
}

func newTestOrchestrator(t *testing.T, llmURL string, sender hostchannel.Sender, memory memoryprovider.Provider) (*Orchestrator, *history.Store) {
	t.Helper()
	store, err := history.New(t.TempDir(), nil, testLogger())
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	llm := llmclient.New(llmclient.Config{BaseURL: llmURL, APIKey: "test-key"}, testLogger())
	typing := typingsim.New(typingsim.Config{TypingSpeed: 1000, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, rand.New(rand.NewSource(1)))
	recent := cache.NewRecentReplies(5, time.Minute)

	cfg := Config{
		Filters: contentfilter.Manager{},
	}
	return New(cfg, llm, memory, typing, recent, store, sender, rand.New(rand.NewSource(1))), store
}

func baseRequest(key chatkey.Key) Request {
	return Request{
		Key:         key,
		BotID:       "bot1",
		UserMessage: history.Message{Role: "user", Content: "hi", SenderID: "u1", SenderName: "Alice", MessageID: "m1", Timestamp: time.Now()},
	}
}

func TestReplySendsLLMOutput(t *testing.T) {
	srv := stubLLMServer(t, "hello there")
	defer srv.Close()
	sender := &stubSender{}
	orch, _ := newTestOrchestrator(t, srv.URL, sender, nil)
	key := chatkey.New("discord", "", chatkey.Group, "c1")

	out, err := orch.Reply(context.Background(), baseRequest(key))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !out.Sent {
		t.Fatalf("expected Sent=true, got %+v", out)
	}
	if len(sender.sent) != 1 || sender.sent[0].Content != "hello there" {
		t.Fatalf("unexpected sends: %+v", sender.sent)
	}
}

func TestReplyInjectsMemoryUnderMarker(t *testing.T) {
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		msgs := body["messages"].([]any)
		// System message is always first.
		sysMsg := msgs[0].(map[string]any)
		captured, _ = sysMsg["content"].(string)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	sender := &stubSender{}
	memory := &stubMemoryProvider{mems: []memoryprovider.Memory{{Content: "likes go", Importance: 0.8, CreatedAt: time.Now()}}}
	orch, _ := newTestOrchestrator(t, srv.URL, sender, memory)
	key := chatkey.New("discord", "", chatkey.Group, "c1")

	req := baseRequest(key)
	req.MemoryQuery = &memoryprovider.Query{Text: "hi", TopK: 5, SessionID: "s1", PersonaID: "p1"}

	if _, err := orch.Reply(context.Background(), req); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sender.sent))
	}
	if !strings.Contains(captured, "=== BACKGROUND INFO ===") || !strings.Contains(captured, "likes go") {
		t.Fatalf("expected the memory under the background marker in the system prompt, got %q", captured)
	}
}

func TestReplyAppliesToolsReminder(t *testing.T) {
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		msgs := body["messages"].([]any)
		// System message is always first.
		sysMsg := msgs[0].(map[string]any)
		captured, _ = sysMsg["content"].(string)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	orch, _ := newTestOrchestrator(t, srv.URL, &stubSender{}, nil)
	key := chatkey.New("discord", "", chatkey.Group, "c1")
	req := baseRequest(key)
	req.Tools = []toolsreminder.Tool{{Name: "search", Description: "searches"}}

	if _, err := orch.Reply(context.Background(), req); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !strings.Contains(captured, "=== AVAILABLE TOOLS ===") || !strings.Contains(captured, "search") {
		t.Fatalf("expected the tools reminder in the system prompt, got %q", captured)
	}
}

func TestReplySuppressesEmptyAfterOutputFilter(t *testing.T) {
	srv := stubLLMServer(t, "secret-token-xyz")
	defer srv.Close()
	sender := &stubSender{}
	orch, _ := newTestOrchestrator(t, srv.URL, sender, nil)
	orch.cfg.Filters = contentfilter.Manager{
		OutputEnabled: true,
		OutputRules:   []string{"{{>*-xyz"},
	}
	key := chatkey.New("discord", "", chatkey.Group, "c1")

	out, err := orch.Reply(context.Background(), baseRequest(key))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if out.Suppressed != SuppressEmptyAfterFilter {
		t.Fatalf("expected suppression for empty-after-filter, got %+v", out)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send, got %+v", sender.sent)
	}
}

func TestReplySuppressesDuplicate(t *testing.T) {
	srv := stubLLMServer(t, "same reply")
	defer srv.Close()
	sender := &stubSender{}
	orch, _ := newTestOrchestrator(t, srv.URL, sender, nil)
	orch.recent.Record("same reply")
	key := chatkey.New("discord", "", chatkey.Group, "c1")

	out, err := orch.Reply(context.Background(), baseRequest(key))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if out.Suppressed != SuppressDuplicate {
		t.Fatalf("expected duplicate suppression, got %+v", out)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send for duplicate, got %+v", sender.sent)
	}
}

func TestPostSendSkipsUnownedMessage(t *testing.T) {
	srv := stubLLMServer(t, "ok")
	defer srv.Close()
	orch, store := newTestOrchestrator(t, srv.URL, &stubSender{}, nil)
	key := chatkey.New("discord", "", chatkey.Group, "c1")
	pending := cache.NewPendingCache(time.Hour, 10)

	err := orch.PostSend(context.Background(), key, "unknown-msg", Outcome{Sent: true}, history.Message{MessageID: "m1", Timestamp: time.Now()}, pending, nil)
	if err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	loaded, err := store.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected nothing promoted for an unowned message, got %v", loaded)
	}
}

func TestPostSendPromotesOwnedMessageAndClearsPending(t *testing.T) {
	srv := stubLLMServer(t, "ok")
	defer srv.Close()
	orch, store := newTestOrchestrator(t, srv.URL, &stubSender{}, nil)
	key := chatkey.New("discord", "", chatkey.Group, "c1")
	pending := cache.NewPendingCache(time.Hour, 10)

	now := time.Now()
	cached := cache.NewFull("user", "earlier msg", "c-1", "u2", "Bob", now.Add(-time.Minute))
	pending.Append(cached)

	userMsg := history.Message{Role: "user", Content: "current msg", SenderID: "u1", SenderName: "Alice", MessageID: "m1", Timestamp: now}

	orch.BeginProcessing(key, "m1")
	outcome := Outcome{Sent: true, SaveText: "bot reply text", SendResult: hostchannel.SendResult{MessageID: "bot-msg-1"}}

	if err := orch.PostSend(context.Background(), key, "m1", outcome, userMsg, pending, nil); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	loaded, err := store.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 promoted entries (cached + user + bot), got %d: %+v", len(loaded), loaded)
	}

	if len(pending.Snapshot()) != 0 {
		t.Fatalf("expected pending cache cleared after promotion, got %v", pending.Snapshot())
	}

	if orch.isProcessing(key, "m1") {
		t.Fatal("expected PostSend to clear the processing flag")
	}
}

func TestPostSendDuplicateSuppressedSkipsBotSave(t *testing.T) {
	srv := stubLLMServer(t, "ok")
	defer srv.Close()
	orch, store := newTestOrchestrator(t, srv.URL, &stubSender{}, nil)
	key := chatkey.New("discord", "", chatkey.Group, "c1")
	pending := cache.NewPendingCache(time.Hour, 10)

	userMsg := history.Message{Role: "user", Content: "current msg", MessageID: "m1", Timestamp: time.Now()}
	orch.BeginProcessing(key, "m1")

	outcome := Outcome{Suppressed: SuppressDuplicate, OutputText: "dup", SaveText: "dup"}
	if err := orch.PostSend(context.Background(), key, "m1", outcome, userMsg, pending, nil); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	loaded, err := store.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].IsBot {
		t.Fatalf("expected only the user message saved, no bot reply, got %+v", loaded)
	}
}
