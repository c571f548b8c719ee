// Package reply implements the reply orchestration pipeline (spec §4.6)
// and the post-send hook that follows any outbound message (spec §4.7):
// memory/tools/mood injection, the LLM call, post-LLM humanization
// (typos, typing delay), output filtering, duplicate suppression, send,
// and promotion of the cached batch into official history.
package reply

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/contentfilter"
	"github.com/groupwatch/core/internal/history"
	"github.com/groupwatch/core/internal/hostchannel"
	"github.com/groupwatch/core/internal/llmclient"
	"github.com/groupwatch/core/internal/memoryprovider"
	"github.com/groupwatch/core/internal/mood"
	"github.com/groupwatch/core/internal/toolsreminder"
	"github.com/groupwatch/core/internal/typogen"
	"github.com/groupwatch/core/internal/typingsim"
)

// LLMRequestHook lets other registered plugins append to the system
// prompt before the LLM call. Hooks run in registration order; the
// orchestrator re-applies its own memory and tools blocks afterward so
// they survive even if a hook replaced the prompt outright. The mood cue
// is not re-applied.
type LLMRequestHook func(systemPrompt string) string

// Config bundles the humanization and filtering knobs the orchestrator
// needs beyond its collaborator packages.
type Config struct {
	Typo        typogen.Config
	Homophones  typogen.Homophones
	Filters     contentfilter.Manager
	IncludeTime bool
	IncludeName bool
}

// Orchestrator wires memory, tools, mood, the LLM client, post-LLM
// humanization, output filtering, and history promotion into the single
// per-message pipeline described in spec §4.6/§4.7.
type Orchestrator struct {
	cfg     Config
	llm     *llmclient.Client
	memory  memoryprovider.Provider
	typing  *typingsim.Simulator
	recent  *cache.RecentReplies
	history *history.Store
	sender  hostchannel.Sender
	rng     *rand.Rand
	hooks   []LLMRequestHook

	mu         sync.Mutex
	processing map[chatkey.Key]map[string]struct{}
}

// New builds an Orchestrator. memory may be nil to skip memory injection
// entirely (legacy deployments with no memory plugin configured).
func New(cfg Config, llm *llmclient.Client, memory memoryprovider.Provider, typing *typingsim.Simulator, recent *cache.RecentReplies, store *history.Store, sender hostchannel.Sender, rng *rand.Rand) *Orchestrator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		cfg:        cfg,
		llm:        llm,
		memory:     memory,
		typing:     typing,
		recent:     recent,
		history:    store,
		sender:     sender,
		rng:        rng,
		processing: make(map[chatkey.Key]map[string]struct{}),
	}
}

// OnLLMRequest registers a hook run before every LLM call.
func (o *Orchestrator) OnLLMRequest(hook LLMRequestHook) {
	o.hooks = append(o.hooks, hook)
}

// Request bundles everything the pipeline needs for one reply attempt.
// History/UserMessage are the already-assembled context (spec §4.5); the
// caller is responsible for building them before invoking Reply.
type Request struct {
	Key           chatkey.Key
	BotID         string
	SystemPrompt  string // persona + any other-plugin base additions
	History       []history.Message
	UserMessage   history.Message
	ImageURLs     []string
	MemoryQuery   *memoryprovider.Query // nil skips step 1 entirely
	Tools         []toolsreminder.Tool
	Mood          mood.Snapshot
	IncludeMood   bool
}

// SuppressReason names why a reply produced no outbound send.
type SuppressReason string

const (
	SuppressNone             SuppressReason = ""
	SuppressEmptyAfterFilter SuppressReason = "empty_after_filter"
	SuppressDuplicate        SuppressReason = "duplicate"
)

// Outcome is what happened to one reply attempt.
type Outcome struct {
	Sent       bool
	Suppressed SuppressReason
	SendResult hostchannel.SendResult
	OutputText string // what was sent (or would have been, pre-suppression)
	SaveText   string // independently filtered text for history (step 9)
}

// Reply runs spec §4.6 steps 1-9 against an assembled context and
// returns what was sent (if anything). It never saves to history or
// clears caches — that is the post-send hook's job (PostSend).
func (o *Orchestrator) Reply(ctx context.Context, req Request) (Outcome, error) {
	systemPrompt := req.SystemPrompt

	// Step 1: memory injection.
	var formattedMemory string
	if o.memory != nil && req.MemoryQuery != nil && o.memory.Available(ctx) {
		q := *req.MemoryQuery
		mems, err := o.memory.Search(ctx, q)
		if err != nil {
			return Outcome{}, fmt.Errorf("reply: memory search: %w", err)
		}
		formattedMemory = memoryprovider.FormatForInjection(mems)
		systemPrompt = memoryprovider.InjectOnce(systemPrompt, formattedMemory)
	}

	// Step 2: tools reminder.
	systemPrompt = toolsreminder.Inject(systemPrompt, req.Tools)

	// Step 3: mood injection.
	if req.IncludeMood {
		if cue := mood.Cue(req.Mood); cue != "" {
			systemPrompt = cue + "\n\n" + systemPrompt
		}
	}

	// Host-plugin hooks run between our own composition and the LLM call;
	// our blocks are re-applied afterward (both idempotent) so they
	// survive even if a hook replaced the prompt wholesale.
	for _, hook := range o.hooks {
		systemPrompt = hook(systemPrompt)
	}
	systemPrompt = memoryprovider.InjectOnce(systemPrompt, formattedMemory)
	systemPrompt = toolsreminder.Inject(systemPrompt, req.Tools)

	// Step 4: LLM call.
	userPrompt := history.FormatContextForAI(req.History, req.UserMessage, req.BotID, o.cfg.IncludeTime, o.cfg.IncludeName)
	resp, err := o.llm.Complete(ctx, systemPrompt, []llmclient.Message{{Role: "user", Content: userPrompt}}, req.ImageURLs)
	if err != nil {
		return Outcome{}, fmt.Errorf("reply: llm call: %w", err)
	}
	text := resp.Content

	// Step 5: post-LLM transformations — typo injection, then typing delay.
	text = typogen.Inject(o.cfg.Typo, o.cfg.Homophones, text, o.rng)
	if err := o.typing.Wait(ctx, text); err != nil {
		return Outcome{}, fmt.Errorf("reply: typing delay: %w", err)
	}

	// Step 6: output content filter.
	outputText := o.cfg.Filters.FilterForOutput(text)
	saveText := o.cfg.Filters.FilterForSave(text)
	if outputText == "" {
		return Outcome{Suppressed: SuppressEmptyAfterFilter, SaveText: saveText}, nil
	}

	// Step 7: duplicate suppression (comparison only; recording happens
	// in the post-send hook, once the send actually succeeds).
	if o.recent.IsDuplicate(outputText) {
		return Outcome{Suppressed: SuppressDuplicate, OutputText: outputText, SaveText: saveText}, nil
	}

	// Step 8: send.
	sendResult, err := o.sender.Send(ctx, req.Key.Platform, req.Key.ChatID, hostchannel.Outgoing{
		Content:   outputText,
		ReplyToID: req.UserMessage.MessageID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reply: send: %w", err)
	}

	// Step 9: save-side filter already computed above (independent of
	// the output filter).
	return Outcome{Sent: true, SendResult: sendResult, OutputText: outputText, SaveText: saveText}, nil
}

// BeginProcessing marks msgID as owned by this plugin for key, so the
// post-send hook recognizes it as its own when the host framework fires
// after the send.
func (o *Orchestrator) BeginProcessing(key chatkey.Key, msgID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.processing[key]
	if !ok {
		set = make(map[string]struct{})
		o.processing[key] = set
	}
	set[msgID] = struct{}{}
}

// EndProcessing releases msgID.
func (o *Orchestrator) EndProcessing(key chatkey.Key, msgID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if set, ok := o.processing[key]; ok {
		delete(set, msgID)
		if len(set) == 0 {
			delete(o.processing, key)
		}
	}
}

// ChatBusy reports whether any message for key is currently mid-pipeline,
// for callers (the decision engine's concurrency gate, spec §4.1 step 12)
// that need to wait out an in-flight reply before starting their own.
func (o *Orchestrator) ChatBusy(key chatkey.Key) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.processing[key]) > 0
}

func (o *Orchestrator) isProcessing(key chatkey.Key, msgID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.processing[key][msgID]
	return ok
}

// processingSnapshot copies the current processing set for key, safe to
// pass to cache.PendingCache without holding the orchestrator's lock.
func (o *Orchestrator) processingSnapshot(key chatkey.Key) map[string]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]struct{}, len(o.processing[key]))
	for id := range o.processing[key] {
		out[id] = struct{}{}
	}
	return out
}

// PostSend implements spec §4.7: it runs after the host framework
// confirms an outbound send (or a suppressed attempt) for msgID, saves
// the bot reply and the triggering user message to official history,
// records the reply for duplicate suppression, and clears PendingCache
// up to the user message's timestamp. keep names PendingCache entries
// owned by an active proactive session (spec §4.8 concurrency lock) and
// may be nil.
func (o *Orchestrator) PostSend(ctx context.Context, key chatkey.Key, msgID string, outcome Outcome, userMsg history.Message, pending *cache.PendingCache, keep map[string]struct{}) error {
	if !o.isProcessing(key, msgID) {
		return nil
	}
	defer o.EndProcessing(key, msgID)

	var botReply *history.Message
	if outcome.Sent {
		reply := history.Message{
			Role:      "assistant",
			Content:   outcome.SaveText,
			Timestamp: time.Now(),
			MessageID: outcome.SendResult.MessageID,
			IsBot:     true,
		}
		botReply = &reply
		o.recent.Record(outcome.OutputText)
	}
	// Suppressed-by-duplicate attempts still count as "attempted": the
	// user message is saved but botReply stays nil, so promotion skips
	// the bot-side save without dropping the cached batch or user turn.

	processing := o.processingSnapshot(key)
	cutoff := userMsg.Timestamp
	batch := pending.PromotableBefore(cutoff, processing)

	if err := o.history.Promote(key, batch, userMsg, botReply); err != nil {
		return fmt.Errorf("reply: post-send promote: %w", err)
	}

	pending.RemoveUpTo(cutoff, processing, keep)
	return nil
}
