// Package decision implements DecisionEngine (spec §4.1): the single
// entry point for an inbound group message. It runs the ordered filter
// chain (command detection, mention/blacklist/poke gates, trigger
// classification), the probability gate (§4.2), the judge-AI call
// (§4.3), the concurrency gate, and finally dispatches to
// reply.Orchestrator and its post-send hook.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/groupwatch/core/internal/attention"
	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/cooldown"
	"github.com/groupwatch/core/internal/frequency"
	"github.com/groupwatch/core/internal/history"
	"github.com/groupwatch/core/internal/hostchannel"
	"github.com/groupwatch/core/internal/llmclient"
	"github.com/groupwatch/core/internal/memoryprovider"
	"github.com/groupwatch/core/internal/mood"
	"github.com/groupwatch/core/internal/probability"
	"github.com/groupwatch/core/internal/reply"
	"github.com/groupwatch/core/internal/toolsreminder"
)

// AtOthersMode controls how a mention of a non-bot user is treated.
type AtOthersMode string

const (
	AtOthersDisabled    AtOthersMode = ""
	AtOthersStrict      AtOthersMode = "strict"
	AtOthersAllowWithBot AtOthersMode = "allow_with_bot"
)

// PokeMode controls which native pokes the engine reacts to.
type PokeMode string

const (
	PokeIgnore  PokeMode = "ignore"
	PokeBotOnly PokeMode = "bot_only"
	PokeAll     PokeMode = "all"
)

// CommandConfig gates step 2, the command-detection filter.
type CommandConfig struct {
	Enabled                    bool
	Prefixes                   []string
	EnableFullCommandDetection bool
	FullCommandList            []string
	EnableCommandPrefixMatch   bool
	CommandPrefixMatchList     []string
}

// UserBlacklistConfig gates step 4.
type UserBlacklistConfig struct {
	Enabled bool
	UserIDs []string
}

// AtOthersConfig gates step 6.
type AtOthersConfig struct {
	Mode AtOthersMode
}

// PokeConfig gates step 7.
type PokeConfig struct {
	Mode                     PokeMode
	BotSkipProbability       float64
	ReverseOnPokeProbability float64
	EnabledGroups            []string // empty means every group
}

// AttentionGateConfig feeds attention.Tracker.DecreaseOnNoReply when the
// judge AI declines to reply.
type AttentionGateConfig struct {
	DecreaseOnNoReplyStep    float64
	DecreaseThreshold        float64
	CooldownTriggerThreshold float64
}

// ResetConfig names the users allowed to invoke the two reset commands
// (spec §7's only user-visible operations).
type ResetConfig struct {
	ResetAllowedUserIDs     []string
	ResetHereAllowedUserIDs []string
}

// Config bundles every DecisionEngine tunable.
type Config struct {
	Enabled bool
	BotID   string

	Commands                CommandConfig
	CommandMarkTTL          time.Duration // default 10s, spec §4.1 step 2
	IgnoreGroupWideMentions bool
	UserBlacklist           UserBlacklistConfig
	BlacklistKeywords       []string
	PokeSpoofToken          string
	AtOthers                AtOthersConfig
	Poke                    PokeConfig

	TriggerKeywords  []string
	KeywordSmartMode bool

	Probability            probability.Config
	InitialBaseProbability float64

	MaxContextMessages int // -1 unlimited (capped 500), 0 none, >0 exact
	IncludeTimestamp   bool
	IncludeSenderInfo  bool

	ConcurrentWaitMaxLoops  int
	ConcurrentWaitInterval  time.Duration

	SystemPrompt string

	MemoryEnabled   bool
	MemoryTopK      int
	MemoryPersonaID string

	Attention AttentionGateConfig
	Reset     ResetConfig

	Tools func() []toolsreminder.Tool
}

// ProactiveHandle is the thin interface the scheduler satisfies, breaking
// the conceptual cycle between it and the engine (spec §9 "Cyclic
// references between components").
type ProactiveHandle interface {
	TempBoost(key chatkey.Key) (active bool, probability float64)
	NoteOrganicMessage(key chatkey.Key, userID string)
	RecordSuccess(key chatkey.Key)
}

// Engine is the DecisionEngine: it wires every other component into the
// single ordered per-message pipeline.
type Engine struct {
	cfg Config
	log *slog.Logger
	rng *rand.Rand

	cooldown  *cooldown.Manager
	attention *attention.Tracker
	freq      *frequency.Tuner
	judge     *llmclient.Client
	orch      *reply.Orchestrator
	history   *history.Store
	pending   func(chatkey.Key) *cache.PendingCache
	proactive ProactiveHandle
	sender    hostchannel.Sender

	mu           sync.Mutex
	commandMarks map[string]time.Time
}

// New builds an Engine. attention, cooldown, freq, proactive, and sender
// may be nil to disable the mechanism they back.
func New(
	cfg Config,
	cd *cooldown.Manager,
	att *attention.Tracker,
	freq *frequency.Tuner,
	judge *llmclient.Client,
	orch *reply.Orchestrator,
	store *history.Store,
	pending func(chatkey.Key) *cache.PendingCache,
	proactive ProactiveHandle,
	sender hostchannel.Sender,
	log *slog.Logger,
	rng *rand.Rand,
) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:          cfg,
		log:          log.With("component", "decision"),
		rng:          rng,
		cooldown:     cd,
		attention:    att,
		freq:         freq,
		judge:        judge,
		orch:         orch,
		history:      store,
		pending:      pending,
		proactive:    proactive,
		sender:       sender,
		commandMarks: make(map[string]time.Time),
	}
}

func keyKind(ev hostchannel.Event) chatkey.Kind {
	if ev.IsPrivate {
		return chatkey.Private
	}
	return chatkey.Group
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Handle runs the full DecisionEngine pipeline for one inbound message.
// It never returns an error for ordinary filter/suppression outcomes —
// only for failures past the judge-AI step, per §4.1's error-handling
// note. A panic anywhere in the pipeline is recovered and logged so one
// bad message can't take down the host's dispatch loop.
func (e *Engine) Handle(ctx context.Context, ev hostchannel.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("recovered from panic in decision handler", "panic", r, "message_id", ev.MessageID)
			err = nil
		}
	}()

	// Step 1: global gate.
	if !e.cfg.Enabled {
		return nil
	}

	key := chatkey.New(ev.Platform, ev.PlatformKind, keyKind(ev), ev.ChatID)
	text := ev.Text()

	if handled, rerr := e.handleReset(ctx, ev, key); handled {
		return rerr
	}

	// Step 2: command detection.
	if e.isCommand(text) {
		e.markCommand(ev.MessageID)
		return nil
	}

	// Step 3: @all filter.
	if e.cfg.IgnoreGroupWideMentions && ev.MentionsAll() {
		return nil
	}

	// Step 4: user blacklist.
	if e.cfg.UserBlacklist.Enabled && contains(e.cfg.UserBlacklist.UserIDs, ev.SenderID) {
		return nil
	}

	// Keyword blacklist — same early-return shape as the user blacklist
	// above, gating on message content instead of sender identity.
	if matchesAny(text, e.cfg.BlacklistKeywords) {
		return nil
	}

	// Step 5: poke-spoof filter.
	if e.cfg.PokeSpoofToken != "" && strings.TrimSpace(text) == e.cfg.PokeSpoofToken {
		return nil
	}

	// Step 6: @-others filter.
	if e.blockedByAtOthers(ev) {
		return nil
	}

	// Step 7: poke handling.
	if poke, ok := ev.Poke(); ok {
		return e.handlePoke(ctx, key, poke)
	}

	// Step 8: trigger classification.
	isAt := ev.MentionsBot(e.cfg.BotID)
	hasKeyword, matchedKeyword := matchTriggerKeyword(text, e.cfg.TriggerKeywords)
	bypassProbability := isAt || hasKeyword
	forceReply := isAt || (hasKeyword && !e.cfg.KeywordSmartMode)

	if e.proactive != nil {
		e.proactive.NoteOrganicMessage(key, ev.SenderID)
	}

	pc := e.pendingFor(key)

	// Step 9: probability gate.
	if !bypassProbability {
		p := e.computeProbability(key, ev, false)
		if e.rng.Float64() >= p {
			pc.Append(cache.NewProbabilityFiltered("user", text, ev.MessageID, ev.Timestamp))
			return nil
		}
	}

	// Step 10: content processing / full cache enqueue.
	imageURLs := ev.ImageURLs()
	if text == "" && len(imageURLs) > 0 {
		// Image-only message with no description service available:
		// discarded from the cache per §4.5's image-handling rule.
	} else {
		full := cache.NewFull("user", text, ev.MessageID, ev.SenderID, ev.SenderName, ev.Timestamp)
		full.ImageURLs = imageURLs
		full.IsAtMessage = isAt
		full.HasTriggerKeyword = hasKeyword
		pc.Append(full)
	}

	userMsg := history.Message{
		Role:       "user",
		Content:    text,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Timestamp:  ev.Timestamp,
		MessageID:  ev.MessageID,
		ImageURLs:  imageURLs,
	}

	// Step 11: judge AI, unless the trigger forces reply.
	if !forceReply {
		prompt := e.buildJudgePrompt(key, ev, text, matchedKeyword, pc)
		shouldReply, jerr := e.judge.DecideReply(ctx, prompt)
		if jerr != nil {
			// decision_ai_error: treated as no-reply but attention
			// decrement/humanize bookkeeping is suppressed entirely.
			e.log.Warn("judge ai call failed", "err", jerr, "chat", key.String())
			return e.saveUserMessageOnly(key, userMsg, pc)
		}
		if !shouldReply {
			if e.attention != nil {
				e.attention.DecreaseOnNoReply(key, ev.SenderID,
					e.cfg.Attention.DecreaseOnNoReplyStep,
					e.cfg.Attention.DecreaseThreshold,
					e.cfg.Attention.CooldownTriggerThreshold)
			}
			return e.saveUserMessageOnly(key, userMsg, pc)
		}
	}

	// Step 12: concurrency gate.
	e.waitForChatFree(ctx, key)
	e.orch.BeginProcessing(key, ev.MessageID)

	// Step 13: reply orchestrator dispatch.
	req := e.buildReplyRequest(key, ev, text, userMsg, pc)
	outcome, rerr := e.orch.Reply(ctx, req)
	if rerr != nil {
		e.orch.EndProcessing(key, ev.MessageID)
		e.log.Error("reply pipeline failed", "err", rerr, "chat", key.String())
		return rerr
	}

	if perr := e.orch.PostSend(ctx, key, ev.MessageID, outcome, userMsg, pc, nil); perr != nil {
		e.log.Error("post-send hook failed", "err", perr, "chat", key.String())
	}

	if e.attention != nil {
		e.attention.RecordReply(key, ev.SenderID, ev.SenderName, text, text)
	}
	if e.freq != nil {
		e.freq.Record(key, outcome.Sent)
	}
	if e.proactive != nil {
		e.proactive.RecordSuccess(key)
	}

	return nil
}

func (e *Engine) pendingFor(key chatkey.Key) *cache.PendingCache {
	if e.pending == nil {
		return cache.NewPendingCache(0, 0)
	}
	return e.pending(key)
}

func matchesAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	low := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(low, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchTriggerKeyword(text string, keywords []string) (bool, string) {
	if text == "" {
		return false, ""
	}
	low := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(low, strings.ToLower(kw)) {
			return true, kw
		}
	}
	return false, ""
}

func (e *Engine) isCommand(text string) bool {
	cfg := e.cfg.Commands
	if !cfg.Enabled {
		return false
	}
	trimmed := strings.TrimSpace(text)
	for _, p := range cfg.Prefixes {
		if p != "" && strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	if cfg.EnableFullCommandDetection {
		for _, c := range cfg.FullCommandList {
			if trimmed == c {
				return true
			}
		}
	}
	if cfg.EnableCommandPrefixMatch {
		for _, c := range cfg.CommandPrefixMatchList {
			if c != "" && strings.HasPrefix(trimmed, c) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) markCommandTTL() time.Duration {
	if e.cfg.CommandMarkTTL > 0 {
		return e.cfg.CommandMarkTTL
	}
	return 10 * time.Second
}

func (e *Engine) markCommand(msgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commandMarks[msgID] = time.Now()
	e.purgeCommandMarksLocked()
}

func (e *Engine) purgeCommandMarksLocked() {
	ttl := e.markCommandTTL()
	now := time.Now()
	for id, at := range e.commandMarks {
		if now.Sub(at) > ttl {
			delete(e.commandMarks, id)
		}
	}
}

// IsMarkedCommand reports whether msgID was marked as a command within
// the last CommandMarkTTL, for other handlers sharing the same message.
func (e *Engine) IsMarkedCommand(msgID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeCommandMarksLocked()
	_, ok := e.commandMarks[msgID]
	return ok
}

func (e *Engine) blockedByAtOthers(ev hostchannel.Event) bool {
	if e.cfg.AtOthers.Mode == AtOthersDisabled {
		return false
	}
	mentionsOther := false
	for _, c := range ev.Components {
		if c.Type == hostchannel.ComponentMention && !c.MentionsAll && c.MentionedID != "" && c.MentionedID != e.cfg.BotID {
			mentionsOther = true
			break
		}
	}
	if !mentionsOther {
		return false
	}
	switch e.cfg.AtOthers.Mode {
	case AtOthersStrict:
		return true
	case AtOthersAllowWithBot:
		return !ev.MentionsBot(e.cfg.BotID)
	default:
		return false
	}
}

func (e *Engine) handlePoke(ctx context.Context, key chatkey.Key, poke hostchannel.Component) error {
	if len(e.cfg.Poke.EnabledGroups) > 0 && !contains(e.cfg.Poke.EnabledGroups, key.ChatID) {
		return nil
	}

	targetsBot := poke.PokeToID == e.cfg.BotID
	switch e.cfg.Poke.Mode {
	case PokeIgnore:
		return nil
	case PokeBotOnly:
		if !targetsBot {
			return nil
		}
	case PokeAll:
		// any target proceeds
	default:
		return nil
	}

	if targetsBot && e.cfg.Poke.BotSkipProbability > 0 && e.rng.Float64() < e.cfg.Poke.BotSkipProbability {
		return nil
	}

	if e.sender != nil && e.cfg.Poke.ReverseOnPokeProbability > 0 && e.rng.Float64() < e.cfg.Poke.ReverseOnPokeProbability {
		if err := e.sender.Poke(ctx, key.Platform, key.ChatID, poke.PokeFromID); err != nil {
			e.log.Warn("reverse poke failed", "err", err, "chat", key.String())
		}
	}
	return nil
}

func (e *Engine) computeProbability(key chatkey.Key, ev hostchannel.Event, matchesInterest bool) float64 {
	base := e.cfg.InitialBaseProbability
	if e.freq != nil {
		base = e.freq.Base(key)
	}
	if e.proactive != nil {
		if active, boost := e.proactive.TempBoost(key); active {
			base += boost
		}
	}

	in := probability.Input{BaseProbability: base, MatchesInterestKeyword: matchesInterest}

	inCooldown := e.cooldown != nil && e.cooldown.IsInCooldown(key, ev.SenderID)
	in.InCooldown = inCooldown

	if e.attention != nil && !inCooldown {
		if prof, ok := e.attention.Profile(key, ev.SenderID); ok {
			in.HasProfile = true
			in.AttentionScore = prof.AttentionScore
			in.Emotion = prof.Emotion
			in.ConsecutiveReplies = prof.ConsecutiveReplies
			in.FatigueLevel = e.attention.FatigueLevelFor(prof.ConsecutiveReplies)
		} else {
			in.SpilloverBoost = e.attention.SpilloverBoost(key, e.cfg.Probability.IncreasedProb, base)
		}
	}
	if poke, ok := ev.Poke(); ok && poke.PokeFromID == ev.SenderID {
		in.IsPoke = true
	}

	var fatigue probability.Tracker
	if e.attention != nil {
		fatigue = e.attention
	}
	return probability.Compute(e.cfg.Probability, in, fatigue)
}

// assembleContext merges official history with the chat's still-pending
// cache (spec §4.5 "Context assembly"), deduplicated by content hash,
// sorted by timestamp, and bounded by MaxContextMessages.
func (e *Engine) assembleContext(key chatkey.Key, pc *cache.PendingCache) []history.Message {
	hist, err := e.history.Load(key)
	if err != nil {
		e.log.Warn("history load failed, proceeding with empty context", "err", err, "chat", key.String())
	}
	cached := pc.Snapshot()

	seen := make(map[string]struct{}, len(hist))
	merged := make([]history.Message, 0, len(hist)+len(cached))
	for _, m := range hist {
		seen[m.ContentHash()] = struct{}{}
		merged = append(merged, m)
	}
	for _, c := range cached {
		msg := history.Message{
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
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	const hardCap = 500
	limit := e.cfg.MaxContextMessages
	switch {
	case limit == 0:
		return nil
	case limit < 0 || limit > hardCap:
		limit = hardCap
	}
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func (e *Engine) buildJudgePrompt(key chatkey.Key, ev hostchannel.Event, text, matchedKeyword string, pc *cache.PendingCache) string {
	hist := e.assembleContext(key, pc)
	current := history.Message{
		Role: "user", Content: text, SenderID: ev.SenderID, SenderName: ev.SenderName,
		Timestamp: ev.Timestamp, MessageID: ev.MessageID,
	}
	contextBlock := history.FormatContextForAI(hist, current, e.cfg.BotID, e.cfg.IncludeTimestamp, e.cfg.IncludeSenderInfo)

	var b strings.Builder
	b.WriteString("Decide whether the bot should reply to the current message in this conversation.\n\n")
	b.WriteString(contextBlock)
	b.WriteString("\n\n")
	if matchedKeyword != "" {
		fmt.Fprintf(&b, "Matched trigger keyword: %q\n", matchedKeyword)
	}
	if e.attention != nil {
		if prof, ok := e.attention.Profile(key, ev.SenderID); ok {
			if level := e.attention.FatigueLevelFor(prof.ConsecutiveReplies); level != attention.FatigueNone {
				fmt.Fprintf(&b, "This user has had %d consecutive replies from the bot (fatigue: %s); a natural wind-down is appropriate.\n", prof.ConsecutiveReplies, level)
			}
		}
	}
	if text == "" && ev.MentionsBot(e.cfg.BotID) {
		b.WriteString("The user pinged the bot with no text content; a brief greeting is the right reply if you decide to respond.\n")
	}
	b.WriteString("\nRespond with exactly YES or NO.")
	return b.String()
}

func (e *Engine) buildReplyRequest(key chatkey.Key, ev hostchannel.Event, text string, userMsg history.Message, pc *cache.PendingCache) reply.Request {
	req := reply.Request{
		Key:          key,
		BotID:        e.cfg.BotID,
		SystemPrompt: e.cfg.SystemPrompt,
		History:      e.assembleContext(key, pc),
		UserMessage:  userMsg,
		ImageURLs:    userMsg.ImageURLs,
	}

	if e.cfg.Tools != nil {
		req.Tools = e.cfg.Tools()
	}

	if e.attention != nil {
		if prof, ok := e.attention.Profile(key, ev.SenderID); ok {
			req.Mood = mood.Snapshot{
				Emotion:            prof.Emotion,
				ConsecutiveReplies: prof.ConsecutiveReplies,
				FatigueLevel:       string(e.attention.FatigueLevelFor(prof.ConsecutiveReplies)),
			}
			req.IncludeMood = true
		}
	}

	if e.cfg.MemoryEnabled {
		req.MemoryQuery = &memoryprovider.Query{
			Text:      text,
			TopK:      e.cfg.MemoryTopK,
			SessionID: key.String(),
			PersonaID: e.cfg.MemoryPersonaID,
		}
	}

	return req
}

// saveUserMessageOnly persists the triggering user message to official
// history without a bot reply, preserving continuity for the next judge-
// AI call (spec §4.1 step 11 "on no reply, save the user message to
// history ... and return").
func (e *Engine) saveUserMessageOnly(key chatkey.Key, userMsg history.Message, pc *cache.PendingCache) error {
	batch := pc.PromotableBefore(userMsg.Timestamp, nil)
	if err := e.history.Promote(key, batch, userMsg, nil); err != nil {
		e.log.Error("save user message failed", "err", err, "chat", key.String())
		return err
	}
	return nil
}

func (e *Engine) waitForChatFree(ctx context.Context, key chatkey.Key) {
	loops := e.cfg.ConcurrentWaitMaxLoops
	interval := e.cfg.ConcurrentWaitInterval
	if loops <= 0 || interval <= 0 {
		return
	}
	for i := 0; i < loops; i++ {
		if !e.orch.ChatBusy(key) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
	e.log.Warn("concurrency wait expired, proceeding anyway", "chat", key.String())
}

const (
	resetCommand     = "!gcp_reset"
	resetHereCommand = "!gcp_reset_here"
)

// handleReset implements the two user-visible reset commands (spec §7):
// the only operations that acknowledge success or failure via a chat
// reply. Returns handled=true whenever the text matches either command,
// whether or not the sender was authorized to run it.
func (e *Engine) handleReset(ctx context.Context, ev hostchannel.Event, key chatkey.Key) (bool, error) {
	text := strings.TrimSpace(ev.Text())

	var allowed []string
	var clear func() int
	switch text {
	case resetCommand:
		allowed = e.cfg.Reset.ResetAllowedUserIDs
		clear = func() int {
			if e.cooldown == nil {
				return 0
			}
			return e.cooldown.ClearAll()
		}
	case resetHereCommand:
		allowed = e.cfg.Reset.ResetHereAllowedUserIDs
		clear = func() int {
			if e.cooldown == nil {
				return 0
			}
			return e.cooldown.ClearChat(key)
		}
	default:
		return false, nil
	}

	if !contains(allowed, ev.SenderID) {
		e.ackReset(ctx, key, ev, "Not authorized to run this reset command (not saved to conversation history).")
		return true, nil
	}

	n := clear()
	e.ackReset(ctx, key, ev, fmt.Sprintf("Reset complete: cleared %d cooldown entr%s (not saved to conversation history).", n, plural(n)))
	return true, nil
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func (e *Engine) ackReset(ctx context.Context, key chatkey.Key, ev hostchannel.Event, text string) {
	if e.sender == nil {
		return
	}
	if _, err := e.sender.Send(ctx, key.Platform, key.ChatID, hostchannel.Outgoing{Content: text, ReplyToID: ev.MessageID}); err != nil {
		e.log.Warn("reset acknowledgement send failed", "err", err, "chat", key.String())
	}
}
