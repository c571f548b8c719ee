// Package proactive implements ProactiveScheduler (spec §4.8): a
// background task that, for each known chat, decides whether the bot
// should speak up unprompted after a period of silence, adapting its
// aggressiveness to a per-chat interaction score and backing off after
// repeated failures.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/groupwatch/core/internal/attention"
	"github.com/groupwatch/core/internal/cache"
	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/frequency"
	"github.com/groupwatch/core/internal/history"
	"github.com/groupwatch/core/internal/memoryprovider"
	"github.com/groupwatch/core/internal/reply"
	"github.com/groupwatch/core/internal/timeperiod"
	"github.com/groupwatch/core/internal/toolsreminder"
)

// ScoreBucket names the adaptive-parameter band a chat's interaction
// score falls into.
type ScoreBucket string

const (
	BucketHot      ScoreBucket = "hot"
	BucketFriendly ScoreBucket = "friendly"
	BucketCool     ScoreBucket = "cool"
	BucketCold     ScoreBucket = "cold"
	BucketDead     ScoreBucket = "dead"
)

// AdaptiveParams is the per-bucket multiplier row (spec §4.8 adaptive
// parameter table).
type AdaptiveParams struct {
	Bucket             ScoreBucket
	ProbMultiplier     float64
	SilenceMultiplier  float64
	CooldownMultiplier float64
	MaxFailures        int
}

// classify buckets an interaction score and derives its multipliers from
// the configured base max-failures.
func classify(score float64, baseMaxFailures int) AdaptiveParams {
	switch {
	case score >= 80:
		return AdaptiveParams{BucketHot, 1.8, 0.5, 0.33, min(3, baseMaxFailures+1)}
	case score >= 60:
		return AdaptiveParams{BucketFriendly, 1.0, 1.0, 1.0, baseMaxFailures}
	case score >= 40:
		return AdaptiveParams{BucketCool, 0.5, 1.5, 1.5, max(1, baseMaxFailures-1)}
	case score >= 20:
		return AdaptiveParams{BucketCold, 0.25, 3.0, 2.0, 1}
	default:
		return AdaptiveParams{BucketDead, 0.1, 6.0, 4.0, 1}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ComplaintConfig tunes the failure-count complaint escalation.
type ComplaintConfig struct {
	Enabled              bool
	TriggerThreshold     int
	LevelLight           int
	LevelMedium          int
	LevelStrong          int
	ProbabilityLight     float64
	ProbabilityMedium    float64
	ProbabilityStrong    float64
	MaxAccumulation      int
	DecayOnSuccess       int
	DecayNoFailureWindow time.Duration
	DecayAmount          int
}

// ScoreConfig tunes interaction-score bookkeeping.
type ScoreConfig struct {
	Min                 float64
	Max                 float64
	IncreaseOnSuccess   float64
	DecreaseOnFail      float64
	QuickReplyBonus     float64
	QuickReplyWindow    time.Duration
	MultiUserBonus      float64
	StreakBonus         int // consecutive successes needed
	StreakBonusAmount   float64
	RevivalBonus        float64
	RevivalThreshold    float64
	DecayRatePer24Hours float64
}

// AttentionFocusConfig tunes the weighted top-N attention-user selection.
type AttentionFocusConfig struct {
	Enabled              bool
	RankWeights          string // "1:55,2:25,3:12,4:8"
	MaxSelectedUsers     int
	FocusLastUserProb    float64
	ReferenceProbability float64
}

// Config bundles every tunable for the scheduler (spec §4.8, §6).
type Config struct {
	EnabledChatIDs []string // empty means every known chat is eligible

	CheckInterval time.Duration

	SilenceThreshold             time.Duration
	CooldownDuration             time.Duration
	MaxConsecutiveFails          int
	FailureThresholdPerturbation float64 // Beta randomization strength, [0,1]
	// FailureSequenceProbability: 0 = never count toward consecutive,
	// -1 = always count, (0,1] = Bernoulli probability.
	FailureSequenceProbability float64

	RequireUserActivity bool
	MinUserMessages     int
	UserActivityWindow  time.Duration
	BaseProbability     float64

	TempBoostProbability float64
	TempBoostDuration    time.Duration

	Prompt      string
	RetryPrompt string

	AttentionFocus AttentionFocusConfig
	Complaint      ComplaintConfig
	Score          ScoreConfig

	MaxContextMessages int

	MemoryEnabled bool
	MemoryTopK    int
	PersonaID     string

	Tools []toolsreminder.Tool

	BotID string
}

// ChatState is the per-chat proactive state machine (spec §3
// ProactiveChatState).
type ChatState struct {
	Key chatkey.Key

	LastBotReplyTime time.Time

	InteractionScore float64

	ConsecutiveFailures         int
	TotalProactiveFailures      int
	CurrentEffectiveMaxFailures int // 0 means "not yet sampled this round"
	ConsecutiveSuccesses        int

	ProactiveAttemptsCount int
	LastProactiveContent   string

	ProactiveActive          bool
	ProactiveOutcomeRecorded bool
	LastProactiveAttemptAt   time.Time

	IsInCooldown  bool
	CooldownUntil time.Time

	TempBoostActive bool
	TempBoostUntil  time.Time

	RepliedUsers map[string]struct{} // users seen during the current boost window

	LastFocusedUserID string

	lastFailureDecayCheck time.Time
}

// AttentionSource is the subset of attention.Tracker the scheduler needs.
type AttentionSource interface {
	TopN(key chatkey.Key, n int) []attention.RankedUser
}

// ActivitySource reports recent organic-message counts for the
// user-activity precondition.
type ActivitySource interface {
	RecentUserMessageCount(key chatkey.Key, window time.Duration) int
}

// Scheduler is the background proactive-reply task.
type Scheduler struct {
	cfg     Config
	orch    *reply.Orchestrator
	history *history.Store
	pending func(chatkey.Key) *cache.PendingCache
	freq    *frequency.Tuner
	quiet   *timeperiod.Manager
	att     AttentionSource
	acts    ActivitySource
	memory  memoryprovider.Provider
	log     *slog.Logger
	rng     *rand.Rand

	cron   *cron.Cron
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]*ChatState

	saveFn func(map[string]*ChatState) error
}

// New builds a Scheduler. pending resolves the PendingCache for a given
// chat (callers typically keep one PendingCache per chatkey.Key keyed the
// same way as everything else). saveFn persists the state map; it may be
// nil to disable autosave.
func New(cfg Config, orch *reply.Orchestrator, store *history.Store, pending func(chatkey.Key) *cache.PendingCache, freq *frequency.Tuner, quiet *timeperiod.Manager, att AttentionSource, acts ActivitySource, memory memoryprovider.Provider, log *slog.Logger, saveFn func(map[string]*ChatState) error) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		orch:    orch,
		history: store,
		pending: pending,
		freq:    freq,
		quiet:   quiet,
		att:     att,
		acts:    acts,
		memory:  memory,
		log:     log.With("component", "proactive"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		states:  make(map[string]*ChatState),
		saveFn:  saveFn,
	}
}

// LoadStates seeds the scheduler from persisted state, resetting the
// fields the spec calls out as stale-on-load (proactive_active,
// proactive_outcome_recorded, is_in_cooldown, cooldown_until,
// proactive_attempts_count) to prevent a crash-restart from being
// misread as an outstanding proactive turn.
func (s *Scheduler) LoadStates(states map[string]*ChatState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range states {
		st.ProactiveActive = false
		st.ProactiveOutcomeRecorded = false
		st.IsInCooldown = false
		st.CooldownUntil = time.Time{}
		st.ProactiveAttemptsCount = 0
		st.RepliedUsers = nil
		s.states[k] = st
	}
}

// initialInteractionScore is the fixed starting point for a chat's
// interaction score, independent of the configured Score.Min/Max range.
const initialInteractionScore = 50

func (s *Scheduler) stateFor(key chatkey.Key) *ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	st, ok := s.states[k]
	if !ok {
		st = &ChatState{Key: key, InteractionScore: initialInteractionScore}
		s.states[k] = st
	}
	return st
}

// Start launches the check-interval ticker and the hourly-maintenance /
// 5-minute-autosave cron jobs (spec §4.8, §4.10).
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = cron.New()
	s.cron.AddFunc("@hourly", s.runMaintenance)
	s.cron.AddFunc("@every 5m", s.autosave)
	s.cron.Start()

	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go s.loop(runCtx, interval)
}

// Stop cancels the background loop and the cron jobs, flushing state.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.autosave()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.log.Info("proactive scheduler stopped")
			return
		}
	}
}

// tick evaluates every known chat once.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	keys := make([]chatkey.Key, 0, len(s.states))
	for _, st := range s.states {
		keys = append(keys, st.Key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.evaluateChat(ctx, key)
	}
}

func (s *Scheduler) chatEnabled(key chatkey.Key) bool {
	if len(s.cfg.EnabledChatIDs) == 0 {
		return true
	}
	for _, id := range s.cfg.EnabledChatIDs {
		if id == key.ChatID {
			return true
		}
	}
	return false
}

// evaluateChat runs the precondition chain for one chat and either
// triggers a proactive generation or advances retry/cooldown state.
func (s *Scheduler) evaluateChat(ctx context.Context, key chatkey.Key) {
	if !s.chatEnabled(key) {
		return
	}
	st := s.stateFor(key)

	s.mu.Lock()
	inCooldown := st.IsInCooldown && st.CooldownUntil.After(time.Now())
	s.mu.Unlock()
	if inCooldown {
		return
	}

	params := s.adaptiveParams(st)

	// Retry sequence: while attempts are outstanding and the temp boost
	// is still active, skip the precondition pass entirely — the boost
	// window itself governs when the next evaluation happens.
	s.mu.Lock()
	attemptsOutstanding := st.ProactiveAttemptsCount > 0
	boostActive := st.TempBoostActive && st.TempBoostUntil.After(time.Now())
	s.mu.Unlock()
	if attemptsOutstanding && boostActive {
		return
	}
	if attemptsOutstanding && !boostActive {
		// Boost expired without a captured reply: handleExpiredBoost
		// records the outcome here, in this tick, so the retry can happen
		// right away.
		s.handleExpiredBoost(st)
		if st.IsInCooldown {
			return
		}
		// Fall through: the user's silence is already established, so
		// attempt another generation immediately.
		s.trigger(ctx, st, params)
		return
	}

	silence := time.Duration(float64(s.cfg.SilenceThreshold) * params.SilenceMultiplier)
	if time.Since(st.LastBotReplyTime) < silence {
		return
	}

	if s.cfg.RequireUserActivity && s.acts != nil {
		if s.acts.RecentUserMessageCount(key, s.cfg.UserActivityWindow) < s.cfg.MinUserMessages {
			return
		}
	}

	prob := s.effectiveProbability(key, params)
	if s.rng.Float64() >= prob {
		return
	}

	s.trigger(ctx, st, params)
}

// effectiveProbability composes base_prob → time_period_adjust ×
// prob_multiplier → clamp[0, 0.9], gated first by quiet hours (spec §4.8
// step 6).
func (s *Scheduler) effectiveProbability(key chatkey.Key, params AdaptiveParams) float64 {
	if s.quiet != nil && s.quiet.Factor() == 0 {
		return 0
	}
	base := s.cfg.BaseProbability
	if s.freq != nil {
		base = s.freq.Base(key)
	}
	p := base * params.ProbMultiplier
	if s.quiet != nil {
		p *= s.quiet.Factor()
	}
	if p < 0 {
		p = 0
	}
	if p > 0.9 {
		p = 0.9
	}
	return p
}

func (s *Scheduler) adaptiveParams(st *ChatState) AdaptiveParams {
	s.mu.Lock()
	score := st.InteractionScore
	s.mu.Unlock()
	params := classify(score, s.cfg.MaxConsecutiveFails)

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.CurrentEffectiveMaxFailures == 0 {
		st.CurrentEffectiveMaxFailures = s.sampleEffectiveMaxFailures(params.MaxFailures)
	}
	params.MaxFailures = st.CurrentEffectiveMaxFailures
	return params
}

// sampleEffectiveMaxFailures draws from Beta(1, 1+5*perturbation) scaled
// to [1, maxFailures] (spec §4.8 "current_effective_max_failures
// randomization"). perturbation=0 returns maxFailures unchanged.
func (s *Scheduler) sampleEffectiveMaxFailures(maxFailures int) int {
	perturbation := s.cfg.FailureThresholdPerturbation
	if perturbation <= 0 || maxFailures <= 1 {
		return maxFailures
	}
	beta := sampleBeta(s.rng, 1, 1+5*perturbation)
	scaled := 1 + beta*float64(maxFailures-1)
	return int(math.Round(scaled))
}

// sampleBeta draws from Beta(alpha, beta) via two Gamma(·, 1) draws —
// the standard Gamma-ratio construction, since math/rand has no native
// Beta distribution.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) via Marsaglia-Tsang for shape≥1,
// boosting small shapes by one and correcting with a uniform draw.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// trigger runs spec §4.8's trigger_proactive_chat sequence.
func (s *Scheduler) trigger(ctx context.Context, st *ChatState, params AdaptiveParams) {
	s.mu.Lock()
	st.ProactiveAttemptsCount++
	attemptNum := st.ProactiveAttemptsCount
	totalFailures := st.TotalProactiveFailures
	s.mu.Unlock()

	attemptID := uuid.NewString()
	systemPrompt := s.buildPrompt(st, attemptNum, totalFailures)

	pending := s.pending(st.Key)
	hist, err := s.history.Load(st.Key)
	if err != nil {
		s.log.Error("proactive: load history failed", "chat", st.Key.String(), "attempt", attemptID, "err", err)
		return
	}
	contextMsgs := mergeContext(hist, pending, s.cfg.MaxContextMessages)

	req := reply.Request{
		Key:          st.Key,
		BotID:        s.cfg.BotID,
		SystemPrompt: systemPrompt,
		History:      contextMsgs,
		UserMessage: history.Message{
			Role:      "user",
			Content:   "[proactive trigger]",
			Timestamp: time.Now(),
		},
		Tools:       s.cfg.Tools,
		IncludeMood: false,
	}
	if s.cfg.MemoryEnabled && s.memory != nil {
		req.MemoryQuery = &memoryprovider.Query{
			Text:      systemPrompt,
			TopK:      s.cfg.MemoryTopK,
			SessionID: st.Key.String(),
			PersonaID: s.cfg.PersonaID,
		}
	}

	outcome, err := s.orch.Reply(ctx, req)
	if err != nil {
		s.log.Error("proactive: reply failed", "chat", st.Key.String(), "attempt", attemptID, "err", err)
		return
	}
	if !outcome.Sent {
		s.log.Debug("proactive: suppressed", "chat", st.Key.String(), "reason", outcome.Suppressed)
		return
	}

	// Promote the cached batch, the prompt itself (marked proactive so
	// later reads can distinguish it from organic traffic), and the bot
	// reply into official history as one transactional batch (spec §4.8
	// step 6, same promotion logic as §4.5).
	now := time.Now()
	triggerEntry := history.Message{
		Role:        "user",
		Content:     systemPrompt,
		Timestamp:   now,
		IsProactive: true,
	}
	botReply := &history.Message{
		Role:      "assistant",
		Content:   outcome.SaveText,
		Timestamp: now,
		MessageID: outcome.SendResult.MessageID,
		IsBot:     true,
	}
	cachedBatch := pending.Snapshot()
	if err := s.history.Promote(st.Key, cachedBatch, triggerEntry, botReply); err != nil {
		s.log.Error("proactive: promote failed", "chat", st.Key.String(), "attempt", attemptID, "err", err)
	} else {
		pending.RemoveUpTo(now, nil, nil)
	}

	s.mu.Lock()
	st.LastProactiveContent = outcome.SaveText
	st.ProactiveActive = true
	st.ProactiveOutcomeRecorded = false
	st.RepliedUsers = make(map[string]struct{})
	st.TempBoostActive = true
	st.TempBoostUntil = time.Now().Add(s.cfg.TempBoostDuration)
	st.LastProactiveAttemptAt = time.Now()
	s.mu.Unlock()

	s.log.Info("proactive message sent", "chat", st.Key.String(), "attempt", attemptID)
}

// buildPrompt assembles the system prompt per spec §4.8 step 1-2.
func (s *Scheduler) buildPrompt(st *ChatState, attemptNum int, totalFailures int) string {
	prompt := s.cfg.Prompt

	if attemptNum > 1 {
		retry := s.cfg.RetryPrompt
		if retry == "" {
			retry = fmt.Sprintf("Your previous attempt (\"%s\") didn't get a response.", st.LastProactiveContent)
		}
		if complaint, priority := s.complaintCue(totalFailures); complaint != "" {
			if priority {
				prompt = complaint
			} else {
				prompt = retry + "\n\n" + complaint + "\n\n" + prompt
			}
		} else {
			prompt = retry + "\n\n" + prompt
		}
	}

	if s.cfg.AttentionFocus.Enabled && s.att != nil {
		if focus := s.attentionFocusCue(st); focus != "" {
			prompt = focus + "\n\n" + prompt
		}
	}

	return prompt
}

// complaintCue returns a canned mood-cue when total failures have
// crossed a complaint tier (spec §4.8 "Complaint escalation").
func (s *Scheduler) complaintCue(totalFailures int) (cue string, priority bool) {
	cc := s.cfg.Complaint
	if !cc.Enabled || totalFailures < cc.TriggerThreshold {
		return "", false
	}
	var prob float64
	var tier string
	switch {
	case totalFailures >= cc.LevelStrong:
		prob, tier = cc.ProbabilityStrong, "strong"
	case totalFailures >= cc.LevelMedium:
		prob, tier = cc.ProbabilityMedium, "medium"
	case totalFailures >= cc.LevelLight:
		prob, tier = cc.ProbabilityLight, "light"
	default:
		return "", false
	}
	if s.rng.Float64() >= prob {
		return "", false
	}
	switch tier {
	case "strong":
		return fmt.Sprintf("You've spoken %d times without a response; it's fine to sound noticeably dejected.", totalFailures), true
	case "medium":
		return fmt.Sprintf("You've spoken %d times without a response; express mild dejection naturally.", totalFailures), false
	default:
		return fmt.Sprintf("You've spoken %d times without a response; a light note of being ignored is fine.", totalFailures), false
	}
}

// attentionFocusCue selects up to AttentionFocus.MaxSelectedUsers from
// the top-N attention list via a weighted random draw, or hints at
// continuing the last focused user (spec §4.8 step 2).
func (s *Scheduler) attentionFocusCue(st *ChatState) string {
	if ref := s.cfg.AttentionFocus.ReferenceProbability; ref > 0 && s.rng.Float64() >= ref {
		return ""
	}
	weights := parseRankWeights(s.cfg.AttentionFocus.RankWeights)
	ranked := s.att.TopN(st.Key, len(weights))
	if len(ranked) == 0 {
		return ""
	}

	s.mu.Lock()
	lastFocused := st.LastFocusedUserID
	s.mu.Unlock()

	if lastFocused != "" && s.cfg.AttentionFocus.FocusLastUserProb > 0 && s.rng.Float64() < s.cfg.AttentionFocus.FocusLastUserProb {
		for _, r := range ranked {
			if r.UserID == lastFocused {
				return fmt.Sprintf("Consider continuing the thread with %s, who you were focused on.", r.Profile.UserName)
			}
		}
	}

	selected := weightedSelect(s.rng, ranked, weights, s.cfg.AttentionFocus.MaxSelectedUsers)
	if len(selected) == 0 {
		return ""
	}
	s.mu.Lock()
	st.LastFocusedUserID = selected[0].UserID
	s.mu.Unlock()

	names := make([]string, len(selected))
	for i, r := range selected {
		names[i] = r.Profile.UserName
	}
	return fmt.Sprintf("Users who have been especially engaged recently: %s. Consider addressing them.", strings.Join(names, ", "))
}

// parseRankWeights parses "1:55,2:25,3:12,4:8"-style config into a
// normalized weight slice, falling back to the documented default on any
// malformed input (spec's `proactive_attention_rank_weights`).
func parseRankWeights(s string) []float64 {
	defaultWeights := []float64{0.55, 0.25, 0.12, 0.08}
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultWeights
	}

	byRank := make(map[int]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, ":")
		if idx < 0 {
			continue
		}
		rank, err1 := strconv.Atoi(strings.TrimSpace(part[:idx]))
		weight, err2 := strconv.ParseFloat(strings.TrimSpace(part[idx+1:]), 64)
		if err1 != nil || err2 != nil || rank < 1 || weight < 0 {
			continue
		}
		byRank[rank] = weight
	}
	if len(byRank) == 0 {
		return defaultWeights
	}

	ranks := make([]int, 0, len(byRank))
	for r := range byRank {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	if ranks[0] != 1 {
		return defaultWeights
	}
	for i, r := range ranks {
		if r != i+1 {
			return defaultWeights
		}
	}

	weights := make([]float64, len(ranks))
	total := 0.0
	for i, r := range ranks {
		weights[i] = byRank[r]
		total += weights[i]
	}
	if total <= 0 {
		return defaultWeights
	}
	for i := range weights {
		weights[i] /= total
	}
	// Raw percentages (e.g. "1:55,2:25") and fractions (e.g. "1:0.4") are
	// both divided by their total above, so the weights sum to 1.
	return weights
}

// weightedSelect draws up to max distinct users from ranked without
// replacement, using weights[i] as the probability mass for rank i (rank
// beyond len(weights) gets zero weight).
func weightedSelect(rng *rand.Rand, ranked []attention.RankedUser, weights []float64, max int) []attention.RankedUser {
	if max <= 0 {
		return nil
	}
	pool := append([]attention.RankedUser(nil), ranked...)
	var out []attention.RankedUser
	for len(out) < max && len(pool) > 0 {
		total := 0.0
		masses := make([]float64, len(pool))
		for i := range pool {
			w := 0.0
			if i < len(weights) {
				w = weights[i]
			}
			masses[i] = w
			total += w
		}
		if total <= 0 {
			out = append(out, pool[0])
			pool = pool[1:]
			continue
		}
		draw := rng.Float64() * total
		cum := 0.0
		chosen := 0
		for i, m := range masses {
			cum += m
			if draw <= cum {
				chosen = i
				break
			}
		}
		out = append(out, pool[chosen])
		pool = append(pool[:chosen], pool[chosen+1:]...)
	}
	return out
}

// mergeContext assembles history + PendingCache deduplicated by content
// hash, sorted by timestamp, truncated to maxMessages or a hard 500-entry
// safety cap (spec §4.8 step 3). It never mutates its inputs.
func mergeContext(hist []history.Message, pending *cache.PendingCache, maxMessages int) []history.Message {
	const hardCap = 500
	seen := make(map[string]struct{}, len(hist))
	merged := make([]history.Message, 0, len(hist))
	for _, m := range hist {
		h := m.ContentHash()
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		merged = append(merged, m)
	}
	if pending != nil {
		for _, c := range pending.Snapshot() {
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
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	limit := maxMessages
	if limit <= 0 || limit > hardCap {
		limit = hardCap
	}
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

// TempBoost reports whether key currently has an active temporary
// probability boost and its configured value, for ProbabilityCalculator
// to fold into its composition during the window opened by a proactive
// send (spec §4.8 step 7, §4.2 step 4 analogue).
func (s *Scheduler) TempBoost(key chatkey.Key) (active bool, probability float64) {
	st := s.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.TempBoostActive && st.TempBoostUntil.After(time.Now()) {
		return true, s.cfg.TempBoostProbability
	}
	return false, 0
}

// NoteOrganicMessage records that a user spoke while a proactive session
// is active, for the outcome-judgment "replied users" set (spec §4.8
// "Outcome judgment"). Call on every inbound organic message regardless
// of whether the engine decides to reply.
func (s *Scheduler) NoteOrganicMessage(key chatkey.Key, userID string) {
	st := s.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.ProactiveActive || st.ProactiveOutcomeRecorded {
		return
	}
	if st.RepliedUsers == nil {
		st.RepliedUsers = make(map[string]struct{})
	}
	st.RepliedUsers[userID] = struct{}{}
}

// RecordSuccess marks the active proactive session as successful: the
// DecisionEngine decided to reply during the boost window (spec §4.8
// "Outcome judgment" success branch).
func (s *Scheduler) RecordSuccess(key chatkey.Key) {
	st := s.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.ProactiveActive || st.ProactiveOutcomeRecorded {
		return
	}

	sc := s.cfg.Score
	bonus := sc.IncreaseOnSuccess
	if time.Since(st.LastProactiveAttemptAt) <= sc.QuickReplyWindow {
		bonus += sc.QuickReplyBonus
	}
	if len(st.RepliedUsers) >= 2 {
		bonus += sc.MultiUserBonus
	}
	st.ConsecutiveSuccesses++
	if sc.StreakBonus > 0 && st.ConsecutiveSuccesses >= sc.StreakBonus {
		bonus += sc.StreakBonusAmount
	}
	if st.InteractionScore < sc.RevivalThreshold {
		bonus += sc.RevivalBonus
	}

	st.InteractionScore = clampScore(st.InteractionScore+bonus, sc.Min, sc.Max)
	st.TotalProactiveFailures = decayInt(st.TotalProactiveFailures, s.cfg.Complaint.DecayOnSuccess)

	st.ConsecutiveFailures = 0
	st.CurrentEffectiveMaxFailures = 0
	st.ProactiveAttemptsCount = 0
	st.LastProactiveContent = ""
	st.ProactiveActive = false
	st.ProactiveOutcomeRecorded = true
	st.TempBoostActive = false
	st.LastBotReplyTime = time.Now()
}

// handleExpiredBoost implements the "boost window expires while still
// active" failure branch of spec §4.8's outcome judgment. Called from
// the scheduler loop once a retry round's boost has lapsed without a
// recorded success.
func (s *Scheduler) handleExpiredBoost(st *ChatState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.ProactiveActive || st.ProactiveOutcomeRecorded {
		return
	}

	switch {
	case s.cfg.FailureSequenceProbability < 0:
		st.ConsecutiveFailures++
	case s.cfg.FailureSequenceProbability == 0:
		// never counts toward consecutive
	default:
		if s.rng.Float64() < s.cfg.FailureSequenceProbability {
			st.ConsecutiveFailures++
		}
	}

	st.TotalProactiveFailures = min(st.TotalProactiveFailures+1, s.cfg.Complaint.MaxAccumulation)
	st.InteractionScore = clampScore(st.InteractionScore-s.cfg.Score.DecreaseOnFail, s.cfg.Score.Min, s.cfg.Score.Max)
	st.ConsecutiveSuccesses = 0

	st.ProactiveActive = false
	st.ProactiveOutcomeRecorded = true
	st.TempBoostActive = false

	if st.ConsecutiveFailures >= st.CurrentEffectiveMaxFailures {
		params := classify(st.InteractionScore, s.cfg.MaxConsecutiveFails)
		cooldown := time.Duration(float64(s.cfg.CooldownDuration) * params.CooldownMultiplier)
		st.IsInCooldown = true
		st.CooldownUntil = time.Now().Add(cooldown)
		st.CurrentEffectiveMaxFailures = 0
	}
}

func clampScore(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func decayInt(v, by int) int {
	v -= by
	if v < 0 {
		return 0
	}
	return v
}

// runMaintenance applies the hourly score/complaint decay pass (spec
// §4.8 "Periodic maintenance").
func (s *Scheduler) runMaintenance() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, st := range s.states {
		if now.Sub(st.LastBotReplyTime) >= 24*time.Hour {
			st.InteractionScore = clampScore(st.InteractionScore-s.cfg.Score.DecayRatePer24Hours, s.cfg.Score.Min, s.cfg.Score.Max)
		}
		if st.TotalProactiveFailures > 0 && now.Sub(st.lastFailureDecayCheck) >= s.cfg.Complaint.DecayNoFailureWindow {
			st.TotalProactiveFailures = decayInt(st.TotalProactiveFailures, s.cfg.Complaint.DecayAmount)
			st.lastFailureDecayCheck = now
		}
	}
}

func (s *Scheduler) autosave() {
	if s.saveFn == nil {
		return
	}
	s.mu.Lock()
	snapshot := make(map[string]*ChatState, len(s.states))
	for k, v := range s.states {
		cp := *v
		snapshot[k] = &cp
	}
	s.mu.Unlock()
	if err := s.saveFn(snapshot); err != nil {
		s.log.Error("proactive autosave failed", "err", err)
	}
}
