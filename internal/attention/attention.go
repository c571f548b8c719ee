// Package attention implements the multi-user attention and emotion
// tracker (spec §4.4): exponential decay, spillover to bystanders,
// conversation-fatigue blocking, and sentiment-driven emotion adjustment.
package attention

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/cooldown"
)

// FatigueLevel names the escalating tiers of conversation fatigue.
type FatigueLevel string

const (
	FatigueNone   FatigueLevel = ""
	FatigueLight  FatigueLevel = "light"
	FatigueMedium FatigueLevel = "medium"
	FatigueHeavy  FatigueLevel = "heavy"
)

// Profile is a per-(chat, user) attention/emotion record. AttentionScore
// and Emotion are only correct once decayed against LastInteraction; call
// Tracker methods rather than reading the struct directly.
type Profile struct {
	UserName           string
	AttentionScore     float64
	Emotion            float64
	LastInteraction    time.Time
	InteractionCount   int
	ConsecutiveReplies int
	LastReplyTime      time.Time
	LastMessagePreview string
}

type fatigueBlock struct {
	blockedAt time.Time
	level     FatigueLevel
}

type chatActivity struct {
	activityScore float64
	lastBotReply  time.Time
	peakUserID    string
	peakUserName  string
	peakAttention float64
}

// Config holds every tunable AttentionTracker parameter.
type Config struct {
	MaxTrackedUsers int

	AttentionHalfLife time.Duration
	EmotionHalfLife   time.Duration

	MinAttentionScore float64
	MaxAttentionScore float64

	AttentionBoostStep    float64
	AttentionDecreaseStep float64
	EmotionBoostStep      float64

	PositiveEmotionBoost    float64
	NegativeEmotionDecrease float64

	EnableSpillover     bool
	SpilloverRatio      float64
	SpilloverHalfLife   time.Duration
	SpilloverMinTrigger float64

	ConsecutiveReplyResetThreshold time.Duration

	EnableConversationFatigue        bool
	FatigueThresholdLight            int
	FatigueThresholdMedium           int
	FatigueThresholdHeavy            int
	FatigueProbabilityDecreaseLight  float64
	FatigueProbabilityDecreaseMedium float64
	FatigueProbabilityDecreaseHeavy  float64

	EnableEmotionDetection bool
	PositiveKeywords       []string
	NegativeKeywords       []string
	EnableNegation         bool
	NegationWords          []string
	NegationCheckRange     int

	InactiveThreshold  time.Duration
	InactiveAttention  float64
}

// Tracker is the concurrency-safe multi-user attention/emotion store.
type Tracker struct {
	mu       sync.Mutex
	log      *slog.Logger
	cfg      Config
	cooldown *cooldown.Manager

	profiles map[string]map[string]*Profile
	blocks   map[string]map[string]fatigueBlock
	activity map[string]*chatActivity
}

// New builds a Tracker. cd may be nil if cooldown suppression is handled
// elsewhere by the caller.
func New(cfg Config, cd *cooldown.Manager, log *slog.Logger) *Tracker {
	return &Tracker{
		log:      log.With("component", "attention"),
		cfg:      cfg,
		cooldown: cd,
		profiles: make(map[string]map[string]*Profile),
		blocks:   make(map[string]map[string]fatigueBlock),
		activity: make(map[string]*chatActivity),
	}
}

func decayFactor(elapsed time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 || elapsed <= 0 {
		return 1.0
	}
	return math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}

func (t *Tracker) applyDecay(p *Profile, now time.Time) {
	elapsed := now.Sub(p.LastInteraction)
	if p.LastInteraction.IsZero() {
		elapsed = 0
	}
	p.AttentionScore *= decayFactor(elapsed, t.cfg.AttentionHalfLife)
	p.Emotion *= decayFactor(elapsed, t.cfg.EmotionHalfLife)
}

// profileLocked returns the profile for (key, userID), lazily decaying it,
// creating it if absent. Caller must hold t.mu.
func (t *Tracker) profileLocked(key chatkey.Key, userID, userName string, now time.Time) *Profile {
	k := key.String()
	chat, ok := t.profiles[k]
	if !ok {
		chat = make(map[string]*Profile)
		t.profiles[k] = chat
	}
	p, ok := chat[userID]
	if !ok {
		p = &Profile{UserName: userName, LastInteraction: now}
		chat[userID] = p
		return p
	}
	t.applyDecay(p, now)
	p.LastInteraction = now
	return p
}

// Profile returns a decayed snapshot of a user's profile without
// mutating any bookkeeping beyond the decay itself.
func (t *Tracker) Profile(key chatkey.Key, userID string) (Profile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chat, ok := t.profiles[key.String()]
	if !ok {
		return Profile{}, false
	}
	p, ok := chat[userID]
	if !ok {
		return Profile{}, false
	}
	t.applyDecay(p, time.Now())
	return *p, true
}

// RankedUser is one entry in a TopN attention ranking.
type RankedUser struct {
	UserID  string
	Profile Profile
}

// TopN returns up to n users in key ranked by decayed AttentionScore,
// highest first, for the proactive scheduler's attention-focus selection
// (spec §4.8 step 2).
func (t *Tracker) TopN(key chatkey.Key, n int) []RankedUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	chat, ok := t.profiles[key.String()]
	if !ok || n <= 0 {
		return nil
	}
	now := time.Now()
	ranked := make([]RankedUser, 0, len(chat))
	for userID, p := range chat {
		t.applyDecay(p, now)
		ranked = append(ranked, RankedUser{UserID: userID, Profile: *p})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Profile.AttentionScore > ranked[j].Profile.AttentionScore
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func (t *Tracker) isFatigueBlockedLocked(key chatkey.Key, userID string, now time.Time) bool {
	chat, ok := t.blocks[key.String()]
	if !ok {
		return false
	}
	b, ok := chat[userID]
	if !ok {
		return false
	}
	return now.Sub(b.blockedAt) < t.cfg.ConsecutiveReplyResetThreshold
}

func (t *Tracker) addFatigueBlockLocked(key chatkey.Key, userID string, level FatigueLevel, now time.Time) {
	k := key.String()
	chat, ok := t.blocks[k]
	if !ok {
		chat = make(map[string]fatigueBlock)
		t.blocks[k] = chat
	}
	if len(chat) >= t.cfg.MaxTrackedUsers {
		var oldestID string
		var oldestAt time.Time
		for id, b := range chat {
			if oldestAt.IsZero() || b.blockedAt.Before(oldestAt) {
				oldestID, oldestAt = id, b.blockedAt
			}
		}
		if oldestID != "" {
			delete(chat, oldestID)
		}
	}
	chat[userID] = fatigueBlock{blockedAt: now, level: level}
}

func (t *Tracker) releaseFatigueBlockLocked(key chatkey.Key, userID string) bool {
	chat, ok := t.blocks[key.String()]
	if !ok {
		return false
	}
	if _, ok := chat[userID]; !ok {
		return false
	}
	delete(chat, userID)
	if len(chat) == 0 {
		delete(t.blocks, key.String())
	}
	return true
}

// FatigueLevelFor returns the fatigue tier implied by a consecutive-reply
// count, per the ascending threshold ladder.
func (t *Tracker) FatigueLevelFor(consecutive int) FatigueLevel {
	switch {
	case consecutive >= t.cfg.FatigueThresholdHeavy:
		return FatigueHeavy
	case consecutive >= t.cfg.FatigueThresholdMedium:
		return FatigueMedium
	case consecutive >= t.cfg.FatigueThresholdLight:
		return FatigueLight
	default:
		return FatigueNone
	}
}

// FatigueProbabilityDecrease returns the probability subtraction for a
// fatigue tier.
func (t *Tracker) FatigueProbabilityDecrease(level FatigueLevel) float64 {
	switch level {
	case FatigueHeavy:
		return t.cfg.FatigueProbabilityDecreaseHeavy
	case FatigueMedium:
		return t.cfg.FatigueProbabilityDecreaseMedium
	case FatigueLight:
		return t.cfg.FatigueProbabilityDecreaseLight
	default:
		return 0
	}
}

// detectEmotion classifies message_text as positive/negative/neutral by
// keyword count, honoring a simple negation lookback window.
func (t *Tracker) detectEmotion(text string) string {
	if !t.cfg.EnableEmotionDetection || text == "" {
		return ""
	}

	score := func(keywords []string) int {
		total := 0
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			start := 0
			for {
				pos := strings.Index(text[start:], kw)
				if pos == -1 {
					break
				}
				pos += start
				if t.cfg.EnableNegation && t.hasNegationBefore(text, pos) {
					// negated, skip
				} else {
					total++
				}
				start = pos + 1
			}
		}
		return total
	}

	pos := score(t.cfg.PositiveKeywords)
	neg := score(t.cfg.NegativeKeywords)

	switch {
	case pos == 0 && neg == 0:
		return ""
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return ""
	}
}

func (t *Tracker) hasNegationBefore(text string, keywordPos int) bool {
	start := keywordPos - t.cfg.NegationCheckRange
	if start < 0 {
		start = 0
	}
	context := text[start:keywordPos]
	for _, w := range t.cfg.NegationWords {
		if w != "" && strings.Contains(context, w) {
			return true
		}
	}
	return false
}

// RecordReplyResult reports what happened during a RecordReply call, for
// callers that need to log or feed downstream statistics.
type RecordReplyResult struct {
	AttentionSkipped bool
	SkipReason       string
	FatigueLevel     FatigueLevel
	EmotionLabel     string
}

// RecordReply is record_replied_user (spec §4.4): lazily decays the
// profile, honors cooldown/fatigue suppression, boosts attention and
// emotion, updates consecutive-reply bookkeeping and fatigue blocking,
// decrements every other tracked user's attention, updates spillover
// activity, and evicts stale/excess profiles.
func (t *Tracker) RecordReply(key chatkey.Key, userID, userName, messageText, messagePreview string) RecordReplyResult {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	profile := t.profileLocked(key, userID, userName, now)

	result := RecordReplyResult{}

	skip := false
	if t.cooldown != nil && t.cooldown.IsInCooldown(key, userID) {
		skip = true
		result.SkipReason = "cooldown"
	} else if t.cfg.EnableConversationFatigue && t.isFatigueBlockedLocked(key, userID, now) {
		skip = true
		result.SkipReason = "fatigue_block"
	}
	result.AttentionSkipped = skip

	if !skip {
		profile.AttentionScore = math.Min(profile.AttentionScore+t.cfg.AttentionBoostStep, t.cfg.MaxAttentionScore)
	}

	emotionLabel := t.detectEmotion(messageText)
	result.EmotionLabel = emotionLabel
	switch emotionLabel {
	case "positive":
		change := t.cfg.EmotionBoostStep + t.cfg.PositiveEmotionBoost
		profile.Emotion = math.Min(profile.Emotion+change, 1.0)
	case "negative":
		profile.Emotion = math.Max(profile.Emotion-t.cfg.NegativeEmotionDecrease, -1.0)
	default:
		profile.Emotion = math.Min(profile.Emotion+t.cfg.EmotionBoostStep, 1.0)
	}

	profile.InteractionCount++
	profile.UserName = userName
	if messagePreview != "" {
		profile.LastMessagePreview = truncate(messagePreview, 50)
	}

	if now.Sub(profile.LastReplyTime) < t.cfg.ConsecutiveReplyResetThreshold {
		profile.ConsecutiveReplies++
	} else {
		profile.ConsecutiveReplies = 1
		if t.cfg.EnableConversationFatigue {
			t.releaseFatigueBlockLocked(key, userID)
		}
	}
	profile.LastReplyTime = now

	if t.cfg.EnableConversationFatigue {
		level := t.FatigueLevelFor(profile.ConsecutiveReplies)
		result.FatigueLevel = level
		if level != FatigueNone && !t.isFatigueBlockedLocked(key, userID, now) {
			t.addFatigueBlockLocked(key, userID, level, now)
		}
	}

	// Decrement every other tracked user in this chat.
	chat := t.profiles[key.String()]
	for otherID, other := range chat {
		if otherID == userID {
			continue
		}
		t.applyDecay(other, now)
		other.LastInteraction = now
		other.AttentionScore = math.Max(other.AttentionScore-t.cfg.AttentionDecreaseStep, t.cfg.MinAttentionScore)
	}

	if t.cfg.EnableSpillover {
		t.updateActivityLocked(key, userID, userName, profile.AttentionScore, now)
	}

	t.cleanupAndEvictLocked(key, now)

	return result
}

// DecreaseOnNoReply is decrease_attention_on_no_reply (spec §4.4): applied
// when the judge AI decides not to reply to a message
// that still mentioned or addressed userID. Attention decays by step down
// to minThreshold; if the score just before the decrement exceeded
// cooldownTrigger, userID is placed into cooldown so repeated no-reply
// decisions don't keep nudging a user who isn't getting a response.
func (t *Tracker) DecreaseOnNoReply(key chatkey.Key, userID string, step, minThreshold, cooldownTrigger float64) {
	now := time.Now()

	t.mu.Lock()
	chat, ok := t.profiles[key.String()]
	if !ok {
		t.mu.Unlock()
		return
	}
	p, ok := chat[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.applyDecay(p, now)
	p.LastInteraction = now

	before := p.AttentionScore
	if before > minThreshold {
		p.AttentionScore = math.Max(before-step, minThreshold)
	}
	userName := p.UserName
	t.mu.Unlock()

	if t.cooldown != nil && before > cooldownTrigger {
		t.cooldown.Add(key, userID, userName, "attention_no_reply_threshold")
	}
}

// Export returns a deep copy of every tracked profile, keyed by chat then
// user id, for the periodic UserProfiles snapshot (spec §4.10).
func (t *Tracker) Export() map[string]map[string]Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[string]Profile, len(t.profiles))
	for chatKey, users := range t.profiles {
		chatOut := make(map[string]Profile, len(users))
		for userID, p := range users {
			chatOut[userID] = *p
		}
		out[chatKey] = chatOut
	}
	return out
}

// Import seeds the tracker from a prior UserProfiles snapshot, replacing
// any in-memory state. Called once at startup before traffic resumes.
func (t *Tracker) Import(profiles map[string]map[string]Profile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles = make(map[string]map[string]*Profile, len(profiles))
	for chatKey, users := range profiles {
		chatIn := make(map[string]*Profile, len(users))
		for userID, p := range users {
			cp := p
			chatIn[userID] = &cp
		}
		t.profiles[chatKey] = chatIn
	}
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}

func (t *Tracker) updateActivityLocked(key chatkey.Key, userID, userName string, attentionScore float64, now time.Time) {
	if attentionScore < t.cfg.SpilloverMinTrigger {
		return
	}
	k := key.String()
	a, ok := t.activity[k]
	if !ok {
		a = &chatActivity{}
		t.activity[k] = a
	}
	a.activityScore = attentionScore
	a.lastBotReply = now
	a.peakUserID = userID
	a.peakUserName = userName
	a.peakAttention = attentionScore
}

// SpilloverBoost computes the probability boost a bystander (one with no
// attention profile) receives from recent bot activity in the chat,
// decayed by SpilloverHalfLife and scaled by SpilloverRatio.
func (t *Tracker) SpilloverBoost(key chatkey.Key, increasedProbability, currentProbability float64) float64 {
	if !t.cfg.EnableSpillover {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.activity[key.String()]
	if !ok {
		return 0
	}
	if a.activityScore < t.cfg.SpilloverMinTrigger {
		return 0
	}

	elapsed := time.Since(a.lastBotReply)
	if elapsed < 0 {
		elapsed = 0
	}
	decayed := a.activityScore * decayFactor(elapsed, t.cfg.SpilloverHalfLife)
	if decayed < t.cfg.SpilloverMinTrigger {
		return 0
	}

	return decayed * t.cfg.SpilloverRatio * (increasedProbability - currentProbability)
}

// cleanupAndEvictLocked removes users whose attention has decayed to
// near-zero and who have been inactive beyond InactiveThreshold, then, if
// still over MaxTrackedUsers, evicts the least-relevant remaining users
// (lowest attention, then oldest interaction).
func (t *Tracker) cleanupAndEvictLocked(key chatkey.Key, now time.Time) {
	k := key.String()
	chat, ok := t.profiles[k]
	if !ok {
		return
	}

	for userID, p := range chat {
		if p.AttentionScore <= t.cfg.InactiveAttention && now.Sub(p.LastInteraction) >= t.cfg.InactiveThreshold {
			delete(chat, userID)
		}
	}

	if t.cfg.MaxTrackedUsers <= 0 || len(chat) <= t.cfg.MaxTrackedUsers {
		return
	}

	type ranked struct {
		id string
		p  *Profile
	}
	all := make([]ranked, 0, len(chat))
	for id, p := range chat {
		all = append(all, ranked{id, p})
	}
	for len(all) > t.cfg.MaxTrackedUsers {
		worst := 0
		for i := 1; i < len(all); i++ {
			if all[i].p.AttentionScore < all[worst].p.AttentionScore ||
				(all[i].p.AttentionScore == all[worst].p.AttentionScore && all[i].p.LastInteraction.Before(all[worst].p.LastInteraction)) {
				worst = i
			}
		}
		delete(chat, all[worst].id)
		all = append(all[:worst], all[worst+1:]...)
	}
}
