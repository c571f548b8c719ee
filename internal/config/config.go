// Package config defines the top-level configuration surface (spec §6)
// and the YAML/env loader that builds it, following the teacher's own
// config.go/loader.go split: a plain struct tree with yaml tags, a
// defaults constructor, and a loader that expands environment variables
// before parsing and resolves secrets from the environment afterward.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/groupwatch/core/internal/attention"
	"github.com/groupwatch/core/internal/decision"
	"github.com/groupwatch/core/internal/frequency"
	"github.com/groupwatch/core/internal/llmclient"
	"github.com/groupwatch/core/internal/probability"
	"github.com/groupwatch/core/internal/proactive"
	"github.com/groupwatch/core/internal/reply"
	"github.com/groupwatch/core/internal/timeperiod"
	"github.com/groupwatch/core/internal/typingsim"
	"github.com/groupwatch/core/internal/typogen"
)

// Config is the full top-level configuration tree. Each group maps
// (either directly or via its own Build method) onto one collaborator
// package's Config type.
type Config struct {
	BotID string `yaml:"bot_id"`

	LLM       LLMConfig       `yaml:"llm"`
	Discord   DiscordConfig   `yaml:"discord"`
	Data      DataConfig      `yaml:"data"`
	Logging   LoggingConfig   `yaml:"logging"`
	Persona   PersonaConfig   `yaml:"persona"`
	Decision  DecisionConfig  `yaml:"decision"`
	Attention AttentionConfig `yaml:"attention"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	Frequency FrequencyConfig `yaml:"frequency"`
	TimePeriod TimePeriodConfig `yaml:"time_period"`
	Typo      TypoConfig      `yaml:"typo"`
	Typing    TypingConfig    `yaml:"typing"`
	Proactive ProactiveConfig `yaml:"proactive"`
	Cache     CacheConfig     `yaml:"cache"`
}

// CacheConfig governs the PendingCache and RecentReplies sizing knobs
// (spec §3/§8: pending_cache_max_count capped 50, pending_cache_ttl_seconds
// capped 7200, RecentReplies capped at min(2x check count, 100)).
type CacheConfig struct {
	PendingMaxCount          int           `yaml:"pending_max_count"`
	PendingTTL               time.Duration `yaml:"pending_ttl"`
	DuplicateFilterCheckCount int          `yaml:"duplicate_filter_check_count"`
	DuplicateFilterWindow    time.Duration `yaml:"duplicate_filter_window"`
}

// PendingCacheArgs returns the (ttl, maxCount) pair for
// cache.NewPendingCache, clamped to spec §8's hard caps.
func (c CacheConfig) PendingCacheArgs() (ttl time.Duration, maxCount int) {
	ttl = c.PendingTTL
	if ttl <= 0 || ttl > 7200*time.Second {
		ttl = 7200 * time.Second
	}
	maxCount = c.PendingMaxCount
	if maxCount <= 0 || maxCount > 50 {
		maxCount = 50
	}
	return ttl, maxCount
}

// RecentRepliesArgs returns the (checkCount, window) pair for
// cache.NewRecentReplies, clamping checkCount so 2x it never exceeds 100.
func (c CacheConfig) RecentRepliesArgs() (checkCount int, window time.Duration) {
	checkCount = c.DuplicateFilterCheckCount
	if checkCount <= 0 || 2*checkCount > 100 {
		checkCount = 50
	}
	window = c.DuplicateFilterWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	return checkCount, window
}

// LLMConfig configures the OpenAI-compatible chat-completion endpoint
// used for both the judge-AI decision and the actual reply.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c LLMConfig) Build() llmclient.Config {
	return llmclient.Config{BaseURL: c.BaseURL, APIKey: c.APIKey, Model: c.Model, Timeout: c.Timeout}
}

// DiscordConfig configures the Discord gateway session the host process
// opens before handing its session to hostchannel/discord.NewAdapter.
type DiscordConfig struct {
	Token            string   `yaml:"token"`
	AllowedGuilds    []string `yaml:"allowed_guilds"`
	RespondToThreads bool     `yaml:"respond_to_threads"`
}

// DataConfig points at the on-disk directories/files every persistence-
// carrying collaborator reads from or writes to.
type DataConfig struct {
	Dir         string `yaml:"dir"`          // base data directory (spec §4.10's JSON files live here)
	SQLitePath  string `yaml:"sqlite_path"`  // optional history mirror, empty disables it
}

// LoggingConfig mirrors the teacher's own logging group.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PersonaConfig carries the system prompt and reply-formatting toggles.
type PersonaConfig struct {
	SystemPrompt      string `yaml:"system_prompt"`
	IncludeTimestamp  bool   `yaml:"include_timestamp"`
	IncludeSenderInfo bool   `yaml:"include_sender_info"`
}

// DecisionConfig is the YAML-facing mirror of decision.Config's gate
// knobs; Build assembles the real decision.Config from it plus the
// cross-cutting groups (LLM/persona/probability) supplied separately.
type DecisionConfig struct {
	Enabled bool `yaml:"enabled"`

	CommandPrefixes         []string      `yaml:"command_prefixes"`
	CommandMarkTTL          time.Duration `yaml:"command_mark_ttl"`
	IgnoreGroupWideMentions bool          `yaml:"ignore_group_wide_mentions"`

	BlacklistedUserIDs []string `yaml:"blacklisted_user_ids"`
	BlacklistKeywords  []string `yaml:"blacklist_keywords"`
	PokeSpoofToken     string   `yaml:"poke_spoof_token"`

	AtOthersMode string `yaml:"at_others_mode"` // "", "strict", "allow_with_bot"

	PokeMode                 string  `yaml:"poke_mode"` // "ignore", "bot_only", "all"
	PokeBotSkipProbability   float64 `yaml:"poke_bot_skip_probability"`
	PokeReverseProbability   float64 `yaml:"poke_reverse_probability"`

	TriggerKeywords  []string `yaml:"trigger_keywords"`
	KeywordSmartMode bool     `yaml:"keyword_smart_mode"`

	InitialBaseProbability float64 `yaml:"initial_base_probability"`
	MaxContextMessages     int     `yaml:"max_context_messages"`

	ConcurrentWaitMaxLoops int           `yaml:"concurrent_wait_max_loops"`
	ConcurrentWaitInterval time.Duration `yaml:"concurrent_wait_interval"`

	MemoryEnabled   bool   `yaml:"memory_enabled"`
	MemoryTopK      int    `yaml:"memory_top_k"`
	MemoryPersonaID string `yaml:"memory_persona_id"`

	AttentionDecreaseOnNoReplyStep    float64 `yaml:"attention_decrease_on_no_reply_step"`
	AttentionDecreaseThreshold        float64 `yaml:"attention_decrease_threshold"`
	AttentionCooldownTriggerThreshold float64 `yaml:"attention_cooldown_trigger_threshold"`

	ResetAllowedUserIDs     []string `yaml:"reset_allowed_user_ids"`
	ResetHereAllowedUserIDs []string `yaml:"reset_here_allowed_user_ids"`

	Probability ProbabilityConfig `yaml:"probability"`
}

// ProbabilityConfig is the YAML-facing mirror of probability.Config.
type ProbabilityConfig struct {
	EnableAttention bool    `yaml:"enable_attention"`
	IncreasedProb   float64 `yaml:"attention_increased_probability"`
	DecreasedProb   float64 `yaml:"attention_decreased_probability"`
	PokeBoostRef    float64 `yaml:"poke_boost_reference"`

	EnableHumanizeInterest   bool    `yaml:"enable_humanize_interest"`
	InterestBoostProbability float64 `yaml:"interest_boost_probability"`

	EnableFatigue bool `yaml:"enable_fatigue"`

	EnableHardLimit bool    `yaml:"enable_hard_limit"`
	MinLimit        float64 `yaml:"min_limit"`
	MaxLimit        float64 `yaml:"max_limit"`
}

func (c ProbabilityConfig) Build() probability.Config {
	return probability.Config{
		EnableAttention:          c.EnableAttention,
		IncreasedProb:            c.IncreasedProb,
		DecreasedProb:            c.DecreasedProb,
		PokeBoostRef:             c.PokeBoostRef,
		EnableHumanizeInterest:   c.EnableHumanizeInterest,
		InterestBoostProbability: c.InterestBoostProbability,
		EnableFatigue:            c.EnableFatigue,
		EnableHardLimit:          c.EnableHardLimit,
		MinLimit:                 c.MinLimit,
		MaxLimit:                 c.MaxLimit,
	}
}

// Build assembles a decision.Config. botID/systemPrompt/includeTime/
// includeSender come from the shared top-level groups (BotID, Persona)
// rather than being duplicated into DecisionConfig itself.
func (c DecisionConfig) Build(botID, systemPrompt string, includeTimestamp, includeSenderInfo bool) decision.Config {
	return decision.Config{
		Enabled: c.Enabled,
		BotID:   botID,
		Commands: decision.CommandConfig{
			Enabled:  len(c.CommandPrefixes) > 0,
			Prefixes: c.CommandPrefixes,
		},
		CommandMarkTTL:          c.CommandMarkTTL,
		IgnoreGroupWideMentions: c.IgnoreGroupWideMentions,
		UserBlacklist: decision.UserBlacklistConfig{
			Enabled: len(c.BlacklistedUserIDs) > 0,
			UserIDs: c.BlacklistedUserIDs,
		},
		BlacklistKeywords: c.BlacklistKeywords,
		PokeSpoofToken:    c.PokeSpoofToken,
		AtOthers:          decision.AtOthersConfig{Mode: decision.AtOthersMode(c.AtOthersMode)},
		Poke: decision.PokeConfig{
			Mode:                     decision.PokeMode(c.PokeMode),
			BotSkipProbability:       c.PokeBotSkipProbability,
			ReverseOnPokeProbability: c.PokeReverseProbability,
		},
		TriggerKeywords:        c.TriggerKeywords,
		KeywordSmartMode:       c.KeywordSmartMode,
		Probability:            c.Probability.Build(),
		InitialBaseProbability: c.InitialBaseProbability,
		MaxContextMessages:     c.MaxContextMessages,
		IncludeTimestamp:       includeTimestamp,
		IncludeSenderInfo:      includeSenderInfo,
		ConcurrentWaitMaxLoops: c.ConcurrentWaitMaxLoops,
		ConcurrentWaitInterval: c.ConcurrentWaitInterval,
		SystemPrompt:           systemPrompt,
		MemoryEnabled:          c.MemoryEnabled,
		MemoryTopK:             c.MemoryTopK,
		MemoryPersonaID:        c.MemoryPersonaID,
		Attention: decision.AttentionGateConfig{
			DecreaseOnNoReplyStep:    c.AttentionDecreaseOnNoReplyStep,
			DecreaseThreshold:        c.AttentionDecreaseThreshold,
			CooldownTriggerThreshold: c.AttentionCooldownTriggerThreshold,
		},
		Reset: decision.ResetConfig{
			ResetAllowedUserIDs:     c.ResetAllowedUserIDs,
			ResetHereAllowedUserIDs: c.ResetHereAllowedUserIDs,
		},
	}
}

// AttentionConfig is the YAML-facing mirror of attention.Config.
type AttentionConfig struct {
	MaxTrackedUsers int `yaml:"max_tracked_users"`

	AttentionHalfLife time.Duration `yaml:"attention_half_life"`
	EmotionHalfLife   time.Duration `yaml:"emotion_half_life"`

	MinAttentionScore float64 `yaml:"min_attention_score"`
	MaxAttentionScore float64 `yaml:"max_attention_score"`

	AttentionBoostStep    float64 `yaml:"attention_boost_step"`
	AttentionDecreaseStep float64 `yaml:"attention_decrease_step"`
	EmotionBoostStep      float64 `yaml:"emotion_boost_step"`

	PositiveEmotionBoost    float64 `yaml:"positive_emotion_boost"`
	NegativeEmotionDecrease float64 `yaml:"negative_emotion_decrease"`

	EnableSpillover     bool          `yaml:"enable_spillover"`
	SpilloverRatio      float64       `yaml:"spillover_ratio"`
	SpilloverHalfLife   time.Duration `yaml:"spillover_half_life"`
	SpilloverMinTrigger float64       `yaml:"spillover_min_trigger"`

	ConsecutiveReplyResetThreshold time.Duration `yaml:"consecutive_reply_reset_threshold"`

	EnableConversationFatigue        bool    `yaml:"enable_conversation_fatigue"`
	FatigueThresholdLight            int     `yaml:"fatigue_threshold_light"`
	FatigueThresholdMedium           int     `yaml:"fatigue_threshold_medium"`
	FatigueThresholdHeavy            int     `yaml:"fatigue_threshold_heavy"`
	FatigueProbabilityDecreaseLight  float64 `yaml:"fatigue_probability_decrease_light"`
	FatigueProbabilityDecreaseMedium float64 `yaml:"fatigue_probability_decrease_medium"`
	FatigueProbabilityDecreaseHeavy  float64 `yaml:"fatigue_probability_decrease_heavy"`

	EnableEmotionDetection bool     `yaml:"enable_emotion_detection"`
	PositiveKeywords       []string `yaml:"positive_keywords"`
	NegativeKeywords       []string `yaml:"negative_keywords"`
	EnableNegation         bool     `yaml:"enable_negation"`
	NegationWords          []string `yaml:"negation_words"`
	NegationCheckRange     int      `yaml:"negation_check_range"`

	InactiveThreshold time.Duration `yaml:"inactive_threshold"`
	InactiveAttention float64       `yaml:"inactive_attention"`
}

func (c AttentionConfig) Build() attention.Config {
	return attention.Config{
		MaxTrackedUsers:                  c.MaxTrackedUsers,
		AttentionHalfLife:                c.AttentionHalfLife,
		EmotionHalfLife:                  c.EmotionHalfLife,
		MinAttentionScore:                c.MinAttentionScore,
		MaxAttentionScore:                c.MaxAttentionScore,
		AttentionBoostStep:               c.AttentionBoostStep,
		AttentionDecreaseStep:            c.AttentionDecreaseStep,
		EmotionBoostStep:                 c.EmotionBoostStep,
		PositiveEmotionBoost:             c.PositiveEmotionBoost,
		NegativeEmotionDecrease:          c.NegativeEmotionDecrease,
		EnableSpillover:                  c.EnableSpillover,
		SpilloverRatio:                   c.SpilloverRatio,
		SpilloverHalfLife:                c.SpilloverHalfLife,
		SpilloverMinTrigger:              c.SpilloverMinTrigger,
		ConsecutiveReplyResetThreshold:   c.ConsecutiveReplyResetThreshold,
		EnableConversationFatigue:        c.EnableConversationFatigue,
		FatigueThresholdLight:            c.FatigueThresholdLight,
		FatigueThresholdMedium:           c.FatigueThresholdMedium,
		FatigueThresholdHeavy:            c.FatigueThresholdHeavy,
		FatigueProbabilityDecreaseLight:  c.FatigueProbabilityDecreaseLight,
		FatigueProbabilityDecreaseMedium: c.FatigueProbabilityDecreaseMedium,
		FatigueProbabilityDecreaseHeavy:  c.FatigueProbabilityDecreaseHeavy,
		EnableEmotionDetection:           c.EnableEmotionDetection,
		PositiveKeywords:                 c.PositiveKeywords,
		NegativeKeywords:                 c.NegativeKeywords,
		EnableNegation:                   c.EnableNegation,
		NegationWords:                    c.NegationWords,
		NegationCheckRange:               c.NegationCheckRange,
		InactiveThreshold:                c.InactiveThreshold,
		InactiveAttention:                c.InactiveAttention,
	}
}

// CooldownConfig is the YAML-facing mirror of cooldown.New's single knob.
type CooldownConfig struct {
	MaxDuration time.Duration `yaml:"max_duration"`
}

// FrequencyConfig is the YAML-facing mirror of frequency.Config.
type FrequencyConfig struct {
	InitialProbability float64 `yaml:"initial_probability"`
	MinBase            float64 `yaml:"min_base"`
	MaxBase            float64 `yaml:"max_base"`
	AdjustStep         float64 `yaml:"adjust_step"`
}

func (c FrequencyConfig) Build() frequency.Config {
	return frequency.Config{InitialProbability: c.InitialProbability, MinBase: c.MinBase, MaxBase: c.MaxBase, AdjustStep: c.AdjustStep}
}

// TimePeriodConfig is the YAML-facing mirror of timeperiod.Config.
type TimePeriodConfig struct {
	Periods           []timeperiod.Period `yaml:"periods"`
	TransitionMinutes int                  `yaml:"transition_minutes"`
	MinFactor         float64              `yaml:"min_factor"`
	MaxFactor         float64              `yaml:"max_factor"`
	UseSmoothCurve    bool                 `yaml:"use_smooth_curve"`
	QuietHours        bool                 `yaml:"quiet_hours"`
}

func (c TimePeriodConfig) Build() timeperiod.Config {
	return timeperiod.Config{
		Periods:           c.Periods,
		TransitionMinutes: c.TransitionMinutes,
		MinFactor:         c.MinFactor,
		MaxFactor:         c.MaxFactor,
		UseSmoothCurve:    c.UseSmoothCurve,
	}
}

// TypoConfig is the YAML-facing mirror of typogen.Config. The homophone
// table itself is not user-configurable; typogen.DefaultHomophones is
// always used.
type TypoConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MinCount    int     `yaml:"min_count"`
	MaxCount    int     `yaml:"max_count"`
	MinRunes    int     `yaml:"min_runes"`
	Probability float64 `yaml:"probability"`
}

func (c TypoConfig) Build() typogen.Config {
	return typogen.Config{Enabled: c.Enabled, MinCount: c.MinCount, MaxCount: c.MaxCount, MinRunes: c.MinRunes, Probability: c.Probability}
}

// TypingConfig is the YAML-facing mirror of typingsim.Config.
type TypingConfig struct {
	TypingSpeed  float64       `yaml:"typing_speed"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	RandomFactor float64       `yaml:"random_factor"`
}

func (c TypingConfig) Build() typingsim.Config {
	return typingsim.Config{TypingSpeed: c.TypingSpeed, MinDelay: c.MinDelay, MaxDelay: c.MaxDelay, RandomFactor: c.RandomFactor}
}

// BuildReplyConfig builds the humanization part of reply.Config from its
// arguments: the typo settings, the default homophone table, and the
// include-time/include-name flags. It sets no content filters.
func BuildReplyConfig(typo TypoConfig, includeTime, includeName bool) reply.Config {
	return reply.Config{
		Typo:        typo.Build(),
		Homophones:  typogen.DefaultHomophones,
		IncludeTime: includeTime,
		IncludeName: includeName,
	}
}

// ProactiveConfig is the YAML-facing mirror of proactive.Config.
type ProactiveConfig struct {
	Enabled bool `yaml:"enabled"`

	EnabledChatIDs []string `yaml:"enabled_chat_ids"`

	CheckInterval time.Duration `yaml:"check_interval"`

	SilenceThreshold             time.Duration `yaml:"silence_threshold"`
	CooldownDuration              time.Duration `yaml:"cooldown_duration"`
	MaxConsecutiveFails          int           `yaml:"max_consecutive_fails"`
	FailureThresholdPerturbation float64       `yaml:"failure_threshold_perturbation"`
	FailureSequenceProbability   float64       `yaml:"failure_sequence_probability"`

	RequireUserActivity bool          `yaml:"require_user_activity"`
	MinUserMessages     int           `yaml:"min_user_messages"`
	UserActivityWindow  time.Duration `yaml:"user_activity_window"`
	BaseProbability     float64       `yaml:"base_probability"`

	TempBoostProbability float64       `yaml:"temp_boost_probability"`
	TempBoostDuration     time.Duration `yaml:"temp_boost_duration"`

	Prompt      string `yaml:"prompt"`
	RetryPrompt string `yaml:"retry_prompt"`

	MaxContextMessages int `yaml:"max_context_messages"`

	MemoryEnabled bool   `yaml:"memory_enabled"`
	MemoryTopK    int    `yaml:"memory_top_k"`
	PersonaID     string `yaml:"persona_id"`

	Score          ScoreConfig          `yaml:"score"`
	Complaint      ComplaintConfig      `yaml:"complaint"`
	AttentionFocus AttentionFocusConfig `yaml:"attention_focus"`
}

// ScoreConfig is the YAML-facing mirror of proactive.ScoreConfig.
type ScoreConfig struct {
	Min                 float64       `yaml:"min"`
	Max                 float64       `yaml:"max"`
	IncreaseOnSuccess   float64       `yaml:"increase_on_success"`
	DecreaseOnFail      float64       `yaml:"decrease_on_fail"`
	QuickReplyBonus     float64       `yaml:"quick_reply_bonus"`
	QuickReplyWindow    time.Duration `yaml:"quick_reply_window"`
	MultiUserBonus      float64       `yaml:"multi_user_bonus"`
	StreakBonus         int           `yaml:"streak_bonus"`
	StreakBonusAmount   float64       `yaml:"streak_bonus_amount"`
	RevivalBonus        float64       `yaml:"revival_bonus"`
	RevivalThreshold    float64       `yaml:"revival_threshold"`
	DecayRatePer24Hours float64       `yaml:"decay_rate_per_24_hours"`
}

func (c ScoreConfig) Build() proactive.ScoreConfig {
	return proactive.ScoreConfig{
		Min:                 c.Min,
		Max:                 c.Max,
		IncreaseOnSuccess:   c.IncreaseOnSuccess,
		DecreaseOnFail:      c.DecreaseOnFail,
		QuickReplyBonus:     c.QuickReplyBonus,
		QuickReplyWindow:    c.QuickReplyWindow,
		MultiUserBonus:      c.MultiUserBonus,
		StreakBonus:         c.StreakBonus,
		StreakBonusAmount:   c.StreakBonusAmount,
		RevivalBonus:        c.RevivalBonus,
		RevivalThreshold:    c.RevivalThreshold,
		DecayRatePer24Hours: c.DecayRatePer24Hours,
	}
}

// ComplaintConfig is the YAML-facing mirror of proactive.ComplaintConfig.
type ComplaintConfig struct {
	Enabled              bool          `yaml:"enabled"`
	TriggerThreshold     int           `yaml:"trigger_threshold"`
	LevelLight           int           `yaml:"level_light"`
	LevelMedium          int           `yaml:"level_medium"`
	LevelStrong          int           `yaml:"level_strong"`
	ProbabilityLight     float64       `yaml:"probability_light"`
	ProbabilityMedium    float64       `yaml:"probability_medium"`
	ProbabilityStrong    float64       `yaml:"probability_strong"`
	MaxAccumulation      int           `yaml:"max_accumulation"`
	DecayOnSuccess       int           `yaml:"decay_on_success"`
	DecayNoFailureWindow time.Duration `yaml:"decay_no_failure_window"`
	DecayAmount          int           `yaml:"decay_amount"`
}

func (c ComplaintConfig) Build() proactive.ComplaintConfig {
	return proactive.ComplaintConfig{
		Enabled:              c.Enabled,
		TriggerThreshold:     c.TriggerThreshold,
		LevelLight:           c.LevelLight,
		LevelMedium:          c.LevelMedium,
		LevelStrong:          c.LevelStrong,
		ProbabilityLight:     c.ProbabilityLight,
		ProbabilityMedium:    c.ProbabilityMedium,
		ProbabilityStrong:    c.ProbabilityStrong,
		MaxAccumulation:      c.MaxAccumulation,
		DecayOnSuccess:       c.DecayOnSuccess,
		DecayNoFailureWindow: c.DecayNoFailureWindow,
		DecayAmount:          c.DecayAmount,
	}
}

// AttentionFocusConfig is the YAML-facing mirror of proactive.AttentionFocusConfig.
type AttentionFocusConfig struct {
	Enabled              bool    `yaml:"enabled"`
	RankWeights          string  `yaml:"rank_weights"`
	MaxSelectedUsers     int     `yaml:"max_selected_users"`
	FocusLastUserProb    float64 `yaml:"focus_last_user_prob"`
	ReferenceProbability float64 `yaml:"reference_probability"`
}

func (c AttentionFocusConfig) Build() proactive.AttentionFocusConfig {
	return proactive.AttentionFocusConfig{
		Enabled:              c.Enabled,
		RankWeights:          c.RankWeights,
		MaxSelectedUsers:     c.MaxSelectedUsers,
		FocusLastUserProb:    c.FocusLastUserProb,
		ReferenceProbability: c.ReferenceProbability,
	}
}

func (c ProactiveConfig) Build(botID string) proactive.Config {
	return proactive.Config{
		EnabledChatIDs:               c.EnabledChatIDs,
		CheckInterval:                c.CheckInterval,
		SilenceThreshold:             c.SilenceThreshold,
		CooldownDuration:             c.CooldownDuration,
		MaxConsecutiveFails:          c.MaxConsecutiveFails,
		FailureThresholdPerturbation: c.FailureThresholdPerturbation,
		FailureSequenceProbability:   c.FailureSequenceProbability,
		RequireUserActivity:          c.RequireUserActivity,
		MinUserMessages:              c.MinUserMessages,
		UserActivityWindow:           c.UserActivityWindow,
		BaseProbability:              c.BaseProbability,
		TempBoostProbability:         c.TempBoostProbability,
		TempBoostDuration:            c.TempBoostDuration,
		Prompt:                       c.Prompt,
		RetryPrompt:                  c.RetryPrompt,
		AttentionFocus:               c.AttentionFocus.Build(),
		Complaint:                    c.Complaint.Build(),
		Score:                        c.Score.Build(),
		MaxContextMessages:           c.MaxContextMessages,
		MemoryEnabled:                c.MemoryEnabled,
		MemoryTopK:                   c.MemoryTopK,
		PersonaID:                    c.PersonaID,
		// Tools is the host's live tool registry, handed to the scheduler
		// at wiring time by the caller, not a YAML-expressible value.
		BotID: botID,
	}
}

// Default returns the baseline configuration: proactive disabled, no
// humanization, everything else at the neutral settings spec.md's default
// column describes.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 30 * time.Second,
		},
		Data: DataConfig{Dir: "./data"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Persona: PersonaConfig{
			IncludeTimestamp:  true,
			IncludeSenderInfo: true,
		},
		Decision: DecisionConfig{
			Enabled:                true,
			CommandMarkTTL:         10 * time.Second,
			InitialBaseProbability: 0.2,
			MaxContextMessages:     50,
			ConcurrentWaitMaxLoops: 20,
			ConcurrentWaitInterval: 500 * time.Millisecond,
			Probability: ProbabilityConfig{
				EnableAttention: true,
				IncreasedProb:   0.6,
				DecreasedProb:   0.05,
				PokeBoostRef:    0.3,
				EnableFatigue:   true,
				EnableHardLimit: true,
				MinLimit:        0.01,
				MaxLimit:        0.95,
			},
			AttentionDecreaseOnNoReplyStep:    0.1,
			AttentionDecreaseThreshold:        0.05,
			AttentionCooldownTriggerThreshold: 0.7,
		},
		Attention: AttentionConfig{
			MaxTrackedUsers:       500,
			AttentionHalfLife:     30 * time.Minute,
			EmotionHalfLife:       time.Hour,
			MaxAttentionScore:     1.0,
			AttentionBoostStep:    0.25,
			AttentionDecreaseStep: 0.1,
			EmotionBoostStep:      0.1,
			EnableSpillover:       true,
			SpilloverRatio:        0.3,
			SpilloverHalfLife:     10 * time.Minute,
			SpilloverMinTrigger:   0.5,
			EnableConversationFatigue:        true,
			FatigueThresholdLight:            3,
			FatigueThresholdMedium:           6,
			FatigueThresholdHeavy:            10,
			FatigueProbabilityDecreaseLight:  0.1,
			FatigueProbabilityDecreaseMedium: 0.25,
			FatigueProbabilityDecreaseHeavy:  0.45,
			InactiveThreshold: 6 * time.Hour,
			InactiveAttention: 0.01,
		},
		Cooldown:  CooldownConfig{MaxDuration: 10 * time.Minute},
		Frequency: FrequencyConfig{InitialProbability: 0.2, MinBase: 0.02, MaxBase: 0.8, AdjustStep: 0.03},
		TimePeriod: TimePeriodConfig{MinFactor: 0.3, MaxFactor: 1.0, TransitionMinutes: 30},
		Typo:   TypoConfig{Enabled: false},
		Typing: TypingConfig{TypingSpeed: 15, MinDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, RandomFactor: 0.3},
		Proactive: ProactiveConfig{
			Enabled:              false,
			CheckInterval:        5 * time.Minute,
			SilenceThreshold:     2 * time.Hour,
			CooldownDuration:     time.Hour,
			MaxConsecutiveFails:  3,
			RequireUserActivity:  true,
			MinUserMessages:      1,
			UserActivityWindow:   24 * time.Hour,
			BaseProbability:      0.3,
			TempBoostProbability: 0.8,
			TempBoostDuration:    10 * time.Minute,
			MaxContextMessages:   30,
			Score: ScoreConfig{
				Min:                 10,
				Max:                 100,
				IncreaseOnSuccess:   15,
				DecreaseOnFail:      8,
				QuickReplyBonus:     5,
				QuickReplyWindow:    30 * time.Second,
				MultiUserBonus:      10,
				StreakBonus:         3,
				StreakBonusAmount:   5,
				RevivalBonus:        20,
				RevivalThreshold:    20,
				DecayRatePer24Hours: 2,
			},
			Complaint: ComplaintConfig{
				Enabled:              true,
				TriggerThreshold:     2,
				LevelLight:           2,
				LevelMedium:          3,
				LevelStrong:          4,
				ProbabilityLight:     0.3,
				ProbabilityMedium:    0.6,
				ProbabilityStrong:    0.8,
				MaxAccumulation:      15,
				DecayOnSuccess:       2,
				DecayNoFailureWindow: 12 * time.Hour,
				DecayAmount:          1,
			},
			AttentionFocus: AttentionFocusConfig{
				Enabled:              true,
				RankWeights:          "1:55,2:25,3:12,4:8",
				MaxSelectedUsers:     2,
				FocusLastUserProb:    0.6,
				ReferenceProbability: 0.7,
			},
		},
		Cache: CacheConfig{
			PendingMaxCount:           50,
			PendingTTL:                30 * time.Minute,
			DuplicateFilterCheckCount: 5,
			DuplicateFilterWindow:     10 * time.Minute,
		},
	}
}

// Validate reports configuration problems worth a startup warning without
// refusing to run — matching spec §8's "logged, not fatal" persistence-
// failure philosophy applied to misconfiguration as well.
func (c *Config) Validate() []string {
	var warnings []string
	if c.BotID == "" {
		warnings = append(warnings, "bot_id is empty: mention detection against the bot's own id will never match")
	}
	if c.LLM.APIKey == "" {
		warnings = append(warnings, "llm.api_key is empty: judge-AI and reply calls will fail")
	}
	if c.Discord.Token == "" {
		warnings = append(warnings, "discord.token is empty: the Discord channel will not connect")
	}
	if c.Decision.Probability.MinLimit > c.Decision.Probability.MaxLimit && c.Decision.Probability.EnableHardLimit {
		warnings = append(warnings, "decision.probability.min_limit is greater than max_limit")
	}
	if c.Attention.MinAttentionScore > c.Attention.MaxAttentionScore {
		warnings = append(warnings, "attention.min_attention_score is greater than max_attention_score")
	}
	if c.Proactive.Enabled && c.Data.Dir == "" {
		warnings = append(warnings, "proactive is enabled but data.dir is empty: state won't survive a restart")
	}
	if w := c.clampFailureSequenceProbability(); w != "" {
		warnings = append(warnings, w)
	}
	return warnings
}

// clampFailureSequenceProbability enforces proactive.failure_sequence_probability's
// three valid shapes: -1 (always count toward consecutive failures), 0 (never),
// or (0,1] (Bernoulli probability). Anything else is clamped to the nearest
// valid point and a warning is returned, per the documented resolution for
// out-of-range values (reject-with-clamp rather than silent coercion to -1).
func (c *Config) clampFailureSequenceProbability() string {
	v := c.Proactive.FailureSequenceProbability
	if v == -1 || v == 0 || (v > 0 && v <= 1) {
		return ""
	}

	var clamped float64
	switch {
	case v > 1:
		clamped = 1
	case v < -1:
		clamped = -1
	case v < 0:
		// Between -1 and 0 exclusive: not a valid shape, snap to whichever
		// endpoint is nearer.
		if v <= -0.5 {
			clamped = -1
		} else {
			clamped = 0
		}
	default:
		clamped = 0
	}

	warning := fmt.Sprintf(
		"proactive.failure_sequence_probability=%v is out of range (valid: -1, 0, or (0,1]); clamped to %v for this run",
		v, clamped,
	)
	c.Proactive.FailureSequenceProbability = clamped
	return warning
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML config file, expanding environment
// variable references first and loading .env files so secrets never need
// to be checked in.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveSecrets(cfg)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, starting from Default() so any
// field the file omits keeps its sane default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	return cfg, nil
}

// FindFile searches standard locations for a config file.
func FindFile() string {
	for _, candidate := range []string{"config.yaml", "config.yml", "groupwatchd.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// resolveSecrets fills the LLM API key and Discord token from the
// environment when the config value is empty or still a placeholder
// reference (e.g. the file was checked in with "${GROUPWATCH_API_KEY}"
// and .env wasn't loaded for some reason).
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || isEnvReference(cfg.LLM.APIKey) {
		if key := os.Getenv("GROUPWATCH_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Discord.Token == "" || isEnvReference(cfg.Discord.Token) {
		if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
			cfg.Discord.Token = tok
		}
	}
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}
