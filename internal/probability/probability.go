// Package probability implements ProbabilityCalculator (spec §4.2): a
// pure, composable pipeline that turns a chat's base reply probability
// into the probability actually compared against a uniform draw, folding
// in attention, spillover, humanize interest boosts, fatigue penalties,
// and configured clamps.
package probability

import "github.com/groupwatch/core/internal/attention"

// Config holds every tunable that shapes the composition.
type Config struct {
	EnableAttention bool
	IncreasedProb   float64 // attention_increased_probability
	DecreasedProb   float64 // attention_decreased_probability
	PokeBoostRef    float64 // poke_boost_reference

	EnableHumanizeInterest  bool
	InterestBoostProbability float64

	EnableFatigue bool

	EnableHardLimit bool
	MinLimit        float64
	MaxLimit        float64
}

// Input bundles everything one ProbabilityCalculator.Compute call needs.
type Input struct {
	BaseProbability float64

	HasProfile         bool
	AttentionScore     float64 // already decayed
	Emotion            float64 // already decayed
	ConsecutiveReplies int

	InCooldown bool

	IsPoke bool // this message is a poke directed at the bot from the same user

	SpilloverBoost float64 // precomputed via attention.Tracker.SpilloverBoost, 0 if n/a

	MatchesInterestKeyword bool

	FatigueLevel attention.FatigueLevel
}

// Tracker is the subset of attention.Tracker's behavior the calculator
// needs to resolve fatigue probability decrements, kept as an interface
// so callers can substitute a fake in tests.
type Tracker interface {
	FatigueProbabilityDecrease(level attention.FatigueLevel) float64
}

// Compute runs the full composition order and returns p clamped to
// [0, 1] (and further to [MinLimit, MaxLimit] when EnableHardLimit).
func Compute(cfg Config, in Input, fatigue Tracker) float64 {
	p := in.BaseProbability

	if in.InCooldown {
		// Cooldown wins over every downstream mechanism; return as-is.
		return clamp01(p)
	}

	if cfg.EnableAttention && in.HasProfile {
		if in.AttentionScore > 0.1 {
			target := p + (cfg.IncreasedProb-p)*in.AttentionScore*(1+0.3*in.Emotion)
			p = min(0.98, max(cfg.DecreasedProb, target))
		} else {
			p = max(cfg.DecreasedProb, p*0.8)
		}

		if in.IsPoke {
			p += cfg.PokeBoostRef * (0.5 + 0.5*in.Emotion*0.7 + 0.3 + 0.7*in.AttentionScore*0.3)
		}
	} else if !in.HasProfile {
		p += in.SpilloverBoost
	}

	if cfg.EnableHumanizeInterest && in.MatchesInterestKeyword {
		p += cfg.InterestBoostProbability
	}

	if cfg.EnableFatigue && in.FatigueLevel != attention.FatigueNone && fatigue != nil {
		p -= fatigue.FatigueProbabilityDecrease(in.FatigueLevel)
	}

	if cfg.EnableHardLimit {
		p = clamp(p, cfg.MinLimit, cfg.MaxLimit)
	}

	return clamp01(p)
}

func clamp01(p float64) float64 {
	return clamp(p, 0, 1)
}

func clamp(p, lo, hi float64) float64 {
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
