// Package mood derives a short natural-language mood cue from a user's
// tracked emotion and fatigue state, for injection into the LLM prompt
// (spec §4.6 step 3). It holds no state of its own — callers supply the
// emotion/fatigue snapshot already maintained by the attention tracker.
package mood

import "fmt"

// Level is a coarse mood bucket derived from emotional valence.
type Level string

const (
	LevelWarm     Level = "warm"
	LevelNeutral  Level = "neutral"
	LevelCool     Level = "cool"
	LevelStrained Level = "strained"
)

// Snapshot is the minimal input needed to derive a mood cue.
type Snapshot struct {
	Emotion            float64 // [-1, 1]
	ConsecutiveReplies int
	FatigueLevel       string // "", "light", "medium", "heavy" — empty means not fatigued
}

// Classify buckets an emotion value into a Level. Fatigue overrides a
// warm/neutral emotion reading because repeated replies without a break
// reads as strained regardless of sentiment history.
func Classify(s Snapshot) Level {
	if s.FatigueLevel != "" {
		return LevelStrained
	}
	switch {
	case s.Emotion >= 0.4:
		return LevelWarm
	case s.Emotion <= -0.3:
		return LevelCool
	default:
		return LevelNeutral
	}
}

// Cue renders the prompt-facing text for a mood level. Empty for neutral,
// since the neutral case needs no special instruction to the LLM.
func Cue(s Snapshot) string {
	switch Classify(s) {
	case LevelWarm:
		return "You're feeling good about this conversation; let that come through naturally."
	case LevelCool:
		return "This conversation has felt a bit tense lately; keep your tone measured."
	case LevelStrained:
		return fmt.Sprintf("You've replied %d times in a row without a break; it's fine to sound a little worn out.", s.ConsecutiveReplies)
	default:
		return ""
	}
}
