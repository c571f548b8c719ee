// Package frequency maintains the per-chat base reply probability that
// ProbabilityCalculator starts its composition from (spec §4.2 step 1),
// and adapts it slowly based on observed reply outcomes and the active
// time-of-day factor.
package frequency

import (
	"sync"

	"github.com/groupwatch/core/internal/chatkey"
	"github.com/groupwatch/core/internal/timeperiod"
)

// Config bounds how the base probability adapts.
type Config struct {
	InitialProbability float64
	MinBase            float64
	MaxBase            float64
	// AdjustStep is how far a Record call with replied=true moves the base
	// down; a call with replied=false moves it up by AdjustStep/4.
	AdjustStep float64
}

type chatState struct {
	base float64
}

// Tuner maintains a base probability per chat, nudging it toward a
// healthier engagement rate over time: a chat that never gets replies
// drifts the base up slightly, one replying to everything drifts it
// down, always within [MinBase, MaxBase].
type Tuner struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*chatState
	period *timeperiod.Manager // optional; nil means no time-of-day factor
}

// New builds a Tuner. period may be nil to disable dynamic time-of-day
// scaling (spec §4.9's "enable_dynamic_*_probability" gate).
func New(cfg Config, period *timeperiod.Manager) *Tuner {
	return &Tuner{cfg: cfg, states: make(map[string]*chatState), period: period}
}

func (t *Tuner) getOrCreate(key chatkey.Key) *chatState {
	k := key.String()

	t.mu.RLock()
	st, ok := t.states[k]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[k]; ok {
		return st
	}
	st = &chatState{base: t.cfg.InitialProbability}
	t.states[k] = st
	return st
}

// Base returns the current base probability for a chat, scaled by the
// active time-of-day factor when a TimePeriodManager is configured.
func (t *Tuner) Base(key chatkey.Key) float64 {
	st := t.getOrCreate(key)

	t.mu.RLock()
	base := st.base
	t.mu.RUnlock()

	if t.period != nil {
		base *= t.period.Factor()
	}
	return t.clamp(base)
}

// Record adjusts the chat's base probability after an observed outcome:
// replied=true nudges the base down slightly (the chat doesn't need as
// much of a push), replied=false nudges it up (to counteract creeping
// silence), both bounded to [MinBase, MaxBase].
func (t *Tuner) Record(key chatkey.Key, replied bool) {
	st := t.getOrCreate(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	if replied {
		st.base -= t.cfg.AdjustStep
	} else {
		st.base += t.cfg.AdjustStep / 4 // drift up far more slowly than down
	}
	if st.base < t.cfg.MinBase {
		st.base = t.cfg.MinBase
	}
	if st.base > t.cfg.MaxBase {
		st.base = t.cfg.MaxBase
	}
}

func (t *Tuner) clamp(p float64) float64 {
	if p < t.cfg.MinBase {
		return t.cfg.MinBase
	}
	if p > t.cfg.MaxBase {
		return t.cfg.MaxBase
	}
	return p
}
