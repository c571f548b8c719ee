// Package timeperiod implements TimePeriodManager (spec §4.9): a factor
// curve over wall-clock time-of-day, with smooth transitions at period
// boundaries and a quiet-hours special case.
package timeperiod

import (
	"math"
	"time"
)

// Period is a named window of the day during which Factor applies.
// Start/End cross midnight when End < Start (e.g. 22:00-06:00).
type Period struct {
	Name   string  `yaml:"name"`
	Start  string  `yaml:"start"` // "HH:MM"
	End    string  `yaml:"end"`   // "HH:MM"
	Factor float64 `yaml:"factor"`
}

// Config configures a Manager.
type Config struct {
	Periods           []Period `yaml:"periods"`
	TransitionMinutes int      `yaml:"transition_minutes"`
	MinFactor         float64  `yaml:"min_factor"`
	MaxFactor         float64  `yaml:"max_factor"`
	UseSmoothCurve    bool     `yaml:"use_smooth_curve"`
}

// Manager computes the reply-probability time-of-day factor.
type Manager struct {
	cfg    Config
	clock  func() time.Time
	quiet  bool // when true, "inside" returns 0 and transitions fade 0<->1
	minute []minuteRange
}

type minuteRange struct {
	start, end int // minutes since midnight, end may exceed 1440 for cross-midnight
	period     Period
}

// New builds a Manager from config. quietHours=true makes this instance a
// quiet-hours gate: inside a period the factor is 0 instead of Period.Factor.
func New(cfg Config, quietHours bool) *Manager {
	m := &Manager{cfg: cfg, clock: time.Now, quiet: quietHours}
	for _, p := range cfg.Periods {
		start := parseHHMM(p.Start)
		end := parseHHMM(p.End)
		if end <= start {
			end += 24 * 60
		}
		m.minute = append(m.minute, minuteRange{start: start, end: end, period: p})
	}
	return m
}

// WithClock overrides the time source, for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func parseHHMM(s string) int {
	if len(s) < 4 {
		return 0
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}

// Factor returns the factor in effect at the manager's current clock time,
// clamped to [MinFactor, MaxFactor] when those are non-zero.
func (m *Manager) Factor() float64 {
	now := m.clock()
	minuteOfDay := now.Hour()*60 + now.Minute()
	f := m.factorAt(minuteOfDay)
	return m.clamp(f)
}

func (m *Manager) clamp(f float64) float64 {
	lo, hi := m.cfg.MinFactor, m.cfg.MaxFactor
	if lo == 0 && hi == 0 {
		return f
	}
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// factorAt computes the raw factor for a given minute-of-day (0..1439),
// also checking the minute one day earlier/later to honor cross-midnight
// periods and transitions that wrap across 00:00.
func (m *Manager) factorAt(minuteOfDay int) float64 {
	transition := m.cfg.TransitionMinutes

	baseline := 1.0
	if m.quiet {
		baseline = 1.0 // outside any quiet window, no suppression
	}

	for _, candidate := range []int{minuteOfDay, minuteOfDay + 1440, minuteOfDay - 1440} {
		for _, mr := range m.minute {
			inside := candidate >= mr.start && candidate < mr.end
			insideFactor := mr.period.Factor
			if m.quiet {
				insideFactor = 0
			}

			if inside {
				// Near the leading edge, blend from baseline (or previous)
				// toward insideFactor; near trailing edge, blend back out.
				if transition > 0 {
					distFromStart := candidate - mr.start
					distToEnd := mr.end - candidate
					if distFromStart < transition {
						t := float64(distFromStart) / float64(transition)
						return m.interp(baseline, insideFactor, t)
					}
					if distToEnd < transition {
						t := float64(distToEnd) / float64(transition)
						return m.interp(baseline, insideFactor, t)
					}
				}
				return insideFactor
			}
		}
	}

	return baseline
}

// interp blends from 'outside' to 'inside' as t goes 0->1 (t=0 at the
// boundary, t=1 deep inside the period), linear or smooth-cosine.
func (m *Manager) interp(outside, inside float64, t float64) float64 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	if m.cfg.UseSmoothCurve {
		t = (1 - math.Cos(t*math.Pi)) / 2
	}
	return outside + (inside-outside)*t
}
