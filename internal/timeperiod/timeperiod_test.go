package timeperiod

import (
	"testing"
	"time"
)

func at(hh, mm int) func() time.Time {
	return func() time.Time {
		return time.Date(2024, 1, 1, hh, mm, 0, 0, time.UTC)
	}
}

func TestFactorInsidePeriod(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "evening", Start: "18:00", End: "23:00", Factor: 1.5},
		},
	}
	m := New(cfg, false).WithClock(at(20, 0))
	if got := m.Factor(); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}

func TestFactorOutsidePeriodIsBaseline(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "evening", Start: "18:00", End: "23:00", Factor: 1.5},
		},
	}
	m := New(cfg, false).WithClock(at(10, 0))
	if got := m.Factor(); got != 1.0 {
		t.Fatalf("expected baseline 1.0, got %v", got)
	}
}

func TestFactorCrossMidnight(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "night", Start: "22:00", End: "06:00", Factor: 0.3},
		},
	}
	m := New(cfg, false).WithClock(at(2, 0))
	if got := m.Factor(); got != 0.3 {
		t.Fatalf("expected 0.3 inside cross-midnight period, got %v", got)
	}
}

func TestQuietHoursZeroesFactor(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "quiet", Start: "00:00", End: "07:00", Factor: 0},
		},
	}
	m := New(cfg, true).WithClock(at(3, 0))
	if got := m.Factor(); got != 0 {
		t.Fatalf("expected 0 during quiet hours, got %v", got)
	}
}

func TestFactorClamped(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "boost", Start: "00:00", End: "23:59", Factor: 10},
		},
		MinFactor: 0.1,
		MaxFactor: 2.0,
	}
	m := New(cfg, false).WithClock(at(12, 0))
	if got := m.Factor(); got != 2.0 {
		t.Fatalf("expected clamp to 2.0, got %v", got)
	}
}

func TestTransitionBlendsTowardPeriodFactor(t *testing.T) {
	cfg := Config{
		Periods: []Period{
			{Name: "evening", Start: "18:00", End: "23:00", Factor: 2.0},
		},
		TransitionMinutes: 30,
	}
	m := New(cfg, false).WithClock(at(18, 0))
	got := m.Factor()
	if got <= 1.0 || got >= 2.0 {
		t.Fatalf("expected blended value strictly between 1.0 and 2.0 at boundary, got %v", got)
	}
}
