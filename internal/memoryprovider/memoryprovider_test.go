package memoryprovider

import (
	"strings"
	"testing"
	"time"
)

func TestEffectiveTopKCapsUnlimited(t *testing.T) {
	if got := EffectiveTopK(-1); got != unlimitedTopKCap {
		t.Fatalf("expected cap %d, got %d", unlimitedTopKCap, got)
	}
	if got := EffectiveTopK(5); got != 5 {
		t.Fatalf("expected passthrough for positive top_k, got %d", got)
	}
}

func TestFormatForInjectionEmpty(t *testing.T) {
	if got := FormatForInjection(nil); got != "" {
		t.Fatalf("expected empty string for no memories, got %q", got)
	}
}

func TestFormatForInjectionIncludesStarsAndTime(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	out := FormatForInjection([]Memory{{Content: "likes go", Importance: 0.9, CreatedAt: ts}})
	if !strings.Contains(out, "likes go") {
		t.Fatalf("expected content present, got %q", out)
	}
	if !strings.Contains(out, "2026-01-02 15:04:00") {
		t.Fatalf("expected formatted timestamp, got %q", out)
	}
	if !strings.Contains(out, "*****") {
		t.Fatalf("expected 5-star rating for importance 0.9, got %q", out)
	}
}

func TestInjectOnceIdempotent(t *testing.T) {
	prompt := "hello"
	formatted := "1. fact"

	once := InjectOnce(prompt, formatted)
	if !strings.Contains(once, backgroundMarker) {
		t.Fatalf("expected marker injected, got %q", once)
	}

	twice := InjectOnce(once, formatted)
	if strings.Count(twice, backgroundMarker) != 1 {
		t.Fatalf("expected marker to appear exactly once, got %q", twice)
	}
}

func TestInjectOnceSkipsEmptyFormatted(t *testing.T) {
	if got := InjectOnce("hello", ""); got != "hello" {
		t.Fatalf("expected prompt unchanged for empty memory block, got %q", got)
	}
}
