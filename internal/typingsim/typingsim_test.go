package typingsim

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func newTestSimulator() *Simulator {
	cfg := Config{
		TypingSpeed:  15.0,
		MinDelay:     500 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		RandomFactor: 0.3,
	}
	return New(cfg, rand.New(rand.NewSource(7)))
}

func TestCalculateDelayEmptyText(t *testing.T) {
	s := newTestSimulator()
	if got := s.CalculateDelay(""); got != s.cfg.MinDelay {
		t.Fatalf("expected MinDelay for empty text, got %v", got)
	}
}

func TestCalculateDelayClampedToMax(t *testing.T) {
	s := newTestSimulator()
	longText := ""
	for i := 0; i < 500; i++ {
		longText += "字"
	}
	if got := s.CalculateDelay(longText); got > s.cfg.MaxDelay {
		t.Fatalf("expected delay clamped to MaxDelay, got %v", got)
	}
}

func TestCalculateDelayClampedToMin(t *testing.T) {
	s := newTestSimulator()
	if got := s.CalculateDelay("hi"); got < s.cfg.MinDelay {
		t.Fatalf("expected delay floor at MinDelay, got %v", got)
	}
}

func TestShouldSimulateShortTextFalse(t *testing.T) {
	s := newTestSimulator()
	if s.ShouldSimulate("ok") {
		t.Fatal("expected short text to skip simulation")
	}
}

func TestShouldSimulateStructuralTokenFalse(t *testing.T) {
	s := newTestSimulator()
	if s.ShouldSimulate("```code block here```") {
		t.Fatal("expected code fence to skip simulation")
	}
}

func TestShouldSimulatePlainTextTrue(t *testing.T) {
	s := newTestSimulator()
	if !s.ShouldSimulate("this is a normal reply sentence") {
		t.Fatal("expected plain text to simulate")
	}
}

func TestWaitRespectsCancelledContext(t *testing.T) {
	s := newTestSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, "hello there friend"); err == nil {
		t.Fatal("expected error from already-cancelled context")
	}
}

func TestWaitReturnsPromptlyForShortText(t *testing.T) {
	s := newTestSimulator()
	start := time.Now()
	if err := s.Wait(context.Background(), "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > s.cfg.MinDelay {
		t.Fatalf("expected short-circuit floor delay, took %v", elapsed)
	}
}
