package frequency

import (
	"testing"

	"github.com/groupwatch/core/internal/chatkey"
)

func testConfig() Config {
	return Config{
		InitialProbability: 0.3,
		MinBase:            0.05,
		MaxBase:            0.9,
		AdjustStep:         0.04,
	}
}

func TestBaseDefaultsToInitial(t *testing.T) {
	tuner := New(testConfig(), nil)
	key := chatkey.New("discord", "", chatkey.Group, "1")
	if got := tuner.Base(key); got != 0.3 {
		t.Fatalf("expected initial base 0.3, got %v", got)
	}
}

func TestRecordRepliedDriftsDown(t *testing.T) {
	tuner := New(testConfig(), nil)
	key := chatkey.New("discord", "", chatkey.Group, "1")
	before := tuner.Base(key)
	tuner.Record(key, true)
	after := tuner.Base(key)
	if after >= before {
		t.Fatalf("expected base to decrease after reply, before=%v after=%v", before, after)
	}
}

func TestRecordSilenceDriftsUp(t *testing.T) {
	tuner := New(testConfig(), nil)
	key := chatkey.New("discord", "", chatkey.Group, "1")
	before := tuner.Base(key)
	tuner.Record(key, false)
	after := tuner.Base(key)
	if after <= before {
		t.Fatalf("expected base to increase after silence, before=%v after=%v", before, after)
	}
}

func TestRecordClampsToBounds(t *testing.T) {
	cfg := testConfig()
	cfg.InitialProbability = 0.9
	tuner := New(cfg, nil)
	key := chatkey.New("discord", "", chatkey.Group, "1")
	for i := 0; i < 100; i++ {
		tuner.Record(key, true)
	}
	if got := tuner.Base(key); got < cfg.MinBase {
		t.Fatalf("expected base clamped at MinBase %v, got %v", cfg.MinBase, got)
	}
}

func TestBaseIsolatedPerChat(t *testing.T) {
	tuner := New(testConfig(), nil)
	a := chatkey.New("discord", "", chatkey.Group, "a")
	b := chatkey.New("discord", "", chatkey.Group, "b")
	tuner.Record(a, true)
	if tuner.Base(a) == tuner.Base(b) {
		t.Fatal("expected per-chat isolation of base probability")
	}
}
