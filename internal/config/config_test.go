package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultProducesValidatableConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("expected default llm timeout 30s, got %v", cfg.LLM.Timeout)
	}
	if cfg.Decision.Probability.MaxLimit != 0.95 {
		t.Fatalf("expected default max_limit 0.95, got %v", cfg.Decision.Probability.MaxLimit)
	}
}

func TestValidateWarnsOnMissingSecrets(t *testing.T) {
	cfg := Default()
	warnings := cfg.Validate()
	if len(warnings) == 0 {
		t.Fatal("expected warnings for empty bot id / api key / token")
	}
}

func TestValidateCleanOnFullyConfigured(t *testing.T) {
	cfg := Default()
	cfg.BotID = "bot-1"
	cfg.LLM.APIKey = "sk-test"
	cfg.Discord.Token = "discord-token"
	cfg.Proactive.Enabled = false

	warnings := cfg.Validate()
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

func TestValidateFlagsInvertedLimits(t *testing.T) {
	cfg := Default()
	cfg.BotID = "bot-1"
	cfg.LLM.APIKey = "sk-test"
	cfg.Discord.Token = "discord-token"
	cfg.Decision.Probability.EnableHardLimit = true
	cfg.Decision.Probability.MinLimit = 0.9
	cfg.Decision.Probability.MaxLimit = 0.1

	warnings := cfg.Validate()
	found := false
	for _, w := range warnings {
		if w == "decision.probability.min_limit is greater than max_limit" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected min/max limit warning, got %v", warnings)
	}
}

func TestValidateClampsOutOfRangeFailureSequenceProbability(t *testing.T) {
	cfg := Default()
	cfg.BotID = "bot-1"
	cfg.LLM.APIKey = "sk-test"
	cfg.Discord.Token = "discord-token"
	cfg.Proactive.FailureSequenceProbability = 1.5

	warnings := cfg.Validate()
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "failure_sequence_probability") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a failure_sequence_probability warning, got %v", warnings)
	}
	if cfg.Proactive.FailureSequenceProbability != 1 {
		t.Fatalf("expected clamp to 1, got %v", cfg.Proactive.FailureSequenceProbability)
	}
}

func TestValidateAcceptsAllValidFailureSequenceProbabilityShapes(t *testing.T) {
	for _, v := range []float64{-1, 0, 0.01, 1} {
		cfg := Default()
		cfg.BotID = "bot-1"
		cfg.LLM.APIKey = "sk-test"
		cfg.Discord.Token = "discord-token"
		cfg.Proactive.FailureSequenceProbability = v

		warnings := cfg.Validate()
		for _, w := range warnings {
			if strings.Contains(w, "failure_sequence_probability") {
				t.Fatalf("value %v should not warn, got %q", v, w)
			}
		}
		if cfg.Proactive.FailureSequenceProbability != v {
			t.Fatalf("valid value %v should not be altered, got %v", v, cfg.Proactive.FailureSequenceProbability)
		}
	}
}

func TestParseOverlaysOntoDefaults(t *testing.T) {
	yaml := `
bot_id: "bot-42"
llm:
  model: "gpt-test"
decision:
  trigger_keywords:
    - "hey bot"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BotID != "bot-42" {
		t.Fatalf("expected bot_id overlay, got %q", cfg.BotID)
	}
	if cfg.LLM.Model != "gpt-test" {
		t.Fatalf("expected llm.model overlay, got %q", cfg.LLM.Model)
	}
	if len(cfg.Decision.TriggerKeywords) != 1 || cfg.Decision.TriggerKeywords[0] != "hey bot" {
		t.Fatalf("expected trigger keyword overlay, got %v", cfg.Decision.TriggerKeywords)
	}
	// Untouched defaults should survive the overlay.
	if cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("expected default llm timeout to survive overlay, got %v", cfg.LLM.Timeout)
	}
}

func TestExpandEnvVarsSupportsBothSyntaxes(t *testing.T) {
	t.Setenv("GROUPWATCH_TEST_TOKEN", "secret-value")
	input := `token: "${GROUPWATCH_TEST_TOKEN}"
other: "$GROUPWATCH_TEST_TOKEN"
untouched: "$NOT_SET_XYZ"`

	got := expandEnvVars(input)
	want := `token: "secret-value"
other: "secret-value"
untouched: "$NOT_SET_XYZ"`
	if got != want {
		t.Fatalf("expandEnvVars mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestLoadFromFileExpandsEnvAndParses(t *testing.T) {
	t.Setenv("GROUPWATCH_TEST_API_KEY", "sk-from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "bot_id: \"bot-1\"\nllm:\n  api_key: \"${GROUPWATCH_TEST_API_KEY}\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("expected api key expanded from env, got %q", cfg.LLM.APIKey)
	}
}

func TestResolveSecretsFallsBackToEnvWhenUnresolved(t *testing.T) {
	t.Setenv("GROUPWATCH_API_KEY", "fallback-key")
	t.Setenv("DISCORD_BOT_TOKEN", "fallback-token")

	cfg := Default()
	cfg.LLM.APIKey = "${SOME_UNSET_VAR}"
	cfg.Discord.Token = ""
	resolveSecrets(cfg)

	if cfg.LLM.APIKey != "fallback-key" {
		t.Fatalf("expected GROUPWATCH_API_KEY fallback, got %q", cfg.LLM.APIKey)
	}
	if cfg.Discord.Token != "fallback-token" {
		t.Fatalf("expected DISCORD_BOT_TOKEN fallback, got %q", cfg.Discord.Token)
	}
}

func TestFindFileReturnsEmptyWhenNoneExist(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	if got := FindFile(); got != "" {
		t.Fatalf("expected no config file found, got %q", got)
	}
}

func TestBuildMethodsTranslateFields(t *testing.T) {
	cfg := Default()
	cfg.BotID = "bot-9"
	cfg.Persona.SystemPrompt = "be helpful"

	probCfg := cfg.Decision.Probability.Build()
	if probCfg.MaxLimit != cfg.Decision.Probability.MaxLimit {
		t.Fatalf("probability Build mismatch: %+v", probCfg)
	}

	decCfg := cfg.Decision.Build(cfg.BotID, cfg.Persona.SystemPrompt, cfg.Persona.IncludeTimestamp, cfg.Persona.IncludeSenderInfo)
	if decCfg.BotID != "bot-9" || decCfg.SystemPrompt != "be helpful" {
		t.Fatalf("decision Build mismatch: %+v", decCfg)
	}

	attCfg := cfg.Attention.Build()
	if attCfg.MaxTrackedUsers != cfg.Attention.MaxTrackedUsers {
		t.Fatalf("attention Build mismatch: %+v", attCfg)
	}

	freqCfg := cfg.Frequency.Build()
	if freqCfg.InitialProbability != cfg.Frequency.InitialProbability {
		t.Fatalf("frequency Build mismatch: %+v", freqCfg)
	}

	llmCfg := cfg.LLM.Build()
	if llmCfg.Timeout != cfg.LLM.Timeout {
		t.Fatalf("llm Build mismatch: %+v", llmCfg)
	}

	proCfg := cfg.Proactive.Build(cfg.BotID)
	if proCfg.BotID != "bot-9" {
		t.Fatalf("proactive Build mismatch: %+v", proCfg)
	}
	if proCfg.Score.Min != cfg.Proactive.Score.Min || proCfg.Score.Max != cfg.Proactive.Score.Max {
		t.Fatalf("proactive Score Build mismatch: %+v", proCfg.Score)
	}
	if proCfg.Complaint.Enabled != cfg.Proactive.Complaint.Enabled || proCfg.Complaint.TriggerThreshold != cfg.Proactive.Complaint.TriggerThreshold {
		t.Fatalf("proactive Complaint Build mismatch: %+v", proCfg.Complaint)
	}
	if proCfg.AttentionFocus.RankWeights != cfg.Proactive.AttentionFocus.RankWeights {
		t.Fatalf("proactive AttentionFocus Build mismatch: %+v", proCfg.AttentionFocus)
	}

	replyCfg := BuildReplyConfig(cfg.Typo, cfg.Persona.IncludeTimestamp, cfg.Persona.IncludeSenderInfo)
	if replyCfg.IncludeTime != cfg.Persona.IncludeTimestamp {
		t.Fatalf("reply Build mismatch: %+v", replyCfg)
	}
}
