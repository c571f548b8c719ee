// Package memoryprovider defines the memory-injection boundary contract
// (spec §4.6 step 1): a host-implemented provider the core calls to
// retrieve relevant memories for a message, in either of two modes the
// source supports — a tightly-coupled "legacy" tool-call mode and a
// loosely-coupled "livingmemory" engine mode with its own ranking.
package memoryprovider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects which host memory plugin to address.
type Mode string

const (
	ModeLegacy       Mode = "legacy"
	ModeLivingMemory Mode = "livingmemory"
)

// Memory is one retrieved memory item.
type Memory struct {
	Content    string
	Importance float64 // 0..1
	CreatedAt  time.Time
}

// Query bundles everything a provider needs to resolve memories for one
// message. SessionID and PersonaID are forced on every call — never
// cached across calls — so persona switches are always honored.
type Query struct {
	Text      string
	TopK      int // -1 means "recall everything", capped by the provider
	SessionID string
	PersonaID string
}

// Provider is the boundary interface the host implements for either mode.
type Provider interface {
	Mode() Mode
	Available(ctx context.Context) bool
	Search(ctx context.Context, q Query) ([]Memory, error)
}

const unlimitedTopKCap = 1000

// EffectiveTopK resolves the source's top_k=-1 "recall all" convention to
// a bounded cap, avoiding unbounded result sets.
func EffectiveTopK(topK int) int {
	if topK == -1 {
		return unlimitedTopKCap
	}
	return topK
}

// FormatForInjection renders memories as the starred, timestamped block
// described in spec §4.6 step 1, ready to inject under a single
// "=== BACKGROUND INFO ===" section.
func FormatForInjection(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range memories {
		stars := starRating(m.Importance)
		timeStr := "unknown time"
		if !m.CreatedAt.IsZero() {
			timeStr = m.CreatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%d. %s\n   importance: %s (%s/5)\n   time: %s", i+1, m.Content, stars, strconv.Itoa(starCount(m.Importance)), timeStr)
		if i != len(memories)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func starCount(importance float64) int {
	n := int(importance*5 + 0.5)
	if n < 1 {
		n = 1
	}
	if n > 5 {
		n = 5
	}
	return n
}

func starRating(importance float64) string {
	return strings.Repeat("*", starCount(importance))
}

const backgroundMarker = "=== BACKGROUND INFO ==="

// InjectOnce idempotently inserts the formatted memory block into prompt
// under the BACKGROUND INFO marker, doing nothing if the marker is
// already present (spec: "injected ... only once per message").
func InjectOnce(prompt, formatted string) string {
	if formatted == "" || strings.Contains(prompt, backgroundMarker) {
		return prompt
	}
	return prompt + "\n\n" + backgroundMarker + "\n" + formatted
}
