// Package typogen injects a small number of plausible typos into an
// outgoing reply, so the bot doesn't read as suspiciously error-free.
// It operates on Chinese text via a homophone substitution table.
package typogen

import (
	"math/rand"
	"strings"
	"unicode/utf8"
)

// Config controls how aggressively typos are injected.
type Config struct {
	Enabled     bool
	MinCount    int     // minimum substitutions per message that qualifies
	MaxCount    int     // maximum substitutions per message
	MinRunes    int     // messages shorter than this are left untouched
	Probability float64 // chance [0,1] that injection runs at all for a qualifying message
}

// Homophones maps a rune to a set of characters a human typist might
// substitute for it (same or adjacent pronunciation). Callers may extend
// this with a domain-specific table; DefaultHomophones covers common cases.
type Homophones map[rune][]rune

// DefaultHomophones is a small seed table of common Chinese typo pairs.
var DefaultHomophones = Homophones{
	'的': {'得', '地'},
	'得': {'的', '地'},
	'地': {'的', '得'},
	'在': {'再'},
	'再': {'在'},
	'他': {'她', '它'},
	'她': {'他', '它'},
	'哪': {'那'},
	'那': {'哪'},
	'做': {'作'},
	'作': {'做'},
}

// Inject returns text with zero or more characters swapped for a
// homophone, using rng for both the gate roll and the substitution
// positions/choices. It is a no-op when disabled, when the message is too
// short, or when the probability roll fails.
func Inject(cfg Config, table Homophones, text string, rng *rand.Rand) string {
	if !cfg.Enabled || text == "" {
		return text
	}
	if utf8.RuneCountInString(text) < cfg.MinRunes {
		return text
	}
	if cfg.Probability <= 0 || rng.Float64() >= cfg.Probability {
		return text
	}

	runes := []rune(text)
	candidates := make([]int, 0, len(runes))
	for i, r := range runes {
		if _, ok := table[r]; ok {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return text
	}

	count := cfg.MinCount
	if cfg.MaxCount > cfg.MinCount {
		count = cfg.MinCount + rng.Intn(cfg.MaxCount-cfg.MinCount+1)
	}
	if count <= 0 {
		return text
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, idx := range candidates[:count] {
		opts := table[runes[idx]]
		if len(opts) == 0 {
			continue
		}
		runes[idx] = opts[rng.Intn(len(opts))]
	}

	return string(runes)
}

// MergeTable builds a homophone table from the default plus any
// operator-supplied overrides, so config can extend without replacing.
func MergeTable(overrides Homophones) Homophones {
	merged := make(Homophones, len(DefaultHomophones)+len(overrides))
	for k, v := range DefaultHomophones {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = append(append([]rune{}, merged[k]...), v...)
	}
	return merged
}

// ShouldConsider reports whether text passes the enable, length and
// structural-token checks, independent of the random gate — useful for
// callers that want to log why injection did or didn't run. Structural
// tokens (code fences, command brackets) make it return false the same way
// they disqualify typing-delay simulation; Inject itself applies only the
// enable and length checks, not the structural-token check.
func ShouldConsider(cfg Config, text string) bool {
	if !cfg.Enabled || text == "" {
		return false
	}
	if utf8.RuneCountInString(text) < cfg.MinRunes {
		return false
	}
	for _, marker := range []string{"```", "[", "]", "{", "}"} {
		if strings.Contains(text, marker) {
			return false
		}
	}
	return true
}
