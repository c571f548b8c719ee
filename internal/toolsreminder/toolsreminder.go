// Package toolsreminder formats the host's available LLM tools into a
// reminder block appended to the outgoing prompt (spec §4.6 step 2).
package toolsreminder

import (
	"fmt"
	"strings"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
}

// Tool describes one LLM-callable tool exposed by the host.
type Tool struct {
	Name        string
	Description string
	Parameters  []Param
}

const marker = "=== AVAILABLE TOOLS ==="

// Format renders tools as the numbered list the source injects, or ""
// when there are none.
func Format(tools []Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "There are %d available tools on this platform:\n\n", len(tools))

	for i, t := range tools {
		fmt.Fprintf(&b, "%d. Tool name: %s\n", i+1, t.Name)
		fmt.Fprintf(&b, "   Description: %s\n", t.Description)
		if len(t.Parameters) > 0 {
			b.WriteString("   Parameters:\n")
			for _, p := range t.Parameters {
				line := fmt.Sprintf("     - %s (%s)", p.Name, p.Type)
				if p.Description != "" {
					line += ": " + p.Description
				}
				b.WriteString(line + "\n")
			}
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// Inject appends the formatted tools block to prompt, idempotently —
// calling twice on an already-injected prompt is a no-op.
func Inject(prompt string, tools []Tool) string {
	if strings.Contains(prompt, marker) {
		return prompt
	}
	formatted := Format(tools)
	if formatted == "" {
		return prompt
	}
	return prompt + "\n\n" + marker + "\n" + formatted +
		"\n(the above are all the tools you may call; pick whichever fits the situation)"
}
