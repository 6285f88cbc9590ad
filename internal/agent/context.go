package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/session"
)

// ContextBuilder assembles the classification prompt.
type ContextBuilder struct {
	historyTurns int
	now          func() time.Time
}

// NewContextBuilder creates a builder that includes up to historyTurns
// recent turns of the dispatcher session.
func NewContextBuilder(historyTurns int) *ContextBuilder {
	if historyTurns < 0 {
		historyTurns = 0
	}
	return &ContextBuilder{historyTurns: historyTurns, now: time.Now}
}

// BuildClassifyPrompt asks the model to pick one of names for input.
func (b *ContextBuilder) BuildClassifyPrompt(input string, names []string, descriptions map[string]string, history []session.Turn) string {
	var parts []string

	parts = append(parts, b.getIdentity())

	var experts strings.Builder
	experts.WriteString("# Experts\n")
	for _, n := range names {
		if d := descriptions[n]; d != "" {
			fmt.Fprintf(&experts, "\n- %s: %s", n, d)
		} else {
			fmt.Fprintf(&experts, "\n- %s", n)
		}
	}
	parts = append(parts, experts.String())

	if len(history) > b.historyTurns {
		history = history[len(history)-b.historyTurns:]
	}
	if len(history) > 0 {
		parts = append(parts, "# Conversation\n\n"+strings.TrimRight(session.Render(history), "\n"))
	}

	parts = append(parts, fmt.Sprintf(
		"# Request\n\n%s\n\nReply with exactly one expert name from the list (%s) and nothing else.",
		input, strings.Join(names, ", ")))

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) getIdentity() string {
	now := b.now().Format("2006-01-02 15:04 (Monday)")
	return fmt.Sprintf("You route requests for a desktop assistant to the expert best suited to answer them.\nCurrent time: %s", now)
}

// describe returns the routing hint shown for the built-in experts.
func describe(name string) string {
	switch name {
	case expert.NameCommand:
		return "runs allow-listed shell commands and explains their output"
	case expert.NameWeb:
		return "fetches web pages and searches the web"
	case expert.NameKnowledge:
		return "answers from the local knowledge base and general knowledge"
	}
	return ""
}
