package expert

import (
	"context"
	"fmt"
	"strings"

	"github.com/smolitux/smolit/internal/memory"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
)

const noKnowledge = "No relevant information found in knowledge base."

// Knowledge answers from the document store. It accepts any input and is
// the dispatcher's usual fallback.
type Knowledge struct {
	*Requester
	kb    *memory.KnowledgeBase
	limit int
}

// NewKnowledge creates the knowledge expert. limit is how many documents
// are put into the prompt.
func NewKnowledge(kb *memory.KnowledgeBase, completer provider.Completer, limit int, opts Options) *Knowledge {
	if limit <= 0 {
		limit = memory.DefaultQueryLimit
	}
	return &Knowledge{
		Requester: NewRequester(NameKnowledge, completer, opts),
		kb:        kb,
		limit:     limit,
	}
}

func (k *Knowledge) Name() string { return NameKnowledge }

func (k *Knowledge) Accepts(string) bool { return true }

func (k *Knowledge) Process(ctx context.Context, input string) (out string) {
	defer Recover(&out, k.logger, NameKnowledge)
	return k.Request(ctx, input, k.prompt)
}

func (k *Knowledge) prompt(ctx context.Context, input string, history []session.Turn) (string, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(session.Render(history))
		sb.WriteString("\n")
	}
	sb.WriteString("Relevant context:\n")
	docs := k.kb.Relevant(ctx, input, k.limit)
	if len(docs) == 0 {
		sb.WriteString(noKnowledge)
	}
	for i, d := range docs {
		fmt.Fprintf(&sb, "Document %d:\n%s\n", i+1, d)
	}
	sb.WriteString("\nAnswer the question using the context where it helps.\n\nQuestion: ")
	sb.WriteString(input)
	return sb.String(), nil
}

// AddDocuments stores documents and returns the ids that were added.
func (k *Knowledge) AddDocuments(ctx context.Context, documents []string) []string {
	return k.kb.AddDocuments(ctx, documents)
}

// RelevantDocuments queries the store directly.
func (k *Knowledge) RelevantDocuments(ctx context.Context, query string, n int) []memory.QueryResult {
	return k.kb.Query(ctx, query, n)
}

// KnowledgeStats reports on the store.
func (k *Knowledge) KnowledgeStats(ctx context.Context) memory.Stats {
	return k.kb.Stats(ctx)
}
