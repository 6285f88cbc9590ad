// Package expert holds the capability handlers the dispatcher routes to.
// Each expert wraps one gateway, a model completer and its own memory.
package expert

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/smolitux/smolit/internal/memory"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

// Expert names used by the default registry.
const (
	NameCommand   = "command"
	NameKnowledge = "knowledge"
	NameWeb       = "web"
)

// ErrorPrefix starts every user-visible failure.
const ErrorPrefix = "Error: "

// Handler is a capability the dispatcher can route input to.
type Handler interface {
	Name() string
	// Accepts reports whether the handler recognizes input without asking
	// the model.
	Accepts(input string) bool
	// Process never fails: errors come back as "Error: ..." text.
	Process(ctx context.Context, input string) string
	Memory() *session.Memory
}

// CommandRunner is implemented by handlers that can run commands directly.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, command string) tools.ExecutionResult
}

// WebBrowser is implemented by handlers that can fetch pages directly.
type WebBrowser interface {
	BrowseURL(ctx context.Context, url string) tools.FetchResult
	SearchWeb(ctx context.Context, query string) tools.FetchResult
}

// KnowledgeKeeper is implemented by handlers backed by the document store.
type KnowledgeKeeper interface {
	AddDocuments(ctx context.Context, documents []string) []string
	RelevantDocuments(ctx context.Context, query string, k int) []memory.QueryResult
	KnowledgeStats(ctx context.Context) memory.Stats
}

// Options are shared by every expert constructor.
type Options struct {
	// MaxTurns bounds the expert's own memory.
	MaxTurns int
	// HistoryTurns is how many recent turns are sent to the model.
	HistoryTurns int
	Logger       *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Errorf formats a user-visible failure.
func Errorf(format string, args ...any) string {
	return ErrorPrefix + fmt.Sprintf(format, args...)
}

// IsError reports whether a response is a failure string.
func IsError(response string) bool {
	return strings.HasPrefix(response, ErrorPrefix)
}

// Recover turns a panic in a handler into an error response. Use as
// defer expert.Recover(&out, logger, name).
func Recover(out *string, logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Expert panicked", "expert", name, "panic", r, "stack", string(debug.Stack()))
		*out = Errorf("%s expert failed: %v", name, r)
	}
}

func firstWord(input string) string {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// historyMessages converts memory turns into model messages.
func historyMessages(turns []session.Turn) []provider.Message {
	out := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != session.RoleAssistant && role != session.RoleSystem {
			role = session.RoleUser
		}
		out = append(out, provider.Message{Role: role, Content: t.Text})
	}
	return out
}
