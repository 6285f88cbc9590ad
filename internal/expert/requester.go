package expert

import (
	"context"
	"log/slog"

	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
)

// DefaultHistoryTurns is how many recent turns accompany a prompt.
const DefaultHistoryTurns = 10

// PromptBuilder turns user input plus recent history into the prompt for
// one request. Returning an error aborts the request with that error.
type PromptBuilder func(ctx context.Context, input string, history []session.Turn) (string, error)

// Requester runs the build-prompt, complete, remember cycle every expert
// shares. Experts differ only in the PromptBuilder they pass.
type Requester struct {
	name         string
	completer    provider.Completer
	memory       *session.Memory
	historyTurns int
	logger       *slog.Logger
}

// NewRequester creates a requester with its own memory.
func NewRequester(name string, completer provider.Completer, opts Options) *Requester {
	history := opts.HistoryTurns
	if history <= 0 {
		history = DefaultHistoryTurns
	}
	return &Requester{
		name:         name,
		completer:    completer,
		memory:       session.NewMemory(name, opts.MaxTurns),
		historyTurns: history,
		logger:       opts.logger(),
	}
}

// Memory returns the requester's transcript.
func (r *Requester) Memory() *session.Memory {
	return r.memory
}

// Request builds a prompt for input, asks the model and records the
// exchange. The user turn is recorded even when the request fails.
func (r *Requester) Request(ctx context.Context, input string, build PromptBuilder) (out string) {
	defer Recover(&out, r.logger, r.name)

	history := r.memory.Recent(r.historyTurns)
	r.memory.Add(session.RoleUser, input)

	if r.completer == nil {
		return Errorf("no language model configured")
	}

	prompt, err := build(ctx, input, history)
	if err != nil {
		r.logger.Warn("Prompt build failed", "expert", r.name, "error", err)
		return Errorf("%v", err)
	}

	answer, err := r.completer.Complete(ctx, prompt, historyMessages(history))
	if err != nil {
		r.logger.Warn("Model request failed", "expert", r.name, "error", err)
		return Errorf("model request failed: %v", err)
	}

	r.memory.Add(session.RoleAssistant, answer)
	return answer
}

// Remember records an exchange that did not go through the model.
func (r *Requester) Remember(input, response string) {
	r.memory.Add(session.RoleUser, input)
	r.memory.Add(session.RoleAssistant, response)
}
