package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCompletionTimeout bounds one completion when none is configured.
const DefaultCompletionTimeout = 120 * time.Second

// endOfTurnMarkers are stop tokens some local models leak into their output.
var endOfTurnMarkers = []string{"</s>", "<|eot_id|>", "<|im_end|>", "<|end|>"}

// Completer is the single operation the experts need from a model:
// complete a prompt given the prior conversation.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []Message) (string, error)
}

// CompleterOptions configures a ChatCompleter.
type CompleterOptions struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
	Logger       *slog.Logger
}

// ChatCompleter adapts an LLMProvider to Completer.
type ChatCompleter struct {
	provider LLMProvider
	opts     CompleterOptions
	logger   *slog.Logger
}

// NewCompleter wraps p.
func NewCompleter(p LLMProvider, opts CompleterOptions) *ChatCompleter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCompletionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatCompleter{provider: p, opts: opts, logger: logger}
}

// Complete sends history followed by prompt as a user message and returns
// the trimmed answer. An empty answer is ErrEmptyResponse.
func (c *ChatCompleter) Complete(ctx context.Context, prompt string, history []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	messages := make([]Message, 0, len(history)+2)
	if c.opts.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: c.opts.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	start := time.Now()
	resp, err := c.provider.Chat(ctx, &ChatRequest{
		Messages:    messages,
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("model timed out after %v: %w", c.opts.Timeout, err)
		}
		c.logger.Warn("Completion failed", "error", err, "duration", time.Since(start))
		return "", err
	}

	text := TrimEndOfTurn(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("Completion finished",
		"finish_reason", resp.FinishReason,
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))
	return text, nil
}

// TrimEndOfTurn removes trailing end-of-turn markers and surrounding space.
func TrimEndOfTurn(s string) string {
	s = strings.TrimSpace(s)
	for {
		trimmed := s
		for _, m := range endOfTurnMarkers {
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, m))
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}
