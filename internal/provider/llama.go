package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// LlamaProvider talks to a llama.cpp server through its native /completion
// route, flattening the chat into a single prompt.
type LlamaProvider struct {
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewLlamaProvider creates a provider for a llama.cpp server.
func NewLlamaProvider(apiBase, defaultModel string) *LlamaProvider {
	if apiBase == "" {
		apiBase = "http://localhost:8080"
	}
	return &LlamaProvider{
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{},
	}
}

// DefaultModel returns the configured default model.
func (p *LlamaProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat renders the messages into a prompt and requests a completion.
func (p *LlamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := map[string]any{
		"prompt":      renderPrompt(req.Messages),
		"temperature": req.Temperature,
		"stop":        append([]string{"\nUser:", "</s>"}, req.Stop...),
	}
	if req.MaxTokens > 0 {
		body["n_predict"] = req.MaxTokens
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/completion", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama server error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Content         string `json:"content"`
		StoppedEOS      bool   `json:"stopped_eos"`
		StoppedLimit    bool   `json:"stopped_limit"`
		TokensPredicted int    `json:"tokens_predicted"`
		TokensEvaluated int    `json:"tokens_evaluated"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	finish := "stop"
	if out.StoppedLimit {
		finish = "length"
	}
	return &ChatResponse{
		Content:      out.Content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     out.TokensEvaluated,
			CompletionTokens: out.TokensPredicted,
			TotalTokens:      out.TokensEvaluated + out.TokensPredicted,
		},
	}, nil
}

func renderPrompt(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			sb.WriteString("System: ")
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}
