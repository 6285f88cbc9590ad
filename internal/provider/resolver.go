package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/smolitux/smolit/internal/config"
)

// ProviderError explains why an endpoint could not be turned into a provider.
type ProviderError struct {
	Endpoint string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("endpoint %q: %s", e.Endpoint, e.Hint)
}

// FromEndpoint builds the provider for one configured endpoint.
func FromEndpoint(e config.Endpoint) (LLMProvider, error) {
	if strings.TrimSpace(e.APIBase) == "" {
		return nil, &ProviderError{Endpoint: e.Name, Hint: "apiBase is required (smolit endpoint add <name> <url>)"}
	}
	switch strings.ToLower(e.Type) {
	case "", config.EndpointTypeOpenAI:
		return NewOpenAIProvider(e.APIKey, e.APIBase, e.Model), nil
	case config.EndpointTypeLlama:
		return NewLlamaProvider(e.APIBase, e.Model), nil
	default:
		return nil, &ProviderError{Endpoint: e.Name, Hint: fmt.Sprintf("unsupported type %q (want openai or llama)", e.Type)}
	}
}

// Resolve creates the provider for the active endpoint.
func Resolve(cfg *config.Config) (LLMProvider, error) {
	e, err := cfg.Active()
	if err != nil {
		return nil, err
	}
	return FromEndpoint(e)
}

// ResolveCompleter wires the active endpoint into a Completer using the
// shared model settings.
func ResolveCompleter(cfg *config.Config, opts CompleterOptions) (*ChatCompleter, error) {
	p, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = cfg.Model.MaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = cfg.Model.Temperature
	}
	if opts.Timeout == 0 {
		opts.Timeout = cfg.Model.Timeout
	}
	return NewCompleter(p, opts), nil
}

// ResolveEmbedder returns the active endpoint's embedder, or nil when
// embeddings are disabled or the endpoint cannot embed.
func ResolveEmbedder(cfg *config.Config) Embedder {
	if !cfg.Knowledge.Embeddings {
		return nil
	}
	p, err := Resolve(cfg)
	if err != nil {
		return nil
	}
	emb, ok := p.(Embedder)
	if !ok {
		return nil
	}
	if cfg.Knowledge.EmbeddingModel == "" {
		return emb
	}
	return modelEmbedder{inner: emb, model: cfg.Knowledge.EmbeddingModel}
}

type modelEmbedder struct {
	inner Embedder
	model string
}

func (m modelEmbedder) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if req.Model == "" {
		r := *req
		r.Model = m.model
		req = &r
	}
	return m.inner.Embed(ctx, req)
}
