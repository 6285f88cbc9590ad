package agent

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/memory"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

// ExpertStatus describes one registered expert.
type ExpertStatus struct {
	Available bool           `json:"available"`
	Memory    []session.Turn `json:"memory,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Status reports every registered expert. A fault reading one expert only
// affects its own entry.
func (d *Dispatcher) Status(ctx context.Context) map[string]ExpertStatus {
	snap := d.snapshot()
	out := make(map[string]ExpertStatus, len(snap.order))
	for _, name := range snap.order {
		out[name] = d.expertStatus(name, snap.experts[name])
	}
	return out
}

func (d *Dispatcher) expertStatus(name string, h expert.Handler) (st ExpertStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Expert status failed", "expert", name, "panic", r)
			st = ExpertStatus{Available: false, Error: fmt.Sprint(r)}
		}
	}()
	mem := h.Memory()
	if mem == nil {
		return ExpertStatus{Available: true}
	}
	return ExpertStatus{Available: true, Memory: mem.Turns()}
}

// ExecuteCommand runs command through the registered command expert,
// bypassing the model.
func (d *Dispatcher) ExecuteCommand(ctx context.Context, command string) (tools.ExecutionResult, error) {
	r, err := findCapability[expert.CommandRunner](d, "command execution")
	if err != nil {
		return tools.ExecutionResult{}, err
	}
	return r.ExecuteCommand(ctx, command), nil
}

// BrowseURL fetches url through the registered web expert.
func (d *Dispatcher) BrowseURL(ctx context.Context, url string) (tools.FetchResult, error) {
	b, err := findCapability[expert.WebBrowser](d, "web browsing")
	if err != nil {
		return tools.FetchResult{}, err
	}
	return b.BrowseURL(ctx, url), nil
}

// SearchWeb searches through the registered web expert.
func (d *Dispatcher) SearchWeb(ctx context.Context, query string) (tools.FetchResult, error) {
	b, err := findCapability[expert.WebBrowser](d, "web search")
	if err != nil {
		return tools.FetchResult{}, err
	}
	return b.SearchWeb(ctx, query), nil
}

// AddKnowledge stores documents through the registered knowledge expert and
// returns the ids that were added.
func (d *Dispatcher) AddKnowledge(ctx context.Context, documents []string) ([]string, error) {
	k, err := findCapability[expert.KnowledgeKeeper](d, "knowledge storage")
	if err != nil {
		return nil, err
	}
	return k.AddDocuments(ctx, documents), nil
}

// QueryKnowledge returns the n documents most relevant to query.
func (d *Dispatcher) QueryKnowledge(ctx context.Context, query string, n int) ([]memory.QueryResult, error) {
	k, err := findCapability[expert.KnowledgeKeeper](d, "knowledge query")
	if err != nil {
		return nil, err
	}
	return k.RelevantDocuments(ctx, query, n), nil
}

// KnowledgeStats reports on the knowledge store.
func (d *Dispatcher) KnowledgeStats(ctx context.Context) (memory.Stats, error) {
	k, err := findCapability[expert.KnowledgeKeeper](d, "knowledge stats")
	if err != nil {
		return memory.Stats{}, err
	}
	return k.KnowledgeStats(ctx), nil
}

// findCapability returns the first registered expert implementing T.
func findCapability[T any](d *Dispatcher, what string) (T, error) {
	snap := d.snapshot()
	for _, name := range snap.order {
		if c, ok := snap.experts[name].(T); ok {
			return c, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s: %w", what, ErrCapabilityMissing)
}

// ProcessAll sends input to each named expert concurrently, at most
// MaxParallel at a time, and returns every response keyed by name. An empty
// names list means every registered expert. Nothing is written to the
// dispatcher session.
func (d *Dispatcher) ProcessAll(ctx context.Context, input string, names []string) map[string]string {
	snap := d.snapshot()
	if len(names) == 0 {
		names = snap.order
	}

	responses := make([]string, len(names))
	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for i, name := range names {
		i, name := i, name
		h, ok := snap.experts[name]
		if !ok {
			responses[i] = expert.Errorf("unknown expert %q", name)
			continue
		}
		g.Go(func() error {
			responses[i] = d.invokeIsolated(ctx, name, h, input)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = responses[i]
	}
	return out
}

func (d *Dispatcher) invokeIsolated(ctx context.Context, name string, h expert.Handler, input string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Expert panicked", "expert", name, "panic", r, "stack", string(debug.Stack()))
			out = expert.Errorf("%s expert failed: %v", name, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return expert.Errorf("%v", err)
	}
	return h.Process(ctx, input)
}
