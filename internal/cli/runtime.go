package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/smolitux/smolit/internal/agent"
	"github.com/smolitux/smolit/internal/bus"
	"github.com/smolitux/smolit/internal/config"
	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/memory"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/timeline"
	"github.com/smolitux/smolit/internal/tools"
)

// assistant is the fully wired dispatcher plus the stores it owns.
type assistant struct {
	cfg        *config.Config
	dispatcher *agent.Dispatcher
	timeline   *timeline.TimelineService
	logger     *slog.Logger

	closers []func() error
}

// unavailableCompleter stands in for a model endpoint that could not be
// resolved. Every completion fails with the resolve error.
type unavailableCompleter struct{ err error }

func (u unavailableCompleter) Complete(context.Context, string, []provider.Message) (string, error) {
	return "", u.err
}

// openAssistant loads the config and wires gateways, experts, dispatcher and
// turn observers. Close releases everything it opened.
func openAssistant(ctx context.Context) (*assistant, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &assistant{cfg: cfg, logger: slog.Default()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *assistant) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	allow, err := allowList(cfg.Tools.Exec)
	if err != nil {
		return err
	}
	executor := tools.NewCommandExecutor(allow, cfg.Tools.Exec.Timeout, cfg.Paths.WorkDir, logger)

	browser := tools.NewBrowser(nil, cfg.Tools.Web.Timeout, logger)
	if cfg.Tools.Web.MaxLinks > 0 {
		browser.MaxLinks = cfg.Tools.Web.MaxLinks
	}
	if cfg.Tools.Web.UserAgent != "" {
		browser.UserAgent = cfg.Tools.Web.UserAgent
	}

	if err := config.EnsureDir(filepath.Dir(cfg.Knowledge.Path)); err != nil {
		return fmt.Errorf("knowledge dir: %w", err)
	}
	store, err := memory.OpenSQLiteStore(ctx, cfg.Knowledge.Path, cfg.Knowledge.Collection)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)
	kb := memory.NewKnowledgeBase(store, provider.ResolveEmbedder(cfg), logger)

	var completer provider.Completer
	cc, err := provider.ResolveCompleter(cfg, provider.CompleterOptions{Logger: logger})
	if err != nil {
		logger.Warn("Model endpoint unavailable", "endpoint", cfg.ActiveEndpoint, "error", err)
		completer = unavailableCompleter{err: fmt.Errorf("model endpoint unavailable: %w", err)}
	} else {
		completer = cc
	}

	sessions, err := session.NewManager(cfg.Session.Dir, cfg.Session.MaxTurns)
	if err != nil {
		return err
	}

	triggers := make([]agent.Trigger, 0, len(cfg.Dispatcher.Triggers))
	for _, t := range cfg.Dispatcher.Triggers {
		triggers = append(triggers, agent.Trigger{Prefix: t.Prefix, Expert: t.Expert})
	}
	opts := expert.Options{MaxTurns: cfg.Session.MaxTurns, Logger: logger}
	d := agent.NewDispatcher(agent.DispatcherOptions{
		Classifier:      completer,
		DefaultExpert:   cfg.Dispatcher.DefaultExpert,
		Triggers:        triggers,
		ClassifyTimeout: cfg.Dispatcher.ClassifyTimeout,
		MaxParallel:     cfg.Dispatcher.MaxParallel,
		MaxTurns:        cfg.Session.MaxTurns,
		Sessions:        sessions,
		Logger:          logger,
	})
	for _, h := range []expert.Handler{
		expert.NewCommand(executor, completer, opts),
		expert.NewWeb(browser, completer, opts),
		expert.NewKnowledge(kb, completer, cfg.Knowledge.QueryLimit, opts),
	} {
		if err := d.AddExpert(h.Name(), h); err != nil {
			return err
		}
	}
	a.dispatcher = d

	if cfg.Timeline.Enabled {
		if err := config.EnsureDir(filepath.Dir(cfg.Timeline.Path)); err != nil {
			return fmt.Errorf("timeline dir: %w", err)
		}
		tl, err := timeline.NewTimelineService(cfg.Timeline.Path, logger)
		if err != nil {
			return err
		}
		a.timeline = tl
		a.closers = append(a.closers, tl.Close)
		d.AddObserver(tl)
	}

	if cfg.Bus.Enabled {
		if err := a.startBus(); err != nil {
			return err
		}
	}
	return nil
}

// startBus streams turn events to Kafka through a TurnBus so a slow broker
// never blocks a turn.
func (a *assistant) startBus() error {
	w, err := bus.NewKafkaWriter(a.cfg.Bus.KafkaBrokers, a.cfg.Bus.Topic)
	if err != nil {
		return fmt.Errorf("turn bus: %w", err)
	}
	publisher := bus.NewKafkaPublisher(w, a.logger)
	tb := bus.NewTurnBus(0, a.logger)
	tb.Subscribe("kafka", publisher.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Run(ctx) }()

	a.dispatcher.AddObserver(tb)
	a.closers = append(a.closers, func() error {
		cancel()
		<-done
		if n := tb.Dropped(); n > 0 {
			a.logger.Warn("Turn events dropped", "count", n)
		}
		return publisher.Close()
	})
	return nil
}

// Close releases stores and flushes the turn bus, newest first.
func (a *assistant) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func allowList(cfg config.ExecToolConfig) (*tools.AllowList, error) {
	if cfg.AllowListFile != "" {
		return tools.LoadAllowListFile(cfg.AllowListFile)
	}
	if len(cfg.AllowList) == 0 {
		return tools.DefaultAllowList(), nil
	}
	specs := make([]tools.CommandSpec, 0, len(cfg.AllowList))
	for _, e := range cfg.AllowList {
		specs = append(specs, tools.CommandSpec{Name: e.Name, Description: e.Description, AllowedFlags: e.AllowedFlags})
	}
	return tools.NewAllowList(specs), nil
}

// withAssistant opens the assistant for the duration of fn.
func withAssistant(ctx context.Context, fn func(*assistant) error) error {
	a, err := openAssistant(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
