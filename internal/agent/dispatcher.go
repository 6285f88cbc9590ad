// Package agent implements the dispatcher that routes user input to experts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smolitux/smolit/internal/bus"
	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/provider"
	"github.com/smolitux/smolit/internal/session"
)

const (
	defaultClassifyTimeout = 30 * time.Second
	defaultMaxParallel     = 3
	defaultHistoryTurns    = 6

	// DefaultSessionKey is the session used by Process.
	DefaultSessionKey = "cli:default"
)

var (
	ErrNoExperts         = errors.New("no experts registered")
	ErrCapabilityMissing = errors.New("no registered expert provides this capability")
)

// RouteReason records why an expert was chosen.
type RouteReason string

const (
	RouteTrigger   RouteReason = "trigger"
	RoutePredicate RouteReason = "predicate"
	RouteModel     RouteReason = "model"
	RouteFallback  RouteReason = "fallback"
)

// State is the dispatcher's per-turn phase.
type State int32

const (
	StateIdle State = iota
	StateClassifying
	StateInvoking
)

func (s State) String() string {
	switch s {
	case StateClassifying:
		return "classifying"
	case StateInvoking:
		return "invoking"
	default:
		return "idle"
	}
}

// Trigger routes input starting with Prefix straight to Expert.
type Trigger struct {
	Prefix string
	Expert string
}

// DefaultTriggers are the lexical shortcuts used when none are configured.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{Prefix: "search ", Expert: expert.NameWeb},
		{Prefix: "google ", Expert: expert.NameWeb},
		{Prefix: "run ", Expert: expert.NameCommand},
		{Prefix: "exec ", Expert: expert.NameCommand},
	}
}

// TurnObserver is notified after every turn.
type TurnObserver interface {
	ObserveTurn(ctx context.Context, ev bus.TurnEvent)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Classifier picks an expert when no trigger or predicate matched.
	// Nil skips straight to the fallback.
	Classifier      provider.Completer
	DefaultExpert   string
	Triggers        []Trigger
	ClassifyTimeout time.Duration
	// MaxParallel bounds ProcessAll fan-out.
	MaxParallel int
	MaxTurns    int
	// Sessions persists dispatcher sessions when set.
	Sessions  *session.Manager
	Observers []TurnObserver
	Logger    *slog.Logger
}

// Request is one unit of input for ProcessTurn.
type Request struct {
	Input      string
	SessionKey string
	Channel    string
}

// Turn is the outcome of ProcessTurn.
type Turn struct {
	ID       string
	Expert   string
	Reason   RouteReason
	Response string
	IsError  bool
	Duration time.Duration
}

// Dispatcher owns the expert registry and runs turns against it.
type Dispatcher struct {
	mu        sync.RWMutex
	experts   map[string]expert.Handler
	order     []string
	observers []TurnObserver

	classifier      provider.Completer
	defaultExpert   string
	triggers        []Trigger
	classifyTimeout time.Duration
	maxParallel     int
	maxTurns        int
	ctxBuilder      *ContextBuilder

	sessions *session.Manager
	memMu    sync.Mutex
	memories map[string]*session.Memory
	state    atomic.Int32
	inFlight atomic.Int32
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with an empty registry.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		experts:         make(map[string]expert.Handler),
		observers:       append([]TurnObserver(nil), opts.Observers...),
		classifier:      opts.Classifier,
		defaultExpert:   opts.DefaultExpert,
		triggers:        opts.Triggers,
		classifyTimeout: opts.ClassifyTimeout,
		maxParallel:     opts.MaxParallel,
		maxTurns:        opts.MaxTurns,
		ctxBuilder:      NewContextBuilder(defaultHistoryTurns),
		sessions:        opts.Sessions,
		memories:        make(map[string]*session.Memory),
		logger:          opts.Logger,
	}
	if d.defaultExpert == "" {
		d.defaultExpert = expert.NameKnowledge
	}
	if d.triggers == nil {
		d.triggers = DefaultTriggers()
	}
	if d.classifyTimeout <= 0 {
		d.classifyTimeout = defaultClassifyTimeout
	}
	if d.maxParallel <= 0 {
		d.maxParallel = defaultMaxParallel
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// AddExpert registers h under name, replacing any handler with that name.
func (d *Dispatcher) AddExpert(name string, h expert.Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("expert name is required")
	}
	if h == nil {
		return fmt.Errorf("expert %q: handler is nil", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.experts[name]; !ok {
		d.order = append(d.order, name)
	}
	d.experts[name] = h
	d.logger.Debug("Expert registered", "expert", name)
	return nil
}

// RemoveExpert unregisters name. Turns already running keep their snapshot.
func (d *Dispatcher) RemoveExpert(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.experts[name]; !ok {
		return false
	}
	delete(d.experts, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.logger.Debug("Expert removed", "expert", name)
	return true
}

// AddObserver registers o for turn notifications.
func (d *Dispatcher) AddObserver(o TurnObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Experts lists registered names in registration order.
func (d *Dispatcher) Experts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// State reports the phase of the most recent turn.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// snapshot is a read-only copy of the registry taken at turn start.
type snapshot struct {
	experts   map[string]expert.Handler
	order     []string
	observers []TurnObserver
}

func (s snapshot) first() (string, expert.Handler) {
	if len(s.order) == 0 {
		return "", nil
	}
	return s.order[0], s.experts[s.order[0]]
}

func (d *Dispatcher) snapshot() snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := snapshot{
		experts:   make(map[string]expert.Handler, len(d.experts)),
		order:     append([]string(nil), d.order...),
		observers: append([]TurnObserver(nil), d.observers...),
	}
	for k, v := range d.experts {
		s.experts[k] = v
	}
	return s
}

// Memory returns the conversation memory for key, creating it on first use.
func (d *Dispatcher) Memory(key string) *session.Memory {
	if key == "" {
		key = DefaultSessionKey
	}
	if d.sessions != nil {
		return d.sessions.GetOrCreate(key)
	}
	d.memMu.Lock()
	defer d.memMu.Unlock()
	mem, ok := d.memories[key]
	if !ok {
		mem = session.NewMemory(key, d.maxTurns)
		d.memories[key] = mem
	}
	return mem
}

// Process runs input through the default session and returns the response.
// Failures come back as "Error: ..." text.
func (d *Dispatcher) Process(ctx context.Context, input string) string {
	return d.ProcessTurn(ctx, Request{Input: input}).Response
}

// ProcessTurn classifies req, invokes the chosen expert and records the
// exchange.
func (d *Dispatcher) ProcessTurn(ctx context.Context, req Request) (turn Turn) {
	start := time.Now()
	turn.ID = uuid.NewString()
	if req.SessionKey == "" {
		req.SessionKey = DefaultSessionKey
	}

	d.inFlight.Add(1)
	defer func() {
		if d.inFlight.Add(-1) == 0 {
			d.setState(StateIdle)
		}
	}()

	snap := d.snapshot()
	mem := d.Memory(req.SessionKey)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher turn panicked", "turn_id", turn.ID, "panic", r, "stack", string(debug.Stack()))
			turn.Response = expert.Errorf("internal error: %v", r)
		}
		turn.IsError = expert.IsError(turn.Response)
		turn.Duration = time.Since(start)
		d.finish(ctx, req, turn, mem, snap.observers)
	}()

	d.setState(StateClassifying)
	name, h, reason, err := d.route(ctx, req.Input, snap, mem.Recent(defaultHistoryTurns))
	if err != nil {
		d.logger.Warn("Routing failed", "turn_id", turn.ID, "error", err)
		turn.Response = expert.Errorf("%v", err)
		return turn
	}
	turn.Expert = name
	turn.Reason = reason
	d.logger.Debug("Expert selected", "turn_id", turn.ID, "expert", name, "reason", reason)

	d.setState(StateInvoking)
	turn.Response = h.Process(ctx, req.Input)
	return turn
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.logger.Debug("Dispatcher state", "state", s.String())
}

// finish appends the exchange to the session and notifies observers.
func (d *Dispatcher) finish(ctx context.Context, req Request, turn Turn, mem *session.Memory, observers []TurnObserver) {
	mem.Add(session.RoleUser, req.Input)
	mem.Add(session.RoleAssistant, turn.Response)
	if d.sessions != nil {
		if err := d.sessions.Save(mem); err != nil {
			d.logger.Warn("Session save failed", "session", mem.Key, "error", err)
		}
	}

	if turn.IsError {
		d.logger.Warn("Turn failed", "turn_id", turn.ID, "expert", turn.Expert, "duration", turn.Duration, "response", turn.Response)
	} else {
		d.logger.Info("Turn completed", "turn_id", turn.ID, "expert", turn.Expert, "reason", turn.Reason, "duration", turn.Duration)
	}

	ev := bus.TurnEvent{
		ID:         turn.ID,
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		Input:      req.Input,
		Expert:     turn.Expert,
		Reason:     string(turn.Reason),
		Response:   turn.Response,
		IsError:    turn.IsError,
		Duration:   turn.Duration,
		Timestamp:  time.Now(),
	}
	for _, o := range observers {
		d.notify(ctx, o, ev)
	}
}

func (d *Dispatcher) notify(ctx context.Context, o TurnObserver, ev bus.TurnEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Turn observer panicked", "turn_id", ev.ID, "panic", r)
		}
	}()
	o.ObserveTurn(ctx, ev)
}

// IsErrorResponse reports whether a response string is a failure.
func IsErrorResponse(response string) bool {
	return expert.IsError(response)
}
