// Package bus fans completed dispatcher turns out to subscribers such as the
// timeline journal and the Kafka stream.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// TurnEvent describes one finished dispatcher turn.
type TurnEvent struct {
	ID         string        `json:"id"`
	SessionKey string        `json:"session_key,omitempty"`
	Channel    string        `json:"channel,omitempty"`
	Input      string        `json:"input"`
	Expert     string        `json:"expert,omitempty"`
	Reason     string        `json:"route_reason,omitempty"`
	Response   string        `json:"response"`
	IsError    bool          `json:"is_error"`
	Duration   time.Duration `json:"duration_ns"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Handler receives dispatched turn events.
type Handler func(ctx context.Context, ev TurnEvent)

// TurnBus decouples the dispatcher from slow turn consumers. Publishing never
// blocks: when the buffer is full the event is dropped and counted.
type TurnBus struct {
	events  chan TurnEvent
	subs    map[string]Handler
	order   []string
	mu      sync.RWMutex
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewTurnBus creates a bus with the given buffer; zero means the default.
func NewTurnBus(buffer int, logger *slog.Logger) *TurnBus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnBus{
		events: make(chan TurnEvent, buffer),
		subs:   make(map[string]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler under name, replacing any previous one.
func (b *TurnBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; !ok {
		b.order = append(b.order, name)
	}
	b.subs[name] = h
}

// Unsubscribe removes the handler registered under name.
func (b *TurnBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; !ok {
		return
	}
	delete(b.subs, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ObserveTurn enqueues ev for dispatch.
func (b *TurnBus) ObserveTurn(_ context.Context, ev TurnEvent) {
	select {
	case b.events <- ev:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("Turn bus full, event dropped", "turn_id", ev.ID, "dropped_total", n)
	}
}

// Run dispatches queued events until ctx is done. Run it in its own goroutine.
func (b *TurnBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-b.events:
			b.dispatch(ctx, ev)
		}
	}
}

// drain delivers whatever is still buffered at shutdown.
func (b *TurnBus) drain(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (b *TurnBus) dispatch(ctx context.Context, ev TurnEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	names := make([]string, 0, len(b.order))
	for _, n := range b.order {
		handlers = append(handlers, b.subs[n])
		names = append(names, n)
	}
	b.mu.RUnlock()

	for i, h := range handlers {
		b.safeCall(ctx, names[i], h, ev)
	}
}

func (b *TurnBus) safeCall(ctx context.Context, name string, h Handler, ev TurnEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Turn subscriber panicked", "subscriber", name, "panic", r)
		}
	}()
	h(ctx, ev)
}

// Pending returns the number of queued events.
func (b *TurnBus) Pending() int {
	return len(b.events)
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *TurnBus) Dropped() int64 {
	return b.dropped.Load()
}
