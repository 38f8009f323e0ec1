package interceptor

import (
	"context"
	"log/slog"
	"sync"

	"keybroker/internal/broker"
)

// Events fans broker notifications out to subscribers. It implements
// broker.Notifier.
type Events struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(context.Context, broker.KeyPersistedEvent)
	logger *slog.Logger
}

// NewEvents creates an empty fan-out
func NewEvents(logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		subs:   make(map[int]func(context.Context, broker.KeyPersistedEvent)),
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe registers fn and returns a function that removes it
func (e *Events) Subscribe(fn func(context.Context, broker.KeyPersistedEvent)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// KeyPersisted delivers event to every subscriber
func (e *Events) KeyPersisted(ctx context.Context, event broker.KeyPersistedEvent) {
	e.mu.RLock()
	subs := make([]func(context.Context, broker.KeyPersistedEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	e.logger.DebugContext(ctx, "Key persisted",
		slog.String("asset_name", event.AssetName),
		slog.Int("subscribers", len(subs)))

	for _, fn := range subs {
		fn(ctx, event)
	}
}
