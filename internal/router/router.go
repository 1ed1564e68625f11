// Package router fans inbound socket events out to named handlers.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/tablelink/pkg/transport"
)

// HandlerFunc processes one inbound event. Handlers run on the socket read
// pump: they must not wait for acknowledgements of their own emits.
type HandlerFunc func(ctx context.Context, ev transport.Event) error

type EventRouter struct {
	logger   *slog.Logger
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds fn to an event name. Registering a name twice panics.
func (r *EventRouter) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("event handler already registered: %s", name))
	}
	r.handlers[name] = fn
}

// Events lists the registered event names.
func (r *EventRouter) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleEvent is a transport.EventHandler.
func (r *EventRouter) HandleEvent(ctx context.Context, ev transport.Event) {
	r.mu.RLock()
	fn, ok := r.handlers[ev.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("Unhandled event", slog.String("event", ev.Name))
		return
	}
	if err := fn(ctx, ev); err != nil {
		r.logger.Warn("Event handler failed", slog.String("event", ev.Name), slog.Any("error", err))
	}
}
