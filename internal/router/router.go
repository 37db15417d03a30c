// Package router dispatches parsed messages to a handler by type and trigger.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/minasoft/ipms-mock/internal/hl7"
)

// HandlerFunc returns the immediate reply for msg. A nil reply with a nil
// error means a plain positive acknowledgment.
type HandlerFunc func(ctx context.Context, msg *hl7.Message) (*hl7.Message, error)

type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

func routeKey(msgType, trigger string) string {
	return strings.ToUpper(msgType) + "^" + strings.ToUpper(trigger)
}

// Handle registers h for msgType^trigger, replacing any earlier handler.
func (r *Router) Handle(msgType, trigger string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[routeKey(msgType, trigger)] = h
}

// Routes lists registered type^trigger pairs.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dispatch implements hl7.Dispatcher. Messages with no registered handler
// yield *hl7.UnsupportedTypeError.
func (r *Router) Dispatch(ctx context.Context, msg *hl7.Message) (*hl7.Message, error) {
	r.mu.RLock()
	h, ok := r.handlers[routeKey(msg.Type(), msg.Trigger())]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("No handler for message", "messageType", msg.Type(), "trigger", msg.Trigger())
		return nil, &hl7.UnsupportedTypeError{Type: msg.Type(), Trigger: msg.Trigger()}
	}
	return h(ctx, msg)
}
