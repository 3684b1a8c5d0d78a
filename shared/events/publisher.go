package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/draftea/subscription-system/shared/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry maps event types to their handlers. Handlers are appended in
// registration order and never removed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register adds handler under handler.EventType().
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return errors.Wrap(ErrInvalidHandler, "handler is nil")
	}
	eventType := handler.EventType()
	if eventType == "" {
		return errors.Wrapf(ErrInvalidHandler, "handler %s has no event type", HandlerName(handler))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
	return nil
}

// Handlers returns a snapshot of the handlers registered for eventType.
func (r *Registry) Handlers(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[eventType]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// HandlerCount returns how many handlers are registered for eventType.
func (r *Registry) HandlerCount(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// EventTypes returns every event type with at least one handler, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// HandlerFailure is one handler's error within a dispatch.
type HandlerFailure struct {
	Handler string
	Err     error
}

// DispatchError reports that at least one handler failed for an event.
type DispatchError struct {
	EventID   string
	EventType string
	Failures  []HandlerFailure
}

func (e *DispatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("%s: %v", f.Handler, f.Err)
	}
	return fmt.Sprintf("%d handler(s) failed for event %s (%s): %s",
		len(e.Failures), e.EventID, e.EventType, strings.Join(msgs, "; "))
}

// Unwrap exposes every handler error to errors.Is and errors.As.
func (e *DispatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Publisher delivers an event to every handler registered for its type.
type Publisher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewPublisher creates a publisher over registry
func NewPublisher(registry *Registry, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{registry: registry, logger: logger}
}

// Registry returns the registry the publisher dispatches from.
func (p *Publisher) Registry() *Registry {
	return p.registry
}

// Publish runs all handlers for event.EventType concurrently and waits for
// every one of them. An event without handlers counts as delivered. When any
// handler fails or panics the result is a *DispatchError listing each failure.
func (p *Publisher) Publish(ctx context.Context, event *DomainEvent) error {
	if event == nil {
		return errors.New("event is nil")
	}
	logger := logging.WithTrace(ctx, p.logger).With(
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
	)

	handlers := p.registry.Handlers(event.EventType)
	if len(handlers) == 0 {
		logger.Debug("no handlers registered for event type")
		return nil
	}

	errs := make([]error, len(handlers))
	var g errgroup.Group
	for i, h := range handlers {
		g.Go(func() error {
			errs[i] = invoke(ctx, h, event)
			return nil
		})
	}
	_ = g.Wait()

	var failures []HandlerFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		name := HandlerName(handlers[i])
		logger.Warn("event handler failed", zap.String("handler", name), zap.Error(err))
		failures = append(failures, HandlerFailure{Handler: name, Err: err})
	}
	if len(failures) > 0 {
		return &DispatchError{EventID: event.EventID, EventType: event.EventType, Failures: failures}
	}

	logger.Debug("event dispatched", zap.Int("handlers", len(handlers)))
	return nil
}

func invoke(ctx context.Context, h Handler, event *DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

// HandlerName returns the handler's Name() when it has one, its type otherwise.
func HandlerName(h Handler) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
