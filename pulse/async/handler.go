package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
)

// JobHandler executes the work behind a job. JobDetail.HandlerName selects
// the handler; the scheduler core never looks inside it.
//
// Dependencies (database handles, HTTP clients, ...) belong in the handler's
// own fields, set up when it is registered. The execution context carries
// only facts about the fire.
//
// Handlers MUST watch ctx.Done(): it is cancelled by Scheduler.Interrupt and
// on shutdown.
type JobHandler interface {
	// Execute runs one fire of the job. Errors are reported through the
	// returned Result, never by panicking.
	Execute(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result

	// Name returns the handler name (e.g., "shell", "log").
	// Used for handler registration and job routing.
	Name() string
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result
}

// Execute implements JobHandler
func (h HandlerFunc) Execute(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result {
	return h.Fn(ctx, ec)
}

// Name implements JobHandler
func (h HandlerFunc) Name() string { return h.HandlerName }

// ErrHandlerNotFound is returned when a job names a handler nobody registered
var ErrHandlerNotFound = errors.Mark(errors.New("no handler registered"), errors.ErrNotFound)

// HandlerRegistry manages job handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler // Handler name -> handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates a registry holding handlers
func NewHandlerRegistry(handlers ...JobHandler) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Resolve is Get with an error suitable for rejecting a job at schedule time
func (r *HandlerRegistry) Resolve(handlerName string) (JobHandler, error) {
	if h := r.Get(handlerName); h != nil {
		return h, nil
	}
	return nil, errors.WithHintf(
		errors.Wrapf(ErrHandlerNotFound, "handler %q", handlerName),
		"registered handlers: %v", r.Names())
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
