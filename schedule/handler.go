package schedule

import (
	"context"
	"sync"

	"github.com/halcyonchat/groupsync/errors"
)

// Handler executes jobs of one kind. Implementations decode their own
// payload type and must honor context cancellation.
type Handler interface {
	Execute(ctx context.Context, job *Job) error

	// Name returns the job kind this handler serves.
	Name() string
}

// Registry routes jobs to handlers by kind. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its own name.
// Panics if a handler is already registered with that name.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic("handler already registered for kind: " + name)
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a kind, or nil when none is registered.
func (r *Registry) Get(kind string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Execute dispatches one job to its registered handler.
func (r *Registry) Execute(ctx context.Context, job *Job) error {
	handler := r.Get(job.Kind)
	if handler == nil {
		return errors.Newf("no handler registered for kind: %s", job.Kind)
	}
	return handler.Execute(ctx, job)
}
