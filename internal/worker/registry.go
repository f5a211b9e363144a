package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyorhq/conveyor/internal/backend"
)

// HandlerFunc executes a single job. Returning an error schedules a retry
// (or dead-letters the job once attempts run out).
type HandlerFunc func(ctx context.Context, job *backend.Job) error

// Registry maps job kinds to their handlers. Handlers are registered at
// startup; dispatch is read-only after that, but the mutex keeps the
// registry safe for late registration in tests.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job kind. Registering the same kind twice
// is a programming error.
func (r *Registry) Register(kind string, handler HandlerFunc) error {
	if kind == "" {
		return fmt.Errorf("job kind must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for kind %q must not be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}

	r.handlers[kind] = handler
	return nil
}

// MustRegister is Register that panics on error, for startup wiring
func (r *Registry) MustRegister(kind string, handler HandlerFunc) {
	if err := r.Register(kind, handler); err != nil {
		panic(err)
	}
}

// Get returns the handler for a kind
func (r *Registry) Get(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[kind]
	return handler, ok
}

// Kinds returns all registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
