package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
)

// Handler executes one registered command synchronously and decides what to
// send back. Handlers may mutate the session through the checked-out handle.
type Handler func(ctx context.Context, inv *Invocation, sess *session.Handle) domain.ReplyIntent

// Registry holds registered command handlers keyed by exact name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate names are an error so the operator
// surface stays deterministic.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("command already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name, or nil. Lookup is exact, case-sensitive.
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
