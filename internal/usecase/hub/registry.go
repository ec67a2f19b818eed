package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"morsel/internal/domain"
)

// LifecycleHook runs when a connection joins or leaves the hub.
type LifecycleHook func(ctx context.Context, caller *Caller)

// Registry maps method names to invocables. It is built before serving and
// looked up once per invocation.
type Registry struct {
	mu             sync.RWMutex
	methods        map[string]Method
	onConnected    []LifecycleHook
	onDisconnected []LifecycleHook
}

// NewRegistry registers methods in order.
func NewRegistry(methods ...Method) (*Registry, error) {
	r := &Registry{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. Names are case-sensitive and must be unique.
func (r *Registry) Register(m Method) error {
	if m.Name == "" || m.handler == nil {
		return fmt.Errorf("hub: method needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.methods[m.Name]; dup {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateMethod, m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// OnConnected adds a hook run after the ConnectionEvent has been sent.
func (r *Registry) OnConnected(h LifecycleHook) {
	r.mu.Lock()
	r.onConnected = append(r.onConnected, h)
	r.mu.Unlock()
}

// OnDisconnected adds a hook run during connection teardown.
func (r *Registry) OnDisconnected(h LifecycleHook) {
	r.mu.Lock()
	r.onDisconnected = append(r.onDisconnected, h)
	r.mu.Unlock()
}

func (r *Registry) connectedHooks() []LifecycleHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.onConnected)
}

func (r *Registry) disconnectedHooks() []LifecycleHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.onDisconnected)
}
