package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"mini-hub/shape"
)

// registration is one message name bound through a registry. active is
// cleared before the transport handler is removed, so a message already in
// the transport's hands when removal starts is dropped instead of delivered.
type registration struct {
	id      uint64
	name    string
	shape   *shape.Shape
	handler HandlerID
	active  atomic.Bool
}

// registry tracks the transport handlers created through one Dispatcher.
// Handlers registered on the same transport by anyone else are never touched.
type registry struct {
	transport Transport

	mu     sync.Mutex
	byName map[string]*registration
	nextID uint64
}

func newRegistry(t Transport) *registry {
	return &registry{transport: t, byName: make(map[string]*registration)}
}

func (r *registry) register(name string, s *shape.Shape, deliver func(ctx context.Context, args []any) error) (*registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, name)
	}

	r.nextID++
	reg := &registration{id: r.nextID, name: name, shape: s}
	id, err := r.transport.On(name, s.FieldTypes(), func(ctx context.Context, args []any) error {
		if !reg.active.Load() {
			return nil
		}
		return deliver(ctx, args)
	})
	if err != nil {
		return nil, fmt.Errorf("hub: subscribe %s: %w", name, err)
	}
	reg.handler = id
	reg.active.Store(true)
	r.byName[name] = reg
	return reg, nil
}

// unregister removes the registration for name, if any.
func (r *registry) unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return false
	}
	r.remove(reg)
	return true
}

// unregisterID removes the registration with id. A stale id, whose name has
// since been unsubscribed and subscribed again, matches nothing.
func (r *registry) unregisterID(name string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok || reg.id != id {
		return false
	}
	r.remove(reg)
	return true
}

func (r *registry) unregisterAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byName)
	for _, reg := range r.byName {
		r.remove(reg)
	}
	return n
}

func (r *registry) names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.Unlock()

	slices.Sort(names)
	return names
}

// remove must be called with mu held.
func (r *registry) remove(reg *registration) {
	reg.active.Store(false)
	delete(r.byName, reg.name)
	r.transport.Remove(reg.handler)
}
