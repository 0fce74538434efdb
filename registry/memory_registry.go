package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and single-node setups.
// TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	hubs     map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		hubs:     make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, hubName string, instance ServiceInstance, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hubs[hubName] == nil {
		r.hubs[hubName] = make(map[string]ServiceInstance)
	}
	r.hubs[hubName][instance.Addr] = instance
	r.notify(hubName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, hubName string, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hubs[hubName][addr]; ok {
		delete(r.hubs[hubName], addr)
		r.notify(hubName)
	}
	return nil
}

// Discover returns the instances sorted by address.
func (r *MemoryRegistry) Discover(ctx context.Context, hubName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(hubName), nil
}

// Watch emits the current list right away and again after every change.
// A slow reader only ever sees the latest list.
func (r *MemoryRegistry) Watch(ctx context.Context, hubName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[hubName] = append(r.watchers[hubName], ch)
	ch <- r.list(hubName)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[hubName] = slices.DeleteFunc(r.watchers[hubName], func(c chan []ServiceInstance) bool { return c == ch })
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) list(hubName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.hubs[hubName]))
	for _, inst := range r.hubs[hubName] {
		instances = append(instances, inst)
	}
	slices.SortFunc(instances, func(a, b ServiceInstance) int { return strings.Compare(a.Addr, b.Addr) })
	return instances
}

// notify must be called with mu held.
func (r *MemoryRegistry) notify(hubName string) {
	instances := r.list(hubName)
	for _, ch := range r.watchers[hubName] {
		// Replace a list the watcher has not read yet
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
