package loadbalance

import (
	"sync/atomic"

	"mini-hub/registry"
)

// RoundRobinBalancer distributes connections evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next instance in round-robin order. The key is ignored.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance, _ string) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
