// Package loadbalance picks the hub server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  connection affinity, so a user keeps landing on the same server
package loadbalance

import (
	"errors"
	"fmt"

	"mini-hub/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each connection attempt.
type Balancer interface {
	// Pick selects one instance from the available list. key is the
	// caller's affinity key and may be empty; only key-based strategies
	// look at it. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
