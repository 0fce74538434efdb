// Package registry lets clients find the hub servers serving a hub name.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one hub server reachable at Addr.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces instance under hubName until Deregister is called
	// or the process stops renewing it for longer than ttl.
	Register(ctx context.Context, hubName string, instance ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, hubName string, addr string) error
	Discover(ctx context.Context, hubName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change. The channel is
	// closed when ctx is done.
	Watch(ctx context.Context, hubName string) <-chan []ServiceInstance
}
