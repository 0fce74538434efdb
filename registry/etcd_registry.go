package registry

// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for hub servers:
//
//	Key:   /mini-hub/{HubName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so clients never see "ghost" instances.

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix      = "/mini-hub/"
	DefaultDialTimeout = 5 * time.Second
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive by this process
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	dialTimeout time.Duration
	prefix      string
	logger      *zap.Logger
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithPrefix changes the key prefix; it must end with "/".
func WithPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) { o.prefix = prefix }
}

// WithLogger sets the logger used by the registry and the etcd client.
func WithLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{
		dialTimeout: DefaultDialTimeout,
		prefix:      DefaultPrefix,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		prefix: o.prefix,
		logger: o.logger,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) key(hubName, addr string) string {
	return r.prefix + hubName + "/" + addr
}

// Register adds an instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (rounded up to whole seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease until Deregister/Close
//
// Registering the same key again replaces the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, hubName string, instance ServiceInstance, ttl time.Duration) error {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	// Create a TTL-based lease; if KeepAlive stops, the entry auto-expires
	granted, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := sonic.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(hubName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive outlives ctx, which usually only covers the registration call
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, granted.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev.cancel()
	}
	r.leases[key] = lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl_seconds", seconds))
	return nil
}

// Deregister removes an instance from etcd and stops renewing its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, hubName string, addr string) error {
	key := r.key(hubName, addr)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	r.logger.Info("deregistered", zap.String("key", key))
	return nil
}

// Watch monitors a hub prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, hubName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + hubName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("hub", hubName), zap.Error(err))
				continue
			}
			// On any change, re-fetch the full instance list
			// (simpler than applying individual watch events)
			instances, err := r.Discover(ctx, hubName)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.String("hub", hubName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a hub.
func (r *EtcdRegistry) Discover(ctx context.Context, hubName string) ([]ServiceInstance, error) {
	prefix := r.prefix + hubName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", prefix, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := sonic.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd client. Leases expire on
// their own after their TTL.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
