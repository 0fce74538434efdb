// Package client connects to hub servers, either directly by address or
// through a registry and a load balancer.
//
//	c := client.New(reg, nil, client.WithAffinityKey(userID))
//	conn, err := c.Connect(ctx, "ChatHub")
//	srv, err := hub.NewProxy[chat.Server](hub.NewInvoker(conn))
//	d := hub.NewDispatcher(conn)
//	hub.SubscribeFunc(d, func(m chat.ChatMessage) { ... })
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mini-hub/codec"
	"mini-hub/loadbalance"
	"mini-hub/registry"
	"mini-hub/transport"
)

const (
	DefaultDialAttempts = 5
	DefaultDialBackoff  = 100 * time.Millisecond
	DefaultDialTimeout  = 5 * time.Second
)

type options struct {
	network      string
	codec        codec.CodecType
	heartbeat    time.Duration
	logger       *zap.Logger
	affinityKey  string
	dialAttempts uint
	dialBackoff  time.Duration
	dialTimeout  time.Duration
}

type Option func(*options)

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the connection heartbeat interval; zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAffinityKey makes the balancer pick the same server for the same key,
// typically a user ID. Only key-based balancers look at it.
func WithAffinityKey(key string) Option {
	return func(o *options) { o.affinityKey = key }
}

// WithDialRetry sets how many connection attempts are made and the initial
// wait between them. The wait grows exponentially.
func WithDialRetry(attempts uint, initial time.Duration) Option {
	return func(o *options) {
		o.dialAttempts = attempts
		o.dialBackoff = initial
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func newOptions(opts []Option) options {
	o := options{
		network:      "tcp",
		codec:        codec.CodecTypeJSON,
		heartbeat:    transport.DefaultHeartbeat,
		logger:       zap.NewNop(),
		dialAttempts: DefaultDialAttempts,
		dialBackoff:  DefaultDialBackoff,
		dialTimeout:  DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialAttempts == 0 {
		o.dialAttempts = 1
	}
	return o
}

func (o options) retry() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.dialBackoff
	b.MaxInterval = 10 * o.dialBackoff
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.dialAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.logger.Warn("connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}),
	}
}

// dial opens one connection attempt to addr.
func (o options) dial(ctx context.Context, addr string) (*transport.Conn, error) {
	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, o.network, addr)
	if err != nil {
		return nil, err
	}
	return transport.NewConn(conn,
		transport.WithCodec(o.codec),
		transport.WithHeartbeat(o.heartbeat),
		transport.WithLogger(o.logger),
	), nil
}

// DialAddr connects to the hub server at addr, retrying with exponential
// backoff. The caller owns the returned Conn.
func DialAddr(ctx context.Context, addr string, opts ...Option) (*transport.Conn, error) {
	o := newOptions(opts)
	return backoff.Retry(ctx, func() (*transport.Conn, error) {
		return o.dial(ctx, addr)
	}, o.retry()...)
}

// Client finds hub servers in a registry and keeps one shared connection per
// server address.
type Client struct {
	registry registry.Registry // find hub servers from registry
	balancer loadbalance.Balancer
	pool     *transport.Pool
	opts     options
}

// New creates a Client. A nil balancer means consistent hashing when an
// affinity key is set and round robin otherwise.
func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	o := newOptions(opts)
	if bal == nil {
		if o.affinityKey != "" {
			bal = loadbalance.NewConsistentHashBalancer()
		} else {
			bal = &loadbalance.RoundRobinBalancer{}
		}
	}
	return &Client{
		registry: reg,
		balancer: bal,
		pool:     transport.NewPool(o.dial),
		opts:     o,
	}
}

// Connect returns a live connection to a server of hubName. Every attempt
// discovers the current instances and picks again, so a server that went
// away between attempts is not retried. Connections are shared: calling
// Connect twice for the same server returns the same Conn while it lives.
func (c *Client) Connect(ctx context.Context, hubName string) (*transport.Conn, error) {
	return backoff.Retry(ctx, func() (*transport.Conn, error) {
		// Get hub instances from registry
		instances, err := c.registry.Discover(ctx, hubName)
		if err != nil {
			return nil, err
		}

		// Select an instance using load balancer
		instance, err := c.balancer.Pick(instances, c.opts.affinityKey)
		if err != nil {
			return nil, fmt.Errorf("client: %s: %w", hubName, err)
		}

		conn, err := c.pool.Get(ctx, instance.Addr)
		if err != nil {
			return nil, fmt.Errorf("client: connect %s at %s: %w", hubName, instance.Addr, err)
		}
		c.opts.logger.Debug("connected",
			zap.String("hub", hubName),
			zap.String("addr", instance.Addr),
			zap.String("balancer", c.balancer.Name()),
		)
		return conn, nil
	}, c.opts.retry()...)
}

// Close closes every connection the client opened.
func (c *Client) Close() error {
	return c.pool.Close()
}
