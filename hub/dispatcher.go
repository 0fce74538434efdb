package hub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-hub/shape"
)

// ErrorHandler receives decode and callback failures for inbound messages.
type ErrorHandler func(target string, err error)

// Dispatcher binds inbound message names to typed callbacks on one
// Transport. It only ever removes the handlers it registered itself.
type Dispatcher struct {
	registry *registry
	logger   *zap.Logger
	onError  ErrorHandler
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithErrorHandler replaces the default handler, which logs at error level.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) {
		d.onError = h
	}
}

func NewDispatcher(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: newRegistry(t),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onError == nil {
		d.onError = func(target string, err error) {
			d.logger.Error("inbound message failed", zap.String("target", target), zap.Error(err))
		}
	}
	return d
}

// Subscribe routes messages named after T to callback. The arguments are
// decoded into a T positionally; missing trailing values stay zero and extra
// values are ignored. A value that cannot be converted, an error returned by
// callback and a panic inside it all go to the error handler; the transport
// keeps running either way.
//
// A second subscription for the same name fails with ErrDuplicateSubscription
// until the first one is removed.
func Subscribe[T any](d *Dispatcher, callback func(context.Context, T) error) (*Subscription, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	s, err := shape.Of[T]()
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		return nil, fmt.Errorf("hub: %s has no message name", s.Type)
	}

	name := s.Name
	reg, err := d.registry.register(name, s, func(ctx context.Context, args []any) error {
		defer func() {
			if r := recover(); r != nil {
				d.onError(name, fmt.Errorf("hub: handler for %s panicked: %v", name, r))
			}
		}()

		msg, err := shape.Decode[T](args)
		if err != nil {
			d.onError(name, fmt.Errorf("hub: decode %s: %w", name, err))
			return nil
		}
		if err := callback(ctx, msg); err != nil {
			d.onError(name, fmt.Errorf("hub: handler for %s: %w", name, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("subscribed", zap.String("target", name))
	return &Subscription{registry: d.registry, name: name, id: reg.id}, nil
}

// SubscribeFunc is Subscribe for callbacks that neither block nor fail.
func SubscribeFunc[T any](d *Dispatcher, callback func(T)) (*Subscription, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	return Subscribe(d, func(_ context.Context, msg T) error {
		callback(msg)
		return nil
	})
}

// Unsubscribe removes the subscription for T's message name. It is a no-op
// when there is none.
func Unsubscribe[T any](d *Dispatcher) {
	d.UnsubscribeName(shape.NameOf[T]())
}

func (d *Dispatcher) UnsubscribeName(name string) {
	if d.registry.unregister(name) {
		d.logger.Debug("unsubscribed", zap.String("target", name))
	}
}

// UnsubscribeAll removes every subscription made through d. Handlers other
// code registered on the transport stay in place.
func (d *Dispatcher) UnsubscribeAll() {
	if n := d.registry.unregisterAll(); n > 0 {
		d.logger.Debug("unsubscribed all", zap.Int("count", n))
	}
}

func (d *Dispatcher) Close() error {
	d.UnsubscribeAll()
	return nil
}

// Subscriptions returns the subscribed message names, sorted.
func (d *Dispatcher) Subscriptions() []string {
	return d.registry.names()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry *registry
	name     string
	id       uint64
	once     sync.Once
}

func (s *Subscription) Name() string { return s.name }

// Dispose removes the subscription. Calling it again, or after the name was
// unsubscribed some other way, does nothing, even if the name has been
// subscribed again in the meantime.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.registry.unregisterID(s.name, s.id)
	})
}
