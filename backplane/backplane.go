// Package backplane fans server pushes out across every hub instance.
//
// A server that pushes to All(), Client(id) or AllExcept(ids...) publishes an
// Envelope instead of writing to its own connections. Every instance,
// including the publisher, consumes the topic and delivers the envelope to the
// matching local connections:
//
//	server A ──Publish──► topic "minihub" ──► server A ──► local conns
//	                                     └──► server B ──► local conns
//
// Any watermill Publisher/Subscriber pair works as the bus; NewInMemory uses
// the gochannel pub/sub for single-process setups and tests.
package backplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mini-hub/codec"
	"mini-hub/logging"
	"mini-hub/transport"
)

const DefaultTopic = "minihub"

var ErrClosed = errors.New("backplane: closed")

// Audience selects which connections receive an envelope.
type Audience uint8

const (
	AudienceAll Audience = iota
	AudienceClient
	AudienceAllExcept
)

func (a Audience) String() string {
	switch a {
	case AudienceAll:
		return "all"
	case AudienceClient:
		return "client"
	case AudienceAllExcept:
		return "all-except"
	default:
		return fmt.Sprintf("Audience(%d)", uint8(a))
	}
}

// Envelope is one push travelling between hub instances. Args are JSON
// encoded one position at a time, the same way they travel to clients.
type Envelope struct {
	ID       string   `json:"id"`
	Origin   string   `json:"origin"`
	Target   string   `json:"target"`
	Args     [][]byte `json:"args,omitempty"`
	Audience Audience `json:"audience"`
	ConnIDs  []string `json:"conn_ids,omitempty"`
}

// NewEnvelope encodes args for the bus.
func NewEnvelope(target string, args []any, audience Audience, connIDs ...string) (Envelope, error) {
	raw, err := transport.EncodeArgs(codec.GetCodec(codec.CodecTypeJSON), args)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Target: target, Args: raw, Audience: audience, ConnIDs: connIDs}, nil
}

// Arguments decodes Args into generic values.
func (e Envelope) Arguments() ([]any, error) {
	return transport.DecodeArgs(codec.GetCodec(codec.CodecTypeJSON), e.Args, nil)
}

// Matches reports whether the connection with id is part of the audience.
func (e Envelope) Matches(id string) bool {
	switch e.Audience {
	case AudienceAll:
		return true
	case AudienceClient:
		for _, c := range e.ConnIDs {
			if c == id {
				return true
			}
		}
		return false
	case AudienceAllExcept:
		for _, c := range e.ConnIDs {
			if c == id {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// DeliverFunc hands an envelope to the local connections.
type DeliverFunc func(ctx context.Context, env Envelope)

// Backplane publishes and consumes envelopes on one topic.
type Backplane struct {
	pub    wmessage.Publisher
	sub    wmessage.Subscriber
	topic  string
	origin string
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Backplane)

// WithOrigin names this instance in published envelopes. Defaults to a ULID.
func WithOrigin(origin string) Option {
	return func(b *Backplane) { b.origin = origin }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backplane) {
		if l != nil {
			b.logger = l
		}
	}
}

// New builds a Backplane on an existing watermill publisher and subscriber.
// An empty topic means DefaultTopic.
func New(pub wmessage.Publisher, sub wmessage.Subscriber, topic string, opts ...Option) *Backplane {
	if topic == "" {
		topic = DefaultTopic
	}
	b := &Backplane{
		pub:    pub,
		sub:    sub,
		topic:  topic,
		origin: ulid.Make().String(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("topic", topic), zap.String("origin", b.origin))
	return b
}

// NewInMemory builds a Backplane on a fresh gochannel pub/sub. It only
// connects instances that share the process and the returned Backplane.
func NewInMemory(logger *zap.Logger, topic string, opts ...Option) *Backplane {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logging.Watermill(logger))
	return New(pubSub, pubSub, topic, append([]Option{WithLogger(logger)}, opts...)...)
}

func (b *Backplane) Origin() string { return b.origin }

func (b *Backplane) Topic() string { return b.topic }

// Publish sends env to every instance. ID and Origin are filled in when empty.
func (b *Backplane) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if env.ID == "" {
		env.ID = ulid.Make().String()
	}
	if env.Origin == "" {
		env.Origin = b.origin
	}
	payload, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("backplane: encode envelope: %w", err)
	}

	msg := wmessage.NewMessage(env.ID, payload)
	msg.SetContext(ctx)
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("backplane: publish %s: %w", env.Target, err)
	}
	return nil
}

// Start subscribes to the topic and delivers envelopes in the background
// until ctx is done or Close is called. The subscription is in place when
// Start returns.
func (b *Backplane) Start(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.cancel != nil {
		return errors.New("backplane: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("backplane: subscribe %s: %w", b.topic, err)
	}
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.handle(ctx, msg, deliver)
		}
	}()
	return nil
}

func (b *Backplane) handle(ctx context.Context, msg *wmessage.Message, deliver DeliverFunc) {
	// Malformed envelopes are acked too; redelivery cannot fix them.
	defer msg.Ack()

	var env Envelope
	if err := sonic.Unmarshal(msg.Payload, &env); err != nil {
		b.logger.Warn("dropping malformed envelope", zap.String("uuid", msg.UUID), zap.Error(err))
		return
	}
	deliver(ctx, env)
}

// Close stops consuming and closes the publisher and subscriber.
func (b *Backplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	errs := []error{b.pub.Close()}
	if any(b.sub) != any(b.pub) {
		errs = append(errs, b.sub.Close())
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

