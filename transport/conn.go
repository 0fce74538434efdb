// Package transport implements hub.Transport over a framed byte stream.
//
// A Conn multiplexes any number of concurrent calls over a single connection.
// Every Invoke gets a unique sequence ID, and one background goroutine
// (recvLoop) reads every frame and routes completions to the waiting caller:
//
//	goroutine-1 ──Invoke(seq=1)──┐
//	goroutine-2 ──Invoke(seq=2)──┼──→ single TCP conn ──→ hub server
//	goroutine-3 ──Send(seq=0)────┘
//
//	recvLoop:  ←── completion(seq=2) → pending[2] chan → goroutine-2 wakes up
//	           ←── invocation("ChatMessage") → inbox → dispatchLoop → handlers
//
// Invocations pushed by the server are queued and handed to the registered
// handlers one at a time, in arrival order, by a second goroutine. recvLoop
// never runs handler code, so a handler may itself call Invoke on the same
// Conn.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mini-hub/codec"
	"mini-hub/hub"
	"mini-hub/message"
	"mini-hub/protocol"
)

var (
	ErrClosed = errors.New("transport: connection closed")
	ErrRemote = errors.New("transport: remote error")
)

// RemoteError carries the error text of a failed remote invocation.
type RemoteError struct {
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: %s failed on the remote side: %s", e.Target, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

const (
	DefaultHeartbeat = 30 * time.Second
	closeTimeout     = time.Second
)

type options struct {
	codec     codec.CodecType
	heartbeat time.Duration
	logger    *zap.Logger
	id        string
}

type Option func(*options)

// WithCodec selects the codec for outgoing frames. Incoming frames are always
// decoded with the codec named in their header.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the heartbeat interval. Zero or less disables heartbeats.
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

// WithID overrides the generated connection ID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

type handlerEntry struct {
	id     hub.HandlerID
	params []reflect.Type
	fn     hub.Handler
}

type inbound struct {
	codec codec.Codec
	seq   uint32
	msg   *message.HubMessage
}

// Conn is one multiplexed hub connection. It implements hub.Transport.
type Conn struct {
	conn   net.Conn
	codec  codec.Codec
	logger *zap.Logger
	id     string

	seq     uint32     // Last sequence number used (protected by sending mutex)
	pending sync.Map   // map[uint32]chan *message.HubMessage
	sending sync.Mutex // Serializes frame writes on conn
	closing atomic.Bool // Set by Close; writers holding sending give up

	mu        sync.RWMutex
	handlers  map[string][]handlerEntry
	targets   map[hub.HandlerID]string
	handlerID hub.HandlerID

	// Invocations waiting for dispatchLoop. Unbounded so recvLoop keeps
	// routing completions while a handler waits on one.
	inboxMu sync.Mutex
	inbox   []inbound
	wake    chan struct{}

	ctx       context.Context // Canceled when the connection closes; parent of handler contexts
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Value // error, set before done is closed
}

var _ hub.Transport = (*Conn)(nil)

// NewConn wraps conn and starts its background goroutines:
//   - recvLoop: reads frames, routes completions, queues invocations
//   - dispatchLoop: runs handlers for queued invocations, one at a time
//   - heartbeatLoop: sends periodic heartbeat frames, unless disabled
func NewConn(conn net.Conn, opts ...Option) *Conn {
	o := options{
		codec:     codec.CodecTypeJSON,
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = ulid.Make().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:     conn,
		codec:    codec.GetCodec(o.codec),
		logger:   o.logger.With(zap.String("conn", o.id)),
		id:       o.id,
		handlers: make(map[string][]handlerEntry),
		targets:  make(map[hub.HandlerID]string),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go c.recvLoop()
	go c.dispatchLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done is closed once the connection is closed, by either side.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns nil while the connection is open and the reason it closed
// afterwards. The reason always matches ErrClosed.
func (c *Conn) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

// Send writes a fire-and-forget invocation and returns once it is on the wire.
func (c *Conn) Send(ctx context.Context, target string, args []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := c.write(target, args, false)
	return err
}

// Invoke writes an invocation and waits for its completion. The result is
// decoded into resultType when it fits and into a generic value otherwise.
// A failed remote handler yields a *RemoteError.
func (c *Conn) Invoke(ctx context.Context, target string, args []any, resultType reflect.Type) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, ch, err := c.write(target, args, true)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return c.result(target, resp, resultType)
	case <-ctx.Done():
		c.pending.Delete(seq)
		return nil, ctx.Err()
	case <-c.done:
		c.pending.Delete(seq)
		// A completion read just before the close still counts
		select {
		case resp := <-ch:
			return c.result(target, resp, resultType)
		default:
			return nil, c.Err()
		}
	}
}

func (c *Conn) result(target string, resp *message.HubMessage, resultType reflect.Type) (any, error) {
	if resp.Failed() {
		return nil, &RemoteError{Target: target, Message: resp.Error}
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	res, err := DecodeValue(c.codec, resp.Result, resultType)
	if err != nil {
		return nil, fmt.Errorf("transport: decode result of %s: %w", target, err)
	}
	return res, nil
}

// write encodes and sends one invocation frame. When wantReply is set, a
// completion channel is registered under the returned sequence number before
// the frame is written, so recvLoop can never see the completion first.
func (c *Conn) write(target string, args []any, wantReply bool) (uint32, chan *message.HubMessage, error) {
	raw, err := EncodeArgs(c.codec, args)
	if err != nil {
		return 0, nil, err
	}
	body, err := c.codec.Encode(&message.HubMessage{Target: target, Arguments: raw})
	if err != nil {
		return 0, nil, fmt.Errorf("transport: encode %s: %w", target, err)
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	select {
	case <-c.done:
		return 0, nil, c.Err()
	default:
	}
	if c.closing.Load() {
		return 0, nil, ErrClosed
	}

	var seq uint32
	var ch chan *message.HubMessage
	if wantReply {
		c.seq++
		if c.seq == 0 { // 0 means fire-and-forget
			c.seq++
		}
		seq = c.seq
		ch = make(chan *message.HubMessage, 1) // Buffered so recvLoop never blocks
		c.pending.Store(seq, ch)
	}

	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeInvocation,
		Seq:       seq,
	}
	if err := protocol.Encode(c.conn, &header, body); err != nil {
		if seq != 0 {
			c.pending.Delete(seq)
		}
		c.shutdown(fmt.Errorf("%w: write: %v", ErrClosed, err))
		return 0, nil, c.Err()
	}
	return seq, ch, nil
}

// On registers h for invocations of target. Several handlers may share a
// target; they run in registration order.
func (c *Conn) On(target string, paramTypes []reflect.Type, h hub.Handler) (hub.HandlerID, error) {
	if h == nil {
		return 0, errors.New("transport: handler is nil")
	}
	select {
	case <-c.done:
		return 0, c.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.handlers[target] = append(c.handlers[target], handlerEntry{id: id, params: slices.Clone(paramTypes), fn: h})
	c.targets[id] = target
	return id, nil
}

// Remove unregisters the handler with id. Unknown ids are ignored.
func (c *Conn) Remove(id hub.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.targets[id]
	if !ok {
		return
	}
	delete(c.targets, id)
	entries := slices.DeleteFunc(slices.Clone(c.handlers[target]), func(e handlerEntry) bool { return e.id == id })
	if len(entries) == 0 {
		delete(c.handlers, target)
	} else {
		c.handlers[target] = entries
	}
}

// Close tells the peer the connection is going away and closes it. Pending
// calls fail with ErrClosed.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	// The deadline goes on before taking the lock: a writer stuck on a peer
	// that stopped reading holds it, and only the deadline releases it.
	c.closing.Store(true)
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	c.sending.Lock()
	_ = protocol.Encode(c.conn, &protocol.Header{CodecType: byte(c.codec.Type()), MsgType: protocol.MsgTypeClose}, nil)
	c.sending.Unlock()

	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err.Store(err)
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
		c.pending.Clear()
		c.logger.Debug("connection closed", zap.Error(err))
	})
}

// recvLoop runs in a dedicated goroutine, reading frames until the
// connection breaks. Reads must be sequential to keep frame boundaries.
func (c *Conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeClose:
			reason := "closed by peer"
			if len(body) > 0 {
				reason = string(body)
			}
			c.shutdown(fmt.Errorf("%w: %s", ErrClosed, reason))
			return
		}

		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		msg := &message.HubMessage{}
		if err := cdc.Decode(body, msg); err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Stringer("type", header.MsgType), zap.Error(err))
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeCompletion:
			// Route the completion to its caller; a caller that gave up has
			// already removed its channel.
			if ch, ok := c.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.HubMessage) <- msg
			}
		case protocol.MsgTypeInvocation:
			c.enqueue(inbound{codec: cdc, seq: header.Seq, msg: msg})
		}
	}
}

func (c *Conn) enqueue(in inbound) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, in)
	c.inboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default: // dispatchLoop already has a pending wake-up
	}
}

func (c *Conn) dequeue() (inbound, bool) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if len(c.inbox) == 0 {
		return inbound{}, false
	}
	in := c.inbox[0]
	c.inbox[0] = inbound{}
	c.inbox = c.inbox[1:]
	return in, true
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			select {
			case <-c.done:
				return
			default:
			}
			in, ok := c.dequeue()
			if !ok {
				break
			}
			c.dispatch(in)
		}
	}
}

// dispatch runs every handler registered for the invocation's target. Each
// handler gets the arguments decoded with its own parameter hints.
func (c *Conn) dispatch(in inbound) {
	target := in.msg.Target

	c.mu.RLock()
	entries := c.handlers[target]
	c.mu.RUnlock()

	if len(entries) == 0 {
		c.logger.Debug("no handler for invocation", zap.String("target", target))
	}

	var failure error
	for _, e := range entries {
		args, err := DecodeArgs(in.codec, in.msg.Arguments, e.params)
		if err == nil {
			err = c.call(e.fn, args)
		}
		if err != nil {
			c.logger.Warn("handler failed", zap.String("target", target), zap.Error(err))
			failure = err
		}
	}

	if in.seq != 0 {
		resp := &message.HubMessage{Target: target}
		if failure != nil {
			resp.Error = failure.Error()
		}
		c.reply(in.codec, in.seq, resp)
	}
}

func (c *Conn) call(fn hub.Handler, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport: handler panicked: %v", r)
		}
	}()
	return fn(c.ctx, args)
}

func (c *Conn) reply(cdc codec.Codec, seq uint32, resp *message.HubMessage) {
	body, err := cdc.Encode(resp)
	if err != nil {
		c.logger.Error("failed to encode completion", zap.Error(err))
		return
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.closing.Load() {
		return
	}
	err = protocol.Encode(c.conn, &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   protocol.MsgTypeCompletion,
		Seq:       seq,
	}, body)
	if err != nil {
		c.logger.Debug("failed to write completion", zap.Error(err))
	}
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive
// through idle periods. Heartbeat frames carry no body.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-c.done:
			return
		}
		header := &protocol.Header{
			CodecType: byte(c.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		if c.closing.Load() {
			c.sending.Unlock()
			return
		}
		err := protocol.Encode(c.conn, header, nil)
		c.sending.Unlock()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: heartbeat: %v", ErrClosed, err))
			return
		}
	}
}
