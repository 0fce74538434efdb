package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-hub/codec"
	"mini-hub/hub"
	"mini-hub/message"
	"mini-hub/protocol"
	"mini-hub/transport"
)

var ErrConnectionClosed = errors.New("server: connection closed")

const closeTimeout = time.Second

// Connection is one connected client. It is a hub.Sender, so typed messages
// can be pushed to it with hub.Send.
type Connection struct {
	id     string
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex    // Shared by every goroutine writing frames on conn
	closing atomic.Bool   // Set by Close; writers holding writeMu give up
	codec   atomic.Uint32 // codec.CodecType of the last frame the client sent

	ctx       context.Context // Canceled when the connection goes away
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ hub.Sender = (*Connection)(nil)

func newConnection(id string, conn net.Conn, defaultCodec codec.CodecType, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     id,
		conn:   conn,
		logger: logger.With(zap.String("conn", id)),
		ctx:    ctx,
		cancel: cancel,
	}
	c.codec.Store(uint32(defaultCodec))
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Context is canceled once the client disconnects.
func (c *Connection) Context() context.Context { return c.ctx }

// Send pushes a fire-and-forget invocation to the client, encoded with the
// codec the client last used. A deadline on ctx bounds the write.
func (c *Connection) Send(ctx context.Context, target string, args []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	default:
	}

	cdc := codec.GetCodec(codec.CodecType(c.codec.Load()))
	raw, err := transport.EncodeArgs(cdc, args)
	if err != nil {
		return err
	}
	body, err := cdc.Encode(&message.HubMessage{Target: target, Arguments: raw})
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", target, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.Encode(c.conn, &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   protocol.MsgTypeInvocation,
	}, body)
}

// reply writes the completion for the invocation with seq.
func (c *Connection) reply(cdc codec.Codec, seq uint32, resp *message.HubMessage) {
	body, err := cdc.Encode(resp)
	if err != nil {
		c.logger.Error("failed to encode completion", zap.String("target", resp.Target), zap.Error(err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return
	}

	// Same seq as the invocation: this is how multiplexing works
	err = protocol.Encode(c.conn, &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   protocol.MsgTypeCompletion,
		Seq:       seq,
	}, body)
	if err != nil {
		c.logger.Debug("failed to write completion", zap.Error(err))
	}
}

// Close sends a Close frame carrying reason, best effort, and closes the
// connection.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// A write blocked on a client that stopped reading holds writeMu
		// until the deadline fires, so the deadline is set first.
		c.closing.Store(true)
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		_ = protocol.Encode(c.conn, &protocol.Header{
			CodecType: byte(c.codec.Load()),
			MsgType:   protocol.MsgTypeClose,
		}, []byte(reason))
		c.writeMu.Unlock()

		c.cancel()
		err = c.conn.Close()
	})
	return err
}

type callerKey struct{}
type codecKey struct{}

// CallerFrom returns the connection whose invocation is being handled.
func CallerFrom(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(callerKey{}).(*Connection)
	return c, ok
}

func withCaller(ctx context.Context, c *Connection, cdc codec.Codec) context.Context {
	ctx = context.WithValue(ctx, callerKey{}, c)
	return context.WithValue(ctx, codecKey{}, cdc)
}

func codecFrom(ctx context.Context) codec.Codec {
	if cdc, ok := ctx.Value(codecKey{}).(codec.Codec); ok {
		return cdc
	}
	return codec.GetCodec(codec.CodecTypeJSON)
}
