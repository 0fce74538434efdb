// Package server implements the hub server: hub registration, middleware
// chain, parallel invocation processing, server pushes and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each invocation: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write completion
//
// Pushes travel the other way: Clients().All() and friends write
// fire-and-forget invocations to the matching connections, directly or
// through a backplane shared with other hub instances.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mini-hub/backplane"
	"mini-hub/codec"
	"mini-hub/message"
	"mini-hub/metrics"
	"mini-hub/middleware"
	"mini-hub/protocol"
	"mini-hub/registry"
	"mini-hub/shape"
	"mini-hub/transport"
)

const DefaultRegistryTTL = 10 * time.Second

// ShutdownReason is the Close frame text sent to clients on Shutdown.
const ShutdownReason = "server shutting down"

// Server is the hub server that registers hubs and handles incoming invocations.
type Server struct {
	methods     map[string]*methodType  // Hub methods by name: "Broadcast" → *methodType
	hubName     string                  // Name announced in the registry
	listener    net.Listener            // TCP listener
	wg          sync.WaitGroup          // Tracks in-flight invocations for graceful shutdown
	shutdown    atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(businessHandler)))

	logger      *zap.Logger
	codec       codec.CodecType // Used for pushes until a client has sent its first frame
	metrics     *metrics.Metrics
	idleTimeout time.Duration

	registry      registry.Registry // Service registry, nil if not using discovery
	advertiseAddr string            // Address registered in the registry (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because clients need a routable IP
	registryTTL time.Duration

	backplane *backplane.Backplane

	onConnected    func(*Connection)
	onDisconnected func(*Connection)

	mu    sync.RWMutex // Guards listener, conns and the shutdown/wg.Add handoff
	conns map[string]*Connection
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCodec sets the codec for pushes to clients that have not sent a frame
// yet. Completions always use the codec of the invocation.
func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codec = t }
}

// WithMetrics reports connection and push counts. Invocation metrics come
// from middleware.Metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry announces advertiseAddr under the hub name while serving.
// A ttl of zero means DefaultRegistryTTL.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl time.Duration) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.registryTTL = ttl
	}
}

// WithBackplane routes every push through b so clients connected to other
// instances receive it too.
func WithBackplane(b *backplane.Backplane) Option {
	return func(s *Server) { s.backplane = b }
}

// WithIdleTimeout drops connections that send nothing, heartbeats included,
// for d. Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithHubName sets the registry name. Defaults to the type name of the first
// registered hub.
func WithHubName(name string) Option {
	return func(s *Server) { s.hubName = name }
}

// OnConnected runs fn after a client connects, before its first frame is read.
func OnConnected(fn func(*Connection)) Option {
	return func(s *Server) { s.onConnected = fn }
}

// OnDisconnected runs fn after a client's connection is gone.
func OnDisconnected(fn func(*Connection)) Option {
	return func(s *Server) { s.onDisconnected = fn }
}

// NewServer creates a new hub server with no hubs registered.
func NewServer(opts ...Option) *Server {
	s := &Server{
		methods:     make(map[string]*methodType),
		logger:      zap.NewNop(),
		codec:       codec.CodecTypeJSON,
		registryTTL: DefaultRegistryTTL,
		conns:       make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registryTTL <= 0 {
		s.registryTTL = DefaultRegistryTTL
	}
	return s
}

// Register registers a hub receiver (e.g., &ChatHub{}) with the server.
// Its exported methods with a hub signature become callable by name; other
// methods are skipped. Method names share one namespace across hubs.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr, svr.logger)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	for name := range svc.method {
		if prev, ok := svr.methods[name]; ok {
			return fmt.Errorf("server: method %s of %s already registered by %s", name, svc.name, prev.svc.name)
		}
	}
	for name, m := range svc.method {
		svr.methods[name] = m
	}
	if svr.hubName == "" {
		svr.hubName = svc.name
	}
	svr.logger.Info("hub registered", zap.String("hub", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// HubName returns the name the server announces in the registry.
func (svr *Server) HubName() string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.hubName
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted by l: it optionally registers
// with the registry, starts consuming the backplane and enters the Accept
// loop. It returns nil after Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	//   Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.mu.Unlock()

	if svr.backplane != nil {
		if err := svr.backplane.Start(context.Background(), svr.deliverEnvelope); err != nil {
			listener.Close()
			return err
		}
	}

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := svr.registry.Register(ctx, svr.HubName(), registry.ServiceInstance{
			Addr: svr.advertiseAddr,
		}, svr.registryTTL) // KeepAlive renews automatically
		cancel()
		if err != nil {
			listener.Close()
			return err
		}
	}

	svr.logger.Info("serving", zap.String("addr", listener.Addr().String()), zap.String("hub", svr.HubName()))

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each invocation to its own goroutine for parallel processing.
//
// The Connection's write lock is shared among all request goroutines and pushes on this connection.
// This prevents frame interleaving when multiple goroutines write concurrently.
func (svr *Server) handleConn(conn net.Conn) {
	c := newConnection(ulid.Make().String(), conn, svr.codec, svr.logger)
	if !svr.addConn(c) {
		c.Close(ShutdownReason)
		return
	}
	svr.metrics.ConnectionOpened()
	c.logger.Debug("client connected", zap.Stringer("remote", conn.RemoteAddr()))
	if svr.onConnected != nil {
		svr.onConnected(c)
	}

	defer func() {
		svr.removeConn(c)
		c.Close("")
		svr.metrics.ConnectionClosed()
		c.logger.Debug("client disconnected")
		if svr.onDisconnected != nil {
			svr.onDisconnected(c)
		}
	}()

	for {
		if svr.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(svr.idleTimeout))
		}
		// Read one complete frame (sequential, single reader per connection)
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return // Connection closed or protocol error
		}
		c.codec.Store(uint32(header.CodecType))

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			// Heartbeats exist only to keep the connection alive
			continue
		case protocol.MsgTypeClose:
			return
		case protocol.MsgTypeCompletion:
			// The server never waits for completions
			continue
		}

		// Track this invocation for graceful shutdown. The flag check and
		// wg.Add happen under mu so Shutdown never waits on a moving target.
		svr.mu.RLock()
		if svr.shutdown.Load() {
			svr.mu.RUnlock()
			return
		}
		svr.wg.Add(1)
		svr.mu.RUnlock()

		// Without `go`, a slow handler on invocation 1 would block
		// every later invocation on the same connection.
		go svr.handleRequest(c, header, body)
	}
}

// handleRequest processes a single invocation: decode → middleware → business logic → encode → write.
//
// The protocol layer (codec encode/decode, frame write) is separated from the business layer
// (method lookup, reflection call) to allow middleware to wrap only the business logic.
func (svr *Server) handleRequest(c *Connection, header *protocol.Header, body []byte) {
	defer svr.wg.Done()

	// Step 1: Decode the frame body into a HubMessage using the codec named in the header
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.HubMessage{}
	var resp *message.HubMessage
	if err := cdc.Decode(body, &msg); err != nil {
		resp = &message.HubMessage{Error: fmt.Sprintf("malformed invocation: %v", err)}
	} else {
		// Step 2: Run through the middleware chain → business handler
		// svr.wg also covers handlers a Timeout middleware stopped waiting for
		ctx := middleware.WithTracker(withCaller(c.ctx, c, cdc), &svr.wg)
		resp = svr.handler(ctx, &msg)
	}

	// Seq 0 is fire-and-forget: nobody is waiting for the outcome
	if header.Seq == 0 {
		if resp.Failed() {
			c.logger.Debug("fire-and-forget invocation failed", zap.String("target", msg.Target), zap.String("error", resp.Error))
		}
		return
	}

	// Step 3: Encode and write the completion (protected by the connection's write lock)
	c.reply(cdc, header.Seq, resp)
}

// businessHandler is the core handler that dispatches invocations to registered hub methods.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: find method by target → decode each argument with the parameter type as hint →
// reflect.Call → encode result (structs positionally) → return completion
func (svr *Server) businessHandler(ctx context.Context, req *message.HubMessage) *message.HubMessage {
	svr.mu.RLock()
	m := svr.methods[req.Target]
	svr.mu.RUnlock()
	if m == nil {
		return &message.HubMessage{Target: req.Target, Error: fmt.Sprintf("unknown hub method %q", req.Target)}
	}

	cdc := codecFrom(ctx)
	args, err := transport.DecodeArgs(cdc, req.Arguments, m.Params)
	if err != nil {
		return &message.HubMessage{Target: req.Target, Error: err.Error()}
	}

	// Invoke the method via reflection: receiver.Method(ctx, args...)
	result, err := m.svc.call(ctx, m, args)
	if err != nil {
		return &message.HubMessage{Target: req.Target, Error: err.Error()}
	}
	if m.Result == nil {
		return &message.HubMessage{Target: req.Target}
	}

	// Message structs travel as positional values, like pushed messages
	payload := result
	if shape.IsMessage(m.Result) {
		s, err := shape.For(m.Result)
		if err == nil {
			payload, err = s.Encode(result)
		}
		if err != nil {
			return &message.HubMessage{Target: req.Target, Error: err.Error()}
		}
	}

	encoded, err := cdc.Encode(payload)
	if err != nil {
		svr.logger.Error("failed to encode result", zap.String("target", req.Target), zap.Error(err))
		return &message.HubMessage{Target: req.Target, Error: "failed to encode result"}
	}
	return &message.HubMessage{Target: req.Target, Result: encoded}
}

func (svr *Server) addConn(c *Connection) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[c.id] = c
	return true
}

func (svr *Server) removeConn(c *Connection) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	delete(svr.conns, c.id)
}

// Connections returns the number of connected clients.
func (svr *Server) Connections() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.conns)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop connecting to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight invocations to finish, or for ctx to be done
//  5. Close every client connection and the backplane
func (svr *Server) Shutdown(ctx context.Context) error {
	// Step 1: Deregister FIRST so clients stop picking this server
	if svr.registry != nil {
		if err := svr.registry.Deregister(ctx, svr.HubName(), svr.advertiseAddr); err != nil {
			svr.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listener
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil
	svr.mu.Lock()
	svr.shutdown.Store(true)
	listener := svr.listener
	svr.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	// Step 3: Wait for in-flight invocations
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: timeout waiting for ongoing invocations to finish: %w", ctx.Err())
	}

	// Step 4: Tell clients we are leaving
	svr.mu.RLock()
	conns := make([]*Connection, 0, len(svr.conns))
	for _, c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.RUnlock()
	for _, c := range conns {
		c.Close(ShutdownReason)
	}

	if svr.backplane != nil {
		err = errors.Join(err, svr.backplane.Close())
	}
	svr.logger.Info("server stopped")
	return err
}
