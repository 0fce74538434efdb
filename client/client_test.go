package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mini-hub/codec"
	"mini-hub/hub"
	"mini-hub/internal/chat"
	"mini-hub/loadbalance"
	"mini-hub/registry"
	"mini-hub/server"
	"mini-hub/transport"
)

func startChat(t *testing.T) (string, *server.Server) {
	t.Helper()
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	if err := svr.Register(chat.NewHub(svr.Clients())); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return l.Addr().String(), svr
}

type session struct {
	conn  *transport.Conn
	proxy *chat.Server
	d     *hub.Dispatcher
}

func connect(t *testing.T, addr string, opts ...Option) *session {
	t.Helper()
	opts = append([]Option{WithHeartbeat(0), WithLogger(zaptest.NewLogger(t))}, opts...)
	conn, err := DialAddr(context.Background(), addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	proxy, err := hub.NewProxy[chat.Server](hub.NewInvoker(conn))
	if err != nil {
		t.Fatal(err)
	}
	return &session{conn: conn, proxy: proxy, d: hub.NewDispatcher(conn, hub.WithLogger(zaptest.NewLogger(t)))}
}

func subscribe[T any](t *testing.T, d *hub.Dispatcher) (<-chan T, *hub.Subscription) {
	t.Helper()
	got := make(chan T, 8)
	sub, err := hub.SubscribeFunc(d, func(msg T) { got <- msg })
	if err != nil {
		t.Fatal(err)
	}
	return got, sub
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

func expectNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected message %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// 测试 Ping 往返：结构体按位置编码
func TestEchoRoundTrip(t *testing.T) {
	addr, _ := startChat(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		s := connect(t, addr, WithCodec(ct))
		got, err := s.proxy.Echo(context.Background(), chat.Ping{ID: 1, Text: "hi"})
		if err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if got != (chat.Ping{ID: 1, Text: "hi"}) {
			t.Fatalf("%s: expect {1 hi}, got %+v", ct, got)
		}
	}
}

func TestShortPushFillsZeroValues(t *testing.T) {
	addr, svr := startChat(t)
	s := connect(t, addr)
	got, _ := subscribe[chat.Ping](t, s.d)

	// Make sure the server knows the connection before pushing
	if _, err := s.proxy.WhoAmI(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svr.Clients().All().Send(context.Background(), "Ping", []any{1}); err != nil {
		t.Fatal(err)
	}
	if p := receive(t, got); p != (chat.Ping{ID: 1}) {
		t.Fatalf("expect {1 \"\"}, got %+v", p)
	}
}

func TestBroadcastAndCount(t *testing.T) {
	addr, _ := startChat(t)
	s := connect(t, addr)
	got, _ := subscribe[chat.ChatMessage](t, s.d)
	ctx := context.Background()

	if err := s.proxy.Broadcast(ctx, "ann", "hello"); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, got); msg != (chat.ChatMessage{User: "ann", Text: "hello"}) {
		t.Fatalf("unexpected message %+v", msg)
	}

	n, err := s.proxy.GetCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expect count 1, got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	addr, _ := startChat(t)
	s := connect(t, addr)
	got, _ := subscribe[chat.ChatMessage](t, s.d)
	ctx := context.Background()

	s.proxy.Broadcast(ctx, "ann", "first")
	receive(t, got)

	hub.Unsubscribe[chat.ChatMessage](s.d)
	s.proxy.Broadcast(ctx, "ann", "second")
	expectNothing(t, got)
}

func TestUnsubscribeAllKeepsForeignHandlers(t *testing.T) {
	addr, _ := startChat(t)
	s := connect(t, addr)
	ctx := context.Background()

	gotMsg, _ := subscribe[chat.ChatMessage](t, s.d)
	gotPing, _ := subscribe[chat.Ping](t, s.d)

	foreign := make(chan []any, 8)
	s.conn.On("ChatMessage", nil, func(ctx context.Context, args []any) error {
		foreign <- args
		return nil
	})

	s.d.UnsubscribeAll()
	if subs := s.d.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expect no subscriptions left, got %v", subs)
	}

	s.proxy.Broadcast(ctx, "ann", "after")
	args := receive(t, foreign)
	if len(args) != 2 || args[0] != "ann" || args[1] != "after" {
		t.Fatalf("foreign handler got %v", args)
	}
	expectNothing(t, gotMsg)
	expectNothing(t, gotPing)
}

func TestAudiences(t *testing.T) {
	addr, _ := startChat(t)
	a := connect(t, addr)
	b := connect(t, addr)
	ctx := context.Background()

	gotA, _ := subscribe[chat.ChatMessage](t, a.d)
	gotB, _ := subscribe[chat.ChatMessage](t, b.d)

	idB, err := b.proxy.WhoAmI(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.proxy.Others(ctx, "ann", "not me"); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, gotB); msg.Text != "not me" {
		t.Fatalf("unexpected message %+v", msg)
	}
	expectNothing(t, gotA)

	if err := a.proxy.Whisper(ctx, idB, "ann", "psst"); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, gotB); msg.Text != "psst" {
		t.Fatalf("unexpected message %+v", msg)
	}
	expectNothing(t, gotA)

	err = a.proxy.Whisper(ctx, "nobody", "ann", "lost")
	if !errors.Is(err, transport.ErrRemote) {
		t.Fatalf("expect remote error for unknown connection, got %v", err)
	}
}

func TestConnectThroughRegistry(t *testing.T) {
	addr, svr := startChat(t)
	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), svr.HubName(), registry.ServiceInstance{Addr: addr}, time.Second)

	c := New(reg, nil, WithHeartbeat(0), WithLogger(zaptest.NewLogger(t)))
	defer c.Close()

	conn1, err := c.Connect(context.Background(), "ChatHub")
	if err != nil {
		t.Fatal(err)
	}
	conn2, err := c.Connect(context.Background(), "ChatHub")
	if err != nil {
		t.Fatal(err)
	}
	if conn1 != conn2 {
		t.Fatal("connections to the same server should be shared")
	}

	n, err := hub.Invoke[int](context.Background(), hub.NewInvoker(conn1), "GetCount")
	if err != nil || n != 0 {
		t.Fatalf("expect 0, got %d (%v)", n, err)
	}

	// A closed connection is replaced on the next Connect
	conn1.Close()
	conn3, err := c.Connect(context.Background(), "ChatHub")
	if err != nil {
		t.Fatal(err)
	}
	if conn3 == conn1 {
		t.Fatal("expect a fresh connection after close")
	}
}

func TestConnectAffinity(t *testing.T) {
	addr1, _ := startChat(t)
	addr2, _ := startChat(t)
	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), "ChatHub", registry.ServiceInstance{Addr: addr1}, time.Second)
	reg.Register(context.Background(), "ChatHub", registry.ServiceInstance{Addr: addr2}, time.Second)

	var first string
	for i := 0; i < 5; i++ {
		c := New(reg, nil, WithAffinityKey("user-42"), WithHeartbeat(0))
		conn, err := c.Connect(context.Background(), "ChatHub")
		if err != nil {
			t.Fatal(err)
		}
		remote := conn.RemoteAddr().String()
		c.Close()
		if first == "" {
			first = remote
		} else if remote != first {
			t.Fatalf("affinity broken: %s then %s", first, remote)
		}
	}
}

func TestConnectNoInstances(t *testing.T) {
	c := New(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}, WithDialRetry(2, time.Millisecond))
	defer c.Close()

	_, err := c.Connect(context.Background(), "ChatHub")
	if !errors.Is(err, loadbalance.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestDialRetryGivesUp(t *testing.T) {
	// Grab a free port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	start := time.Now()
	_, err = DialAddr(context.Background(), addr, WithDialRetry(3, 10*time.Millisecond), WithDialTimeout(time.Second))
	if err == nil {
		t.Fatal("expect dial error")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expect at least one backoff wait between attempts")
	}
}

func TestDialCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialAddr(ctx, "127.0.0.1:1")
	if err == nil {
		t.Fatal("expect error for canceled context")
	}
}

