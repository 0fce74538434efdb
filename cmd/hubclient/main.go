// Command hubclient joins the chat hub and broadcasts every line read from
// stdin.
//
//	hubclient -user ann -addr 127.0.0.1:7070
//
// Without -addr the server is found through etcd (MINIHUB_ETCD_ENDPOINTS).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mini-hub/client"
	"mini-hub/config"
	"mini-hub/hub"
	"mini-hub/internal/chat"
	"mini-hub/loadbalance"
	"mini-hub/logging"
	"mini-hub/registry"
	"mini-hub/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", "", "hub server address; empty uses the registry")
	user := flag.String("user", "anonymous", "name shown next to your messages")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *addr, *user); err != nil {
		logger.Fatal("hubclient stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, addr, user string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	affinity := cfg.AffinityKey
	if affinity == "" {
		affinity = user
	}
	opts := []client.Option{
		client.WithCodec(cfg.CodecType()),
		client.WithHeartbeat(cfg.HeartbeatInterval),
		client.WithLogger(logger),
		client.WithDialRetry(cfg.DialAttempts, cfg.DialBackoff),
		client.WithAffinityKey(affinity),
	}

	conn, err := connect(ctx, cfg, logger, addr, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	d := hub.NewDispatcher(conn, hub.WithLogger(logger))
	defer d.Close()
	if _, err := hub.SubscribeFunc(d, func(msg chat.ChatMessage) {
		fmt.Printf("%s: %s\n", msg.User, msg.Text)
	}); err != nil {
		return err
	}

	srv, err := hub.NewProxy[chat.Server](hub.NewInvoker(conn))
	if err != nil {
		return err
	}
	id, err := srv.WhoAmI(ctx)
	if err != nil {
		return err
	}
	count, err := srv.GetCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("connected to %s as %s (%d messages so far)\n", conn.RemoteAddr(), id, count)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := srv.Broadcast(ctx, user, line); err != nil {
				logger.Warn("broadcast failed", zap.Error(err))
			}
		}
	}
}

func connect(ctx context.Context, cfg config.Config, logger *zap.Logger, addr string, opts []client.Option) (*transport.Conn, error) {
	if addr != "" || len(cfg.EtcdEndpoints) == 0 {
		if addr == "" {
			addr = cfg.ListenAddr
		}
		return client.DialAddr(ctx, addr, opts...)
	}

	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	if cfg.AffinityKey != "" {
		bal = nil // let the client pick consistent hashing
	}
	// The registry client stays open for the life of the process
	return client.New(reg, bal, opts...).Connect(ctx, cfg.HubName)
}
