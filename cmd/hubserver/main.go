// Command hubserver runs the chat hub.
//
//	hubserver -config minihub.toml
//
// Every setting can also come from MINIHUB_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mini-hub/config"
	"mini-hub/internal/chat"
	"mini-hub/logging"
	"mini-hub/metrics"
	"mini-hub/middleware"
	"mini-hub/registry"
	"mini-hub/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hubserver stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hubserver", zap.Stringer("config", cfg))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithCodec(cfg.CodecType()),
		server.WithMetrics(m),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithHubName(cfg.HubName),
	}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithLogger(logger))
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr, cfg.RegistryTTL))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.Recover(logger))
	svr.Use(middleware.Logging(logger))
	svr.Use(middleware.Tracing(nil))
	svr.Use(middleware.Metrics(m))
	if cfg.RequestTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if err := svr.Register(chat.NewHub(svr.Clients())); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve(cfg.Network, cfg.ListenAddr) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = svr.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
	}
	return err
}
