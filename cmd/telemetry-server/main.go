package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/satellite-telemetry/core"
	"github.com/signalsfoundry/satellite-telemetry/internal/api"
	"github.com/signalsfoundry/satellite-telemetry/internal/config"
	"github.com/signalsfoundry/satellite-telemetry/internal/feed"
	"github.com/signalsfoundry/satellite-telemetry/internal/logging"
	"github.com/signalsfoundry/satellite-telemetry/internal/observability"
	"github.com/signalsfoundry/satellite-telemetry/internal/subscription"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	httpAddr := flag.String("http-addr", "", "Override http.addr")
	feedAddr := flag.String("feed-addr", "", "Override feed.addr; empty keeps the configured value")
	sourceKind := flag.String("source", "", "Override source.kind (sim, memory, grpc, nats, kafka, mqtt)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(*configPath)
	if err == nil {
		err = applyFlags(cfg, *httpAddr, *feedAddr, *sourceKind)
	}
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load configuration",
			logging.String("path", *configPath),
			logging.Err(err),
		)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging())

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTP.Addr), logging.Err(err))
		os.Exit(1)
	}
	var feedLis net.Listener
	if cfg.Feed.Addr != "" {
		feedLis, err = net.Listen("tcp", cfg.Feed.Addr)
		if err != nil {
			log.Error(ctx, "failed to listen for feed gRPC", logging.String("addr", cfg.Feed.Addr), logging.Err(err))
			os.Exit(1)
		}
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, httpLis, feedLis); err != nil {
		log.Error(ctx, "telemetry server exited", logging.Err(err))
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, httpAddr, feedAddr, sourceKind string) error {
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if feedAddr != "" {
		cfg.Feed.Addr = feedAddr
	}
	if sourceKind != "" {
		cfg.Source.Kind = sourceKind
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

// run serves the read API on httpLis, and the snapshot feed on feedLis when
// it is non-nil, until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, httpLis, feedLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewPipelineCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	src, closeSource, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	sourceClosed := false
	defer func() {
		if !sourceClosed {
			closeSource()
		}
	}()

	mgr := subscription.NewManager(src, log,
		subscription.WithMetrics(collector),
		subscription.WithTracer(observability.Tracer()),
		subscription.WithNormalizeOptions(core.NormalizeOptions{RequireImage: cfg.Normalize.RequireImage}),
	)
	hub := api.NewHub(log)
	dash := api.NewDashboard(core.NewHistoryWindow(cfg.History.Capacity),
		api.WithHub(hub),
		api.WithMetrics(collector),
	)

	superviseCtx, stopSupervisors := context.WithCancel(ctx)
	defer stopSupervisors()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := subscription.Supervise(superviseCtx, mgr, cfg.Source.Path, dash.OnReading, subscription.SuperviseConfig{})
		logSupervisorExit(superviseCtx, log, cfg.Source.Path, err)
	}()
	if cfg.Source.GalleryPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := subscription.SuperviseGallery(superviseCtx, mgr, cfg.Source.GalleryPath, dash.OnGallery, subscription.SuperviseConfig{})
			logSupervisorExit(superviseCtx, log, cfg.Source.GalleryPath, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := subscription.SuperviseLatestImage(superviseCtx, mgr, cfg.Source.GalleryPath, dash.OnLatestImage, subscription.SuperviseConfig{})
			logSupervisorExit(superviseCtx, log, cfg.Source.GalleryPath, err)
		}()
	}

	httpSrv := &http.Server{
		Handler: api.NewRouter(api.Config{
			Dashboard:      dash,
			Hub:            hub,
			Metrics:        collector.Handler(),
			Log:            log,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 2)
	log.Info(ctx, "serving read API", logging.String("addr", httpLis.Addr().String()))
	go func() {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if feedLis != nil {
		grpcSrv = grpc.NewServer(feed.ServerOptions(log, collector)...)
		feed.RegisterSnapshotFeedServer(grpcSrv, feed.NewServer(src, log))
		log.Info(ctx, "serving snapshot feed", logging.String("addr", feedLis.Addr().String()))
		go func() {
			if err := grpcSrv.Serve(feedLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("feed server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	log.Info(context.Background(), "shutting down telemetry server")
	stopSupervisors()
	closeSource()
	sourceClosed = true
	if grpcSrv != nil {
		stopGRPC(grpcSrv)
	}
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := observability.ShutdownHTTP(shutdownCtx, httpSrv); err != nil {
		log.Warn(shutdownCtx, "http shutdown failed", logging.Err(err))
	}
	wg.Wait()
	return runErr
}

// stopGRPC drains open feed streams, forcing them closed after
// shutdownTimeout.
func stopGRPC(srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		srv.Stop()
	}
}

func logSupervisorExit(ctx context.Context, log logging.Logger, path string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	log.Error(ctx, "subscription supervisor gave up", logging.String("path", path), logging.Err(err))
}
