package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"subroute/api"
	"subroute/cloudflare"
	"subroute/config"
	"subroute/manager"
	"subroute/observability"
	"subroute/proxy"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Subroute exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("subroute")

	// Initialize runtime and registry
	runtime, err := manager.NewDockerRuntime(logger.Named("docker"))
	if err != nil {
		return fmt.Errorf("failed to initialize Docker runtime: %w", err)
	}
	registry := manager.NewMemoryRegistry()

	pipelineOpts := []manager.PipelineOption{manager.WithMetrics(metrics)}
	deps := api.Dependencies{
		Runtime:       runtime,
		Routes:        registry,
		Metrics:       metrics,
		Logger:        logger.Named("api"),
		RouteSuffix:   cfg.RouteSuffix,
		CreateTimeout: cfg.CreateTimeoutDuration(),
	}

	if cfg.Cloudflare.Enabled {
		cfClient, err := cloudflare.NewClient(cfg.Cloudflare, cfg.ServerAddress, logger.Named("cloudflare"))
		if err != nil {
			return err
		}
		domains := cloudflare.NewManager(cfClient, logger.Named("domains"))
		pipelineOpts = append(pipelineOpts, manager.WithPublisher(domains))
		deps.Domains = domains
		logger.Info("Cloudflare DNS publishing enabled", zap.String("base_domain", cfg.Cloudflare.BaseDomain))
	}

	pipeline := manager.NewPipeline(registry, runtime, logger.Named("pipeline"), pipelineOpts...)
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipeline.Run(ctx, runtime)
	}()

	router := proxy.NewRouter(registry, logger.Named("proxy"), proxy.Options{
		Timeout:      cfg.ProxyTimeoutDuration(),
		ChangeOrigin: cfg.ChangeOrigin,
		Metrics:      metrics,
	})

	apiServer := &http.Server{
		Addr:              cfg.APIServerPort,
		Handler:           api.NewServer(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	proxyServer := &http.Server{
		Addr:              cfg.ProxyServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	logger.Info("API server starting", zap.String("addr", cfg.APIServerPort))
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("API server: %w", err)
		}
	}()

	logger.Info("Proxy server starting", zap.String("addr", cfg.ProxyServerPort))
	go func() {
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down servers", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Error("Server failed, shutting down", zap.Error(runErr))
	}

	// Stop consuming lifecycle events
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server failed to shutdown gracefully", zap.Error(err))
	} else {
		logger.Info("API server shutdown complete")
	}

	proxyShutdownCtx, proxyShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer proxyShutdownCancel()

	if err := proxyServer.Shutdown(proxyShutdownCtx); err != nil {
		logger.Warn("Proxy server failed to shutdown gracefully", zap.Error(err))
	} else {
		logger.Info("Proxy server shutdown complete")
	}

	select {
	case <-pipelineDone:
	case <-time.After(5 * time.Second):
		logger.Warn("Event pipeline did not stop in time")
	}

	logger.Info("Server exited", zap.Int("routes", registry.Len()))
	return runErr
}
