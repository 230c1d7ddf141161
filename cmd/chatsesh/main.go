// Command chatsesh serves device-flow authorization and inactivity-bound sessions for chat
// users over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rlebel12/chatsesh"
	"github.com/rlebel12/chatsesh/cmd/internal"
	"github.com/rlebel12/chatsesh/stores/postgres"
	"github.com/rlebel12/chatsesh/stores/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	internal.RegisterFlags(flag.CommandLine, &cfg)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()})).
		With("service", "chatsesh")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := chatsesh.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []chatsesh.NewOpts{
		chatsesh.WithLogger(logger),
		chatsesh.WithProvider(cfg.Provider()),
		chatsesh.WithOfflineMode(cfg.OfflineMode),
		chatsesh.WithSessionTimeout(cfg.SessionTimeout),
		chatsesh.WithPollInterval(cfg.PollInterval),
		chatsesh.WithMaxPollAttempts(cfg.MaxPollAttempts),
		chatsesh.WithNotifyRetryDelay(cfg.NotifyRetryDelay),
		chatsesh.WithActivityFlushInterval(cfg.ActivityFlushInterval),
		chatsesh.WithMonitor(chatsesh.NewLoggerMonitor(logger)),
		chatsesh.WithMetrics(metrics),
	}
	if cfg.AuditDir != "" {
		opts = append(opts, chatsesh.WithAuditor(chatsesh.NewFileAuditor(cfg.AuditDir, nil)))
	}
	if cfg.NotifyWebhookURL != "" {
		opts = append(opts, chatsesh.WithNotifier(chatsesh.NewWebhookNotifier(cfg.NotifyWebhookURL, &http.Client{Timeout: 10 * time.Second})))
	}
	cs := chatsesh.New(store, opts...)
	defer cs.Close()

	mux := http.NewServeMux()
	mux.Handle("/", cs.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "offline", cs.Poller().Offline())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg internal.Config, logger *slog.Logger) (chatsesh.UserStorer, func(), error) {
	kind, location, err := cfg.Storage()
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case internal.StoragePostgres:
		pool, err := postgres.Connect(ctx, location, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres storage")
		return postgres.New(pool), pool.Close, nil
	case internal.StorageSQLite:
		store, err := sqlite.Open(ctx, location)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite storage", "path", location)
		return store, func() { _ = store.Close() }, nil
	default:
		logger.Warn("using in-memory storage; users are lost on restart")
		return chatsesh.NewMemoryStore(), func() {}, nil
	}
}
