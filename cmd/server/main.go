package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/home-services-matching/internal/app"
	"github.com/example/home-services-matching/internal/assignment"
	"github.com/example/home-services-matching/internal/config"
	"github.com/example/home-services-matching/internal/expiry"
	httpapi "github.com/example/home-services-matching/internal/http"
	"github.com/example/home-services-matching/internal/ingest"
	"github.com/example/home-services-matching/internal/logging"
	"github.com/example/home-services-matching/internal/matcher"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		slog.Error("dotenv", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notes := app.BuildNotifications(cfg, logger)
	notes.Dispatcher.Start(ctx)
	defer notes.Close()

	engine := &matcher.Engine{
		Store:        store,
		Notifier:     notes.Dispatcher,
		TopK:         cfg.MatchTopK,
		ActiveJobCap: cfg.MatchActiveJobCap,
		Logger:       logger.With("component", "matcher"),
	}
	coord := &assignment.Coordinator{
		Store:    store,
		Notifier: notes.Dispatcher,
		Logger:   logger.With("component", "assignment"),
	}

	sweeper := &expiry.Sweeper{
		Store:     store,
		Rematcher: engine,
		Interval:  cfg.ExpirySweepInterval,
		BatchSize: cfg.ExpiryBatchSize,
		Logger:    logger.With("component", "expiry"),
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	opts := httpapi.Options{
		Store:       store,
		Engine:      engine,
		Coordinator: coord,
		WSReg:       notes.WS,
		Checks:      notes.Checks,
		Logger:      logger,
	}
	// with brokers configured the consumer runs matching; otherwise it runs here
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaRequestTopic)
		defer producer.Close()
		opts.Trigger = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("home-services-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
