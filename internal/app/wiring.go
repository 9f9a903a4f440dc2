// Package app assembles the stores and notification sinks shared by the
// HTTP server and the request consumer.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/home-services-matching/internal/config"
	"github.com/example/home-services-matching/internal/dispatch"
	httpapi "github.com/example/home-services-matching/internal/http"
	"github.com/example/home-services-matching/internal/storage"
)

// OpenStore returns the Postgres store when PG_DSN is set and the in-memory
// store otherwise.
func OpenStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, pg.DB())
		if err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "files", applied)
	}
	return pg, nil
}

// Notifications is the dispatcher with every configured sink attached.
type Notifications struct {
	Dispatcher *dispatch.Dispatcher
	WS         *dispatch.WSRegistry
	Checks     []httpapi.Check
	closers    []io.Closer
}

// BuildNotifications always delivers to websocket sessions and the log, and
// adds Redis, Kafka and webhook sinks when they are configured.
func BuildNotifications(cfg config.ServerConfig, logger *slog.Logger) *Notifications {
	n := &Notifications{WS: dispatch.NewWSRegistry()}
	sinks := []dispatch.Sink{n.WS}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		sinks = append(sinks, dispatch.NewRedisSink(rc, cfg.RedisNotifyChannel))
		n.Checks = append(n.Checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		n.closers = append(n.closers, rc)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		sinks = append(sinks, ks)
		n.closers = append(n.closers, ks)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	sinks = append(sinks, dispatch.LogSink{Logger: logger})

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	logger.Info("notification sinks configured", "sinks", names)

	n.Dispatcher = dispatch.NewDispatcher(dispatch.Options{
		QueueSize:     cfg.DispatchQueueSize,
		Workers:       cfg.DispatchWorkers,
		RetryAttempts: cfg.DispatchRetryAttempts,
		RetryDelay:    cfg.DispatchRetryDelay,
		DrainTimeout:  cfg.ShutdownTimeout,
		Logger:        logger,
	}, sinks...)
	return n
}

// Close drains the dispatcher and releases sink connections.
func (n *Notifications) Close() {
	n.Dispatcher.Stop()
	for _, c := range n.closers {
		_ = c.Close()
	}
}
