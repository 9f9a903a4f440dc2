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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/home-services-matching/internal/app"
	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/config"
	"github.com/example/home-services-matching/internal/ingest"
	"github.com/example/home-services-matching/internal/logging"
	"github.com/example/home-services-matching/internal/matcher"
	"github.com/example/home-services-matching/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total request events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	matchesDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_matches_total",
		Help: "Total request events that ended in a stored match",
	})
	matchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_match_errors_total",
		Help: "Total request events whose matching failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, matchesDone, matchErrors)
}

func main() {
	var envFile string
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		slog.Error("dotenv", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.ServerConfig, logger)
	if err != nil {
		logger.Error("store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	notes := app.BuildNotifications(cfg.ServerConfig, logger)
	notes.Dispatcher.Start(ctx)
	defer notes.Close()

	engine := &matcher.Engine{
		Store:        store,
		Notifier:     notes.Dispatcher,
		TopK:         cfg.MatchTopK,
		ActiveJobCap: cfg.MatchActiveJobCap,
		Logger:       logger,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "store not ready", 503)
				return
			}
			for _, c := range notes.Checks {
				if err := c.Ping(r.Context()); err != nil {
					http.Error(w, c.Name+" not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaRequestTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaRequestTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := ingest.DecodeRequestEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}

		if err := matchWithRetry(ctx, engine, ev.RequestID, cfg.MatchRetries, cfg.MatchBackoff); err != nil {
			matchErrors.Inc()
			logger.Error("matching failed", "request_id", ev.RequestID, "err", err)
			continue
		}
		matchesDone.Inc()
	}
}

// Matcher is the part of the engine the consumer drives.
type Matcher interface {
	Match(ctx context.Context, requestID string) (*matcher.Result, error)
}

// matchWithRetry runs the first matching round for a request. A request that
// was already matched counts as done, one that is gone or no longer pending
// is skipped, and anything else is retried with a doubling delay.
func matchWithRetry(ctx context.Context, m Matcher, requestID string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = m.Match(ctx, requestID)
		switch {
		case err == nil, errors.Is(err, storage.ErrAlreadyMatched):
			return nil
		case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrNotFound):
			slog.Info("skipping request event", "request_id", requestID, "reason", apperr.KindName(err))
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
