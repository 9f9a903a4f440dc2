package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr          string
	RedisPassword      string
	RedisNotifyChannel string

	KafkaBrokers      []string
	KafkaNotifyTopic  string
	KafkaRequestTopic string
	KafkaGroup        string

	NotifyWebhookURL string
	NotifyWebhookKey string

	MatchTopK         int
	MatchActiveJobCap int

	DispatchQueueSize     int
	DispatchWorkers       int
	DispatchRetryAttempts int
	DispatchRetryDelay    time.Duration

	ExpirySweepInterval time.Duration
	ExpiryBatchSize     int

	LogLevel string
}

// ConsumerConfig is the subset the request-event consumer needs plus its own
// metrics listener.
type ConsumerConfig struct {
	ServerConfig
	MetricsAddr  string
	MatchRetries int
	MatchBackoff time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisNotifyChannel:    "notifications",
		KafkaNotifyTopic:      "notifications",
		KafkaRequestTopic:     "service-requests",
		KafkaGroup:            "matching-engine",
		MatchTopK:             5,
		MatchActiveJobCap:     5,
		DispatchQueueSize:     256,
		DispatchWorkers:       4,
		DispatchRetryAttempts: 3,
		DispatchRetryDelay:    200 * time.Millisecond,
		ExpiryBatchSize:       50,
		LogLevel:              "info",
	}
}

// LoadDotEnv reads a .env file from the working directory when one exists.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisNotifyChannel, "REDIS_NOTIFY_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")
	setStringFromEnv(&cfg.KafkaRequestTopic, "KAFKA_REQUEST_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	setIntFromEnv(&cfg.MatchTopK, "MATCH_TOP_K", &errs)
	setIntFromEnv(&cfg.MatchActiveJobCap, "MATCH_ACTIVE_JOB_CAP", &errs)

	setIntFromEnv(&cfg.DispatchQueueSize, "DISPATCH_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.DispatchWorkers, "DISPATCH_WORKERS", &errs)
	setIntFromEnv(&cfg.DispatchRetryAttempts, "DISPATCH_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DispatchRetryDelay, "DISPATCH_RETRY_DELAY", &errs)

	setDurationFromEnv(&cfg.ExpirySweepInterval, "EXPIRY_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.ExpiryBatchSize, "EXPIRY_BATCH_SIZE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatchTopK <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOP_K must be > 0"))
	}
	if cfg.MatchActiveJobCap <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_ACTIVE_JOB_CAP must be > 0"))
	}
	if cfg.DispatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}
	if cfg.DispatchRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.ExpirySweepInterval < 0 {
		errs = append(errs, fmt.Errorf("EXPIRY_SWEEP_INTERVAL must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	base, err := LoadServerConfig()
	cfg := ConsumerConfig{
		ServerConfig: base,
		MetricsAddr:  ":2112",
		MatchRetries: 3,
		MatchBackoff: 200 * time.Millisecond,
	}
	errs := []error{err}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.MatchRetries, "MATCH_RETRIES", &errs)
	setDurationFromEnv(&cfg.MatchBackoff, "MATCH_RETRY_DELAY", &errs)
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.MatchRetries <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
