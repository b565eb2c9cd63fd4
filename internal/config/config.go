package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with nothing but memory-backed components.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaOutcomeTopic  string
	KafkaGroup         string

	RabbitMQURL      string
	RabbitMQExchange string

	PushEndpoint string
	OSRMEndpoint string

	PGDSN            string
	PersistQueueSize int
	PersistFlush     time.Duration

	DriverStaleAfter    time.Duration
	OfferTimeout        time.Duration
	SweepInterval       time.Duration
	DefaultRadiusMeters float64
	MaxAttempts         int
	RequestTTL          time.Duration
	ArchiveRetention    time.Duration

	NotifyQueueSize int
	NotifyWorkers   int

	DefaultSpeedMps float64
	ETACacheTTL     time.Duration
	ETAMaxInflight  int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaLocationTopic:  "driver-locations",
		KafkaOutcomeTopic:   "ride-dispatch-events",
		KafkaGroup:          "ride-dispatch",
		RabbitMQExchange:    "ride.dispatch",
		PersistQueueSize:    4096,
		PersistFlush:        time.Second,
		DriverStaleAfter:    30 * time.Second,
		OfferTimeout:        15 * time.Second,
		SweepInterval:       time.Second,
		DefaultRadiusMeters: 5000,
		RequestTTL:          2 * time.Minute,
		ArchiveRetention:    10 * time.Minute,
		NotifyQueueSize:     1024,
		NotifyWorkers:       4,
		DefaultSpeedMps:     10,
		ETACacheTTL:         30 * time.Second,
		ETAMaxInflight:      8,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaOutcomeTopic, "KAFKA_OUTCOME_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.RabbitMQURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	setStringFromEnv(&cfg.RabbitMQExchange, "RABBITMQ_EXCHANGE")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.PersistQueueSize, "PERSIST_QUEUE_SIZE", &errs)
	setDurationFromEnv(&cfg.PersistFlush, "PERSIST_FLUSH_INTERVAL", &errs)

	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setFloatFromEnv(&cfg.DefaultRadiusMeters, "MATCH_DEFAULT_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxAttempts, "MATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "MATCH_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.ArchiveRetention, "SESSION_ARCHIVE_RETENTION", &errs)

	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.ETAMaxInflight, "ETA_MAX_INFLIGHT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.OfferTimeout {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0 and shorter than OFFER_TIMEOUT"))
	}
	if c.DriverStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_STALE_AFTER must be > 0"))
	}
	if c.DefaultRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_DEFAULT_RADIUS_M must be > 0"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_ATTEMPTS must be >= 0"))
	}
	if c.RequestTTL < 0 {
		errs = append(errs, fmt.Errorf("MATCH_REQUEST_TTL must be >= 0"))
	}
	if c.NotifyQueueSize <= 0 || c.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be > 0"))
	}
	if c.PersistQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_QUEUE_SIZE must be > 0"))
	}
	if c.ETAMaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("ETA_MAX_INFLIGHT must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the location mirror consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-mirror",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_MIRROR_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
