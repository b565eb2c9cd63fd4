package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_redis_errors_total",
		Help: "Total redis updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(redisUpdates, redisErrors)
}

// The mirror consumer keeps the last position of every driver in Redis so a
// restarted dispatcher can rebuild its registry.
func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer := &mirrorWriter{
		ctx:      ctx,
		saver:    geo.NewRedisMirror(rc, cfg.RedisGeoKey),
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
	}
	consumer := ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, writer, logger)
	defer consumer.Close()

	logger.Info("mirror consumer started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consumer.Run(ctx)
	logger.Info("shutting down consumer")
}

// LocationSaver is the mirror write the consumer needs.
type LocationSaver interface {
	Save(ctx context.Context, ev models.LocationEvent) error
}

// mirrorWriter applies consumed pings to the Redis mirror.
type mirrorWriter struct {
	ctx      context.Context
	saver    LocationSaver
	attempts int
	delay    time.Duration
}

func (m *mirrorWriter) UpdateLocation(id string, lat, lon float64, ts time.Time) error {
	if err := geo.Validate(lat, lon); err != nil {
		return err
	}
	ev := models.LocationEvent{DriverID: id, Lat: lat, Lon: lon, Timestamp: ts}
	if err := updateRedisWithRetry(m.ctx, m.saver, ev, m.attempts, m.delay); err != nil {
		redisErrors.Inc()
		return err
	}
	redisUpdates.Inc()
	return nil
}

// updateRedisWithRetry saves ev, doubling delay between failed attempts.
func updateRedisWithRetry(ctx context.Context, s LocationSaver, ev models.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Save(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
