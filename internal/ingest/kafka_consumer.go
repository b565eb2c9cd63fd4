package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Applier receives decoded location events.
type Applier interface {
	UpdateLocation(id string, lat, lon float64, ts time.Time) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationConsumer feeds driver location events from a Kafka topic into the
// registry.
type LocationConsumer struct {
	reader     messageReader
	applier    Applier
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, applier Applier, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newLocationConsumer(r, applier, logger)
}

func newLocationConsumer(r messageReader, applier Applier, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{reader: r, applier: applier, logger: logger, backoff: time.Second, maxBackoff: 30 * time.Second}
}

// Run reads until ctx is cancelled. Read errors back off exponentially.
func (c *LocationConsumer) Run(ctx context.Context) {
	backoff := c.backoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.backoff
		observability.LocationEventsConsumed.Inc()
		if err := c.handle(m.Value); err != nil {
			observability.LocationEventsInvalid.Inc()
			c.logger.Warn("location event rejected", "error", err, "offset", m.Offset, "partition", m.Partition)
		}
	}
}

func (c *LocationConsumer) handle(value []byte) error {
	var ev models.LocationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if ev.DriverID == "" {
		return errors.New("missing driver_id")
	}
	if ev.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	err := c.applier.UpdateLocation(ev.DriverID, ev.Lat, ev.Lon, ev.Timestamp)
	if errors.Is(err, registry.ErrUnknownDriver) {
		// locations for drivers that were never registered are expected noise
		c.logger.Debug("location for unknown driver", "driver_id", ev.DriverID)
		return nil
	}
	return err
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }
