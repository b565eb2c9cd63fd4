package dispatch

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits offer and outcome events keyed by ride id, so the ride
// owner sees every event of one ride in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaPublisher{writer: w}
}

type event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (k *KafkaPublisher) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	return k.publish(ctx, n.Ride.ID, event{Type: "ride.offered", Data: n})
}

func (k *KafkaPublisher) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	return k.publish(ctx, o.RideID, event{Type: "ride." + string(o.Status), Data: o})
}

func (k *KafkaPublisher) publish(ctx context.Context, key string, ev event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
