package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/options-engine/internal/model"
)

// KafkaConfig configures the committed-event publisher.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	MaxRetries int
	Backoff    time.Duration
}

// KafkaSink publishes committed events as JSON messages keyed by market,
// so every event of one market lands on the same partition in order.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        cfg.Backoff,
		WriteBackoffMax:        cfg.Backoff * 10,
	}
	slog.Info("kafka event sink created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaSink{writer: w, topic: cfg.Topic}
}

// Publish writes evs in one batch.
func (k *KafkaSink) Publish(ctx context.Context, evs []model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, e := range evs {
		msg, err := encodeMessage(k.topic, e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		slog.Error("kafka publish failed", "topic", k.topic, "count", len(msgs), "err", err)
		return fmt.Errorf("events: kafka publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func encodeMessage(topic string, e model.Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: marshal %s: %w", e.ID, err)
	}
	key := e.Market
	if key == "" {
		key = string(e.Type)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
