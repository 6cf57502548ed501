package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors every event onto a Kafka topic keyed by request id, so
// all events of one request land on one partition in order.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, timeout: 2 * time.Second, logger: logging.Component(logger, "events.kafka")}
}

func (k *KafkaSink) Publish(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		k.logger.Error("marshal event", "type", e.Type, "err", err)
		return
	}
	key := e.RequestID
	if key == "" {
		key = e.DriverID
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		observability.SideEffectFailures.WithLabelValues("event_sink").Inc()
		k.logger.Warn("publish event failed", "type", e.Type, "request_id", e.RequestID, "err", err)
	}
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
