// Package messaging publishes miner events to Kafka so that pool-side
// tooling can follow what every rig is doing.
package messaging

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/circuit"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
	"github.com/bardlex/gomp-miner/pkg/retry"
)

// MessageWriter is the part of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher is a monitor sink writing one Kafka message per event,
// keyed by the miner's identity so a rig's events stay ordered.
type EventPublisher struct {
	writer         MessageWriter
	topic          string
	key            []byte
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewWriter creates the producer used by NewEventPublisher
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// NewEventPublisher creates a publisher on writer. key identifies the miner.
func NewEventPublisher(writer MessageWriter, topic, key string, logger *log.Logger) *EventPublisher {
	if topic == "" {
		topic = TopicEvents
	}
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("kafka")

	cb := circuit.New("kafka", circuit.SinkConfig()).
		OnStateChange(func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})

	return &EventPublisher{
		writer:         writer,
		topic:          topic,
		key:            []byte(key),
		logger:         logger,
		circuitBreaker: cb,
		retryConfig:    retry.NetworkConfig(),
	}
}

// Name implements monitor.Sink
func (p *EventPublisher) Name() string {
	return "kafka"
}

// Record implements monitor.Sink
func (p *EventPublisher) Record(ctx context.Context, ev stratum.Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   p.key,
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(ev.Type.String())},
			{Key: HeaderEndpoint, Value: []byte(ev.Endpoint)},
		},
	}

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", p.topic).
					WithContext("event_type", ev.Type.String()).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published event", "topic", p.topic, "event_type", ev.Type.String(), "size", len(data))
			return nil
		})
	})
}

// Breaker exposes the publisher's circuit breaker
func (p *EventPublisher) Breaker() *circuit.Breaker {
	return p.circuitBreaker
}

// Close flushes and closes the producer
func (p *EventPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close producer", "topic", p.topic, "error", err)
		return errors.Wrap(err, errors.ErrorTypeKafka, "close_producer", "failed to close producer")
	}
	return nil
}
