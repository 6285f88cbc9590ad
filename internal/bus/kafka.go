package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultProduceTimeout = 10 * time.Second

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams turn events to a Kafka topic as JSON.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaWriter builds a synchronous writer for a comma separated broker list.
func NewKafkaWriter(brokers, topic string) (*kafka.Writer, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaPublisher wraps writer. The publisher owns it and closes it in Close.
func NewKafkaPublisher(writer MessageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: writer, timeout: defaultProduceTimeout, logger: logger}
}

// Publish writes ev keyed by its session so a conversation stays ordered
// within one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev TurnEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}
	key := ev.SessionKey
	if key == "" {
		key = ev.ID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "expert", Value: []byte(ev.Expert)},
			{Key: "route_reason", Value: []byte(ev.Reason)},
		},
		Time: ev.Timestamp,
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("write turn event: %w", err)
	}
	return nil
}

// Handle adapts Publish to a bus subscriber; failures are logged.
func (p *KafkaPublisher) Handle(ctx context.Context, ev TurnEvent) {
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn("Kafka publish failed", "turn_id", ev.ID, "error", err)
	}
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
