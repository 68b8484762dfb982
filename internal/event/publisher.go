package event

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	apperrors "reforge/pkg/errors"
)

// Publisher emits domain events for downstream consumers. Implementations
// must be safe for concurrent use.
type Publisher interface {
	PublishOutcome(ctx context.Context, ev OutcomeEvent) error
	PublishRelapse(ctx context.Context, ev RelapseEvent) error
	Close() error
}

// KafkaConfig defines configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`

	RequiredAcks kafka.RequiredAcks `yaml:"requiredAcks"`
	BatchSize    int                `yaml:"batchSize"`
	BatchTimeout time.Duration      `yaml:"batchTimeout"`
	DialTimeout  time.Duration      `yaml:"dialTimeout"`
	WriteTimeout time.Duration      `yaml:"writeTimeout"`
}

// KafkaPublisher implements Publisher on top of a shared kafka.Writer.
// Messages are keyed by user ID so per-user ordering is preserved.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a Kafka-backed event publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireOne
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) PublishOutcome(ctx context.Context, ev OutcomeEvent) error {
	return p.publish(ctx, TopicGradingOutcome, ev.UserID, ev)
}

func (p *KafkaPublisher) PublishRelapse(ctx context.Context, ev RelapseEvent) error {
	return p.publish(ctx, TopicRelapse, ev.UserID, ev)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.PublishFailed, "marshal %s event", topic)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return apperrors.Wrapf(err, apperrors.PublishFailed, "write %s event", topic)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards all events. Used when event emission is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishOutcome(context.Context, OutcomeEvent) error { return nil }
func (NopPublisher) PublishRelapse(context.Context, RelapseEvent) error { return nil }
func (NopPublisher) Close() error                                       { return nil }
