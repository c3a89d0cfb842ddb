package service

import (
	"context"
	"fmt"
	"time"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/pkg/kafka"
)

// EventPublisher delivers staged desk events to the fan-out transport.
// The relay worker is its only caller; the engine never publishes
// directly.
type EventPublisher interface {
	// Publish delivers a single staged desk event
	Publish(ctx context.Context, msg *domain.OutboxMessage) error

	// Close closes the event publisher
	Close() error
}

// KafkaEventPublisher implements EventPublisher using Kafka
type KafkaEventPublisher struct {
	producer    *kafka.Producer
	serviceName string
}

// EventPublisherConfig contains configuration for the event publisher
type EventPublisherConfig struct {
	Brokers     []string
	ServiceName string
	ClientID    string
}

// NewKafkaEventPublisher creates a new Kafka event publisher
func NewKafkaEventPublisher(ctx context.Context, cfg *EventPublisherConfig) (*KafkaEventPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("event publisher config is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "deskbooking"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "deskbooking-relay"
	}

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      clientID,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		BatchSize:     100,
		LingerMs:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaEventPublisher{
		producer:    producer,
		serviceName: serviceName,
	}, nil
}

// Publish delivers a staged desk event to its topic. The partition key
// keeps all events of one desk in order.
func (p *KafkaEventPublisher) Publish(ctx context.Context, msg *domain.OutboxMessage) error {
	headers := map[string]string{
		"event_id":     msg.ID,
		"event_kind":   msg.EventKind,
		"source":       p.serviceName,
		"content_type": "application/json",
	}

	err := p.producer.Produce(ctx, &kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.PartitionKey,
		Value:   msg.Payload,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", msg.EventKind, err)
	}

	return nil
}

// Close closes the event publisher
func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		p.producer.Close()
	}
	return nil
}

// NoOpEventPublisher is a no-op implementation of EventPublisher for testing
type NoOpEventPublisher struct{}

// NewNoOpEventPublisher creates a new no-op event publisher
func NewNoOpEventPublisher() *NoOpEventPublisher {
	return &NoOpEventPublisher{}
}

// Publish is a no-op
func (p *NoOpEventPublisher) Publish(ctx context.Context, msg *domain.OutboxMessage) error {
	return nil
}

// Close is a no-op
func (p *NoOpEventPublisher) Close() error {
	return nil
}
