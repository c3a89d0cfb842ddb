package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus represents the status of an outbox message
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// String returns the string representation of OutboxStatus
func (s OutboxStatus) String() string { return string(s) }

// DeskEventsTopic is the Kafka topic desk change events are relayed to.
const DeskEventsTopic = "desk-events"

// OutboxMessage is a desk event staged in the database inside the same
// transaction as the mutation it describes. The relay worker publishes
// pending messages after commit, so a broker outage can delay delivery
// but never unwind booking state.
type OutboxMessage struct {
	ID           string       `json:"id"`
	DeskID       int64        `json:"desk_id"`
	EventKind    string       `json:"event_kind"`
	Payload      []byte       `json:"payload"`
	Topic        string       `json:"topic"`
	PartitionKey string       `json:"partition_key"`
	Status       OutboxStatus `json:"status"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	PublishedAt  *time.Time   `json:"published_at,omitempty"`
}

// NewOutboxMessage stages a desk event for relay. Events for the same desk
// share a partition key so subscribers observe them in order.
func NewOutboxMessage(ev *DeskEvent) (*OutboxMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal desk event: %w", err)
	}
	return &OutboxMessage{
		DeskID:       ev.DeskID,
		EventKind:    string(ev.Kind),
		Payload:      payload,
		Topic:        DeskEventsTopic,
		PartitionKey: fmt.Sprintf("desk-%d", ev.DeskID),
		Status:       OutboxStatusPending,
		MaxRetries:   5,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// CanRetry checks if the message can be retried
func (m *OutboxMessage) CanRetry() bool {
	return m.Status == OutboxStatusFailed && m.RetryCount < m.MaxRetries
}

// MarkAsPublished marks the message as successfully published
func (m *OutboxMessage) MarkAsPublished() {
	now := time.Now().UTC()
	m.Status = OutboxStatusPublished
	m.PublishedAt = &now
}

// MarkAsFailed records a publish failure and counts the attempt.
func (m *OutboxMessage) MarkAsFailed(errMsg string) {
	m.Status = OutboxStatusFailed
	m.LastError = errMsg
	m.RetryCount++
}

// Event unmarshals the staged payload back into a DeskEvent.
func (m *OutboxMessage) Event() (*DeskEvent, error) {
	var ev DeskEvent
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desk event: %w", err)
	}
	return &ev, nil
}
