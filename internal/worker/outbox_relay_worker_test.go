package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/pkg/retry"
)

// MockOutboxBatch is a mock implementation of repository.OutboxBatch
type MockOutboxBatch struct {
	MarkAsPublishedFunc func(ctx context.Context, id string) error
	MarkAsFailedFunc    func(ctx context.Context, id string, errMsg string) error
}

func (m *MockOutboxBatch) MarkAsPublished(ctx context.Context, id string) error {
	if m.MarkAsPublishedFunc != nil {
		return m.MarkAsPublishedFunc(ctx, id)
	}
	return nil
}

func (m *MockOutboxBatch) MarkAsFailed(ctx context.Context, id string, errMsg string) error {
	if m.MarkAsFailedFunc != nil {
		return m.MarkAsFailedFunc(ctx, id, errMsg)
	}
	return nil
}

// MockOutboxRepository is a mock implementation of OutboxRepository.
// Pending and Failed hold the messages each claim hands to fn; Batch
// receives the status updates.
type MockOutboxRepository struct {
	Pending             []*domain.OutboxMessage
	Failed              []*domain.OutboxMessage
	Batch               MockOutboxBatch
	DeletePublishedFunc func(ctx context.Context, olderThanDays int) (int64, error)
}

func (m *MockOutboxRepository) WithPendingBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch repository.OutboxBatch, msgs []*domain.OutboxMessage) error) error {
	return fn(ctx, &m.Batch, m.Pending)
}

func (m *MockOutboxRepository) WithFailedBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch repository.OutboxBatch, msgs []*domain.OutboxMessage) error) error {
	return fn(ctx, &m.Batch, m.Failed)
}

func (m *MockOutboxRepository) DeletePublished(ctx context.Context, olderThanDays int) (int64, error) {
	if m.DeletePublishedFunc != nil {
		return m.DeletePublishedFunc(ctx, olderThanDays)
	}
	return 0, nil
}

// MockPublisher is a mock implementation of service.EventPublisher
type MockPublisher struct {
	PublishFunc func(ctx context.Context, msg *domain.OutboxMessage) error
}

func (m *MockPublisher) Publish(ctx context.Context, msg *domain.OutboxMessage) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	return nil
}

func (m *MockPublisher) Close() error { return nil }

func stagedMessage(id string, deskID int64) *domain.OutboxMessage {
	ev := domain.NewReservationsEvent(deskID, nil, []int64{1})
	msg, _ := domain.NewOutboxMessage(ev)
	msg.ID = id
	return msg
}

func TestProcessPendingMessages(t *testing.T) {
	t.Run("publishes and marks published", func(t *testing.T) {
		var published, marked []string
		repo := &MockOutboxRepository{
			Pending: []*domain.OutboxMessage{stagedMessage("m1", 10), stagedMessage("m2", 11)},
			Batch: MockOutboxBatch{
				MarkAsPublishedFunc: func(ctx context.Context, id string) error {
					marked = append(marked, id)
					return nil
				},
			},
		}
		publisher := &MockPublisher{
			PublishFunc: func(ctx context.Context, msg *domain.OutboxMessage) error {
				published = append(published, msg.ID)
				return nil
			},
		}
		w := NewOutboxRelayWorker(repo, publisher, nil)

		w.processPendingMessages(context.Background())

		assert.Equal(t, []string{"m1", "m2"}, published)
		assert.Equal(t, []string{"m1", "m2"}, marked)
	})

	t.Run("publish failure marks failed, not published", func(t *testing.T) {
		var failed []string
		publishedMarked := false
		repo := &MockOutboxRepository{
			Pending: []*domain.OutboxMessage{stagedMessage("m1", 10)},
			Batch: MockOutboxBatch{
				MarkAsFailedFunc: func(ctx context.Context, id string, errMsg string) error {
					failed = append(failed, id)
					assert.Contains(t, errMsg, "broker down")
					return nil
				},
				MarkAsPublishedFunc: func(ctx context.Context, id string) error {
					publishedMarked = true
					return nil
				},
			},
		}
		publisher := &MockPublisher{
			PublishFunc: func(ctx context.Context, msg *domain.OutboxMessage) error {
				return errors.New("broker down")
			},
		}
		w := NewOutboxRelayWorker(repo, publisher, nil)
		w.publishRetry = &retry.Config{InitialInterval: time.Millisecond}

		w.processPendingMessages(context.Background())

		assert.Equal(t, []string{"m1"}, failed)
		assert.False(t, publishedMarked)
	})

	t.Run("one failure does not stop the batch", func(t *testing.T) {
		var published []string
		repo := &MockOutboxRepository{
			Pending: []*domain.OutboxMessage{stagedMessage("m1", 10), stagedMessage("m2", 11)},
		}
		publisher := &MockPublisher{
			PublishFunc: func(ctx context.Context, msg *domain.OutboxMessage) error {
				if msg.ID == "m1" {
					return errors.New("transient")
				}
				published = append(published, msg.ID)
				return nil
			},
		}
		w := NewOutboxRelayWorker(repo, publisher, nil)
		w.publishRetry = &retry.Config{InitialInterval: time.Millisecond}

		w.processPendingMessages(context.Background())

		assert.Equal(t, []string{"m2"}, published)
	})
}

func TestProcessFailedMessages(t *testing.T) {
	var marked []string
	failedMsg := stagedMessage("m1", 10)
	failedMsg.MarkAsFailed("earlier failure")
	repo := &MockOutboxRepository{
		Failed: []*domain.OutboxMessage{failedMsg},
		Batch: MockOutboxBatch{
			MarkAsPublishedFunc: func(ctx context.Context, id string) error {
				marked = append(marked, id)
				return nil
			},
		},
	}
	w := NewOutboxRelayWorker(repo, &MockPublisher{}, nil)

	w.processFailedMessages(context.Background())

	assert.Equal(t, []string{"m1"}, marked)
}

func TestOutboxRelayStartStop(t *testing.T) {
	repo := &MockOutboxRepository{}
	w := NewOutboxRelayWorker(repo, &MockPublisher{}, &OutboxRelayConfig{
		PollInterval:         10 * time.Millisecond,
		BatchSize:            10,
		RetryInterval:        10 * time.Millisecond,
		CleanupInterval:      time.Hour,
		CleanupRetentionDays: 7,
	})

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start must be refused")

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	// stopping twice is a no-op
	w.Stop()
}
