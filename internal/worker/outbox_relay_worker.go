package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/internal/service"
	"github.com/flexspace/deskbooking/pkg/logger"
	"github.com/flexspace/deskbooking/pkg/retry"
)

// OutboxRelayConfig contains configuration for the outbox relay worker
type OutboxRelayConfig struct {
	// PollInterval is the interval between polling for pending messages
	PollInterval time.Duration
	// BatchSize is the number of messages to fetch in each poll
	BatchSize int
	// RetryInterval is the interval between retrying failed messages
	RetryInterval time.Duration
	// CleanupInterval is the interval between cleanup of old published messages
	CleanupInterval time.Duration
	// CleanupRetentionDays is the number of days to retain published messages
	CleanupRetentionDays int
}

// DefaultOutboxRelayConfig returns default configuration
func DefaultOutboxRelayConfig() *OutboxRelayConfig {
	return &OutboxRelayConfig{
		PollInterval:         1 * time.Second,
		BatchSize:            100,
		RetryInterval:        5 * time.Second,
		CleanupInterval:      1 * time.Hour,
		CleanupRetentionDays: 7,
	}
}

// OutboxRelayWorker drains the desk_events outbox and publishes staged
// events. Booking durability never waits on the broker: a publish
// failure marks the message failed and a later cycle retries it.
type OutboxRelayWorker struct {
	outboxRepo   repository.OutboxRepository
	publisher    service.EventPublisher
	config       *OutboxRelayConfig
	publishRetry *retry.Config
	log          *logger.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewOutboxRelayWorker creates a new outbox relay worker
func NewOutboxRelayWorker(outboxRepo repository.OutboxRepository, publisher service.EventPublisher, config *OutboxRelayConfig) *OutboxRelayWorker {
	if config == nil {
		config = DefaultOutboxRelayConfig()
	}

	return &OutboxRelayWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		config:     config,
		publishRetry: &retry.Config{
			MaxRetries:      2,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
		log:    logger.Get(),
		stopCh: make(chan struct{}),
	}
}

// Start starts the outbox relay worker
func (w *OutboxRelayWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox relay worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting outbox relay worker")

	w.wg.Add(1)
	go w.pollPendingMessages(ctx)

	w.wg.Add(1)
	go w.retryFailedMessages(ctx)

	w.wg.Add(1)
	go w.cleanupOldMessages(ctx)

	return nil
}

// Stop stops the outbox relay worker
func (w *OutboxRelayWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping outbox relay worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Outbox relay worker stopped")
}

// pollPendingMessages polls for pending messages and publishes them
func (w *OutboxRelayWorker) pollPendingMessages(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processPendingMessages(ctx)
		}
	}
}

// processPendingMessages claims a batch of pending messages and publishes
// them. The claim holds the row locks until the batch settles, so another
// relay instance skips these rows instead of publishing them again.
func (w *OutboxRelayWorker) processPendingMessages(ctx context.Context) {
	err := w.outboxRepo.WithPendingBatch(ctx, w.config.BatchSize, func(ctx context.Context, batch repository.OutboxBatch, msgs []*domain.OutboxMessage) error {
		for _, msg := range msgs {
			w.relay(ctx, batch, msg)
		}
		return nil
	})
	if err != nil {
		w.log.Error(fmt.Sprintf("Failed to process pending messages: %v", err))
	}
}

// retryFailedMessages retries failed messages that have retries left
func (w *OutboxRelayWorker) retryFailedMessages(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processFailedMessages(ctx)
		}
	}
}

// processFailedMessages claims and retries failed messages
func (w *OutboxRelayWorker) processFailedMessages(ctx context.Context) {
	err := w.outboxRepo.WithFailedBatch(ctx, w.config.BatchSize, func(ctx context.Context, batch repository.OutboxBatch, msgs []*domain.OutboxMessage) error {
		for _, msg := range msgs {
			w.relay(ctx, batch, msg)
		}
		return nil
	})
	if err != nil {
		w.log.Error(fmt.Sprintf("Failed to process failed messages: %v", err))
	}
}

// relay publishes one message and settles its outbox status. Transient
// broker errors get a short in-process backoff before the message is
// parked as failed for the slower retry cycle.
func (w *OutboxRelayWorker) relay(ctx context.Context, batch repository.OutboxBatch, msg *domain.OutboxMessage) {
	err := retry.Do(ctx, w.publishRetry, func(ctx context.Context) error {
		return w.publisher.Publish(ctx, msg)
	})
	if err != nil {
		w.log.Error(fmt.Sprintf("Failed to publish message %s (attempt %d/%d): %v", msg.ID, msg.RetryCount+1, msg.MaxRetries, err))
		if markErr := batch.MarkAsFailed(ctx, msg.ID, err.Error()); markErr != nil {
			w.log.Error(fmt.Sprintf("Failed to mark message as failed %s: %v", msg.ID, markErr))
		}
		return
	}

	if markErr := batch.MarkAsPublished(ctx, msg.ID); markErr != nil {
		w.log.Error(fmt.Sprintf("Failed to mark message as published %s: %v", msg.ID, markErr))
	}
}

// cleanupOldMessages deletes old published messages
func (w *OutboxRelayWorker) cleanupOldMessages(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			deleted, err := w.outboxRepo.DeletePublished(ctx, w.config.CleanupRetentionDays)
			if err != nil {
				w.log.Error(fmt.Sprintf("Failed to cleanup old messages: %v", err))
			} else if deleted > 0 {
				w.log.Info(fmt.Sprintf("Cleaned up %d old published messages", deleted))
			}
		}
	}
}
