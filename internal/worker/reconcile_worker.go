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
)

// ReconcileWorkerConfig contains configuration for the reconcile worker
type ReconcileWorkerConfig struct {
	// Interval is the time between incremental reconcile passes
	Interval time.Duration
	// Window is how far back each incremental pass looks for booking
	// boundaries (starts and ends) that may have flipped desk state
	Window time.Duration
	// FullSyncOnStart runs a pass over every desk before the loop begins
	FullSyncOnStart bool
}

// DefaultReconcileWorkerConfig returns default configuration
func DefaultReconcileWorkerConfig() *ReconcileWorkerConfig {
	return &ReconcileWorkerConfig{
		Interval:        60 * time.Second,
		Window:          1 * time.Minute,
		FullSyncOnStart: true,
	}
}

// ReconcileWorker is the self-healing pass over derived desk state. It
// recomputes is_booked/booked_by for desks whose bookings started or
// ended recently, and clears is_locked flags whose advisory lock
// silently expired. Every write goes through the same desk critical
// section as live traffic, so it is safe to run concurrently with it.
type ReconcileWorker struct {
	repo    repository.DeskRepository
	locks   service.LockReader
	config  *ReconcileWorkerConfig
	log     *logger.Logger
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(repo repository.DeskRepository, locks service.LockReader, config *ReconcileWorkerConfig) *ReconcileWorker {
	if config == nil {
		config = DefaultReconcileWorkerConfig()
	}

	return &ReconcileWorker{
		repo:   repo,
		locks:  locks,
		config: config,
		log:    logger.Get(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start starts the reconcile worker
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reconcile worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting reconcile worker")

	w.wg.Add(1)
	go w.run(ctx)

	return nil
}

// Stop stops the reconcile worker
func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping reconcile worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Reconcile worker stopped")
}

func (w *ReconcileWorker) run(ctx context.Context) {
	defer w.wg.Done()

	if w.config.FullSyncOnStart {
		w.FullSync(ctx)
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.IncrementalPass(ctx)
		}
	}
}

// FullSync reconciles every desk. Run at startup to repair state after
// downtime, when any number of bookings may have started or ended
// unobserved.
func (w *ReconcileWorker) FullSync(ctx context.Context) {
	desks, err := w.repo.ListDesks(ctx)
	if err != nil {
		w.log.Error(fmt.Sprintf("Full sync: failed to list desks: %v", err))
		return
	}

	repaired := 0
	for _, desk := range desks {
		changed, err := w.reconcileDesk(ctx, desk.ID)
		if err != nil {
			// one broken desk must not stop the pass
			w.log.Error(fmt.Sprintf("Full sync: failed to reconcile desk %d: %v", desk.ID, err))
			continue
		}
		if changed {
			repaired++
		}
	}

	w.reconcileLockFlags(ctx)

	w.log.Info(fmt.Sprintf("Full sync done: %d desks checked, %d repaired", len(desks), repaired))
}

// IncrementalPass reconciles only desks with a booking boundary inside
// the recent window, then sweeps stale lock flags.
func (w *ReconcileWorker) IncrementalPass(ctx context.Context) {
	now := w.now()
	ids, err := w.repo.DeskIDsWithBoundaryIn(ctx, now.Add(-w.config.Window), now)
	if err != nil {
		w.log.Error(fmt.Sprintf("Reconcile: failed to query desk ids: %v", err))
		return
	}

	for _, id := range ids {
		if _, err := w.reconcileDesk(ctx, id); err != nil {
			w.log.Error(fmt.Sprintf("Reconcile: failed to reconcile desk %d: %v", id, err))
		}
	}

	w.reconcileLockFlags(ctx)
}

// reconcileDesk recomputes one desk's derived booking state inside its
// critical section, staging a status event only when the state changed.
func (w *ReconcileWorker) reconcileDesk(ctx context.Context, deskID int64) (bool, error) {
	now := w.now()
	changed := false
	err := w.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		var err error
		changed, err = tx.RecomputeDeskState(ctx, now)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk()))
	})
	return changed, err
}

// reconcileLockFlags clears the mirrored lock flag of desks whose
// advisory lock has expired in the TTL store.
func (w *ReconcileWorker) reconcileLockFlags(ctx context.Context) {
	ids, err := w.repo.LockedDeskIDs(ctx)
	if err != nil {
		w.log.Error(fmt.Sprintf("Reconcile: failed to list locked desks: %v", err))
		return
	}

	for _, id := range ids {
		info, err := w.locks.Read(ctx, id)
		if err != nil {
			w.log.Warn(fmt.Sprintf("Reconcile: lock read failed for desk %d: %v", id, err))
			continue
		}
		if info != nil {
			continue
		}

		err = w.repo.WithDeskTx(ctx, id, func(ctx context.Context, tx repository.DeskTx) error {
			if !tx.Desk().IsLocked {
				return nil
			}
			if err := tx.SetLockFlag(ctx, false, nil); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, domain.NewLockEvent(id, false, ""))
		})
		if err != nil {
			w.log.Error(fmt.Sprintf("Reconcile: failed to clear lock flag for desk %d: %v", id, err))
		}
	}
}
