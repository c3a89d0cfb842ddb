package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/lockstore"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/pkg/logger"
	"github.com/flexspace/deskbooking/pkg/telemetry"
)

// AdvisoryLocks is the full advisory lock store surface
type AdvisoryLocks interface {
	Acquire(ctx context.Context, deskID int64, owner domain.UserRef) (bool, error)
	Refresh(ctx context.Context, deskID int64, userID int64) (bool, error)
	Release(ctx context.Context, deskID int64, userID int64) (bool, error)
	Read(ctx context.Context, deskID int64) (*lockstore.Info, error)
}

// LockService manages interactive edit-session locks on desks. The lock
// itself lives in the TTL store; the desk row's is_locked/locked_by
// columns are a mirrored display cache, updated here and healed by the
// reconcile worker when a lock expires unobserved.
type LockService interface {
	LockDesk(ctx context.Context, deskID int64, owner domain.UserRef) error
	RefreshDeskLock(ctx context.Context, deskID int64, userID int64) (bool, error)
	UnlockDesk(ctx context.Context, deskID int64, userID int64) error
	ReadDeskLock(ctx context.Context, deskID int64) (*lockstore.Info, error)
}

// lockService implements LockService
type lockService struct {
	locks AdvisoryLocks
	repo  repository.DeskRepository
}

// NewLockService creates a new lock service
func NewLockService(locks AdvisoryLocks, repo repository.DeskRepository) LockService {
	return &lockService{locks: locks, repo: repo}
}

// LockDesk acquires the advisory lock and mirrors it into the desk row
func (s *lockService) LockDesk(ctx context.Context, deskID int64, owner domain.UserRef) error {
	ctx, span := telemetry.StartSpan(ctx, "lock.lock_desk")
	defer span.End()

	ok, err := s.locks.Acquire(ctx, deskID, owner)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		return domain.ErrDeskLocked
	}

	return s.setLockFlag(ctx, deskID, true, &owner)
}

// RefreshDeskLock extends the caller's advisory lock. A false return with
// nil error means the lock is gone or held by someone else; when it is
// simply gone the mirrored flag is cleared too.
func (s *lockService) RefreshDeskLock(ctx context.Context, deskID int64, userID int64) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "lock.refresh_desk_lock")
	defer span.End()

	ok, err := s.locks.Refresh(ctx, deskID, userID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if ok {
		return true, nil
	}

	info, err := s.locks.Read(ctx, deskID)
	if err != nil {
		return false, err
	}
	if info == nil {
		if err := s.setLockFlag(ctx, deskID, false, nil); err != nil {
			logger.Get().Warn("failed to clear lock flag after refresh failure",
				zap.Int64("desk_id", deskID),
				zap.Error(err),
			)
		}
	}
	return false, nil
}

// UnlockDesk releases the caller's advisory lock and clears the mirror
func (s *lockService) UnlockDesk(ctx context.Context, deskID int64, userID int64) error {
	ctx, span := telemetry.StartSpan(ctx, "lock.unlock_desk")
	defer span.End()

	ok, err := s.locks.Release(ctx, deskID, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		return domain.ErrDeskLocked
	}

	return s.setLockFlag(ctx, deskID, false, nil)
}

// ReadDeskLock reports the current advisory lock holder, if any
func (s *lockService) ReadDeskLock(ctx context.Context, deskID int64) (*lockstore.Info, error) {
	return s.locks.Read(ctx, deskID)
}

func (s *lockService) setLockFlag(ctx context.Context, deskID int64, locked bool, by *domain.UserRef) error {
	return s.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.SetLockFlag(ctx, locked, by); err != nil {
			return err
		}
		username := ""
		if by != nil {
			username = by.Username
		}
		return tx.AppendEvent(ctx, domain.NewLockEvent(deskID, locked, username))
	})
}
