package repository

import (
	"context"
	"time"

	"github.com/flexspace/deskbooking/internal/domain"
)

// DeskTx is the critical section for one desk. It is handed to the
// callback of WithDeskTx after the desk row has been locked FOR UPDATE,
// so every read and write through it is serialized against all other
// writers of the same desk. Events appended here commit atomically with
// the mutation they describe.
type DeskTx interface {
	// Desk returns the locked desk row as read at the start of the
	// critical section.
	Desk() *domain.Desk

	FindOverlapping(ctx context.Context, start, end time.Time, excludeIDs ...int64) ([]domain.Booking, error)
	GetBooking(ctx context.Context, id int64) (*domain.Booking, error)
	CreateBooking(ctx context.Context, booking *domain.Booking) error
	UpdateBookingTimes(ctx context.Context, id int64, start, end time.Time) error
	DeleteBooking(ctx context.Context, id int64) error

	// DeleteOwnedInWindow removes the user's bookings that overlap the
	// window, keeping the ids listed in keep. Returns the deleted ids.
	DeleteOwnedInWindow(ctx context.Context, userID int64, start, end time.Time, keep []int64) ([]int64, error)

	// RecomputeDeskState recomputes is_booked/booked_by from whichever
	// booking, if any, covers now. The row is written only when the
	// derived state actually changed; the returned bool reports that.
	// Desk() reflects the recomputed state either way.
	RecomputeDeskState(ctx context.Context, now time.Time) (bool, error)

	// SetLockFlag mirrors the advisory lock store into the desk row's
	// is_locked/locked_by cache columns.
	SetLockFlag(ctx context.Context, locked bool, by *domain.UserRef) error

	// SetPermanent updates the permanence assignment on the desk row.
	SetPermanent(ctx context.Context, assignee *domain.UserRef) error

	// AppendEvent stages a desk event in the outbox within this
	// transaction.
	AppendEvent(ctx context.Context, ev *domain.DeskEvent) error
}

// DeskRepository is the transactional store for desks and their bookings.
type DeskRepository interface {
	// WithDeskTx runs fn inside a transaction holding an exclusive row
	// lock on the desk. A non-nil error from fn rolls back every write
	// made through the DeskTx.
	WithDeskTx(ctx context.Context, deskID int64, fn func(ctx context.Context, tx DeskTx) error) error

	GetDesk(ctx context.Context, id int64) (*domain.Desk, error)
	ListDesks(ctx context.Context) ([]domain.Desk, error)
	GetBooking(ctx context.Context, id int64) (*domain.Booking, error)
	ListBookingsByUser(ctx context.Context, userID int64, from, to time.Time) ([]domain.Booking, error)
	ListBookingsByDesk(ctx context.Context, deskID int64, from, to time.Time) ([]domain.Booking, error)

	// DeskIDsWithBoundaryIn returns ids of desks that have a booking
	// starting or ending inside [from, to), for incremental reconcile.
	DeskIDsWithBoundaryIn(ctx context.Context, from, to time.Time) ([]int64, error)

	// LockedDeskIDs returns ids of desks whose cached lock flag is set,
	// so the reconcile pass can clear flags whose advisory lock expired.
	LockedDeskIDs(ctx context.Context) ([]int64, error)
}

// OutboxBatch settles claimed outbox messages inside the transaction
// that locked them.
type OutboxBatch interface {
	MarkAsPublished(ctx context.Context, id string) error
	MarkAsFailed(ctx context.Context, id string, errMsg string) error
}

// OutboxRepository claims and settles staged desk events for the relay
// worker. Batch methods lock the claimed rows for the duration of fn,
// so concurrent relay instances skip each other's batches instead of
// double-publishing them.
type OutboxRepository interface {
	// WithPendingBatch claims up to limit messages awaiting their first
	// publish. Status changes made through the batch commit when fn
	// returns nil and roll back with the claim otherwise.
	WithPendingBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch OutboxBatch, msgs []*domain.OutboxMessage) error) error
	// WithFailedBatch is WithPendingBatch for failed messages that still
	// have retries left.
	WithFailedBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch OutboxBatch, msgs []*domain.OutboxMessage) error) error
	DeletePublished(ctx context.Context, olderThanDays int) (int64, error)
}
