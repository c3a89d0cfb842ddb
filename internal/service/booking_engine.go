package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/interval"
	"github.com/flexspace/deskbooking/internal/lockstore"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/pkg/logger"
	"github.com/flexspace/deskbooking/pkg/telemetry"
)

// LockReader reads the advisory lock state of a desk. The engine only
// peeks: a desk locked by someone else rejects the request before the
// transactional path, as a courtesy. Overlap correctness never depends
// on it.
type LockReader interface {
	Read(ctx context.Context, deskID int64) (*lockstore.Info, error)
}

// BulkItemResult is the per-interval outcome of a partial bulk create
type BulkItemResult struct {
	Span         interval.Span   `json:"interval"`
	OK           bool            `json:"ok"`
	Booking      *domain.Booking `json:"booking,omitempty"`
	ConflictDays []string        `json:"conflict_days,omitempty"`
}

// BulkResult is the outcome of a bulk create
type BulkResult struct {
	Created []domain.Booking `json:"created"`
	Results []BulkItemResult `json:"results,omitempty"`
}

// EditResult reports what an edit-intervals call did: which bookings it
// superseded, which it created, and the final merged interval set.
type EditResult struct {
	UpdatedID  int64           `json:"updated_id,omitempty"`
	CreatedIDs []int64         `json:"created_ids"`
	DeletedIDs []int64         `json:"deleted_ids"`
	Intervals  []interval.Span `json:"intervals"`
}

// BookingEngine orchestrates all booking mutations for desks. Every
// mutation runs inside the desk's row-lock critical section and stages
// its change events in the outbox within the same transaction.
type BookingEngine interface {
	CreateBooking(ctx context.Context, deskID int64, owner domain.UserRef, start, end time.Time) (*domain.Booking, error)
	BulkCreate(ctx context.Context, deskID int64, owner domain.UserRef, spans []interval.Span, atomic bool) (*BulkResult, error)
	UpdateTimes(ctx context.Context, bookingID int64, requester domain.UserRef, newStart, newEnd time.Time) (*domain.Booking, error)
	EditIntervals(ctx context.Context, bookingID int64, requester domain.UserRef, spans []interval.Span) (*EditResult, error)
	DeleteBooking(ctx context.Context, bookingID int64, requester domain.UserRef, elevated bool) error

	GetBooking(ctx context.Context, bookingID int64) (*domain.Booking, error)
	ListBookingsByUser(ctx context.Context, userID int64, from, to time.Time) ([]domain.Booking, error)
	ListBookingsByDesk(ctx context.Context, deskID int64, from, to time.Time) ([]domain.Booking, error)
}

// bookingEngine implements BookingEngine
type bookingEngine struct {
	repo  repository.DeskRepository
	locks LockReader
	now   func() time.Time
}

// NewBookingEngine creates a new booking engine
func NewBookingEngine(repo repository.DeskRepository, locks LockReader) BookingEngine {
	return &bookingEngine{
		repo:  repo,
		locks: locks,
		now:   time.Now,
	}
}

// CreateBooking creates a single booking with overlap prevention and
// advisory lock validation
func (e *bookingEngine) CreateBooking(ctx context.Context, deskID int64, owner domain.UserRef, start, end time.Time) (*domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.create_booking")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("desk_id", deskID),
		attribute.Int64("user_id", owner.ID),
	)

	now := e.now()
	if err := domain.ValidateInterval(start, end, now); err != nil {
		return nil, err
	}
	if err := e.checkAdvisoryLock(ctx, deskID, owner.ID); err != nil {
		return nil, err
	}

	var booking *domain.Booking
	err := e.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.Desk().CheckBookableBy(owner); err != nil {
			return err
		}

		overlaps, err := tx.FindOverlapping(ctx, start, end)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			return overlapError(deskID, interval.Span{Start: start, End: end}, overlaps)
		}

		booking = &domain.Booking{DeskID: deskID, User: owner, StartTime: start, EndTime: end}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return err
		}

		if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.NewReservationsEvent(deskID, []domain.Booking{*booking}, nil))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return booking, nil
}

// BulkCreate creates multiple bookings for one desk in a single critical
// section. Atomic mode aborts everything on any conflict; partial mode
// evaluates intervals in ascending start order and commits the successes,
// so later intervals in the same call see earlier ones as occupied.
func (e *bookingEngine) BulkCreate(ctx context.Context, deskID int64, owner domain.UserRef, spans []interval.Span, atomic bool) (*BulkResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.bulk_create")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("desk_id", deskID),
		attribute.Int("intervals", len(spans)),
		attribute.Bool("atomic", atomic),
	)

	if len(spans) == 0 {
		return nil, domain.ErrEmptyIntervals
	}

	now := e.now()
	sorted := make([]interval.Span, len(spans))
	copy(sorted, spans)
	for _, s := range sorted {
		if err := domain.ValidateInterval(s.Start, s.End, now); err != nil {
			return nil, err
		}
	}
	interval.SortByStart(sorted)

	// Atomic mode must also reject intervals that conflict with each other,
	// not just with existing rows. Partial mode handles this in-transaction:
	// earlier accepted intervals are visible to later checks.
	if atomic {
		for i := 1; i < len(sorted); i++ {
			if interval.Overlaps(sorted[i-1], sorted[i]) {
				return nil, &domain.OverlapError{
					DeskID:       deskID,
					ConflictDays: interval.ConflictDays(sorted[i], sorted[i-1:i]),
				}
			}
		}
	}

	if err := e.checkAdvisoryLock(ctx, deskID, owner.ID); err != nil {
		return nil, err
	}

	result := &BulkResult{}
	err := e.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.Desk().CheckBookableBy(owner); err != nil {
			return err
		}

		if atomic {
			return e.bulkCreateAtomic(ctx, tx, owner, sorted, now, result)
		}
		return e.bulkCreatePartial(ctx, tx, owner, sorted, now, result)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return result, nil
}

func (e *bookingEngine) bulkCreateAtomic(ctx context.Context, tx repository.DeskTx, owner domain.UserRef, sorted []interval.Span, now time.Time, result *BulkResult) error {
	deskID := tx.Desk().ID

	for _, s := range sorted {
		overlaps, err := tx.FindOverlapping(ctx, s.Start, s.End)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			return overlapError(deskID, s, overlaps)
		}
	}

	for _, s := range sorted {
		booking := &domain.Booking{DeskID: deskID, User: owner, StartTime: s.Start, EndTime: s.End}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return err
		}
		result.Created = append(result.Created, *booking)
	}

	if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, domain.NewReservationsEvent(deskID, result.Created, nil))
}

func (e *bookingEngine) bulkCreatePartial(ctx context.Context, tx repository.DeskTx, owner domain.UserRef, sorted []interval.Span, now time.Time, result *BulkResult) error {
	deskID := tx.Desk().ID

	for _, s := range sorted {
		overlaps, err := tx.FindOverlapping(ctx, s.Start, s.End)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			result.Results = append(result.Results, BulkItemResult{
				Span:         s,
				ConflictDays: interval.ConflictDays(s, bookingSpans(overlaps)),
			})
			continue
		}

		booking := &domain.Booking{DeskID: deskID, User: owner, StartTime: s.Start, EndTime: s.End}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return err
		}
		result.Created = append(result.Created, *booking)
		result.Results = append(result.Results, BulkItemResult{Span: s, OK: true, Booking: booking})
	}

	if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
		return err
	}
	if len(result.Created) == 0 {
		return nil
	}
	return tx.AppendEvent(ctx, domain.NewReservationsEvent(deskID, result.Created, nil))
}

// UpdateTimes moves a booking to a new interval. Extending an in-progress
// booking is allowed as long as its start is left untouched; moving the
// start to any other past instant is rejected.
func (e *bookingEngine) UpdateTimes(ctx context.Context, bookingID int64, requester domain.UserRef, newStart, newEnd time.Time) (*domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.update_times")
	defer span.End()

	span.SetAttributes(attribute.Int64("booking_id", bookingID))

	if !newEnd.After(newStart) {
		return nil, domain.ErrInvalidInterval
	}

	booking, err := e.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.User.ID != requester.ID {
		return nil, domain.ErrNotOwner
	}
	if err := e.checkAdvisoryLock(ctx, booking.DeskID, requester.ID); err != nil {
		return nil, err
	}

	now := e.now()
	var updated *domain.Booking
	err = e.repo.WithDeskTx(ctx, booking.DeskID, func(ctx context.Context, tx repository.DeskTx) error {
		fresh, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if newStart.Before(now) && !newStart.Equal(fresh.StartTime) {
			return domain.ErrStartInPast
		}

		overlaps, err := tx.FindOverlapping(ctx, newStart, newEnd, bookingID)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			return overlapError(fresh.DeskID, interval.Span{Start: newStart, End: newEnd}, overlaps)
		}

		if err := tx.UpdateBookingTimes(ctx, bookingID, newStart, newEnd); err != nil {
			return err
		}
		fresh.StartTime = newStart
		fresh.EndTime = newEnd
		updated = fresh

		if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.NewReservationsEvent(fresh.DeskID, []domain.Booking{*fresh}, nil))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return updated, nil
}

// EditIntervals replaces a booking (and the owner's neighboring bookings)
// with a new merged interval set. An empty set deletes the base booking.
// The owner's other bookings inside the reconciliation window are
// superseded; a conflict with another user's booking aborts everything.
func (e *bookingEngine) EditIntervals(ctx context.Context, bookingID int64, requester domain.UserRef, spans []interval.Span) (*EditResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.edit_intervals")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("booking_id", bookingID),
		attribute.Int("intervals", len(spans)),
	)

	base, err := e.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if base.User.ID != requester.ID {
		return nil, domain.ErrNotOwner
	}

	if len(spans) == 0 {
		if err := e.deleteInTx(ctx, base.DeskID, bookingID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return &EditResult{DeletedIDs: []int64{bookingID}}, nil
	}

	now := e.now()
	sorted := make([]interval.Span, len(spans))
	copy(sorted, spans)
	for _, s := range sorted {
		if err := domain.ValidateInterval(s.Start, s.End, now); err != nil {
			return nil, err
		}
	}
	interval.SortByStart(sorted)
	merged := interval.Merge(sorted, true)

	if err := e.checkAdvisoryLock(ctx, base.DeskID, requester.ID); err != nil {
		return nil, err
	}

	result := &EditResult{UpdatedID: bookingID, Intervals: merged}
	err = e.repo.WithDeskTx(ctx, base.DeskID, func(ctx context.Context, tx repository.DeskTx) error {
		fresh, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}

		// span touched by either the old extent or the new one
		winStart := fresh.StartTime
		if merged[0].Start.Before(winStart) {
			winStart = merged[0].Start
		}
		winEnd := fresh.EndTime
		if merged[len(merged)-1].End.After(winEnd) {
			winEnd = merged[len(merged)-1].End
		}

		deleted, err := tx.DeleteOwnedInWindow(ctx, requester.ID, winStart, winEnd, []int64{bookingID})
		if err != nil {
			return err
		}
		result.DeletedIDs = deleted

		remaining, err := tx.FindOverlapping(ctx, winStart, winEnd, bookingID)
		if err != nil {
			return err
		}
		for _, s := range merged {
			var conflicts []domain.Booking
			for _, b := range remaining {
				if b.User.ID != requester.ID && interval.Overlaps(s, bookingSpan(b)) {
					conflicts = append(conflicts, b)
				}
			}
			if len(conflicts) > 0 {
				return overlapError(fresh.DeskID, s, conflicts)
			}
		}

		if err := tx.UpdateBookingTimes(ctx, bookingID, merged[0].Start, merged[0].End); err != nil {
			return err
		}
		fresh.StartTime = merged[0].Start
		fresh.EndTime = merged[0].End

		upserted := []domain.Booking{*fresh}
		for _, s := range merged[1:] {
			booking := &domain.Booking{DeskID: fresh.DeskID, User: requester, StartTime: s.Start, EndTime: s.End}
			if err := tx.CreateBooking(ctx, booking); err != nil {
				return err
			}
			result.CreatedIDs = append(result.CreatedIDs, booking.ID)
			upserted = append(upserted, *booking)
		}

		if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.NewReservationsEvent(fresh.DeskID, upserted, deleted))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return result, nil
}

// DeleteBooking removes a booking. The elevated flag is the externally
// computed permission decision: without it only the owner may delete, and
// an already-ended booking is refused.
func (e *bookingEngine) DeleteBooking(ctx context.Context, bookingID int64, requester domain.UserRef, elevated bool) error {
	ctx, span := telemetry.StartSpan(ctx, "engine.delete_booking")
	defer span.End()

	span.SetAttributes(attribute.Int64("booking_id", bookingID))

	booking, err := e.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !elevated {
		if booking.User.ID != requester.ID {
			return domain.ErrNotOwner
		}
		if booking.Ended(e.now()) {
			return domain.ErrPastBookingDelete
		}
	}

	if err := e.deleteInTx(ctx, booking.DeskID, bookingID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *bookingEngine) deleteInTx(ctx context.Context, deskID, bookingID int64) error {
	now := e.now()
	return e.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.DeleteBooking(ctx, bookingID); err != nil {
			return err
		}
		if _, err := tx.RecomputeDeskState(ctx, now); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.NewStatusEvent(tx.Desk())); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.NewReservationsEvent(deskID, nil, []int64{bookingID}))
	})
}

// GetBooking retrieves a booking by ID
func (e *bookingEngine) GetBooking(ctx context.Context, bookingID int64) (*domain.Booking, error) {
	return e.repo.GetBooking(ctx, bookingID)
}

// ListBookingsByUser retrieves a user's bookings overlapping [from, to)
func (e *bookingEngine) ListBookingsByUser(ctx context.Context, userID int64, from, to time.Time) ([]domain.Booking, error) {
	return e.repo.ListBookingsByUser(ctx, userID, from, to)
}

// ListBookingsByDesk retrieves a desk's bookings overlapping [from, to)
func (e *bookingEngine) ListBookingsByDesk(ctx context.Context, deskID int64, from, to time.Time) ([]domain.Booking, error) {
	return e.repo.ListBookingsByDesk(ctx, deskID, from, to)
}

// checkAdvisoryLock rejects the request when another user's edit session
// holds the desk. A lock store outage does not block the transactional
// path; the row lock still guarantees correctness.
func (e *bookingEngine) checkAdvisoryLock(ctx context.Context, deskID, userID int64) error {
	info, err := e.locks.Read(ctx, deskID)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		logger.Get().Warn("advisory lock read failed, proceeding without it",
			zap.Int64("desk_id", deskID),
			zap.Error(err),
		)
		return nil
	}
	if info != nil && info.UserID != userID {
		return domain.ErrDeskLocked
	}
	return nil
}

func overlapError(deskID int64, candidate interval.Span, conflicts []domain.Booking) error {
	return &domain.OverlapError{
		DeskID:       deskID,
		ConflictDays: interval.ConflictDays(candidate, bookingSpans(conflicts)),
	}
}

func bookingSpan(b domain.Booking) interval.Span {
	return interval.Span{Start: b.StartTime, End: b.EndTime}
}

func bookingSpans(bookings []domain.Booking) []interval.Span {
	spans := make([]interval.Span, 0, len(bookings))
	for _, b := range bookings {
		spans = append(spans, bookingSpan(b))
	}
	return spans
}
