package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors
var (
	// Validation errors
	ErrInvalidInterval = errors.New("end_time must be after start_time")
	ErrStartInPast     = errors.New("booking start time cannot be in the past")
	ErrEmptyIntervals  = errors.New("at least one interval is required")

	// Not found errors
	ErrDeskNotFound    = errors.New("desk not found")
	ErrBookingNotFound = errors.New("booking not found")

	// Conflict errors
	ErrOverlap                = errors.New("desk already booked in this time range")
	ErrDeskLocked             = errors.New("desk currently locked by another user")
	ErrPermanentDesk          = errors.New("desk is permanently assigned to another user")
	ErrPermanentNoAssignee    = errors.New("permanent desk has no assignee")
	ErrAssigneeOnNonPermanent = errors.New("only permanent desks can have an assignee")

	// Permission errors
	ErrNotOwner          = errors.New("booking belongs to another user")
	ErrPastBookingDelete = errors.New("ended bookings can only be removed by an elevated role")

	// Transient store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrLockWaitTimeout  = errors.New("timed out waiting for desk row lock")
)

// OverlapError is an ErrOverlap that carries the calendar days on which the
// rejected interval collides with existing bookings. The days are reporting
// detail for the caller; control flow should match on ErrOverlap.
type OverlapError struct {
	DeskID       int64
	ConflictDays []string // YYYY-MM-DD, sorted
}

func (e *OverlapError) Error() string {
	if len(e.ConflictDays) == 0 {
		return ErrOverlap.Error()
	}
	return fmt.Sprintf("%s (conflict days: %s)", ErrOverlap, strings.Join(e.ConflictDays, ", "))
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrStartInPast) ||
		errors.Is(err, ErrEmptyIntervals) ||
		errors.Is(err, ErrAssigneeOnNonPermanent)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrDeskNotFound) ||
		errors.Is(err, ErrBookingNotFound)
}

// IsConflictError checks if the error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrOverlap) ||
		errors.Is(err, ErrDeskLocked) ||
		errors.Is(err, ErrPermanentDesk) ||
		errors.Is(err, ErrPermanentNoAssignee)
}

// IsPermissionError checks if the error is a permission error
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrPastBookingDelete)
}

// IsTransientError checks if the error is worth retrying as a whole
// operation; the enclosing transaction has already been rolled back.
func IsTransientError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLockWaitTimeout)
}
