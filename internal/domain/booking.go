package domain

import "time"

// Booking is an exclusive claim on a desk for the half-open interval
// [StartTime, EndTime). Bookings on the same desk never overlap; two
// bookings may touch (one ends exactly when the next starts).
type Booking struct {
	ID        int64     `json:"id"`
	DeskID    int64     `json:"desk_id"`
	User      UserRef   `json:"user"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether the booking interval contains the instant t.
func (b *Booking) Covers(t time.Time) bool {
	return !b.StartTime.After(t) && b.EndTime.After(t)
}

// InProgress reports whether the booking has started but not yet ended.
func (b *Booking) InProgress(now time.Time) bool {
	return b.Covers(now)
}

// Ended reports whether the booking lies entirely in the past.
func (b *Booking) Ended(now time.Time) bool {
	return !b.EndTime.After(now)
}

// ValidateInterval checks the basic interval rules for a new booking:
// the interval must be non-empty and must not start in the past.
func ValidateInterval(start, end, now time.Time) error {
	if !end.After(start) {
		return ErrInvalidInterval
	}
	if start.Before(now) {
		return ErrStartInPast
	}
	return nil
}
