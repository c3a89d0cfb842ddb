package domain

// DeskEventKind distinguishes the change-event flavors a desk can emit.
type DeskEventKind string

const (
	// DeskEventStatus signals a change of the derived is_booked/booked_by state.
	DeskEventStatus DeskEventKind = "status"
	// DeskEventReservations signals created/updated/deleted bookings.
	DeskEventReservations DeskEventKind = "reservations"
	// DeskEventLock signals an advisory lock transition (for UI display).
	DeskEventLock DeskEventKind = "lock"
)

// DeskEvent is the single logical change event the engine emits per desk
// mutation. Delivery to subscribers is the fan-out system's job; the engine
// only hands events to the outbox after the owning transaction commits.
type DeskEvent struct {
	DeskID int64         `json:"desk_id"`
	Kind   DeskEventKind `json:"kind"`

	// status
	IsBooked *bool   `json:"is_booked,omitempty"`
	BookedBy *string `json:"booked_by,omitempty"`

	// reservations
	Upserted   []Booking `json:"upserted,omitempty"`
	DeletedIDs []int64   `json:"deleted_ids,omitempty"`

	// lock
	Locked   *bool   `json:"locked,omitempty"`
	LockedBy *string `json:"locked_by,omitempty"`
}

// NewStatusEvent builds a status event from a desk's derived state.
func NewStatusEvent(desk *Desk) *DeskEvent {
	ev := &DeskEvent{
		DeskID:   desk.ID,
		Kind:     DeskEventStatus,
		IsBooked: &desk.IsBooked,
	}
	if desk.BookedBy != nil {
		ev.BookedBy = &desk.BookedBy.Username
	}
	return ev
}

// NewReservationsEvent builds a reservations event carrying the bookings
// that were created or updated and the ids of those that were deleted.
func NewReservationsEvent(deskID int64, upserted []Booking, deletedIDs []int64) *DeskEvent {
	return &DeskEvent{
		DeskID:     deskID,
		Kind:       DeskEventReservations,
		Upserted:   upserted,
		DeletedIDs: deletedIDs,
	}
}

// NewLockEvent builds an advisory-lock transition event.
func NewLockEvent(deskID int64, locked bool, by string) *DeskEvent {
	ev := &DeskEvent{
		DeskID: deskID,
		Kind:   DeskEventLock,
		Locked: &locked,
	}
	if by != "" {
		ev.LockedBy = &by
	}
	return ev
}
