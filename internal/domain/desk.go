package domain

// UserRef identifies a user to the engine. Identity management lives
// outside this service; bookings and locks only need the id for
// ownership checks and the username for display payloads.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Desk represents a bookable desk.
//
// IsBooked/BookedBy and IsLocked/LockedBy are derived caches: they mirror
// "is there a booking covering now" and the advisory lock store. They are
// recomputed after every mutation and by the reconcile worker, and must
// never be treated as source of truth.
type Desk struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	RoomID   int64    `json:"room_id"`
	IsBooked bool     `json:"is_booked"`
	BookedBy *UserRef `json:"booked_by,omitempty"`
	IsLocked bool     `json:"is_locked"`
	LockedBy *UserRef `json:"locked_by,omitempty"`

	// A permanent desk is exclusively bookable by its assignee.
	IsPermanent       bool     `json:"is_permanent"`
	PermanentAssignee *UserRef `json:"permanent_assignee,omitempty"`
}

// Validate checks the permanence invariant: a permanent desk must have an
// assignee and only a permanent desk may have one.
func (d *Desk) Validate() error {
	if d.IsPermanent && d.PermanentAssignee == nil {
		return ErrPermanentNoAssignee
	}
	if !d.IsPermanent && d.PermanentAssignee != nil {
		return ErrAssigneeOnNonPermanent
	}
	return nil
}

// CheckBookableBy returns the permanence violation, if any, that prevents
// the given user from holding a booking on this desk.
func (d *Desk) CheckBookableBy(user UserRef) error {
	if !d.IsPermanent {
		return nil
	}
	if d.PermanentAssignee == nil {
		return ErrPermanentNoAssignee
	}
	if d.PermanentAssignee.ID != user.ID {
		return ErrPermanentDesk
	}
	return nil
}
