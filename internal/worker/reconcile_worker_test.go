package worker

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/lockstore"
	"github.com/flexspace/deskbooking/internal/repository"
)

// MockLockReader is a mock implementation of service.LockReader
type MockLockReader struct {
	ReadFunc func(ctx context.Context, deskID int64) (*lockstore.Info, error)
}

func (m *MockLockReader) Read(ctx context.Context, deskID int64) (*lockstore.Info, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, deskID)
	}
	return nil, nil
}

// memRepo is an in-memory DeskRepository for reconcile tests
type memRepo struct {
	desks       map[int64]*domain.Desk
	bookings    []domain.Booking
	events      []domain.DeskEvent
	stateWrites int
}

func newMemRepo(desks ...*domain.Desk) *memRepo {
	r := &memRepo{desks: make(map[int64]*domain.Desk)}
	for _, d := range desks {
		r.desks[d.ID] = d
	}
	return r
}

func (r *memRepo) WithDeskTx(ctx context.Context, deskID int64, fn func(ctx context.Context, tx repository.DeskTx) error) error {
	desk, ok := r.desks[deskID]
	if !ok {
		return domain.ErrDeskNotFound
	}
	return fn(ctx, &memTx{repo: r, desk: desk})
}

func (r *memRepo) GetDesk(ctx context.Context, id int64) (*domain.Desk, error) {
	desk, ok := r.desks[id]
	if !ok {
		return nil, domain.ErrDeskNotFound
	}
	cp := *desk
	return &cp, nil
}

func (r *memRepo) ListDesks(ctx context.Context) ([]domain.Desk, error) {
	var out []domain.Desk
	for _, d := range r.desks {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) GetBooking(ctx context.Context, id int64) (*domain.Booking, error) {
	for _, b := range r.bookings {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, domain.ErrBookingNotFound
}

func (r *memRepo) ListBookingsByUser(ctx context.Context, userID int64, from, to time.Time) ([]domain.Booking, error) {
	return nil, nil
}

func (r *memRepo) ListBookingsByDesk(ctx context.Context, deskID int64, from, to time.Time) ([]domain.Booking, error) {
	return nil, nil
}

func (r *memRepo) DeskIDsWithBoundaryIn(ctx context.Context, from, to time.Time) ([]int64, error) {
	seen := make(map[int64]bool)
	for _, b := range r.bookings {
		startIn := !b.StartTime.Before(from) && b.StartTime.Before(to)
		endIn := !b.EndTime.Before(from) && b.EndTime.Before(to)
		if startIn || endIn {
			seen[b.DeskID] = true
		}
	}
	var ids []int64
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memRepo) LockedDeskIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, d := range r.desks {
		if d.IsLocked {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type memTx struct {
	repo *memRepo
	desk *domain.Desk
}

func (t *memTx) Desk() *domain.Desk { return t.desk }

func (t *memTx) FindOverlapping(ctx context.Context, start, end time.Time, excludeIDs ...int64) ([]domain.Booking, error) {
	return nil, nil
}

func (t *memTx) GetBooking(ctx context.Context, id int64) (*domain.Booking, error) {
	return t.repo.GetBooking(ctx, id)
}

func (t *memTx) CreateBooking(ctx context.Context, booking *domain.Booking) error { return nil }

func (t *memTx) UpdateBookingTimes(ctx context.Context, id int64, start, end time.Time) error {
	return nil
}

func (t *memTx) DeleteBooking(ctx context.Context, id int64) error { return nil }

func (t *memTx) DeleteOwnedInWindow(ctx context.Context, userID int64, start, end time.Time, keep []int64) ([]int64, error) {
	return nil, nil
}

func (t *memTx) RecomputeDeskState(ctx context.Context, now time.Time) (bool, error) {
	var current *domain.UserRef
	for i := range t.repo.bookings {
		b := &t.repo.bookings[i]
		if b.DeskID == t.desk.ID && b.Covers(now) {
			current = &domain.UserRef{ID: b.User.ID, Username: b.User.Username}
			break
		}
	}

	changed := t.desk.IsBooked != (current != nil) ||
		(t.desk.BookedBy == nil) != (current == nil) ||
		(t.desk.BookedBy != nil && current != nil && t.desk.BookedBy.ID != current.ID)
	if !changed {
		return false, nil
	}

	t.repo.stateWrites++
	t.desk.IsBooked = current != nil
	t.desk.BookedBy = current
	return true, nil
}

func (t *memTx) SetLockFlag(ctx context.Context, locked bool, by *domain.UserRef) error {
	if !locked {
		by = nil
	}
	t.desk.IsLocked = locked
	t.desk.LockedBy = by
	return nil
}

func (t *memTx) SetPermanent(ctx context.Context, assignee *domain.UserRef) error { return nil }

func (t *memTx) AppendEvent(ctx context.Context, ev *domain.DeskEvent) error {
	t.repo.events = append(t.repo.events, *ev)
	return nil
}

var reconcileNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestReconcileWorker(repo *memRepo, locks *MockLockReader) *ReconcileWorker {
	if locks == nil {
		locks = &MockLockReader{}
	}
	w := NewReconcileWorker(repo, locks, nil)
	w.now = func() time.Time { return reconcileNow }
	return w
}

func TestIncrementalPass(t *testing.T) {
	t.Run("marks a desk booked when a booking just started", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10})
		repo.bookings = []domain.Booking{{
			ID: 1, DeskID: 10, User: user,
			StartTime: reconcileNow.Add(-30 * time.Second),
			EndTime:   reconcileNow.Add(time.Hour),
		}}
		w := newTestReconcileWorker(repo, nil)

		w.IncrementalPass(context.Background())

		desk := repo.desks[10]
		assert.True(t, desk.IsBooked)
		require.NotNil(t, desk.BookedBy)
		assert.Equal(t, user.ID, desk.BookedBy.ID)
		require.Len(t, repo.events, 1)
		assert.Equal(t, domain.DeskEventStatus, repo.events[0].Kind)
	})

	t.Run("marks a desk free when its booking just ended", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10, IsBooked: true, BookedBy: &user})
		repo.bookings = []domain.Booking{{
			ID: 1, DeskID: 10, User: user,
			StartTime: reconcileNow.Add(-2 * time.Hour),
			EndTime:   reconcileNow.Add(-30 * time.Second),
		}}
		w := newTestReconcileWorker(repo, nil)

		w.IncrementalPass(context.Background())

		assert.False(t, repo.desks[10].IsBooked)
		assert.Nil(t, repo.desks[10].BookedBy)
	})

	t.Run("second pass with no changes writes and emits nothing", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10})
		repo.bookings = []domain.Booking{{
			ID: 1, DeskID: 10, User: user,
			StartTime: reconcileNow.Add(-30 * time.Second),
			EndTime:   reconcileNow.Add(time.Hour),
		}}
		w := newTestReconcileWorker(repo, nil)

		w.IncrementalPass(context.Background())
		writesAfterFirst := repo.stateWrites
		eventsAfterFirst := len(repo.events)

		w.IncrementalPass(context.Background())

		assert.Equal(t, writesAfterFirst, repo.stateWrites)
		assert.Equal(t, eventsAfterFirst, len(repo.events))
	})

	t.Run("ignores desks with no recent boundary", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10})
		repo.bookings = []domain.Booking{{
			ID: 1, DeskID: 10, User: user,
			StartTime: reconcileNow.Add(-3 * time.Hour),
			EndTime:   reconcileNow.Add(-2 * time.Hour),
		}}
		w := newTestReconcileWorker(repo, nil)

		w.IncrementalPass(context.Background())

		assert.Zero(t, repo.stateWrites)
	})
}

func TestReconcileLockFlags(t *testing.T) {
	t.Run("clears a flag whose advisory lock expired", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10, IsLocked: true, LockedBy: &user})
		w := newTestReconcileWorker(repo, nil)

		w.IncrementalPass(context.Background())

		assert.False(t, repo.desks[10].IsLocked)
		assert.Nil(t, repo.desks[10].LockedBy)
		require.Len(t, repo.events, 1)
		assert.Equal(t, domain.DeskEventLock, repo.events[0].Kind)
		require.NotNil(t, repo.events[0].Locked)
		assert.False(t, *repo.events[0].Locked)
	})

	t.Run("keeps the flag while the lock is held", func(t *testing.T) {
		user := domain.UserRef{ID: 1, Username: "alice"}
		repo := newMemRepo(&domain.Desk{ID: 10, IsLocked: true, LockedBy: &user})
		locks := &MockLockReader{
			ReadFunc: func(ctx context.Context, deskID int64) (*lockstore.Info, error) {
				return &lockstore.Info{DeskID: deskID, UserID: user.ID, Username: user.Username}, nil
			},
		}
		w := newTestReconcileWorker(repo, locks)

		w.IncrementalPass(context.Background())

		assert.True(t, repo.desks[10].IsLocked)
		assert.Empty(t, repo.events)
	})
}

func TestFullSync(t *testing.T) {
	user := domain.UserRef{ID: 1, Username: "alice"}
	repo := newMemRepo(
		&domain.Desk{ID: 10},
		&domain.Desk{ID: 11, IsBooked: true, BookedBy: &user},
	)
	// old booking on desk 10 still covers now: state drifted while offline
	repo.bookings = []domain.Booking{{
		ID: 1, DeskID: 10, User: user,
		StartTime: reconcileNow.Add(-6 * time.Hour),
		EndTime:   reconcileNow.Add(6 * time.Hour),
	}}
	w := newTestReconcileWorker(repo, nil)

	w.FullSync(context.Background())

	assert.True(t, repo.desks[10].IsBooked)
	assert.False(t, repo.desks[11].IsBooked, "stale booked flag must be cleared")
	assert.Equal(t, 2, repo.stateWrites)
}
