package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/pkg/telemetry"
)

// DeskAvailability is a per-day free/busy map for one desk
type DeskAvailability struct {
	DeskID    int64           `json:"desk_id"`
	DeskName  string          `json:"desk_name"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	Days      map[string]bool `json:"availability"` // YYYY-MM-DD -> free
}

// DeskService covers desk reads and permanence administration. The
// caller is responsible for the permission decision; these methods only
// enforce the permanence invariant itself.
type DeskService interface {
	GetDesk(ctx context.Context, deskID int64) (*domain.Desk, error)
	ListDesks(ctx context.Context) ([]domain.Desk, error)
	AssignPermanent(ctx context.Context, deskID int64, assignee domain.UserRef) (*domain.Desk, error)
	ClearPermanent(ctx context.Context, deskID int64) (*domain.Desk, error)
	Availability(ctx context.Context, deskID int64, startDay time.Time, days int) (*DeskAvailability, error)
}

// deskService implements DeskService
type deskService struct {
	repo repository.DeskRepository
}

// NewDeskService creates a new desk service
func NewDeskService(repo repository.DeskRepository) DeskService {
	return &deskService{repo: repo}
}

func (s *deskService) GetDesk(ctx context.Context, deskID int64) (*domain.Desk, error) {
	return s.repo.GetDesk(ctx, deskID)
}

func (s *deskService) ListDesks(ctx context.Context) ([]domain.Desk, error) {
	return s.repo.ListDesks(ctx)
}

// AssignPermanent makes the desk exclusively bookable by the assignee
func (s *deskService) AssignPermanent(ctx context.Context, deskID int64, assignee domain.UserRef) (*domain.Desk, error) {
	ctx, span := telemetry.StartSpan(ctx, "desk.assign_permanent")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("desk_id", deskID),
		attribute.Int64("assignee_id", assignee.ID),
	)

	var desk *domain.Desk
	err := s.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.SetPermanent(ctx, &assignee); err != nil {
			return err
		}
		d := tx.Desk()
		if err := d.Validate(); err != nil {
			return err
		}
		desk = d
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return desk, nil
}

// ClearPermanent removes the permanent assignment from a desk
func (s *deskService) ClearPermanent(ctx context.Context, deskID int64) (*domain.Desk, error) {
	ctx, span := telemetry.StartSpan(ctx, "desk.clear_permanent")
	defer span.End()

	span.SetAttributes(attribute.Int64("desk_id", deskID))

	var desk *domain.Desk
	err := s.repo.WithDeskTx(ctx, deskID, func(ctx context.Context, tx repository.DeskTx) error {
		if err := tx.SetPermanent(ctx, nil); err != nil {
			return err
		}
		desk = tx.Desk()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return desk, nil
}

// Availability reports, for each of the given days, whether the desk has
// no booking touching that day. Days are UTC calendar days.
func (s *deskService) Availability(ctx context.Context, deskID int64, startDay time.Time, days int) (*DeskAvailability, error) {
	ctx, span := telemetry.StartSpan(ctx, "desk.availability")
	defer span.End()

	span.SetAttributes(attribute.Int64("desk_id", deskID))

	if days <= 0 {
		days = 14
	}

	desk, err := s.repo.GetDesk(ctx, deskID)
	if err != nil {
		return nil, err
	}

	from := startDay.UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, days)
	bookings, err := s.repo.ListBookingsByDesk(ctx, deskID, from, to)
	if err != nil {
		return nil, err
	}

	avail := &DeskAvailability{
		DeskID:    desk.ID,
		DeskName:  desk.Name,
		StartDate: from.Format("2006-01-02"),
		EndDate:   to.AddDate(0, 0, -1).Format("2006-01-02"),
		Days:      make(map[string]bool, days),
	}

	for i := 0; i < days; i++ {
		day := from.AddDate(0, 0, i)
		next := day.AddDate(0, 0, 1)
		booked := false
		for _, b := range bookings {
			if b.StartTime.Before(next) && b.EndTime.After(day) {
				booked = true
				break
			}
		}
		avail.Days[day.Format("2006-01-02")] = !booked
	}

	return avail, nil
}
