package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/pkg/telemetry"
)

// lock_timeout expiry on the desk row lock
const pgLockNotAvailable = "55P03"

const deskColumns = `
	id, name, room_id,
	is_booked, booked_by_id, booked_by_username,
	is_locked, locked_by_id, locked_by_username,
	is_permanent, permanent_assignee_id, permanent_assignee_username
`

const bookingColumns = `
	id, desk_id, user_id, username, start_time, end_time, created_at, updated_at
`

// PostgresDeskRepository implements DeskRepository using PostgreSQL with pgxpool
type PostgresDeskRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDeskRepository creates a new PostgresDeskRepository
func NewPostgresDeskRepository(pool *pgxpool.Pool) *PostgresDeskRepository {
	return &PostgresDeskRepository{pool: pool}
}

// WithDeskTx opens a transaction, locks the desk row FOR UPDATE, and runs
// fn against the locked desk. The transaction commits only when fn
// returns nil; any error rolls back everything written through the tx.
func (r *PostgresDeskRepository) WithDeskTx(ctx context.Context, deskID int64, fn func(ctx context.Context, tx DeskTx) error) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.desk.with_tx")
	defer span.End()

	span.SetAttributes(attribute.Int64("desk_id", deskID))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	desk, err := lockDesk(ctx, tx, deskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := fn(ctx, &deskTx{tx: tx, desk: desk}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetDesk retrieves a desk by its ID without locking it
func (r *PostgresDeskRepository) GetDesk(ctx context.Context, id int64) (*domain.Desk, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.desk.get")
	defer span.End()

	span.SetAttributes(attribute.Int64("desk_id", id))

	query := `SELECT ` + deskColumns + ` FROM desks WHERE id = $1`

	desk, err := scanDesk(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeskNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get desk: %w", err)
	}

	return desk, nil
}

// ListDesks retrieves all desks ordered by id
func (r *PostgresDeskRepository) ListDesks(ctx context.Context) ([]domain.Desk, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.desk.list")
	defer span.End()

	query := `SELECT ` + deskColumns + ` FROM desks ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list desks: %w", err)
	}
	defer rows.Close()

	var desks []domain.Desk
	for rows.Next() {
		desk, err := scanDesk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan desk: %w", err)
		}
		desks = append(desks, *desk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating desks: %w", err)
	}

	return desks, nil
}

// GetBooking retrieves a booking by its ID
func (r *PostgresDeskRepository) GetBooking(ctx context.Context, id int64) (*domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.get")
	defer span.End()

	span.SetAttributes(attribute.Int64("booking_id", id))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	booking, err := scanBooking(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	return booking, nil
}

// ListBookingsByUser retrieves a user's bookings overlapping [from, to)
func (r *PostgresDeskRepository) ListBookingsByUser(ctx context.Context, userID int64, from, to time.Time) ([]domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.list_by_user")
	defer span.End()

	span.SetAttributes(attribute.Int64("user_id", userID))

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE user_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time
	`

	rows, err := r.pool.Query(ctx, query, userID, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list bookings by user: %w", err)
	}
	defer rows.Close()

	return collectBookings(rows)
}

// ListBookingsByDesk retrieves a desk's bookings overlapping [from, to)
func (r *PostgresDeskRepository) ListBookingsByDesk(ctx context.Context, deskID int64, from, to time.Time) ([]domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.list_by_desk")
	defer span.End()

	span.SetAttributes(attribute.Int64("desk_id", deskID))

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE desk_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time
	`

	rows, err := r.pool.Query(ctx, query, deskID, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list bookings by desk: %w", err)
	}
	defer rows.Close()

	return collectBookings(rows)
}

// DeskIDsWithBoundaryIn returns ids of desks with a booking starting or
// ending inside [from, to). The reconcile worker uses this to touch only
// desks whose derived state could have flipped since the last pass.
func (r *PostgresDeskRepository) DeskIDsWithBoundaryIn(ctx context.Context, from, to time.Time) ([]int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.desk.ids_with_boundary")
	defer span.End()

	query := `
		SELECT DISTINCT desk_id
		FROM bookings
		WHERE (start_time >= $1 AND start_time < $2)
		   OR (end_time >= $1 AND end_time < $2)
		ORDER BY desk_id
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query desk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan desk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating desk ids: %w", err)
	}

	return ids, nil
}

// lockDesk acquires the exclusive row lock that serializes all writers of
// one desk. A lock_timeout expiry surfaces as a retryable conflict rather
// than an unbounded wait.
func lockDesk(ctx context.Context, tx pgx.Tx, deskID int64) (*domain.Desk, error) {
	query := `SELECT ` + deskColumns + ` FROM desks WHERE id = $1 FOR UPDATE`

	desk, err := scanDesk(tx.QueryRow(ctx, query, deskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeskNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, domain.ErrLockWaitTimeout
		}
		return nil, fmt.Errorf("failed to lock desk row: %w", err)
	}

	return desk, nil
}

// deskTx is the DeskTx implementation bound to one open transaction
type deskTx struct {
	tx   pgx.Tx
	desk *domain.Desk
}

func (t *deskTx) Desk() *domain.Desk {
	return t.desk
}

func (t *deskTx) FindOverlapping(ctx context.Context, start, end time.Time, excludeIDs ...int64) ([]domain.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE desk_id = $1 AND start_time < $3 AND end_time > $2
		  AND NOT (id = ANY($4))
		ORDER BY start_time
	`

	if excludeIDs == nil {
		excludeIDs = []int64{}
	}
	rows, err := t.tx.Query(ctx, query, t.desk.ID, start, end, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping bookings: %w", err)
	}
	defer rows.Close()

	return collectBookings(rows)
}

func (t *deskTx) GetBooking(ctx context.Context, id int64) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 AND desk_id = $2`

	booking, err := scanBooking(t.tx.QueryRow(ctx, query, id, t.desk.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	return booking, nil
}

func (t *deskTx) CreateBooking(ctx context.Context, booking *domain.Booking) error {
	query := `
		INSERT INTO bookings (desk_id, user_id, username, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	booking.DeskID = t.desk.ID
	booking.CreatedAt = now
	booking.UpdatedAt = now

	err := t.tx.QueryRow(ctx, query,
		booking.DeskID,
		booking.User.ID,
		booking.User.Username,
		booking.StartTime,
		booking.EndTime,
		booking.CreatedAt,
		booking.UpdatedAt,
	).Scan(&booking.ID)

	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}

	return nil
}

func (t *deskTx) UpdateBookingTimes(ctx context.Context, id int64, start, end time.Time) error {
	query := `
		UPDATE bookings SET start_time = $2, end_time = $3, updated_at = $4
		WHERE id = $1 AND desk_id = $5
	`

	result, err := t.tx.Exec(ctx, query, id, start, end, time.Now().UTC(), t.desk.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking times: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}

	return nil
}

func (t *deskTx) DeleteBooking(ctx context.Context, id int64) error {
	result, err := t.tx.Exec(ctx, `DELETE FROM bookings WHERE id = $1 AND desk_id = $2`, id, t.desk.ID)
	if err != nil {
		return fmt.Errorf("failed to delete booking: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}

	return nil
}

func (t *deskTx) DeleteOwnedInWindow(ctx context.Context, userID int64, start, end time.Time, keep []int64) ([]int64, error) {
	query := `
		DELETE FROM bookings
		WHERE desk_id = $1 AND user_id = $2
		  AND start_time < $4 AND end_time > $3
		  AND NOT (id = ANY($5))
		RETURNING id
	`

	if keep == nil {
		keep = []int64{}
	}
	rows, err := t.tx.Query(ctx, query, t.desk.ID, userID, start, end, keep)
	if err != nil {
		return nil, fmt.Errorf("failed to delete bookings in window: %w", err)
	}
	defer rows.Close()

	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deleted booking id: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted bookings: %w", err)
	}

	return deleted, nil
}

// LockedDeskIDs returns ids of desks whose cached lock flag is set
func (r *PostgresDeskRepository) LockedDeskIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM desks WHERE is_locked ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locked desks: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan desk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locked desks: %w", err)
	}

	return ids, nil
}

func (t *deskTx) RecomputeDeskState(ctx context.Context, now time.Time) (bool, error) {
	query := `
		SELECT user_id, username FROM bookings
		WHERE desk_id = $1 AND start_time <= $2 AND end_time > $2
		ORDER BY start_time
		LIMIT 1
	`

	var current *domain.UserRef
	var userID int64
	var username string
	err := t.tx.QueryRow(ctx, query, t.desk.ID, now).Scan(&userID, &username)
	switch {
	case err == nil:
		current = &domain.UserRef{ID: userID, Username: username}
	case errors.Is(err, pgx.ErrNoRows):
		// desk is free right now
	default:
		return false, fmt.Errorf("failed to find covering booking: %w", err)
	}

	changed := t.desk.IsBooked != (current != nil) ||
		(t.desk.BookedBy == nil) != (current == nil) ||
		(t.desk.BookedBy != nil && current != nil && t.desk.BookedBy.ID != current.ID)
	if !changed {
		return false, nil
	}

	update := `
		UPDATE desks SET
			is_booked = $2,
			booked_by_id = $3,
			booked_by_username = $4,
			updated_at = $5
		WHERE id = $1
	`

	_, err = t.tx.Exec(ctx, update,
		t.desk.ID,
		current != nil,
		userRefID(current),
		userRefName(current),
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update desk state: %w", err)
	}

	t.desk.IsBooked = current != nil
	t.desk.BookedBy = current
	return true, nil
}

func (t *deskTx) SetLockFlag(ctx context.Context, locked bool, by *domain.UserRef) error {
	if !locked {
		by = nil
	}

	query := `
		UPDATE desks SET
			is_locked = $2,
			locked_by_id = $3,
			locked_by_username = $4,
			updated_at = $5
		WHERE id = $1
	`

	_, err := t.tx.Exec(ctx, query, t.desk.ID, locked, userRefID(by), userRefName(by), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set lock flag: %w", err)
	}

	t.desk.IsLocked = locked
	t.desk.LockedBy = by
	return nil
}

func (t *deskTx) SetPermanent(ctx context.Context, assignee *domain.UserRef) error {
	query := `
		UPDATE desks SET
			is_permanent = $2,
			permanent_assignee_id = $3,
			permanent_assignee_username = $4,
			updated_at = $5
		WHERE id = $1
	`

	_, err := t.tx.Exec(ctx, query, t.desk.ID, assignee != nil, userRefID(assignee), userRefName(assignee), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set permanent assignment: %w", err)
	}

	t.desk.IsPermanent = assignee != nil
	t.desk.PermanentAssignee = assignee
	return nil
}

func (t *deskTx) AppendEvent(ctx context.Context, ev *domain.DeskEvent) error {
	msg, err := domain.NewOutboxMessage(ev)
	if err != nil {
		return err
	}
	msg.ID = uuid.New().String()

	query := `
		INSERT INTO desk_events (
			id, desk_id, event_kind, payload, topic, partition_key,
			status, retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = t.tx.Exec(ctx, query,
		msg.ID,
		msg.DeskID,
		msg.EventKind,
		msg.Payload,
		msg.Topic,
		msg.PartitionKey,
		msg.Status.String(),
		msg.RetryCount,
		msg.MaxRetries,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to stage desk event: %w", err)
	}

	return nil
}

// scanner covers pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanDesk(row scanner) (*domain.Desk, error) {
	var desk domain.Desk
	var (
		bookedByID   *int64
		bookedByName *string
		lockedByID   *int64
		lockedByName *string
		assigneeID   *int64
		assigneeName *string
	)

	err := row.Scan(
		&desk.ID,
		&desk.Name,
		&desk.RoomID,
		&desk.IsBooked,
		&bookedByID,
		&bookedByName,
		&desk.IsLocked,
		&lockedByID,
		&lockedByName,
		&desk.IsPermanent,
		&assigneeID,
		&assigneeName,
	)
	if err != nil {
		return nil, err
	}

	desk.BookedBy = userRef(bookedByID, bookedByName)
	desk.LockedBy = userRef(lockedByID, lockedByName)
	desk.PermanentAssignee = userRef(assigneeID, assigneeName)
	return &desk, nil
}

func scanBooking(row scanner) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID,
		&b.DeskID,
		&b.User.ID,
		&b.User.Username,
		&b.StartTime,
		&b.EndTime,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookings: %w", err)
	}
	return bookings, nil
}

func userRef(id *int64, name *string) *domain.UserRef {
	if id == nil {
		return nil
	}
	ref := &domain.UserRef{ID: *id}
	if name != nil {
		ref.Username = *name
	}
	return ref
}

func userRefID(u *domain.UserRef) *int64 {
	if u == nil {
		return nil
	}
	return &u.ID
}

func userRefName(u *domain.UserRef) *string {
	if u == nil {
		return nil
	}
	return &u.Username
}

// Ensure PostgresDeskRepository implements DeskRepository
var _ DeskRepository = (*PostgresDeskRepository)(nil)
var _ DeskTx = (*deskTx)(nil)
