package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/models"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("postgres: not found")

// BookingRepo provides transactional access to confirmed bookings, including
// the row-level locking the booking coordinator needs to enforce I1
// (no double-sell of a spot/window).
type BookingRepo struct {
	db *sqlx.DB
}

func NewBookingRepo(db *sqlx.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

// LockSpot takes a row lock on parking_spots for spotID for the duration of
// tx, serializing concurrent confirm attempts on the same spot the way
// original_source's with_for_update() does.
func (r *BookingRepo) LockSpot(ctx context.Context, tx *sqlx.Tx, spotID int64) error {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM parking_spots WHERE id = $1 FOR UPDATE`, spotID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// ConflictCount returns the number of confirmed bookings on spotID/date that
// overlap [startTime, endTime), for the final I1 re-check inside a locked
// transaction.
func (r *BookingRepo) ConflictCount(ctx context.Context, tx *sqlx.Tx, spotID int64, bookingDate, startTime, endTime string) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM bookings
		WHERE spot_id = $1 AND booking_date = $2 AND status = 'confirmed'
		AND start_time < $4 AND end_time > $3
	`, spotID, bookingDate, startTime, endTime)
	return count, err
}

// ConflictCountNoTx is the same overlap check outside of a transaction, used
// by the availability service.
func (r *BookingRepo) ConflictCountNoTx(ctx context.Context, spotID int64, bookingDate, startTime, endTime string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM bookings
		WHERE spot_id = $1 AND booking_date = $2 AND status = 'confirmed'
		AND start_time < $4 AND end_time > $3
	`, spotID, bookingDate, startTime, endTime)
	return count, err
}

// ConflictingSpotIDs returns every spot in lotID with a confirmed booking
// overlapping the window on bookingDate, used by the availability service's
// whole-lot check.
func (r *BookingRepo) ConflictingSpotIDs(ctx context.Context, lotID int64, bookingDate, startTime, endTime string) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT spot_id FROM bookings
		WHERE lot_id = $1 AND booking_date = $2 AND status = 'confirmed'
		AND start_time < $4 AND end_time > $3
	`, lotID, bookingDate, startTime, endTime)
	return ids, err
}

// Create inserts a confirmed booking row inside tx and returns its id.
func (r *BookingRepo) Create(ctx context.Context, tx *sqlx.Tx, b models.Booking) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO bookings (reservation_id, spot_id, lot_id, user_id, booking_date, start_time, end_time, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, b.ReservationID, b.SpotID, b.LotID, b.UserID, b.BookingDate, b.StartTime, b.EndTime, b.AmountCents, b.Status)
	return id, err
}

// UpdateStatus transitions a booking's terminal status (e.g. to refunded).
func (r *BookingRepo) UpdateStatus(ctx context.Context, reservationID string, status models.BookingStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE bookings SET status = $1 WHERE reservation_id = $2`, status, reservationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByReservationID fetches a booking by its reservation ID.
func (r *BookingRepo) GetByReservationID(ctx context.Context, reservationID string) (models.Booking, error) {
	var b models.Booking
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bookings WHERE reservation_id = $1`, reservationID)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// WithTx runs fn inside a new transaction, committing on success and rolling
// back on any error or panic.
func (r *BookingRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
