package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/models"
)

// PendingRepo tracks direct-path bookings: a short-lived row standing in for
// a Redis lease while the coordination cache is unavailable.
type PendingRepo struct {
	db *sqlx.DB
}

func NewPendingRepo(db *sqlx.DB) *PendingRepo {
	return &PendingRepo{db: db}
}

// Store inserts a pending booking with an expiry ttl from now, matching
// original_source's store_pending_booking.
func (r *PendingRepo) Store(ctx context.Context, p models.PendingBooking, ttl time.Duration) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO pending_bookings (reservation_id, spot_id, lot_id, user_id, booking_date, start_time, end_time, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.ReservationID, p.SpotID, p.LotID, p.UserID, p.BookingDate, p.StartTime, p.EndTime, time.Now().Add(ttl))
	return id, err
}

// Delete removes a pending booking by reservation ID, e.g. once the booking
// it stood in for has been confirmed or abandoned.
func (r *PendingRepo) Delete(ctx context.Context, reservationID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_bookings WHERE reservation_id = $1`, reservationID)
	return err
}

// Get fetches a pending booking by reservation ID.
func (r *PendingRepo) Get(ctx context.Context, reservationID string) (models.PendingBooking, error) {
	var p models.PendingBooking
	err := r.db.GetContext(ctx, &p, `SELECT * FROM pending_bookings WHERE reservation_id = $1`, reservationID)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ConflictCount mirrors original_source's is_spot_available_in_db: counts
// non-expired pending bookings for spotID/date overlapping the window,
// scoped so a user's own pending row never blocks themselves.
func (r *PendingRepo) ConflictCount(ctx context.Context, spotID int64, bookingDate, startTime, endTime, excludeUserID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM pending_bookings
		WHERE spot_id = $1 AND booking_date = $2 AND expires_at > NOW()
		AND start_time < $4 AND end_time > $3
		AND user_id != $5
	`, spotID, bookingDate, startTime, endTime, excludeUserID)
	return count, err
}

// ConflictCountTx is ConflictCount scoped to an in-flight transaction and
// authored by anyone, including the requesting user: at hold-creation time
// spec's direct path treats every other pending row as a conflict, not just
// other users' rows (exclusion-by-user only applies later, post-payment, by
// reservation ID).
func (r *PendingRepo) ConflictCountTx(ctx context.Context, tx *sqlx.Tx, spotID int64, bookingDate, startTime, endTime string) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM pending_bookings
		WHERE spot_id = $1 AND booking_date = $2 AND expires_at > NOW()
		AND start_time < $4 AND end_time > $3
	`, spotID, bookingDate, startTime, endTime)
	return count, err
}

// StoreTx is Store scoped to an in-flight transaction, letting the
// direct-path hold check-and-insert happen atomically under the spot's row
// lock.
func (r *PendingRepo) StoreTx(ctx context.Context, tx *sqlx.Tx, p models.PendingBooking, ttl time.Duration) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO pending_bookings (reservation_id, spot_id, lot_id, user_id, booking_date, start_time, end_time, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.ReservationID, p.SpotID, p.LotID, p.UserID, p.BookingDate, p.StartTime, p.EndTime, time.Now().Add(ttl))
	return id, err
}

// DeleteExpired removes every pending booking past its expiry, used by the
// periodic cleanup sweep, returning the deleted rows so the sweep can emit a
// spot_update for each one (an expired hold is otherwise invisible to
// anyone watching the room).
func (r *PendingRepo) DeleteExpired(ctx context.Context) ([]models.PendingBooking, error) {
	var rows []models.PendingBooking
	err := r.db.SelectContext(ctx, &rows, `DELETE FROM pending_bookings WHERE expires_at <= NOW() RETURNING *`)
	return rows, err
}

// RecentByOtherInstances returns every pending booking created within the
// last `lookback` duration, for the cross-instance poller. It does not
// filter by instance: this process's own bookings are returned as well.
func (r *PendingRepo) RecentByOtherInstances(ctx context.Context, lookback time.Duration) ([]models.PendingBooking, error) {
	var rows []models.PendingBooking
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM pending_bookings WHERE created_at >= $1 ORDER BY created_at ASC
	`, time.Now().Add(-lookback))
	return rows, err
}
