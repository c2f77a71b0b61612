package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/models"
)

// ConnectionRepo persists the DB-fallback view of realtime subscriptions,
// used when the coordination cache is unavailable and room membership can't
// live in a Redis set.
type ConnectionRepo struct {
	db *sqlx.DB
}

func NewConnectionRepo(db *sqlx.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

// Upsert records (or refreshes) a connection's subscription, with a fresh
// expiry ttl from now, matching original_source's 5-minute ActiveConnection
// TTL in handle_subscribe.
func (r *ConnectionRepo) Upsert(ctx context.Context, c models.ActiveConnection, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO active_connections (session_id, user_id, room_name, lot_id, booking_date, start_time, end_time, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			room_name = EXCLUDED.room_name,
			lot_id = EXCLUDED.lot_id,
			booking_date = EXCLUDED.booking_date,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			expires_at = EXCLUDED.expires_at
	`, c.SessionID, c.UserID, c.RoomName, c.LotID, c.BookingDate, c.StartTime, c.EndTime, time.Now().Add(ttl))
	return err
}

// Delete removes a connection's fallback row, e.g. on disconnect.
func (r *ConnectionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_connections WHERE session_id = $1`, sessionID)
	return err
}

// ByRoom returns every non-expired connection subscribed to roomName, used
// to fan an update out when the cache is down.
func (r *ConnectionRepo) ByRoom(ctx context.Context, roomName string) ([]models.ActiveConnection, error) {
	var rows []models.ActiveConnection
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM active_connections WHERE room_name = $1 AND expires_at > NOW()
	`, roomName)
	return rows, err
}

// DeleteExpired prunes every connection past its expiry, used by the
// periodic cleanup sweep.
func (r *ConnectionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_connections WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
