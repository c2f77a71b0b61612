// Package postgres implements the persistent store (PS): the Postgres-backed
// repositories for confirmed bookings, pending (direct-path) bookings,
// idempotency memoization, and the realtime DB-fallback connection table.
package postgres

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/parq/parkingcore/internal/logging"
)

var log = logging.GetLogger("store/postgres")

// Open connects to Postgres at dsn and ensures the schema exists.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := createTables(db.DB); err != nil {
		return nil, err
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS parking_lots (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		city VARCHAR(255) NOT NULL,
		image_filename VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_parking_lots_city ON parking_lots (city);

	CREATE TABLE IF NOT EXISTS parking_spots (
		id SERIAL PRIMARY KEY,
		lot_id INTEGER REFERENCES parking_lots(id) ON DELETE CASCADE,
		spot_number VARCHAR(64) NOT NULL,
		svg_coords TEXT NOT NULL DEFAULT '',
		price_per_hour NUMERIC(10,2) NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id SERIAL PRIMARY KEY,
		reservation_id VARCHAR(64) UNIQUE NOT NULL,
		spot_id INTEGER NOT NULL REFERENCES parking_spots(id),
		lot_id INTEGER NOT NULL REFERENCES parking_lots(id),
		user_id VARCHAR(128) NOT NULL,
		booking_date DATE NOT NULL,
		start_time VARCHAR(8) NOT NULL,
		end_time VARCHAR(8) NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL DEFAULT 'confirmed',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bookings_spot_date ON bookings (spot_id, booking_date);

	CREATE TABLE IF NOT EXISTS pending_bookings (
		id SERIAL PRIMARY KEY,
		reservation_id VARCHAR(64) UNIQUE NOT NULL,
		spot_id INTEGER NOT NULL REFERENCES parking_spots(id),
		lot_id INTEGER NOT NULL REFERENCES parking_lots(id),
		user_id VARCHAR(128) NOT NULL,
		booking_date DATE NOT NULL,
		start_time VARCHAR(8) NOT NULL,
		end_time VARCHAR(8) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_spot_date ON pending_bookings (spot_id, booking_date);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key VARCHAR(128) PRIMARY KEY,
		result TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS active_connections (
		session_id VARCHAR(128) PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		room_name VARCHAR(255) NOT NULL,
		lot_id INTEGER NOT NULL,
		booking_date DATE NOT NULL,
		start_time VARCHAR(8) NOT NULL,
		end_time VARCHAR(8) NOT NULL,
		connected_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_active_connections_room ON active_connections (room_name);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("postgres: create tables: %w", err)
	}
	return nil
}
