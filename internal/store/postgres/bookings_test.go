package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parq/parkingcore/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	t.Cleanup(func() { db.Close() })
	return sqlxDB, mock
}

func TestBookingRepoConflictCountNoTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepo(db)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bookings`).
		WithArgs(int64(1), "2026-08-01", "09:00", "10:00").
		WillReturnRows(rows)

	count, err := repo.ConflictCountNoTx(context.Background(), 1, "2026-08-01", "09:00", "10:00")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoCreateInsideTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM parking_spots WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO bookings`).
		WithArgs("res-1", int64(1), int64(10), "u1", "2026-08-01", "09:00", "10:00", int64(500), models.BookingConfirmed).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	var bookingID int64
	err := repo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if err := repo.LockSpot(context.Background(), tx, 1); err != nil {
			return err
		}
		id, err := repo.Create(context.Background(), tx, models.Booking{
			ReservationID: "res-1",
			SpotID:        1,
			LotID:         10,
			UserID:        "u1",
			BookingDate:   "2026-08-01",
			StartTime:     "09:00",
			EndTime:       "10:00",
			AmountCents:   500,
			Status:        models.BookingConfirmed,
		})
		bookingID = id
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), bookingID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoCreateRollsBackOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM parking_spots WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bookings`).
		WithArgs(int64(1), "2026-08-01", "09:00", "10:00").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if err := repo.LockSpot(context.Background(), tx, 1); err != nil {
			return err
		}
		count, err := repo.ConflictCount(context.Background(), tx, 1, "2026-08-01", "09:00", "10:00")
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrNotFound
		}
		return nil
	})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
