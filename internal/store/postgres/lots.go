package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/models"
)

// LotRepo serves the read-only parking lot/spot catalog backing
// city_selected and check_spot_availability.
type LotRepo struct {
	db *sqlx.DB
}

func NewLotRepo(db *sqlx.DB) *LotRepo {
	return &LotRepo{db: db}
}

// ByCity lists every lot in a city, matching original_source's city_selected
// route.
func (r *LotRepo) ByCity(ctx context.Context, city string) ([]models.Lot, error) {
	var lots []models.Lot
	err := r.db.SelectContext(ctx, &lots, `SELECT * FROM parking_lots WHERE city = $1 ORDER BY name`, city)
	return lots, err
}

// Get fetches a single lot by ID.
func (r *LotRepo) Get(ctx context.Context, lotID int64) (models.Lot, error) {
	var lot models.Lot
	err := r.db.GetContext(ctx, &lot, `SELECT * FROM parking_lots WHERE id = $1`, lotID)
	return lot, err
}

// SpotsByLot lists every spot belonging to a lot, ordered for stable display.
func (r *LotRepo) SpotsByLot(ctx context.Context, lotID int64) ([]models.Spot, error) {
	var spots []models.Spot
	err := r.db.SelectContext(ctx, &spots, `SELECT * FROM parking_spots WHERE lot_id = $1 ORDER BY id`, lotID)
	return spots, err
}

// GetSpot fetches a single spot by ID, used to validate a hold/book request
// against the catalog and to recompute its price server-side.
func (r *LotRepo) GetSpot(ctx context.Context, spotID int64) (models.Spot, error) {
	var spot models.Spot
	err := r.db.GetContext(ctx, &spot, `SELECT * FROM parking_spots WHERE id = $1`, spotID)
	if errors.Is(err, sql.ErrNoRows) {
		return spot, ErrNotFound
	}
	return spot, err
}
