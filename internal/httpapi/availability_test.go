package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSpotAvailabilityReportsBookedSpots(t *testing.T) {
	deps := newTestServer(t)
	token := signTestToken(t, "u1", "u1@test.com")

	deps.mock.ExpectQuery(`SELECT \* FROM parking_lots WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "city", "image_filename", "created_at"}).
			AddRow(5, "Downtown", "Metropolis", "downtown.png", time.Now()))
	deps.mock.ExpectQuery(`SELECT \* FROM parking_spots WHERE lot_id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "lot_id", "spot_number", "svg_coords", "price_per_hour"}).
			AddRow(1, 5, "A1", "M10 10", 2.5).
			AddRow(2, 5, "A2", "M20 20", 2.5))
	deps.mock.ExpectQuery(`SELECT spot_id FROM bookings`).
		WithArgs(int64(5), "2026-08-01", "09:00", "10:00").
		WillReturnRows(sqlmock.NewRows([]string{"spot_id"}).AddRow(1))

	body, _ := json.Marshal(map[string]interface{}{
		"parkingLotId": 5, "bookingDate": "2026-08-01", "startTime": "09:00", "endTime": "10:00",
	})
	req := httptest.NewRequest("POST", "/check_spot_availability", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	deps.server.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "downtown.png", resp["image_filename"])
	assert.EqualValues(t, 1, resp["booked_count"])
	assert.True(t, resp["redis_available"].(bool))
	spots := resp["spots"].([]interface{})
	require.Len(t, spots, 2)
	first := spots[0].(map[string]interface{})
	assert.False(t, first["is_available"].(bool))
	second := spots[1].(map[string]interface{})
	assert.True(t, second["is_available"].(bool))

	require.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestCheckSpotAvailabilityRejectsMissingToken(t *testing.T) {
	deps := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{"parkingLotId": 5, "bookingDate": "2026-08-01"})
	req := httptest.NewRequest("POST", "/check_spot_availability", bytes.NewReader(body))
	w := httptest.NewRecorder()

	deps.server.Router().ServeHTTP(w, req)

	assert.Equal(t, 401, w.Code)
}

func TestCitySelectedListsLots(t *testing.T) {
	deps := newTestServer(t)
	token := signTestToken(t, "u1", "u1@test.com")

	deps.mock.ExpectQuery(`SELECT \* FROM parking_lots WHERE city = \$1`).
		WithArgs("Metropolis").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "city", "image_filename", "created_at"}).
			AddRow(5, "Downtown", "Metropolis", "downtown.png", time.Now()))

	body, _ := json.Marshal(map[string]string{"city": "Metropolis"})
	req := httptest.NewRequest("POST", "/city_selected", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	deps.server.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	lots := resp["lots"].([]interface{})
	require.Len(t, lots, 1)
	require.NoError(t, deps.mock.ExpectationsWereMet())
}
