package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/parq/parkingcore/internal/auth"
	"github.com/parq/parkingcore/internal/availability"
)

type checkAvailabilityRequest struct {
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
}

type spotView struct {
	ID           int64   `json:"id"`
	SpotNumber   string  `json:"spotNumber"`
	SvgCoords    string  `json:"svgCoords"`
	IsAvailable  bool    `json:"is_available"`
	PricePerHour float64 `json:"pricePerHour"`
}

// checkSpotAvailability answers POST /check_spot_availability: for every
// spot in the requested lot, whether it's free for [startTime, endTime) on
// bookingDate, matching the {image_filename, spots, booked_count,
// leased_count, redis_available} response shape.
func (s *Server) checkSpotAvailability(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var req checkAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lot, err := s.lots.Get(r.Context(), req.ParkingLotID)
	if err != nil {
		writeError(w, http.StatusNotFound, "parking lot not found")
		return
	}
	spots, err := s.lots.SpotsByLot(r.Context(), req.ParkingLotID)
	if err != nil {
		log.WithError(err).Error("failed to load spots")
		writeError(w, http.StatusInternalServerError, "failed to load spots")
		return
	}

	spotIDs := make([]int64, len(spots))
	for i, sp := range spots {
		spotIDs[i] = sp.ID
	}

	unavailable, err := s.avail.CheckLot(r.Context(), availability.LotQuery{
		LotID:       req.ParkingLotID,
		SpotIDs:     spotIDs,
		BookingDate: req.BookingDate,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		RequestedBy: claims.UserID,
	})
	if err != nil {
		log.WithError(err).Error("availability check failed")
		writeError(w, http.StatusInternalServerError, "availability check failed")
		return
	}

	views := make([]spotView, len(spots))
	bookedCount := 0
	for i, sp := range spots {
		taken := unavailable[sp.ID]
		views[i] = spotView{
			ID:           sp.ID,
			SpotNumber:   sp.SpotNumber,
			SvgCoords:    sp.SvgCoords,
			IsAvailable:  !taken,
			PricePerHour: sp.PricePerHour,
		}
		if taken {
			bookedCount++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image_filename":  lot.ImageFilename,
		"spots":           views,
		"booked_count":    bookedCount,
		"leased_count":    bookedCount,
		"redis_available": s.coord.Healthy(),
	})
}

// citySelected answers POST /city_selected with the list of lots in a city.
func (s *Server) citySelected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		City string `json:"city"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	lots, err := s.lots.ByCity(r.Context(), req.City)
	if err != nil {
		log.WithError(err).Error("failed to load lots")
		writeError(w, http.StatusInternalServerError, "failed to load lots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lots": lots})
}
