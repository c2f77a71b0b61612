package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/parq/parkingcore/internal/auth"
	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/realtime"
)

// wsEvent is the envelope every inbound websocket frame is decoded into,
// matching the {type, data} shape the hub also uses outbound.
type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeData struct {
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
}

type bookSpotData struct {
	SpotID       int64  `json:"spotId"`
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartHour    int    `json:"startHour"`
	StartMinute  int    `json:"startMinute"`
	EndHour      int    `json:"endHour"`
	EndMinute    int    `json:"endMinute"`
}

// handleWebSocket upgrades the connection, registers a Session, and
// dispatches subscribe/book_spot/disconnect events, mirroring handlers.go's
// handleWebSocket + socket_con_management.py's event handlers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.verify.Validate(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := s.hub.Connect(conn, uuid.NewString(), claims.UserID)
	defer s.hub.Disconnect(r.Context(), session, s.leases)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt wsEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "subscribe":
			s.onSubscribe(r, session, evt.Data)
		case "book_spot":
			s.onBookSpot(r, session, claims, evt.Data)
		}
	}
}

func (s *Server) onSubscribe(r *http.Request, session *realtime.Session, raw json.RawMessage) {
	var d subscribeData
	if err := json.Unmarshal(raw, &d); err != nil {
		return
	}
	if err := s.hub.Subscribe(r.Context(), session, d.ParkingLotID, d.BookingDate, d.StartTime, d.EndTime, s.cacheConnTTL, s.dbConnTTL); err != nil {
		log.WithError(err).Warn("subscribe failed")
	}
}

func (s *Server) onBookSpot(r *http.Request, session *realtime.Session, claims auth.Claims, raw json.RawMessage) {
	var d bookSpotData
	if err := json.Unmarshal(raw, &d); err != nil {
		return
	}
	startTime := formatHourMinute(d.StartHour, d.StartMinute)
	endTime := formatHourMinute(d.EndHour, d.EndMinute)

	hold, err := s.coord.Hold(r.Context(), coordinator.HoldRequest{
		SpotID:      d.SpotID,
		LotID:       d.ParkingLotID,
		UserID:      claims.UserID,
		BookingDate: d.BookingDate,
		StartTime:   startTime,
		EndTime:     endTime,
	})
	if err != nil {
		reason := "taken"
		if errors.Is(err, coordinator.ErrSpotNotFound) {
			reason = "not_found"
		}
		session.Send("booking_failed", map[string]string{"reason": reason})
		return
	}

	session.SetReservation(d.SpotID, d.BookingDate, hold.ReservationID)

	s.hub.EmitSpotUpdate(r.Context(), d.ParkingLotID, d.BookingDate, realtime.SpotUpdate{
		SpotID: d.SpotID, Available: false, StartTime: startTime, EndTime: endTime,
	})

	amountCents, err := coordinator.CalculatePrice(startTime, endTime, hold.PricePerHour)
	if err != nil {
		log.WithError(err).Error("failed to compute booking price")
		session.Send("booking_failed", map[string]string{"reason": "invalid_window"})
		return
	}

	successURL, cancelURL := s.successURL, s.successURL
	if hold.Direct {
		successURL = s.directSuccessURL
	}
	sess, err := s.coord.CreateCheckout(r.Context(), coordinator.CheckoutRequest{
		ReservationID: hold.ReservationID,
		SpotID:        d.SpotID,
		LotID:         d.ParkingLotID,
		UserID:        claims.UserID,
		BookingDate:   d.BookingDate,
		StartTime:     startTime,
		EndTime:       endTime,
		AmountCents:   amountCents,
		SuccessURL:    successURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     cancelURL,
		Direct:        hold.Direct,
	})
	if err != nil {
		log.WithError(err).Error("failed to create checkout session")
		session.Send("booking_failed", map[string]string{"reason": "payment_unavailable"})
		return
	}

	session.Send("payment_redirect", map[string]string{"url": sess.URL})
}

func formatHourMinute(h, m int) string {
	return fmt.Sprintf("%02d:%02d", h, m)
}
