package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/payment"
	"github.com/parq/parkingcore/internal/realtime"
)

// paymentSuccess answers GET /payment_success?session_id=... for the leased
// path: it retrieves the checkout session, confirms the booking (memoized
// on stripe_{sessionId}), refunds a paid session when the confirm fails
// (reporting a support contact only if that refund itself fails), and
// redirects to the dashboard otherwise.
func (s *Server) paymentSuccess(w http.ResponseWriter, r *http.Request) {
	s.handlePaymentCallback(w, r, false)
}

// paymentSuccessDirect is the direct-path counterpart of paymentSuccess.
func (s *Server) paymentSuccessDirect(w http.ResponseWriter, r *http.Request) {
	s.handlePaymentCallback(w, r, true)
}

func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request, direct bool) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return
	}

	sess, err := s.payments.RetrieveSession(r.Context(), sessionID)
	if err != nil {
		log.WithError(err).Error("failed to retrieve payment session")
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	spotID, _ := strconv.ParseInt(sess.Metadata["spot_id"], 10, 64)
	lotID, _ := strconv.ParseInt(sess.Metadata["parking_lot_id"], 10, 64)

	req := coordinator.ConfirmRequest{
		ReservationID:  sess.Metadata["reservation_id"],
		SpotID:         spotID,
		LotID:          lotID,
		UserID:         sess.Metadata["user_id"],
		BookingDate:    sess.Metadata["booking_date"],
		StartTime:      sess.Metadata["start_time"],
		EndTime:        sess.Metadata["end_time"],
		AmountCents:    sess.AmountCents,
		IdempotencyKey: "stripe_" + sessionID,
		Direct:         direct,
	}

	res, err := s.coord.Confirm(r.Context(), req)
	if err != nil {
		s.handleConfirmFailure(r.Context(), w, sess, err, spotID, lotID, req.BookingDate, req.StartTime, req.EndTime)
		return
	}

	s.hub.EmitSpotUpdate(r.Context(), lotID, req.BookingDate, realtime.SpotUpdate{
		SpotID: spotID, Available: false, StartTime: req.StartTime, EndTime: req.EndTime,
	})

	redirectURL := s.successURL
	if direct {
		redirectURL = s.directSuccessURL
	}
	http.Redirect(w, r, fmt.Sprintf("%s?bookingId=%d", redirectURL, res.BookingID), http.StatusFound)
}

func (s *Server) handleConfirmFailure(ctx context.Context, w http.ResponseWriter, sess payment.Session, err error, spotID, lotID int64, bookingDate, startTime, endTime string) {
	if sess.PaymentStatus == "paid" && sess.PaymentIntentID != "" {
		if refundErr := s.coord.FailPaymentAndRefund(ctx, sess.PaymentIntentID); refundErr != nil {
			log.WithError(refundErr).Error("refund failed after confirmation error")
			writeError(w, http.StatusInternalServerError, "booking failed and could not be refunded automatically, contact support")
			return
		}
		s.hub.EmitSpotUpdate(ctx, lotID, bookingDate, realtime.SpotUpdate{
			SpotID: spotID, Available: true, StartTime: startTime, EndTime: endTime,
		})
	}

	status := http.StatusConflict
	switch {
	case errors.Is(err, coordinator.ErrLeaseNotFound), errors.Is(err, coordinator.ErrLeaseLost), errors.Is(err, coordinator.ErrSpotUnavailable):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}
