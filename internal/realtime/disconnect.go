package realtime

import (
	"context"

	"github.com/parq/parkingcore/internal/lease"
)

// SetReservation records the reservation a session currently holds a lease
// for, so Disconnect knows what (if anything) to release.
func (s *Session) SetReservation(spotID int64, bookingDate, reservationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservationID = reservationID
	s.reservationSpotID = spotID
	s.reservationDate = bookingDate
}

// Disconnect unregisters a session and, if it was holding a lease with no
// payment in flight, releases it — mirroring handle_disconnect's rule that
// a lease already in a payment_context is left alone because the payment
// callback (success or failure) owns its cleanup from here.
func (h *Hub) Disconnect(ctx context.Context, s *Session, leases *lease.Manager) {
	h.unregister <- s

	s.mu.Lock()
	room := s.roomName
	reservationID := s.reservationID
	spotID := s.reservationSpotID
	bookingDate := s.reservationDate
	s.mu.Unlock()

	if h.cc != nil {
		if room != "" {
			h.cc.SRem(ctx, "active_rooms:"+room, s.ID)
		}
		h.cc.HDelField(ctx, activeConnectionsKey, s.ID)
	}
	if h.conns != nil {
		h.conns.Delete(ctx, s.ID)
	}

	if reservationID == "" || leases == nil {
		return
	}
	meta, err := leases.Metadata(ctx, reservationID)
	if err != nil {
		return
	}
	if meta.PaymentContext {
		log.WithField("reservationId", reservationID).Info("preserving leased spot for in-flight payment on disconnect")
		return
	}
	if err := leases.Release(ctx, spotID, bookingDate, reservationID); err != nil {
		log.WithError(err).Warn("failed to release lease on disconnect")
	}
}
