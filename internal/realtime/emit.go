package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/parq/parkingcore/internal/models"
)

// SpotUpdate is the payload of a "spot_update" Message, matching
// original_source's emit_to_relevant_rooms_about_booking event shape.
type SpotUpdate struct {
	SpotID    int64  `json:"spotId"`
	Available bool   `json:"available"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

// EmitSpotUpdate fans a spot_update out to every session subscribed to the
// (lotID, bookingDate) room whose own window overlaps [startTime, endTime)
// (or unconditionally, when becoming available — is_available=true always
// emits, matching _should_emit_based_on_time's short-circuit), falling back
// to the database-backed connection table when the cache's room set can't
// be trusted.
func (h *Hub) EmitSpotUpdate(ctx context.Context, lotID int64, bookingDate string, update SpotUpdate) {
	room := RoomName(lotID, bookingDate)
	msg := Message{Type: "spot_update", Data: update}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("failed to marshal spot_update")
		return
	}

	if h.cc != nil {
		if h.emitViaCache(ctx, room, bookingDate, update, payload) {
			return
		}
	}
	h.emitViaDatabase(ctx, room, bookingDate, update, payload)
}

func (h *Hub) emitViaCache(ctx context.Context, room, bookingDate string, update SpotUpdate, payload []byte) bool {
	sids, err := h.cc.SMembers(ctx, "active_rooms:"+room)
	if err != nil {
		log.WithError(err).Warn("failed to read room membership from cache, falling back to database")
		return false
	}
	for _, sid := range sids {
		raw, ok, err := h.cc.HGetField(ctx, activeConnectionsKey, sid)
		if err != nil || !ok {
			continue
		}
		var sess connSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		if sess.BookingDate != bookingDate {
			continue
		}
		if !shouldEmit(update, sess.StartTime, sess.EndTime) {
			continue
		}
		h.writeTo(sid, payload)
	}
	return true
}

func (h *Hub) emitViaDatabase(ctx context.Context, room, bookingDate string, update SpotUpdate, payload []byte) {
	if h.conns == nil {
		return
	}
	h.conns.DeleteExpired(ctx)
	rows, err := h.conns.ByRoom(ctx, room)
	if err != nil {
		log.WithError(err).Error("database fallback emit failed")
		return
	}
	for _, c := range rows {
		if c.BookingDate != bookingDate {
			continue
		}
		if !shouldEmit(update, c.StartTime, c.EndTime) {
			continue
		}
		h.writeTo(c.SessionID, payload)
	}
}

// shouldEmit mirrors _should_emit_based_on_time: a spot becoming available
// is always broadcast; a spot becoming unavailable is only broadcast to a
// connection whose subscribed window overlaps the booking's window, and any
// parse failure defaults to emitting (never silently drops an update).
func shouldEmit(update SpotUpdate, connStart, connEnd string) bool {
	if update.Available {
		return true
	}
	wantedStart, err1 := minutesSinceMidnight(update.StartTime)
	wantedEnd, err2 := minutesSinceMidnight(update.EndTime)
	connStartM, err3 := minutesSinceMidnight(connStart)
	connEndM, err4 := minutesSinceMidnight(connEnd)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return true
	}
	return models.Overlaps(wantedStart, wantedEnd, connStartM, connEndM)
}

func minutesSinceMidnight(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, strconv.ErrSyntax
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// Send writes an arbitrary {type, data} Message directly to this session,
// used for point-to-point events like booking_failed/payment_redirect that
// aren't room broadcasts.
func (s *Session) Send(eventType string, data interface{}) error {
	payload, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *Hub) writeTo(sessionID string, payload []byte) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.WithError(err).Warn("failed to write to session, unregistering")
		h.unregister <- s
	}
}

// SessionCount reports how many sessions are currently registered with the
// hub.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
