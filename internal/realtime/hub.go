// Package realtime implements the realtime fan-out hub: per-connection
// sessions, room membership keyed by (lot, date), and time-window-filtered
// emission of spot availability updates, with a Postgres-backed fallback
// path for when the coordination cache's room-membership sets can't be
// trusted.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/models"
	"github.com/parq/parkingcore/internal/store/postgres"
)

var log = logging.GetLogger("realtime")

// activeConnectionsKey is the single shared hash holding every live
// connection's session state, one field per session ID, matching the cache
// keyspace's active_connections (hash) contract.
const activeConnectionsKey = "active_connections"

// connSession is one field's value within activeConnectionsKey.
type connSession struct {
	UserID      string `json:"userId"`
	RoomName    string `json:"roomName"`
	LotID       int64  `json:"lotId"`
	BookingDate string `json:"bookingDate"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

// Message is a single event sent to a subscriber.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Session is a single live websocket connection.
type Session struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	hub    *Hub

	mu          sync.Mutex
	roomName    string
	lotID       int64
	bookingDate string
	startTime   string
	endTime     string

	reservationID     string
	reservationSpotID int64
	reservationDate   string
}

// RoomName builds the (lot, date) room key. Deliberately colon-delimited:
// neither a numeric lot id nor a YYYY-MM-DD date can contain a colon, so
// splitting this key back apart is unambiguous (an underscore-delimited
// scheme cannot make that guarantee once dates or ids vary in width).
func RoomName(lotID int64, bookingDate string) string {
	return fmt.Sprintf("lot:%d:%s", lotID, bookingDate)
}

// Hub owns every live Session and the coordination-cache room sets (when
// available), mirroring the teacher's channel-driven register/unregister/
// broadcast loop generalized from board IDs to (lot,date) rooms.
type Hub struct {
	cc    cache.Client
	conns *postgres.ConnectionRepo

	register   chan *Session
	unregister chan *Session

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds a Hub. cc may be nil-able in behavior (its methods return
// cache.ErrUnavailable) when the coordination cache is down; conns backs
// the database fallback path.
func NewHub(cc cache.Client, conns *postgres.ConnectionRepo) *Hub {
	h := &Hub{
		cc:         cc,
		conns:      conns,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		sessions:   make(map[string]*Session),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.ID] = s
			h.mu.Unlock()
		case s := <-h.unregister:
			h.mu.Lock()
			delete(h.sessions, s.ID)
			h.mu.Unlock()
		}
	}
}

// Connect registers a new session for conn/userID, mirroring
// socket_con_management.py's handle_connect.
func (h *Hub) Connect(conn *websocket.Conn, sessionID, userID string) *Session {
	s := &Session{ID: sessionID, UserID: userID, conn: conn, hub: h}
	h.register <- s
	return s
}

// Subscribe moves a session into the room for (lotID, bookingDate, window),
// leaving any prior room it held, whatever that room's lot (a session is in
// at most one room at a time), and persists a DB-fallback ActiveConnection
// row.
func (h *Hub) Subscribe(ctx context.Context, s *Session, lotID int64, bookingDate, startTime, endTime string, cacheTTL, dbTTL time.Duration) error {
	newRoom := RoomName(lotID, bookingDate)

	s.mu.Lock()
	oldRoom := s.roomName
	s.roomName = newRoom
	s.lotID = lotID
	s.bookingDate = bookingDate
	s.startTime = startTime
	s.endTime = endTime
	s.mu.Unlock()

	if h.cc != nil {
		if oldRoom != "" && oldRoom != newRoom {
			if err := h.cc.SRem(ctx, "active_rooms:"+oldRoom, s.ID); err != nil {
				log.WithError(err).Warn("failed to leave previous room")
			}
		}
		if err := h.cc.SAdd(ctx, "active_rooms:"+newRoom, s.ID); err != nil {
			log.WithError(err).Warn("failed to join room, falling back to database membership only")
		}
		blob, err := json.Marshal(connSession{
			UserID:      s.UserID,
			RoomName:    newRoom,
			LotID:       lotID,
			BookingDate: bookingDate,
			StartTime:   startTime,
			EndTime:     endTime,
		})
		if err != nil {
			log.WithError(err).Error("failed to marshal connection session")
		} else if err := h.cc.HSetField(ctx, activeConnectionsKey, s.ID, string(blob), cacheTTL); err != nil {
			log.WithError(err).Warn("failed to persist connection session hash")
		}
	}

	if h.conns != nil {
		if err := h.conns.Upsert(ctx, models.ActiveConnection{
			SessionID:   s.ID,
			UserID:      s.UserID,
			RoomName:    newRoom,
			LotID:       lotID,
			BookingDate: bookingDate,
			StartTime:   startTime,
			EndTime:     endTime,
		}, dbTTL); err != nil {
			return err
		}
	}
	return nil
}
