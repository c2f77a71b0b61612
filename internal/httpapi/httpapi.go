// Package httpapi exposes the core's HTTP surface: spot-availability
// queries, payment-callback redirects, the city/lot catalog, and the
// websocket upgrade endpoint, wired to the coordinator/availability/
// realtime/auth packages the way the teacher's handlers.go wires its
// Server struct to the board/task domain.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/parq/parkingcore/internal/auth"
	"github.com/parq/parkingcore/internal/availability"
	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/payment"
	"github.com/parq/parkingcore/internal/realtime"
	"github.com/parq/parkingcore/internal/store/postgres"
)

var log = logging.GetLogger("httpapi")

// Server holds every dependency the HTTP/websocket surface needs.
type Server struct {
	lots     *postgres.LotRepo
	avail    *availability.Service
	coord    *coordinator.Coordinator
	hub      *realtime.Hub
	verify   *auth.Verifier
	payments payment.Provider
	leases   *lease.Manager

	successURL       string
	directSuccessURL string
	cacheConnTTL     time.Duration
	dbConnTTL        time.Duration
}

func NewServer(
	lots *postgres.LotRepo,
	avail *availability.Service,
	coord *coordinator.Coordinator,
	hub *realtime.Hub,
	verify *auth.Verifier,
	payments payment.Provider,
	leases *lease.Manager,
	successURL, directSuccessURL string,
	cacheConnTTL, dbConnTTL time.Duration,
) *Server {
	return &Server{
		lots:             lots,
		avail:            avail,
		coord:            coord,
		hub:              hub,
		verify:           verify,
		payments:         payments,
		leases:           leases,
		successURL:       successURL,
		directSuccessURL: directSuccessURL,
		cacheConnTTL:     cacheConnTTL,
		dbConnTTL:        dbConnTTL,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router builds the full mux.Router: CORS, JWT-protected REST routes, and
// the websocket upgrade endpoint, mirroring main.go's corsMiddleware +
// authMiddlewareCtx + mux.Router wiring.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/check_spot_availability", s.verify.Middleware(s.checkSpotAvailability)).Methods("POST")
	r.HandleFunc("/city_selected", s.verify.Middleware(s.citySelected)).Methods("POST")
	r.HandleFunc("/payment_success", s.paymentSuccess).Methods("GET")
	r.HandleFunc("/payment_success_direct", s.paymentSuccessDirect).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)

	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
