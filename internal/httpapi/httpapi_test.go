package httpapi

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/parq/parkingcore/internal/auth"
	"github.com/parq/parkingcore/internal/availability"
	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/payment"
	"github.com/parq/parkingcore/internal/realtime"
	"github.com/parq/parkingcore/internal/store/postgres"
)

const testSecret = "test-secret-key"

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	t.Cleanup(func() { db.Close() })
	return sqlxDB, mock
}

// downable is satisfied by cache.NewFakeClient's concrete type, letting
// tests flip the coordination cache into an unreachable state without
// naming its unexported type.
type downable interface {
	SetDown(bool)
}

// testDeps bundles every dependency newTestServer wires up, so individual
// tests can reach into the cache/provider/mock to set expectations or flip
// failure modes.
type testDeps struct {
	server   *Server
	mock     sqlmock.Sqlmock
	cc       downable
	provider *payment.FakeProvider
	verify   *auth.Verifier
}

func newTestServer(t *testing.T) *testDeps {
	t.Helper()
	db, mock := newMockDB(t)
	cc := cache.NewFakeClient()
	t.Cleanup(cc.Close)

	lots := postgres.NewLotRepo(db)
	bookings := postgres.NewBookingRepo(db)
	pending := postgres.NewPendingRepo(db)
	idemp := postgres.NewIdempotencyRepo(db)
	conns := postgres.NewConnectionRepo(db)
	leases := lease.NewManager(cc, time.Minute, 30*time.Second)
	avail := availability.NewService(bookings, pending, leases)
	provider := payment.NewFakeProvider(false)
	coord := coordinator.New(db, bookings, pending, idemp, lots, leases, provider, time.Minute, 10*time.Minute, 4*time.Minute)
	hub := realtime.NewHub(cc, conns)
	verify := auth.NewVerifier(testSecret)

	srv := NewServer(lots, avail, coord, hub, verify, provider, leases,
		"https://app.test/success", "https://app.test/success-direct",
		time.Minute, 5*time.Minute)

	return &testDeps{server: srv, mock: mock, cc: cc, provider: provider, verify: verify}
}

func signTestToken(t *testing.T, userID, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}
