package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parq/parkingcore/internal/cache"
)

func TestRoomNameUsesColonDelimiter(t *testing.T) {
	assert.Equal(t, "lot:7:2026-08-01", RoomName(7, "2026-08-01"))
}

func TestShouldEmitAlwaysWhenBecomingAvailable(t *testing.T) {
	assert.True(t, shouldEmit(SpotUpdate{Available: true, StartTime: "09:00", EndTime: "10:00"}, "11:00", "12:00"))
}

func TestShouldEmitOnlyWhenWindowsOverlap(t *testing.T) {
	update := SpotUpdate{Available: false, StartTime: "09:00", EndTime: "10:00"}
	assert.True(t, shouldEmit(update, "09:30", "11:00"))
	assert.False(t, shouldEmit(update, "10:00", "11:00"))
}

func TestShouldEmitDefaultsTrueOnParseFailure(t *testing.T) {
	update := SpotUpdate{Available: false, StartTime: "bogus", EndTime: "10:00"}
	assert.True(t, shouldEmit(update, "09:00", "10:00"))
}

func wsDialAndUpgrade(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = c
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	return serverConn, clientConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func TestEmitSpotUpdateDeliversToSubscribedSession(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	h := NewHub(cc, nil)
	ctx := context.Background()

	serverConn, clientConn, cleanup := wsDialAndUpgrade(t)
	defer cleanup()

	s := h.Connect(serverConn, "sid-1", "u1")
	require.NoError(t, h.Subscribe(ctx, s, 5, "2026-08-01", "09:00", "10:00", time.Minute, time.Minute))

	h.EmitSpotUpdate(ctx, 5, "2026-08-01", SpotUpdate{SpotID: 9, Available: false, StartTime: "09:30", EndTime: "10:30"})

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"spotId":9`)
}

func TestEmitSpotUpdateSkipsNonOverlappingSession(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	h := NewHub(cc, nil)
	ctx := context.Background()

	serverConn, clientConn, cleanup := wsDialAndUpgrade(t)
	defer cleanup()

	s := h.Connect(serverConn, "sid-2", "u2")
	require.NoError(t, h.Subscribe(ctx, s, 5, "2026-08-01", "13:00", "14:00", time.Minute, time.Minute))

	h.EmitSpotUpdate(ctx, 5, "2026-08-01", SpotUpdate{SpotID: 9, Available: false, StartTime: "09:30", EndTime: "10:30"})

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err, "a non-overlapping subscriber should not receive the update")
}
