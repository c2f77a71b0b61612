package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parq/parkingcore/internal/cache"
)

func TestAcquireThenConflict(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	m := NewManager(cc, time.Minute, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 1, LotID: 10, UserID: "u1", BookingDate: "2026-08-01", StartTime: "09:00", EndTime: "10:00"}
	id1, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	req2 := Request{SpotID: 1, LotID: 10, UserID: "u2", BookingDate: "2026-08-01", StartTime: "09:30", EndTime: "10:30"}
	_, err = m.Acquire(ctx, req2)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAcquireIsIdempotentByReservationID(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	m := NewManager(cc, time.Minute, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 1, LotID: 10, UserID: "u1", BookingDate: "2026-08-01", StartTime: "09:00", EndTime: "10:00"}
	id1, err := m.Acquire(ctx, req)
	require.NoError(t, err)

	req.ReservationID = id1
	id2, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestRenewFailsWhenLeaseLost(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	m := NewManager(cc, 50*time.Millisecond, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 2, LotID: 10, UserID: "u1", BookingDate: "2026-08-01", StartTime: "09:00", EndTime: "10:00"}
	id, err := m.Acquire(ctx, req)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	err = m.Renew(ctx, 2, "2026-08-01", id, time.Minute)
	assert.True(t, errors.Is(err, ErrLost))
}

func TestReleaseRemovesMetadata(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	m := NewManager(cc, time.Minute, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 3, LotID: 10, UserID: "u1", BookingDate: "2026-08-01", StartTime: "09:00", EndTime: "10:00"}
	id, err := m.Acquire(ctx, req)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, 3, "2026-08-01", id))

	_, err = m.Metadata(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, held, err := m.Inspect(ctx, 3, "2026-08-01")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireSurfacesUnavailableWhenCacheDown(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	cc.SetDown(true)
	m := NewManager(cc, time.Minute, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 4, LotID: 10, UserID: "u1", BookingDate: "2026-08-01", StartTime: "09:00", EndTime: "10:00"}
	_, err := m.Acquire(ctx, req)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMetadataRoundTrip(t *testing.T) {
	cc := cache.NewFakeClient()
	defer cc.Close()
	m := NewManager(cc, time.Minute, 30*time.Second)
	ctx := context.Background()

	req := Request{SpotID: 5, LotID: 20, UserID: "u9", BookingDate: "2026-08-02", StartTime: "08:00", EndTime: "09:00"}
	id, err := m.Acquire(ctx, req)
	require.NoError(t, err)

	meta, err := m.Metadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.SpotID)
	assert.Equal(t, int64(20), meta.LotID)
	assert.Equal(t, "u9", meta.UserID)
	assert.Equal(t, "08:00", meta.StartTime)
	assert.Equal(t, "09:00", meta.EndTime)
}
