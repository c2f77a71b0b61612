package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClientAcquireLeaseIsExclusive(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()

	ok, err := f.AcquireLease(ctx, "spot_lease:1_2026-08-01", "res-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.AcquireLease(ctx, "spot_lease:1_2026-08-01", "res-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquire on the same key must fail")
}

func TestFakeClientRenewRequiresOwnership(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()

	_, err := f.AcquireLease(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)

	ok, err := f.RenewLease(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.RenewLease(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFakeClientSafeReleaseDeletesBothKeys(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()

	_, err := f.AcquireLease(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.HSet(ctx, "meta:k", map[string]string{"userId": "u1"}, time.Minute))

	ok, err := f.SafeReleaseLease(ctx, "k", "meta:k", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner must not release")

	ok, err = f.SafeReleaseLease(ctx, "k", "meta:k", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = f.HGetAll(ctx, "meta:k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFakeClientLeaseExpires(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()

	_, err := f.AcquireLease(ctx, "k", "owner-a", 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	ok, err := f.AcquireLease(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease key must be acquirable again")
}

func TestFakeClientSetDownReturnsErrUnavailable(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()
	f.SetDown(true)

	_, err := f.AcquireLease(ctx, "k", "owner-a", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)

	err = f.Ping(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFakeClientRoomMembership(t *testing.T) {
	f := NewFakeClient()
	defer f.Close()
	ctx := context.Background()

	require.NoError(t, f.SAdd(ctx, "active_rooms:lot:1:2026-08-01", "sid-1", "sid-2"))
	members, err := f.SMembers(ctx, "active_rooms:lot:1:2026-08-01")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sid-1", "sid-2"}, members)

	require.NoError(t, f.SRem(ctx, "active_rooms:lot:1:2026-08-01", "sid-1", "sid-2"))
	members, err = f.SMembers(ctx, "active_rooms:lot:1:2026-08-01")
	require.NoError(t, err)
	assert.Empty(t, members)
}
