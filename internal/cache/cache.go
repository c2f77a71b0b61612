// Package cache implements the coordination cache (CC): the Redis-backed
// layer that guards spot leases, tracks realtime room membership, and
// records per-connection session state. A Client is the full surface the
// rest of the core depends on; redisClient backs it with go-redis, and
// fakeClient backs it with an in-memory map for tests, mirroring the way
// coredhcp's transient.LeaseStore stands in for a real lease backend.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by any Client method when the backing cache
// cannot be reached. Callers use this to trip the booking coordinator's
// circuit breaker and fall back to the direct (database-only) path.
var ErrUnavailable = errors.New("cache: unavailable")

// Client is the coordination-cache surface used by the lease manager,
// availability service, and realtime hub.
type Client interface {
	// Ping checks connectivity, used by the health check and recovery probe.
	Ping(ctx context.Context) error

	// AcquireLease sets key to owner with the given TTL, only if key does
	// not already exist (SET NX EX semantics).
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends key's TTL, only if its current value equals owner.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes key, only if its current value equals owner.
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)
	// SafeReleaseLease deletes both key and its paired metadata key, only
	// if key's current value equals owner.
	SafeReleaseLease(ctx context.Context, key, metaKey, owner string) (bool, error)
	// Get returns the current value of key and whether it existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Keys returns all keys matching the given glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Del deletes the given keys.
	Del(ctx context.Context, keys ...string) error

	// HSet writes a metadata hash at key with an expiry.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HGetAll reads the metadata hash at key; ok is false if it doesn't exist.
	HGetAll(ctx context.Context, key string) (map[string]string, bool, error)
	// HDel deletes the hash at key.
	HDel(ctx context.Context, key string) error
	// Expire resets the TTL on an existing key without changing its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key, deleting the set if empty.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns every member of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// HSetField writes a single field of the hash at key, refreshing key's
	// TTL, so many independent records (e.g. one per connection) can share a
	// single hash key without colliding on each other's fields.
	HSetField(ctx context.Context, key, field, value string, ttl time.Duration) error
	// HGetField reads a single field of the hash at key; ok is false if the
	// field (or the hash) doesn't exist.
	HGetField(ctx context.Context, key, field string) (string, bool, error)
	// HDelField deletes a single field of the hash at key, leaving the rest
	// of the hash intact.
	HDelField(ctx context.Context, key, field string) error

	// SubscribeExpired subscribes to key-expiry notifications for keys
	// matching pattern, returning a channel of the expired keys' names. The
	// channel is closed when ctx is done.
	SubscribeExpired(ctx context.Context, pattern string) (<-chan string, error)
}
