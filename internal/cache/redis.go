package cache

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parq/parkingcore/internal/logging"
)

var log = logging.GetLogger("cache")

// redisClient is the go-redis-backed implementation of Client.
type redisClient struct {
	rdb *redis.Client
	db  int
}

// NewRedisClient connects to a Redis instance at addr/db, matching the
// connection shape of the coordination cache in original_source's redis.py.
// It also best-effort enables keyspace notifications for expired events:
// a managed Redis instance may refuse CONFIG SET, in which case
// SubscribeExpired simply never fires and the sweep-based cleanup remains
// the source of truth.
func NewRedisClient(addr string, db int) Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.ConfigSet(context.Background(), "notify-keyspace-events", "Ex").Err(); err != nil {
		log.WithError(err).Warn("could not enable keyspace notifications, lease-expiry events will not fire")
	}
	return &redisClient{rdb: rdb, db: db}
}

func wrapErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	log.WithError(err).Warn("cache operation failed")
	return ErrUnavailable
}

func (c *redisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (c *redisClient) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, c.rdb, []string{key}, owner, int(ttl.Seconds())).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, wrapErr(err)
	}
	s, _ := res.(string)
	return s == "OK", nil
}

func (c *redisClient) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.rdb, []string{key}, owner, int(ttl.Seconds())).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return res == 1, nil
}

func (c *redisClient) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	res, err := deleteScript.Run(ctx, c.rdb, []string{key}, owner).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return res == 1, nil
}

func (c *redisClient) SafeReleaseLease(ctx context.Context, key, metaKey, owner string) (bool, error) {
	res, err := safeReleaseScript.Run(ctx, c.rdb, []string{key, metaKey}, owner).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return res == 1, nil
}

func (c *redisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

func (c *redisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (c *redisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(c.rdb.Del(ctx, keys...).Err())
}

func (c *redisClient) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *redisClient) HGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, wrapErr(err)
	}
	if len(v) == 0 {
		return nil, false, nil
	}
	return v, true, nil
}

func (c *redisClient) HDel(ctx context.Context, key string) error {
	return wrapErr(c.rdb.Del(ctx, key).Err())
}

func (c *redisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *redisClient) SAdd(ctx context.Context, key string, members ...string) error {
	mm := make([]interface{}, len(members))
	for i, m := range members {
		mm[i] = m
	}
	return wrapErr(c.rdb.SAdd(ctx, key, mm...).Err())
}

func (c *redisClient) SRem(ctx context.Context, key string, members ...string) error {
	mm := make([]interface{}, len(members))
	for i, m := range members {
		mm[i] = m
	}
	pipe := c.rdb.TxPipeline()
	pipe.SRem(ctx, key, mm...)
	pipe.SCard(ctx, key)
	res, err := pipe.Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if len(res) == 2 {
		if card, ok := res[1].(*redis.IntCmd); ok && card.Val() == 0 {
			c.rdb.Del(ctx, key)
		}
	}
	return nil
}

func (c *redisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

func (c *redisClient) HSetField(ctx context.Context, key, field, value string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *redisClient) HGetField(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

func (c *redisClient) HDelField(ctx context.Context, key, field string) error {
	return wrapErr(c.rdb.HDel(ctx, key, field).Err())
}

// SubscribeExpired listens on Redis's __keyevent@{db}__:expired keyspace
// notification channel, which delivers only the expired key's name (never
// its last value), and filters it against pattern before forwarding it.
func (c *redisClient) SubscribeExpired(ctx context.Context, pattern string) (<-chan string, error) {
	channel := "__keyevent@" + strconv.Itoa(c.db) + "__:expired"
	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapErr(err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key := msg.Payload
				if pattern != "" && pattern != "*" {
					if ok, _ := filepath.Match(pattern, key); !ok {
						continue
					}
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// FormatTTLSeconds returns the integral second count of a duration as a
// string (matching original_source's use of plain integer TTLs throughout
// its Redis calls). Nothing in this module calls it.
func FormatTTLSeconds(ttl time.Duration) string {
	return strconv.Itoa(int(ttl.Seconds()))
}
