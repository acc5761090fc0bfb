package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments a counter and refreshes its TTL.
// Running both commands in one Lua script keeps the increment-and-expire
// pair atomic even across a shared Redis used by many instances.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return v
`)

// decrScript decrements a counter without letting it go below zero.
var decrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisStore implements Store on top of a Redis server or cluster.
// Counters are shared by every instance pointed at the same Redis, which
// makes this the backend of choice for multi-instance deployments.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed counter store.
// The client is not owned by the store; closing it is the caller's job.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// IncrementAndGet runs the Lua INCR+PEXPIRE script and returns the
// post-increment value. The now parameter is unused: Redis applies its
// own clock to the TTL.
func (r *RedisStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, _ time.Time) (int64, error) {
	v, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incrementing %q: %v", ErrUnavailable, key, err)
	}
	return v, nil
}

// Get returns the current counter value, or 0 if the key is absent.
// The now parameter is unused: Redis expires keys on its own clock.
func (r *RedisStore) Get(ctx context.Context, key string, _ time.Time) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading %q: %v", ErrUnavailable, key, err)
	}
	return v, nil
}

// Decrement runs the floor-at-zero decrement script.
func (r *RedisStore) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, r.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("%w: decrementing %q: %v", ErrUnavailable, key, err)
	}
	return nil
}
