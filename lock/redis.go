package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token, so a
// lease that expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the expiry only while the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const defaultRedisTTL = 10 * time.Minute

// Redis is a lease-based locker shared across instances. A lease that is not
// refreshed expires after its ttl, so a crashed holder never blocks sweeps
// for longer than that.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "commission:lock:"}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: r.prefix + key, token: token}, true, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (rl *redisLease) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	n, err := refreshScript.Run(ctx, rl.client, []string{rl.key}, rl.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return n == 1, nil
}

func (rl *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, rl.client, []string{rl.key}, rl.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
