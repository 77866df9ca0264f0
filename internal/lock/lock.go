// Package lock provides an advisory, TTL-bounded distributed lock backed by
// Redis (C2 in SPEC_FULL.md). It is used exclusively by the Quote
// Dispatcher's assignment protocol to serialize "which provider gets this
// job" across concurrent inbound SMS replies.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryAcquire when the key is already held.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker is a named, TTL-bounded mutual-exclusion lock.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
}

// RedisLocker implements Locker with SET NX EX (grounded on
// original_source's redis.set(lock_key, locksmith_id, nx=True, ex=30)) and a
// Lua script that releases only if the stored token still matches — an
// improvement over the original's unconditional delete, since an
// unconditional delete can release a lock acquired by someone else after
// this holder's TTL already expired.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps a live Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		panic("lock: nil redis client")
	}
	return &RedisLocker{client: client}
}

// TryAcquire attempts to set key to a random token with NX EX semantics. It
// returns ErrNotAcquired (not a generic error) when the key is already held,
// so callers can distinguish contention from infrastructure failure.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release deletes key only if its current value is still token, so a
// holder whose TTL already expired and was reassigned to someone else can
// never delete the new holder's lock.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
