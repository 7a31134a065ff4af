package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "sms:lock:"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive leases keyed by name.
type Locker struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewLocker(client *goredis.Client, ttl time.Duration) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	return &Locker{client: client, ttl: ttl}, nil
}

// TryLock acquires name without waiting. The returned release func only
// deletes the key if this holder still owns it.
func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := lockKeyPrefix + strings.ToLower(strings.TrimSpace(name))
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %q: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
