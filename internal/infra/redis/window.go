package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-notifier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const windowKeyPrefix = "sms:window:"

// Scores are unix milliseconds; members carry a uuid so equal timestamps do not collapse.
var countScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

var recordScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

var _ ratelimit.Window = (*SlidingWindow)(nil)

// SlidingWindow is a ratelimit.Window shared across processes through a Redis sorted set.
type SlidingWindow struct {
	client *goredis.Client
	key    string
	span   time.Duration
	member func() string
}

func NewSlidingWindow(client *goredis.Client, name string, span time.Duration) (*SlidingWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return nil, fmt.Errorf("window name is required")
	}
	if span <= 0 {
		return nil, fmt.Errorf("window span must be positive")
	}

	return &SlidingWindow{
		client: client,
		key:    windowKeyPrefix + normalized,
		span:   span,
		member: uuid.NewString,
	}, nil
}

func (w *SlidingWindow) Count(ctx context.Context, now time.Time) (int, error) {
	count, err := countScript.Run(ctx, w.client, []string{w.key}, w.cutoff(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to count window %q: %w", w.key, err)
	}
	return count, nil
}

func (w *SlidingWindow) Record(ctx context.Context, now time.Time) error {
	err := recordScript.Run(ctx, w.client, []string{w.key},
		w.cutoff(now),
		now.UnixMilli(),
		w.member(),
		w.span.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record window %q: %w", w.key, err)
	}
	return nil
}

func (w *SlidingWindow) Reset(ctx context.Context) error {
	if err := w.client.Del(ctx, w.key).Err(); err != nil {
		return fmt.Errorf("failed to reset window %q: %w", w.key, err)
	}
	return nil
}

func (w *SlidingWindow) cutoff(now time.Time) int64 {
	return now.Add(-w.span).UnixMilli()
}
