package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream       = "crm:call-activity"
	DefaultStreamMaxLen = 10000
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream publishes activities to a Redis stream for the CRM worker.
type RedisStream struct {
	rdb    streamAdder
	stream string
	maxLen int64
}

// NewRedisStream publishes to stream, trimmed to about maxLen entries.
func NewRedisStream(rdb streamAdder, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStream{rdb: rdb, stream: stream, maxLen: maxLen}
}

// OpenRedis creates a client and validates it via PING.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (r *RedisStream) Record(ctx context.Context, a Activity) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"sessionId":     a.SessionID,
			"phoneNumber":   a.PhoneNumber,
			"direction":     string(a.Direction),
			"duration":      strconv.FormatInt(a.Duration, 10),
			"startTime":     a.StartTime.UTC().Format(time.RFC3339),
			"endTime":       a.EndTime.UTC().Format(time.RFC3339),
			"status":        string(a.Status),
			"failureReason": a.FailureReason,
		},
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
