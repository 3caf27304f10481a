package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-list-backed feed (LPUSH/LTRIM, newest first), used when
// a separate display process on the kiosk consumes the stream.
type Redis struct {
	client *redis.Client
	key    string
	keep   int64
}

// NewRedis connects with short timeouts; a slow feed must never hold up
// scan handling.
func NewRedis(addr, key string, keep int64) *Redis {
	if key == "" {
		key = "scanner:outcomes"
	}
	if keep <= 0 {
		keep = 100
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{client: client, key: key, keep: keep}
}

// Publish pushes the event and trims the list to the retention cap.
func (r *Redis) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, body).Err(); err != nil {
		return err
	}
	return r.client.LTrim(ctx, r.key, 0, r.keep-1).Err()
}

// Recent returns up to limit events, newest first. Entries that fail to
// decode are skipped rather than failing the whole read.
func (r *Redis) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = int(r.keep)
	}
	raws, err := r.client.LRange(ctx, r.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err == nil {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Healthy verifies connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}
