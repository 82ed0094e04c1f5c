// README: Redis mirror of alert snapshots for the ops dashboards.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"carpool/internal/types"
)

const (
	alertsKeyPrefix = "safety:alerts:%s"
	// Alert history outlives the trip long enough for a safety review.
	alertsTTL = 7 * 24 * time.Hour
)

type RedisRecorder struct {
	redis *redis.Client
}

func NewRedisRecorder(redis *redis.Client) *RedisRecorder {
	return &RedisRecorder{redis: redis}
}

func (r *RedisRecorder) Record(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert %s: %w", a.ID, err)
	}
	key := alertsKey(a.TripID)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, a.ID, payload)
	pipe.Expire(ctx, key, alertsTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns every recorded alert of a trip ordered by RaisedAt.
func (r *RedisRecorder) List(ctx context.Context, tripID types.ID) ([]Alert, error) {
	vals, err := r.redis.HGetAll(ctx, alertsKey(tripID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(vals))
	for id, raw := range vals {
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding alert %s: %w", id, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}

func alertsKey(tripID types.ID) string {
	return fmt.Sprintf(alertsKeyPrefix, string(tripID))
}
