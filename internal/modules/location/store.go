// README: Location store backed by Redis GEO, a capped recent-sample list, and Postgres snapshots.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"

	"carpool/internal/modules/safety"
	"carpool/internal/types"
)

const (
	geoKey           = "geo:trip_vehicles"
	recentTTL        = 6 * time.Hour
	geohashPrecision = 9
)

func recentKey(tripID types.ID) string {
	return "trip:" + string(tripID) + ":samples"
}

type Store struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	recent int
}

func NewStore(db *pgxpool.Pool, redis *redis.Client, recent int) *Store {
	if recent <= 0 {
		recent = 20
	}
	return &Store{db: db, redis: redis, recent: recent}
}

type storedSample struct {
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	SpeedMph        *float64  `json:"speedMph,omitempty"`
	HeadingDegrees  *float64  `json:"headingDegrees,omitempty"`
	SampleTimestamp time.Time `json:"sampleTimestamp"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// SetPosition records the vehicle's last position and appends the sample to
// the trip's capped recent list in one pipeline.
func (s *Store) SetPosition(ctx context.Context, sample safety.Sample) error {
	payload, err := json.Marshal(storedSample{
		Lat:             sample.Position.Lat,
		Lng:             sample.Position.Lng,
		SpeedMph:        sample.SpeedMph,
		HeadingDegrees:  sample.HeadingDegrees,
		SampleTimestamp: sample.SampleTimestamp,
		ReceivedAt:      sample.ReceivedAt,
	})
	if err != nil {
		return err
	}
	key := recentKey(sample.TripID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      string(sample.TripID),
			Longitude: sample.Position.Lng,
			Latitude:  sample.Position.Lat,
		})
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(s.recent-1))
		pipe.Expire(ctx, key, recentTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set position: %w", err)
	}
	return nil
}

// Forget drops the trip's live position and recent samples once the trip has
// ended; the GEO set has no TTL of its own.
func (s *Store) Forget(ctx context.Context, tripID types.ID) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, geoKey, string(tripID))
		pipe.Del(ctx, recentKey(tripID))
		return nil
	})
	return err
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.Geohash == "" {
		snap.Geohash = geohash.EncodeWithPrecision(snap.Position.Lat, snap.Position.Lng, geohashPrecision)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (trip_id, driver_id, lat, lng, geohash, speed_mph, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(snap.TripID), string(snap.DriverID), snap.Position.Lat, snap.Position.Lng,
		snap.Geohash, snap.SpeedMph, snap.RecordedAt,
	)
	return err
}
