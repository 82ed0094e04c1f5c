package maps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
	"googlemaps.github.io/maps"

	"carpool/internal/logging"
	"carpool/internal/types"
)

const (
	// ~150m cells; a speed limit rarely changes inside one.
	speedCellPrecision = 7
	speedCacheTTL      = 6 * time.Hour
	speedLookupTimeout = 2 * time.Second
)

type cachedLimit struct {
	mph     float64
	ok      bool
	fetched time.Time
}

// SpeedLimitService resolves posted limits through the Roads API, cached per geohash cell.
type SpeedLimitService struct {
	client *maps.Client
	log    *slog.Logger

	mu    sync.Mutex
	cells map[string]cachedLimit
}

func NewSpeedLimitService(apiKey string, logger *slog.Logger) (*SpeedLimitService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &SpeedLimitService{
		client: client,
		log:    logging.OrDefault(logger),
		cells:  make(map[string]cachedLimit),
	}, nil
}

// LimitMph returns false when the limit is unknown; callers use their default.
func (s *SpeedLimitService) LimitMph(ctx context.Context, p types.Point) (float64, bool) {
	cell := geohash.EncodeWithPrecision(p.Lat, p.Lng, speedCellPrecision)
	now := time.Now()

	s.mu.Lock()
	c, hit := s.cells[cell]
	s.mu.Unlock()
	if hit && now.Sub(c.fetched) < speedCacheTTL {
		return c.mph, c.ok
	}

	ctx, cancel := context.WithTimeout(ctx, speedLookupTimeout)
	defer cancel()
	resp, err := s.client.SpeedLimits(ctx, &maps.SpeedLimitsRequest{
		Path:  []maps.LatLng{{Lat: p.Lat, Lng: p.Lng}},
		Units: maps.SpeedLimitMPH,
	})
	if err != nil {
		logging.LogError(s.log, "speed limit lookup failed", err, slog.String("cell", cell))
		return 0, false
	}

	c = cachedLimit{fetched: now}
	if len(resp.SpeedLimits) > 0 {
		c.mph, c.ok = resp.SpeedLimits[0].SpeedLimit, true
	}
	s.mu.Lock()
	s.cells[cell] = c
	s.mu.Unlock()
	return c.mph, c.ok
}
