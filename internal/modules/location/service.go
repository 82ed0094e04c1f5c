// README: Location service is the ingestion boundary: it validates and throttles
// vehicle reports, hands accepted samples to the safety monitor, and persists
// the live position with periodic snapshots.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"carpool/internal/logging"
	"carpool/internal/modules/safety"
	"carpool/internal/types"
)

var (
	ErrMalformedSample = errors.New("malformed location sample")
	ErrThrottled       = errors.New("location sample rate exceeded")
	ErrWrongDriver     = errors.New("sample driver is not assigned to trip")
)

// Monitor receives accepted samples.
type Monitor interface {
	Ingest(s safety.Sample) error
}

// Positions persists accepted samples. *Store implements it.
type Positions interface {
	SetPosition(ctx context.Context, s safety.Sample) error
	AppendSnapshot(ctx context.Context, snap Snapshot) error
	Forget(ctx context.Context, tripID types.ID) error
}

type Config struct {
	SampleRate    float64
	Burst         int
	SnapshotEvery time.Duration
	MaxClockSkew  time.Duration
	IdleAfter     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:    5,
		Burst:         10,
		SnapshotEvery: 30 * time.Second,
		MaxClockSkew:  time.Minute,
		IdleAfter:     10 * time.Minute,
	}
}

type Service struct {
	store    Positions
	monitor  Monitor
	validate *validator.Validate
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	trips map[types.ID]*tripState
}

type tripState struct {
	limiter      *rate.Limiter
	lastSeen     time.Time
	lastSnapshot time.Time
}

func NewService(store Positions, monitor Monitor, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = def.SnapshotEvery
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = def.MaxClockSkew
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	return &Service{
		store:    store,
		monitor:  monitor,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		log:      logging.OrDefault(logger).With(slog.String("module", "location")),
		now:      time.Now,
		trips:    make(map[types.ID]*tripState),
	}
}

// Ingest accepts or rejects one report. Rejections never reach the monitor.
func (s *Service) Ingest(ctx context.Context, r Report) (safety.Sample, error) {
	if err := s.validate.Struct(r); err != nil {
		return safety.Sample{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}
	now := s.now()
	if r.SampleTimestamp.After(now.Add(s.cfg.MaxClockSkew)) {
		return safety.Sample{}, fmt.Errorf("%w: sample timestamp %s is in the future", ErrMalformedSample, r.SampleTimestamp.Format(time.RFC3339))
	}

	st := s.state(r.TripID, now)
	if !st.limiter.AllowN(now, 1) {
		return safety.Sample{}, ErrThrottled
	}

	sample := safety.Sample{
		TripID:          r.TripID,
		DriverID:        r.DriverID,
		Position:        types.Point{Lat: *r.Lat, Lng: *r.Lng},
		SpeedMph:        r.SpeedMph,
		HeadingDegrees:  r.HeadingDegrees,
		SampleTimestamp: r.SampleTimestamp,
		ReceivedAt:      now,
	}

	if s.monitor != nil {
		switch err := s.monitor.Ingest(sample); {
		case err == nil, errors.Is(err, safety.ErrNotMonitored):
		case errors.Is(err, safety.ErrDriverMismatch):
			return safety.Sample{}, ErrWrongDriver
		case errors.Is(err, safety.ErrBacklog):
			return safety.Sample{}, ErrThrottled
		default:
			return safety.Sample{}, err
		}
	}

	s.persist(ctx, sample, st, now)
	return sample, nil
}

// persist is best effort; live monitoring does not depend on it.
func (s *Service) persist(ctx context.Context, sample safety.Sample, st *tripState, now time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.SetPosition(ctx, sample); err != nil {
		logging.LogError(s.log, "storing position failed", err, slog.String("trip_id", string(sample.TripID)))
	}

	s.mu.Lock()
	due := now.Sub(st.lastSnapshot) >= s.cfg.SnapshotEvery
	if due {
		st.lastSnapshot = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	snap := Snapshot{
		TripID:     sample.TripID,
		DriverID:   sample.DriverID,
		Position:   sample.Position,
		SpeedMph:   sample.SpeedMph,
		RecordedAt: sample.ReceivedAt,
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		logging.LogError(s.log, "appending snapshot failed", err, slog.String("trip_id", string(sample.TripID)))
	}
}

func (s *Service) state(tripID types.ID, now time.Time) *tripState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.trips[tripID]
	if !ok {
		st = &tripState{limiter: rate.NewLimiter(rate.Limit(s.cfg.SampleRate), s.cfg.Burst)}
		s.trips[tripID] = st
	}
	st.lastSeen = now
	return st
}

// Forget releases the per-trip throttle state and the stored live position of
// an ended trip. Snapshots stay.
func (s *Service) Forget(ctx context.Context, tripID types.ID) {
	s.mu.Lock()
	delete(s.trips, tripID)
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.Forget(ctx, tripID); err != nil {
		logging.LogError(s.log, "dropping live position failed", err, slog.String("trip_id", string(tripID)))
	}
}

// RunJanitor drops throttle state for trips that stopped reporting.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

func (s *Service) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, st := range s.trips {
		if now.Sub(st.lastSeen) > s.cfg.IdleAfter {
			delete(s.trips, id)
			removed++
		}
	}
	return removed
}
