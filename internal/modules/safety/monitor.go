// README: Safety monitor; one worker goroutine per in-progress trip evaluates
// samples in arrival order and forwards anomalies to the alert manager.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carpool/internal/logging"
	"carpool/internal/modules/alert"
	"carpool/internal/types"
)

var (
	ErrNotMonitored   = errors.New("trip is not monitored")
	ErrDriverMismatch = errors.New("sample driver does not match trip driver")
	ErrBacklog        = errors.New("monitor backlog full")
)

type Config struct {
	SpeedToleranceMph    float64
	SpeedDwell           time.Duration
	DefaultSpeedLimitMph float64
	CorridorMeters       float64
	DeviationDwell       time.Duration
	SampleWindow         int
	EscalateSpeeding     bool
	QueueSize            int
	// EarlyCompletionMeters is how far from the destination the vehicle may
	// be when completion is requested before the request needs the rider's
	// confirmation.
	EarlyCompletionMeters float64
}

func DefaultConfig() Config {
	return Config{
		SpeedToleranceMph:     6,
		SpeedDwell:            3 * time.Second,
		DefaultSpeedLimitMph:  45,
		CorridorMeters:        150,
		DeviationDwell:        20 * time.Second,
		SampleWindow:          20,
		QueueSize:             64,
		EarlyCompletionMeters: 250,
	}
}

type Deps struct {
	Raiser Raiser
	Limits SpeedLimits
	Warner SpeedWarner
	Logger *slog.Logger
}

const raiseTimeout = 5 * time.Second

type Monitor struct {
	cfg    Config
	raiser Raiser
	limits SpeedLimits
	warner SpeedWarner
	log    *slog.Logger

	mu    sync.Mutex
	trips map[types.ID]*tripMonitor
}

func NewMonitor(cfg Config, deps Deps) *Monitor {
	def := DefaultConfig()
	if cfg.SpeedToleranceMph <= 0 {
		cfg.SpeedToleranceMph = def.SpeedToleranceMph
	}
	if cfg.SpeedDwell <= 0 {
		cfg.SpeedDwell = def.SpeedDwell
	}
	if cfg.DefaultSpeedLimitMph <= 0 {
		cfg.DefaultSpeedLimitMph = def.DefaultSpeedLimitMph
	}
	if cfg.CorridorMeters <= 0 {
		cfg.CorridorMeters = def.CorridorMeters
	}
	if cfg.DeviationDwell <= 0 {
		cfg.DeviationDwell = def.DeviationDwell
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = def.SampleWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EarlyCompletionMeters <= 0 {
		cfg.EarlyCompletionMeters = def.EarlyCompletionMeters
	}
	return &Monitor{
		cfg:    cfg,
		raiser: deps.Raiser,
		limits: deps.Limits,
		warner: deps.Warner,
		log:    logging.OrDefault(deps.Logger).With(slog.String("module", "safety")),
		trips:  make(map[types.ID]*tripMonitor),
	}
}

// Start begins monitoring a trip. Starting an already monitored trip is a no-op.
func (m *Monitor) Start(w Watch) error {
	if w.TripID == "" || w.DriverID == "" {
		return fmt.Errorf("watch requires trip and driver: %+v", w)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[w.TripID]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm := &tripMonitor{
		m:        m,
		watch:    w,
		corridor: NewCorridor(w.Route),
		samples:  make(chan Sample, m.cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      m.log.With(slog.String("trip_id", string(w.TripID))),
	}
	m.trips[w.TripID] = tm
	go tm.run()
	tm.log.Info("monitoring_started", slog.Int("route_points", len(w.Route)))
	return nil
}

// Stop ends monitoring and waits for the trip's worker to exit, so no signal
// can be raised for the trip once Stop returns.
func (m *Monitor) Stop(tripID types.ID) {
	m.mu.Lock()
	tm, ok := m.trips[tripID]
	delete(m.trips, tripID)
	m.mu.Unlock()
	if !ok {
		return
	}
	tm.stop()
	tm.log.Info("monitoring_stopped")
}

func (m *Monitor) StopAll() {
	m.mu.Lock()
	all := make([]*tripMonitor, 0, len(m.trips))
	for id, tm := range m.trips {
		all = append(all, tm)
		delete(m.trips, id)
	}
	m.mu.Unlock()
	for _, tm := range all {
		tm.stop()
	}
}

func (m *Monitor) Monitoring(tripID types.ID) bool {
	return m.get(tripID) != nil
}

// Ingest queues a sample for its trip's worker without blocking.
func (m *Monitor) Ingest(s Sample) error {
	tm := m.get(s.TripID)
	if tm == nil {
		return ErrNotMonitored
	}
	if s.DriverID != tm.watch.DriverID {
		return ErrDriverMismatch
	}
	return tm.enqueue(s)
}

// LastPosition is the most recent accepted position of the trip's vehicle.
func (m *Monitor) LastPosition(tripID types.ID) (types.Point, bool) {
	tm := m.get(tripID)
	if tm == nil {
		return types.Point{}, false
	}
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()
	if len(tm.recent) == 0 {
		return types.Point{}, false
	}
	return tm.recent[len(tm.recent)-1].Position, true
}

// DistanceTo is the distance in meters from the vehicle's last known position to p.
func (m *Monitor) DistanceTo(tripID types.ID, p types.Point) (float64, bool) {
	last, ok := m.LastPosition(tripID)
	if !ok {
		return 0, false
	}
	return DistanceMeters(last, p), true
}

// EarlyCompletion reports whether completing now would end the trip short of
// its destination. An unknown position never blocks completion.
func (m *Monitor) EarlyCompletion(tripID types.ID, destination types.Point) (float64, bool) {
	d, ok := m.DistanceTo(tripID, destination)
	if !ok {
		return 0, false
	}
	return d, d > m.cfg.EarlyCompletionMeters
}

// Recent returns the retained window of evaluated samples, oldest first.
func (m *Monitor) Recent(tripID types.ID) []Sample {
	tm := m.get(tripID)
	if tm == nil {
		return nil
	}
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()
	return append([]Sample(nil), tm.recent...)
}

func (m *Monitor) get(tripID types.ID) *tripMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trips[tripID]
}

type tripMonitor struct {
	m        *Monitor
	watch    Watch
	corridor *Corridor
	log      *slog.Logger

	samples chan Sample
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	enqueueMu    sync.Mutex
	lastReceived time.Time

	stateMu sync.Mutex
	recent  []Sample

	// Owned by the run goroutine.
	last       *Sample
	overCount  int
	overSince  time.Time
	speeding   bool
	lastSpeed  float64
	lastLimit  float64
	dwellTimer *time.Timer
	dwellC     <-chan time.Time
	offCount   int
	offSince   time.Time
	deviated   bool
}

func (tm *tripMonitor) enqueue(s Sample) error {
	tm.enqueueMu.Lock()
	defer tm.enqueueMu.Unlock()
	// Arrival order at this point is the sequence; keep ReceivedAt monotonic with it.
	if s.ReceivedAt.IsZero() || s.ReceivedAt.Before(tm.lastReceived) {
		s.ReceivedAt = maxTime(tm.lastReceived, time.Now())
	}
	select {
	case <-tm.ctx.Done():
		return ErrNotMonitored
	default:
	}
	select {
	case tm.samples <- s:
		tm.lastReceived = s.ReceivedAt
		return nil
	default:
		return ErrBacklog
	}
}

func (tm *tripMonitor) stop() {
	tm.cancel()
	<-tm.done
}

func (tm *tripMonitor) run() {
	defer close(tm.done)
	defer tm.stopDwell()
	for {
		select {
		case <-tm.ctx.Done():
			return
		case s := <-tm.samples:
			tm.evaluate(s)
		case <-tm.dwellC:
			tm.dwellC = nil
			tm.onSpeedDwell()
		}
	}
}

func (tm *tripMonitor) evaluate(s Sample) {
	if tm.last != nil && !s.SampleTimestamp.After(tm.last.SampleTimestamp) {
		tm.log.Debug("sample dropped: duplicate or out of order",
			slog.Time("sample_ts", s.SampleTimestamp),
			slog.Time("last_ts", tm.last.SampleTimestamp))
		return
	}
	cp := s
	tm.last = &cp

	tm.checkSpeed(s)
	tm.checkRoute(s)

	tm.stateMu.Lock()
	tm.recent = append(tm.recent, s)
	if over := len(tm.recent) - tm.m.cfg.SampleWindow; over > 0 {
		tm.recent = append([]Sample(nil), tm.recent[over:]...)
	}
	tm.stateMu.Unlock()
}

func (tm *tripMonitor) checkSpeed(s Sample) {
	if s.SpeedMph == nil {
		return
	}
	cfg := tm.m.cfg
	limit := cfg.DefaultSpeedLimitMph
	if tm.m.limits != nil {
		if l, ok := tm.m.limits.LimitMph(tm.ctx, s.Position); ok && l > 0 {
			limit = l
		}
	}
	speed := *s.SpeedMph
	if speed-limit > cfg.SpeedToleranceMph {
		tm.overCount++
		tm.lastSpeed, tm.lastLimit = speed, limit
		if tm.overCount == 1 {
			tm.overSince = s.ReceivedAt
			tm.armDwell(cfg.SpeedDwell)
		}
		if !tm.speeding && (tm.overCount >= 2 || s.ReceivedAt.Sub(tm.overSince) >= cfg.SpeedDwell) {
			tm.signalSpeeding(s.ReceivedAt)
		}
		return
	}

	tm.stopDwell()
	if tm.speeding && tm.m.warner != nil {
		tm.m.warner.SpeedWarning(tm.ctx, Warning{
			TripID:     tm.watch.TripID,
			DriverID:   tm.watch.DriverID,
			SpeedMph:   speed,
			LimitMph:   limit,
			Cleared:    true,
			ObservedAt: s.ReceivedAt,
		})
	}
	tm.overCount = 0
	tm.speeding = false
}

// onSpeedDwell fires when a single over-threshold reading has been held for
// the dwell period without a newer sample clearing it.
func (tm *tripMonitor) onSpeedDwell() {
	if tm.overCount >= 1 && !tm.speeding {
		tm.signalSpeeding(time.Now())
	}
}

func (tm *tripMonitor) signalSpeeding(at time.Time) {
	tm.speeding = true
	tm.stopDwell()
	tm.log.Warn("speed_violation",
		slog.Float64("speed_mph", tm.lastSpeed),
		slog.Float64("limit_mph", tm.lastLimit))
	if tm.m.warner != nil {
		tm.m.warner.SpeedWarning(tm.ctx, Warning{
			TripID:     tm.watch.TripID,
			DriverID:   tm.watch.DriverID,
			SpeedMph:   tm.lastSpeed,
			LimitMph:   tm.lastLimit,
			ObservedAt: at,
		})
	}
	if tm.m.cfg.EscalateSpeeding {
		tm.raise(alert.KindSpeedViolation,
			fmt.Sprintf("%.0f mph in a %.0f mph zone", tm.lastSpeed, tm.lastLimit))
	}
}

func (tm *tripMonitor) checkRoute(s Sample) {
	if tm.corridor == nil {
		return
	}
	cfg := tm.m.cfg
	dist, outside := tm.corridor.Outside(s.Position, cfg.CorridorMeters)
	if !outside {
		tm.offCount = 0
		tm.offSince = time.Time{}
		tm.deviated = false
		return
	}
	if tm.offCount == 0 {
		tm.offSince = s.ReceivedAt
	}
	tm.offCount++
	if !tm.deviated && tm.offCount >= 2 && s.ReceivedAt.Sub(tm.offSince) >= cfg.DeviationDwell {
		tm.deviated = true
		tm.log.Warn("route_deviation", slog.Float64("distance_m", dist))
		tm.raise(alert.KindRouteDeviation, fmt.Sprintf("%.0fm off planned route", dist))
	}
}

func (tm *tripMonitor) raise(kind alert.Kind, detail string) {
	if tm.m.raiser == nil {
		return
	}
	ctx, cancel := context.WithTimeout(tm.ctx, raiseTimeout)
	defer cancel()
	if _, err := tm.m.raiser.Raise(ctx, tm.watch.TripID, kind, detail); err != nil {
		logging.LogError(tm.log, "raising safety alert failed", err, slog.String("kind", string(kind)))
	}
}

func (tm *tripMonitor) armDwell(d time.Duration) {
	tm.stopDwell()
	tm.dwellTimer = time.NewTimer(d)
	tm.dwellC = tm.dwellTimer.C
}

func (tm *tripMonitor) stopDwell() {
	if tm.dwellTimer != nil {
		tm.dwellTimer.Stop()
		tm.dwellTimer = nil
	}
	tm.dwellC = nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
