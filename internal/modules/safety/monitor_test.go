package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/modules/alert"
	"carpool/internal/types"
)

type raised struct {
	tripID types.ID
	kind   alert.Kind
	detail string
}

type fakeRaiser struct {
	mu    sync.Mutex
	calls []raised
}

func (f *fakeRaiser) Raise(_ context.Context, tripID types.ID, kind alert.Kind, detail string) (alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, raised{tripID, kind, detail})
	return alert.Alert{TripID: tripID, Kind: kind, Status: alert.StatusPending}, nil
}

func (f *fakeRaiser) raised() []raised {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]raised(nil), f.calls...)
}

type fakeWarner struct {
	mu       sync.Mutex
	warnings []Warning
}

func (f *fakeWarner) SpeedWarning(_ context.Context, w Warning) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, w)
}

func (f *fakeWarner) all() []Warning {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Warning(nil), f.warnings...)
}

type fixedLimits float64

func (l fixedLimits) LimitMph(context.Context, types.Point) (float64, bool) {
	return float64(l), true
}

var testRoute = []types.Point{
	{Lat: 43.6500, Lng: -79.4000},
	{Lat: 43.6500, Lng: -79.3800},
}

var (
	onRoute  = types.Point{Lat: 43.6500, Lng: -79.3900}
	offRoute = types.Point{Lat: 43.6600, Lng: -79.3900}
)

func mph(v float64) *float64 { return &v }

type harness struct {
	mon    *Monitor
	raiser *fakeRaiser
	warner *fakeWarner
	base   time.Time
	n      int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{raiser: &fakeRaiser{}, warner: &fakeWarner{}, base: time.Now()}
	h.mon = NewMonitor(cfg, Deps{Raiser: h.raiser, Warner: h.warner, Limits: fixedLimits(50)})
	require.NoError(t, h.mon.Start(Watch{TripID: "trip-1", DriverID: "driver-1", Route: testRoute}))
	t.Cleanup(h.mon.StopAll)
	return h
}

// send ingests a sample offset from the harness base clock and waits until the
// worker has evaluated it.
func (h *harness) send(t *testing.T, offset time.Duration, pos types.Point, speed *float64) {
	t.Helper()
	at := h.base.Add(offset)
	require.NoError(t, h.mon.Ingest(Sample{
		TripID:          "trip-1",
		DriverID:        "driver-1",
		Position:        pos,
		SpeedMph:        speed,
		SampleTimestamp: at,
		ReceivedAt:      at,
	}))
	h.n++
	want := h.n
	require.Eventually(t, func() bool {
		return len(h.mon.Recent("trip-1")) >= min(want, h.mon.cfg.SampleWindow)
	}, time.Second, time.Millisecond)
}

func slowDwell() Config {
	cfg := DefaultConfig()
	cfg.SpeedDwell = time.Hour
	cfg.DeviationDwell = 10 * time.Second
	return cfg
}

func TestMonitor_SingleOverSampleDoesNotWarn(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, onRoute, mph(70))

	assert.Empty(t, h.warner.all())
	assert.Empty(t, h.raiser.raised())
}

func TestMonitor_TwoConsecutiveOverSamplesWarn(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, onRoute, mph(70))
	h.send(t, time.Second, onRoute, mph(72))

	warnings := h.warner.all()
	require.Len(t, warnings, 1)
	assert.False(t, warnings[0].Cleared)
	assert.Equal(t, 72.0, warnings[0].SpeedMph)
	assert.Equal(t, 50.0, warnings[0].LimitMph)
	assert.Empty(t, h.raiser.raised(), "speeding is not escalated unless configured")

	// Still speeding: latched, no repeat warning.
	h.send(t, 2*time.Second, onRoute, mph(75))
	assert.Len(t, h.warner.all(), 1)
}

func TestMonitor_WithinToleranceIsNotSpeeding(t *testing.T) {
	h := newHarness(t, slowDwell())

	// Limit 50, tolerance 6.
	h.send(t, 0, onRoute, mph(56))
	h.send(t, time.Second, onRoute, mph(55))

	assert.Empty(t, h.warner.all())
}

func TestMonitor_NonConsecutiveOverSamplesDoNotWarn(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, onRoute, mph(70))
	h.send(t, time.Second, onRoute, mph(40))
	h.send(t, 2*time.Second, onRoute, mph(70))

	assert.Empty(t, h.warner.all())
}

func TestMonitor_SpeedingClears(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, onRoute, mph(70))
	h.send(t, time.Second, onRoute, mph(70))
	h.send(t, 2*time.Second, onRoute, mph(45))

	warnings := h.warner.all()
	require.Len(t, warnings, 2)
	assert.True(t, warnings[1].Cleared)
}

func TestMonitor_SingleOverSampleWarnsAfterDwell(t *testing.T) {
	cfg := slowDwell()
	cfg.SpeedDwell = 20 * time.Millisecond
	h := newHarness(t, cfg)

	h.send(t, 0, onRoute, mph(80))

	require.Eventually(t, func() bool { return len(h.warner.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_EscalateSpeedingRaisesAlert(t *testing.T) {
	cfg := slowDwell()
	cfg.EscalateSpeeding = true
	h := newHarness(t, cfg)

	h.send(t, 0, onRoute, mph(70))
	h.send(t, time.Second, onRoute, mph(70))

	calls := h.raiser.raised()
	require.Len(t, calls, 1)
	assert.Equal(t, alert.KindSpeedViolation, calls[0].kind)
	assert.Equal(t, types.ID("trip-1"), calls[0].tripID)
}

func TestMonitor_MissingSpeedIsIgnored(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, onRoute, nil)
	h.send(t, time.Second, onRoute, nil)

	assert.Empty(t, h.warner.all())
}

func TestMonitor_SustainedDeviationRaisesOnce(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, offRoute, nil)
	h.send(t, 5*time.Second, offRoute, nil)
	assert.Empty(t, h.raiser.raised(), "deviation must persist for the dwell window")

	h.send(t, 12*time.Second, offRoute, nil)
	calls := h.raiser.raised()
	require.Len(t, calls, 1)
	assert.Equal(t, alert.KindRouteDeviation, calls[0].kind)

	h.send(t, 20*time.Second, offRoute, nil)
	assert.Len(t, h.raiser.raised(), 1, "deviation is latched until back on route")
}

func TestMonitor_DeviationResetsWhenBackOnRoute(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 0, offRoute, nil)
	h.send(t, 5*time.Second, onRoute, nil)
	h.send(t, 12*time.Second, offRoute, nil)
	h.send(t, 15*time.Second, offRoute, nil)

	assert.Empty(t, h.raiser.raised())
}

func TestMonitor_SingleJitterSampleDoesNotRaise(t *testing.T) {
	cfg := slowDwell()
	cfg.DeviationDwell = time.Millisecond
	h := newHarness(t, cfg)

	h.send(t, 0, offRoute, nil)
	h.send(t, time.Second, onRoute, nil)

	assert.Empty(t, h.raiser.raised())
}

func TestMonitor_DropsOutOfOrderSamples(t *testing.T) {
	h := newHarness(t, slowDwell())

	h.send(t, 10*time.Second, onRoute, nil)

	// Device clock goes backwards; the worker drops it.
	require.NoError(t, h.mon.Ingest(Sample{
		TripID:          "trip-1",
		DriverID:        "driver-1",
		Position:        offRoute,
		SampleTimestamp: h.base.Add(5 * time.Second),
		ReceivedAt:      h.base.Add(11 * time.Second),
	}))
	h.send(t, 12*time.Second, onRoute, nil)

	recent := h.mon.Recent("trip-1")
	require.Len(t, recent, 2)
	for _, s := range recent {
		assert.Equal(t, onRoute, s.Position)
	}
}

func TestMonitor_IngestErrors(t *testing.T) {
	h := newHarness(t, slowDwell())

	err := h.mon.Ingest(Sample{TripID: "other", DriverID: "driver-1"})
	assert.ErrorIs(t, err, ErrNotMonitored)

	err = h.mon.Ingest(Sample{TripID: "trip-1", DriverID: "someone-else"})
	assert.ErrorIs(t, err, ErrDriverMismatch)
}

func TestMonitor_StopIsSynchronousAndIdempotent(t *testing.T) {
	h := newHarness(t, slowDwell())
	h.send(t, 0, onRoute, nil)

	h.mon.Stop("trip-1")
	h.mon.Stop("trip-1")

	assert.False(t, h.mon.Monitoring("trip-1"))
	assert.ErrorIs(t, h.mon.Ingest(Sample{TripID: "trip-1", DriverID: "driver-1"}), ErrNotMonitored)
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, slowDwell())
	h.send(t, 0, onRoute, nil)

	require.NoError(t, h.mon.Start(Watch{TripID: "trip-1", DriverID: "driver-1", Route: testRoute}))
	assert.Len(t, h.mon.Recent("trip-1"), 1, "restarting must not reset state")
}

func TestMonitor_DistanceTo(t *testing.T) {
	h := newHarness(t, slowDwell())

	_, ok := h.mon.DistanceTo("trip-1", onRoute)
	assert.False(t, ok, "no position yet")

	h.send(t, 0, onRoute, nil)
	d, ok := h.mon.DistanceTo("trip-1", types.Point{Lat: 43.6510, Lng: -79.3900})
	require.True(t, ok)
	assert.InDelta(t, 111.2, d, 2)
}

func TestMonitor_ConcurrentTripsAreIndependent(t *testing.T) {
	h := newHarness(t, slowDwell())
	require.NoError(t, h.mon.Start(Watch{TripID: "trip-2", DriverID: "driver-2", Route: testRoute}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := h.base.Add(time.Duration(i) * time.Second)
			_ = h.mon.Ingest(Sample{TripID: "trip-2", DriverID: "driver-2", Position: onRoute, SpeedMph: mph(30), SampleTimestamp: at})
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(h.mon.Recent("trip-2")) > 0 }, time.Second, time.Millisecond)
	assert.Empty(t, h.mon.Recent("trip-1"))
	assert.Empty(t, h.warner.all())
}

func TestMonitor_EarlyCompletion(t *testing.T) {
	cfg := slowDwell()
	cfg.EarlyCompletionMeters = 250
	h := newHarness(t, cfg)
	destination := types.Point{Lat: 43.6500, Lng: -79.3800}

	_, early := h.mon.EarlyCompletion("trip-1", destination)
	assert.False(t, early, "unknown position never blocks completion")

	// ~800m west of the destination.
	h.send(t, 0, onRoute, nil)
	d, early := h.mon.EarlyCompletion("trip-1", destination)
	assert.True(t, early)
	assert.Greater(t, d, 250.0)

	h.send(t, time.Second, types.Point{Lat: 43.6500, Lng: -79.3810}, nil)
	_, early = h.mon.EarlyCompletion("trip-1", destination)
	assert.False(t, early)
}
