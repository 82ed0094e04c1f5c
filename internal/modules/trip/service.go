// README: Trip lifecycle controller: validates and persists transitions through
// per-trip workers and drives monitoring, alert resolution, and fees as side effects.
package trip

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"

	"carpool/internal/logging"
	"carpool/internal/maps"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/fee"
	"carpool/internal/modules/safety"
	"carpool/internal/types"
)

var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrStaleState           = errors.New("trip state is stale")
	ErrWaitPeriodNotElapsed = errors.New("no-show wait period has not elapsed")
	ErrVerificationFailed   = errors.New("verification code mismatch")
	ErrCompletionDeferred   = errors.New("completion awaiting rider confirmation")
	ErrActorNotAllowed      = errors.New("actor may not perform this transition")
	ErrNotFound             = errors.New("trip not found")
	ErrActiveTrip           = errors.New("rider has an active trip")
	ErrBadRequest           = errors.New("bad request")
)

// Monitor is the safety monitor as seen by the controller.
type Monitor interface {
	Start(w safety.Watch) error
	Stop(tripID types.ID)
	EarlyCompletion(tripID types.ID, destination types.Point) (float64, bool)
}

type Alerts interface {
	Raise(ctx context.Context, tripID types.ID, kind alert.Kind, detail string) (alert.Alert, error)
	ResolveOK(tripID types.ID) (alert.Alert, bool)
}

type FeeCalculator interface {
	Calculate(in fee.Input) (fee.Outcome, error)
}

type Router interface {
	PlannedRoute(ctx context.Context, origin types.Point, stops []types.Point, destination types.Point) ([]types.Point, error)
}

// Observer is told about every persisted transition.
type Observer interface {
	TripChanged(ctx context.Context, t Trip)
}

type ObserverFunc func(ctx context.Context, t Trip)

func (f ObserverFunc) TripChanged(ctx context.Context, t Trip) { f(ctx, t) }

// Observers fans a change out in order.
type Observers []Observer

func (o Observers) TripChanged(ctx context.Context, t Trip) {
	for _, obs := range o {
		obs.TripChanged(ctx, t)
	}
}

type Config struct {
	NoShowWait time.Duration
	WorkerIdle time.Duration
	Currency   string
	// RetryInitial and RetryMax bound the backoff used to finalize a
	// completion released by the rider.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		NoShowWait:   5 * time.Minute,
		WorkerIdle:   2 * time.Minute,
		Currency:     "CAD",
		RetryInitial: 50 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

type Deps struct {
	Store    Store
	Monitor  Monitor
	Alerts   Alerts
	Fees     FeeCalculator
	Router   Router
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	Codes    func() (string, error)
}

type Controller struct {
	cfg      Config
	store    Store
	monitor  Monitor
	alerts   Alerts
	fees     FeeCalculator
	router   Router
	observer Observer
	log      *slog.Logger
	now      func() time.Time
	codes    func() (string, error)
	workers  *workers

	activeMu sync.RWMutex
	active   map[types.ID]struct{}

	gatesMu sync.Mutex
	gates   map[types.ID]*completionGate

	bg sync.WaitGroup
}

// completionGate is a completion request held until the rider answers the
// early-completion alert it raised. mu is per trip and may be held across the
// alert raise. Once released, later completions of the trip pass straight
// through.
type completionGate struct {
	mu       sync.Mutex
	held     bool
	released bool
	alertID  string
	cmd      TransitionCommand
}

func NewController(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.NoShowWait <= 0 {
		cfg.NoShowWait = def.NoShowWait
	}
	if cfg.WorkerIdle <= 0 {
		cfg.WorkerIdle = def.WorkerIdle
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	c := &Controller{
		cfg:      cfg,
		store:    deps.Store,
		monitor:  deps.Monitor,
		alerts:   deps.Alerts,
		fees:     deps.Fees,
		router:   deps.Router,
		observer: deps.Observer,
		log:      logging.OrDefault(deps.Logger).With(slog.String("module", "trip")),
		now:      deps.Now,
		codes:    deps.Codes,
		workers:  newWorkers(cfg.WorkerIdle),
		active:   make(map[types.ID]struct{}),
		gates:    make(map[types.ID]*completionGate),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.codes == nil {
		c.codes = newVerificationCode
	}
	return c
}

type RequestCommand struct {
	RiderID       types.ID
	Pickup        types.Place
	Destination   types.Place
	Stops         []types.Place
	EstimatedCost types.Money
}

type TransitionCommand struct {
	TripID  types.ID
	To      Status
	Actor   Actor
	ActorID types.ID
	// ExpectedVersion is the version the caller last read; 0 means "whatever
	// is current".
	ExpectedVersion int
	Payload         Payload

	finalize bool
}

type Payload struct {
	DriverID         types.ID
	Code             string
	SkipVerification bool
	FinalCost        *types.Money
	Tip              *types.Money
}

// Request creates a trip in REQUESTED at version 1.
func (c *Controller) Request(ctx context.Context, cmd RequestCommand) (*Trip, error) {
	if cmd.RiderID == "" || !validPoint(cmd.Pickup.Point) || !validPoint(cmd.Destination.Point) {
		return nil, ErrBadRequest
	}
	for _, st := range cmd.Stops {
		if !validPoint(st.Point) {
			return nil, ErrBadRequest
		}
	}
	if cmd.EstimatedCost.Amount < 0 {
		return nil, ErrBadRequest
	}
	if cmd.EstimatedCost.Currency == "" {
		cmd.EstimatedCost.Currency = c.cfg.Currency
	}

	active, err := c.store.HasActiveByRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveTrip
	}

	now := c.now()
	t := &Trip{
		ID:            types.ID(uuid.NewString()),
		RiderID:       cmd.RiderID,
		Status:        StatusRequested,
		Version:       1,
		Pickup:        cmd.Pickup,
		Destination:   cmd.Destination,
		Stops:         append([]types.Place(nil), cmd.Stops...),
		EstimatedCost: cmd.EstimatedCost,
		RequestedAt:   now,
		UpdatedAt:     now,
	}
	riderID := cmd.RiderID
	if err := c.store.Create(ctx, t, &Event{
		TripID:     t.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusRequested,
		Actor:      ActorRider,
		ActorID:    &riderID,
		Version:    1,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	c.log.Info("trip_requested", slog.String("trip_id", string(t.ID)), slog.String("rider_id", string(t.RiderID)))
	c.notify(ctx, t)
	return t.Clone(), nil
}

func (c *Controller) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return c.store.Events(ctx, id)
}

// Transition moves a trip to cmd.To. It runs on the trip's worker, so requests
// for the same trip are applied one at a time in arrival order.
func (c *Controller) Transition(ctx context.Context, cmd TransitionCommand) (*Trip, error) {
	if cmd.TripID == "" || !cmd.To.Valid() || !cmd.Actor.Valid() {
		return nil, ErrBadRequest
	}
	var (
		out *Trip
		err error
	)
	if werr := c.workers.do(ctx, cmd.TripID, func() {
		out, err = c.apply(ctx, cmd)
	}); werr != nil {
		return nil, werr
	}
	return out, err
}

func (c *Controller) apply(ctx context.Context, cmd TransitionCommand) (*Trip, error) {
	cur, err := c.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() || !CanTransition(cur.Status, cmd.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, cmd.To)
	}
	if cmd.ExpectedVersion != 0 && cmd.ExpectedVersion != cur.Version {
		return nil, ErrStaleState
	}
	if !ActorMayEnter(cmd.To, cmd.Actor) || !c.isParticipant(cur, cmd) {
		return nil, ErrActorNotAllowed
	}

	now := c.now()
	next := cur.Clone()

	switch cmd.To {
	case StatusMatched:
		if cmd.Payload.DriverID == "" {
			return nil, fmt.Errorf("%w: driver id required to match", ErrBadRequest)
		}
		d := cmd.Payload.DriverID
		next.DriverID = &d
		code, err := c.codes()
		if err != nil {
			return nil, fmt.Errorf("generating verification code: %w", err)
		}
		next.VerificationCode = code
		next.Route = c.plannedRoute(ctx, cur)

	case StatusInProgress:
		// Only the platform may start a ride without the rider's code.
		skip := cmd.Payload.SkipVerification && cmd.Actor == ActorSystem
		if !skip && !codesMatch(cmd.Payload.Code, cur.VerificationCode) {
			c.log.Info("verification_failed", slog.String("trip_id", string(cur.ID)))
			return nil, ErrVerificationFailed
		}

	case StatusNoShow:
		if cur.ArrivedAt == nil || now.Sub(*cur.ArrivedAt) < c.cfg.NoShowWait {
			return nil, ErrWaitPeriodNotElapsed
		}

	case StatusCompleted:
		if !cmd.finalize {
			if err := c.gateCompletion(ctx, cur, cmd); err != nil {
				return nil, err
			}
		}
		next.FinalCost = cloneMoney(cmd.Payload.FinalCost)
		next.Tip = cloneMoney(cmd.Payload.Tip)
		if next.FinalCost == nil {
			fc := cur.EstimatedCost
			next.FinalCost = &fc
		}
	}

	if reason, ok := feeReason(cmd.To); ok && c.fees != nil {
		out, err := c.fees.Calculate(fee.Input{
			Reason:        reason,
			Stage:         fee.Stage(cur.Status),
			EstimatedCost: cur.EstimatedCost,
		})
		if err != nil {
			return nil, fmt.Errorf("computing fee: %w", err)
		}
		next.Fee = &out
	}

	next.Status = cmd.To
	next.Version = cur.Version + 1
	next.stamp(cmd.To, now)

	var actorID *types.ID
	if cmd.ActorID != "" {
		id := cmd.ActorID
		actorID = &id
	}
	ok, err := c.store.CompareAndSwap(ctx, next, cur.Version, &Event{
		TripID:     cur.ID,
		FromStatus: cur.Status,
		ToStatus:   cmd.To,
		Actor:      cmd.Actor,
		ActorID:    actorID,
		Version:    next.Version,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleState
	}

	c.log.Info("trip_transition",
		slog.String("trip_id", string(cur.ID)),
		slog.String("from", string(cur.Status)),
		slog.String("to", string(cmd.To)),
		slog.String("actor", string(cmd.Actor)),
		slog.Int("version", next.Version))
	c.afterTransition(ctx, next)
	return next.Clone(), nil
}

// gateCompletion holds a completion that is requested too far from the
// destination until the rider answers the early-completion alert.
func (c *Controller) gateCompletion(ctx context.Context, cur *Trip, cmd TransitionCommand) error {
	g := c.gate(cur.ID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return ErrCompletionDeferred
	}
	if g.released || c.monitor == nil || c.alerts == nil {
		return nil
	}
	dist, early := c.monitor.EarlyCompletion(cur.ID, cur.Destination.Point)
	if !early {
		return nil
	}
	a, err := c.alerts.Raise(ctx, cur.ID, alert.KindEarlyCompletion,
		fmt.Sprintf("completion requested %.0fm from destination", dist))
	if err != nil {
		return fmt.Errorf("raising early completion alert: %w", err)
	}
	g.held, g.alertID, g.cmd = true, a.ID, cmd
	c.log.Warn("completion_deferred",
		slog.String("trip_id", string(cur.ID)),
		slog.String("alert_id", a.ID),
		slog.Float64("distance_m", dist))
	return ErrCompletionDeferred
}

func (c *Controller) gate(tripID types.ID) *completionGate {
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()
	g, ok := c.gates[tripID]
	if !ok {
		g = &completionGate{}
		c.gates[tripID] = g
	}
	return g
}

func (c *Controller) dropGate(tripID types.ID) {
	c.gatesMu.Lock()
	delete(c.gates, tripID)
	c.gatesMu.Unlock()
}

// AlertResolved releases a held completion once its alert reaches any
// terminal status. It is called from the alert manager and only ever waits on
// the same trip's gate.
func (c *Controller) AlertResolved(a alert.Alert) {
	c.gatesMu.Lock()
	g, ok := c.gates[a.TripID]
	c.gatesMu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	if !g.held || g.alertID != a.ID {
		g.mu.Unlock()
		return
	}
	g.held, g.released = false, true
	cmd := g.cmd
	g.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.finalizeCompletion(cmd, a)
	}()
}

// finalizeCompletion applies a released completion. The rider already
// answered, so it keeps retrying until the trip leaves IN_PROGRESS some other
// way or the controller closes.
func (c *Controller) finalizeCompletion(cmd TransitionCommand, a alert.Alert) {
	cmd.ExpectedVersion = 0
	cmd.finalize = true
	attrs := []slog.Attr{slog.String("trip_id", string(cmd.TripID)), slog.String("alert_id", a.ID)}
	bo := gax.Backoff{Initial: c.cfg.RetryInitial, Max: c.cfg.RetryMax, Multiplier: 2}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.Transition(ctx, cmd)
		cancel()
		switch {
		case err == nil:
			logging.LogOperation(c.log, "completion_released",
				append(attrs, slog.String("alert_status", string(a.Status)), slog.Int("attempt", attempt))...)
			return
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound),
			errors.Is(err, ErrActorNotAllowed), errors.Is(err, ErrBadRequest):
			// The trip already left IN_PROGRESS or the command can never apply.
			logging.LogOperation(c.log, "completion_release_dropped",
				append(attrs, slog.String("reason", err.Error()))...)
			return
		case errors.Is(err, errWorkersClosed):
			logging.LogError(c.log, "completion release abandoned on shutdown", err, attrs...)
			return
		case !errors.Is(err, ErrStaleState):
			logging.LogError(c.log, "finalizing completion failed", err,
				append(attrs, slog.Int("attempt", attempt))...)
		}
		select {
		case <-c.workers.quit:
			logging.LogError(c.log, "completion release abandoned on shutdown", errWorkersClosed, attrs...)
			return
		case <-time.After(bo.Pause()):
		}
	}
}

func (c *Controller) afterTransition(ctx context.Context, t *Trip) {
	switch {
	case t.Status == StatusInProgress:
		c.startMonitoring(t)
	case t.Status.IsTerminal():
		c.setActive(t.ID, false)
		c.dropGate(t.ID)
		if c.monitor != nil {
			c.monitor.Stop(t.ID)
		}
		if c.alerts != nil {
			if a, ok := c.alerts.ResolveOK(t.ID); ok {
				c.log.Info("alert_resolved_on_trip_end",
					slog.String("trip_id", string(t.ID)), slog.String("alert_id", a.ID))
			}
		}
	}
	c.notify(ctx, t)
}

func (c *Controller) startMonitoring(t *Trip) {
	c.setActive(t.ID, true)
	if c.monitor == nil || t.DriverID == nil {
		return
	}
	route := t.Route
	if len(route) < 2 {
		route = maps.StraightLine(t.Pickup.Point, t.StopPoints(), t.Destination.Point)
	}
	err := c.monitor.Start(safety.Watch{
		TripID:      t.ID,
		DriverID:    *t.DriverID,
		Route:       route,
		Destination: t.Destination.Point,
	})
	if err != nil {
		logging.LogSafetyCritical(c.log, "starting safety monitor failed", err, slog.String("trip_id", string(t.ID)))
	}
}

// Resume re-arms monitoring for trips that were in progress when the process stopped.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	trips, err := c.store.ListByStatus(ctx, StatusInProgress)
	if err != nil {
		return 0, err
	}
	for _, t := range trips {
		c.startMonitoring(t)
	}
	return len(trips), nil
}

// InProgress reports whether the trip is currently IN_PROGRESS.
func (c *Controller) InProgress(tripID types.ID) bool {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	_, ok := c.active[tripID]
	return ok
}

func (c *Controller) setActive(id types.ID, on bool) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if on {
		c.active[id] = struct{}{}
	} else {
		delete(c.active, id)
	}
}

// Close stops the trip workers and waits for released completions.
func (c *Controller) Close() {
	c.workers.close()
	c.bg.Wait()
}

func (c *Controller) plannedRoute(ctx context.Context, t *Trip) []types.Point {
	stops := t.StopPoints()
	if c.router != nil {
		route, err := c.router.PlannedRoute(ctx, t.Pickup.Point, stops, t.Destination.Point)
		if err == nil && len(route) >= 2 {
			return route
		}
		if err != nil {
			logging.LogError(c.log, "planned route lookup failed; using straight line", err,
				slog.String("trip_id", string(t.ID)))
		}
	}
	return maps.StraightLine(t.Pickup.Point, stops, t.Destination.Point)
}

func (c *Controller) notify(ctx context.Context, t *Trip) {
	if c.observer == nil {
		return
	}
	c.observer.TripChanged(ctx, *t.Clone())
}

// isParticipant checks that a rider or driver acting on a trip is the one on it.
// An empty ActorID is an internal caller and is trusted.
func (c *Controller) isParticipant(t *Trip, cmd TransitionCommand) bool {
	if cmd.ActorID == "" {
		return true
	}
	switch cmd.Actor {
	case ActorRider:
		return cmd.ActorID == t.RiderID
	case ActorDriver:
		if t.DriverID == nil {
			return false
		}
		return cmd.ActorID == *t.DriverID
	}
	return true
}

func codesMatch(given, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func validPoint(p types.Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
