// README: Alert escalation manager; one pending alert per trip, each with a
// cancellable countdown whose expiry races rider responses.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"

	"carpool/internal/logging"
	"carpool/internal/types"
)

var (
	ErrNoPendingAlert  = errors.New("no pending alert for trip")
	ErrInvalidResponse = errors.New("invalid alert response")
	ErrTripNotActive   = errors.New("trip is not in progress")
	ErrClosed          = errors.New("alert manager closed")
)

type Config struct {
	ResponseWindow time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	HistoryLimit   int
}

func DefaultConfig() Config {
	return Config{
		ResponseWindow: 45 * time.Second,
		RetryInitial:   time.Second,
		RetryMax:       2 * time.Minute,
		HistoryLimit:   20,
	}
}

type Deps struct {
	Prompter  Prompter
	Escalator Escalator
	Recorder  Recorder
	Archive   Archive
	Guard     Guard
	Logger    *slog.Logger
	Now       func() time.Time
}

const (
	statePending int32 = iota
	stateResolved
)

const recordTimeout = 2 * time.Second

// entry is one alert's countdown. state decides the single winner between the
// timer and any responder; done is closed once the winner has finished.
type entry struct {
	alert Alert // guarded by Manager.mu
	timer *time.Timer
	state atomic.Int32
	done  chan struct{}
	final Alert
}

type Manager struct {
	cfg       Config
	prompter  Prompter
	escalator Escalator
	recorder  Recorder
	archive   Archive
	log       *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	guard     Guard
	pending   map[types.ID]*entry
	history   map[types.ID][]Alert
	listeners []Listener
	closed    bool
}

func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = def.ResponseWindow
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		prompter:  deps.Prompter,
		escalator: deps.Escalator,
		recorder:  deps.Recorder,
		archive:   deps.Archive,
		guard:     deps.Guard,
		log:       logging.OrDefault(deps.Logger).With(slog.String("module", "alert")),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[types.ID]*entry),
		history:   make(map[types.ID][]Alert),
	}
}

// SetGuard installs the in-progress check once the trip controller exists.
func (m *Manager) SetGuard(g Guard) {
	m.mu.Lock()
	m.guard = g
	m.mu.Unlock()
}

func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Raise opens an alert for the trip, or merges the signal into the pending
// one. A merge never moves the deadline.
func (m *Manager) Raise(ctx context.Context, tripID types.ID, kind Kind, detail string) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, err
	}
	m.mu.Lock()
	guard := m.guard
	m.mu.Unlock()
	if guard != nil && !guard.InProgress(tripID) {
		return Alert{}, ErrTripNotActive
	}

	now := m.now()
	sig := Signal{Kind: kind, Detail: detail, At: now}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Alert{}, ErrClosed
	}
	if e, ok := m.pending[tripID]; ok && e.state.Load() == statePending {
		e.alert.Signals = append(e.alert.Signals, sig)
		snap := e.alert.clone()
		m.mu.Unlock()
		m.log.Info("alert_merged",
			slog.String("trip_id", string(tripID)),
			slog.String("alert_id", snap.ID),
			slog.String("kind", string(kind)))
		m.record(snap)
		return snap, nil
	}

	e := &entry{done: make(chan struct{})}
	e.alert = Alert{
		ID:       uuid.NewString(),
		TripID:   tripID,
		Kind:     kind,
		Status:   StatusPending,
		Signals:  []Signal{sig},
		RaisedAt: now,
		Deadline: now.Add(m.cfg.ResponseWindow),
	}
	m.pending[tripID] = e
	e.timer = time.AfterFunc(m.cfg.ResponseWindow, func() {
		m.resolve(e, StatusAutoEscalated)
	})
	snap := e.alert.clone()
	m.mu.Unlock()

	logging.LogOperation(m.log, "alert_raised",
		slog.String("trip_id", string(tripID)),
		slog.String("alert_id", snap.ID),
		slog.String("kind", string(kind)),
		slog.Time("deadline", snap.Deadline))
	m.record(snap)
	if m.prompter != nil {
		m.goAsync(func(ctx context.Context) {
			if err := m.prompter.AlertRaised(ctx, snap); err != nil {
				logging.LogError(m.log, "rider confirmation request failed", err,
					slog.String("trip_id", string(tripID)),
					slog.String("alert_id", snap.ID))
			}
		})
	}
	return snap, nil
}

// Respond applies the rider's answer to the pending alert. If the countdown
// already won, the answer is a no-op and the final alert is returned.
func (m *Manager) Respond(ctx context.Context, tripID types.ID, resp Response) (Alert, error) {
	var status Status
	switch resp {
	case ResponseOK:
		status = StatusResolvedOK
	case ResponseSOS:
		status = StatusResolvedSOS
	default:
		return Alert{}, ErrInvalidResponse
	}
	if err := ctx.Err(); err != nil {
		return Alert{}, err
	}
	m.mu.Lock()
	e := m.pending[tripID]
	m.mu.Unlock()
	if e == nil {
		return Alert{}, ErrNoPendingAlert
	}
	a, _ := m.resolve(e, status)
	return a, nil
}

// ResolveOK quietly closes the pending alert of a trip that ended normally.
func (m *Manager) ResolveOK(tripID types.ID) (Alert, bool) {
	m.mu.Lock()
	e := m.pending[tripID]
	m.mu.Unlock()
	if e == nil {
		return Alert{}, false
	}
	return m.resolve(e, StatusResolvedOK)
}

func (m *Manager) HasPending(tripID types.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[tripID]
	return ok && e.state.Load() == statePending
}

func (m *Manager) Pending(tripID types.ID) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[tripID]
	if !ok || e.state.Load() != statePending {
		return Alert{}, false
	}
	return e.alert.clone(), true
}

// Alerts returns resolved alerts oldest first, followed by the pending one.
func (m *Manager) Alerts(tripID types.ID) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.history[tripID])+1)
	for _, a := range m.history[tripID] {
		out = append(out, a.clone())
	}
	if e, ok := m.pending[tripID]; ok && e.state.Load() == statePending {
		out = append(out, e.alert.clone())
	}
	return out
}

// History is Alerts for a live trip. Once the trip has been forgotten it falls
// back to the archive.
func (m *Manager) History(ctx context.Context, tripID types.ID) ([]Alert, error) {
	if live := m.Alerts(tripID); len(live) > 0 || m.archive == nil {
		return live, nil
	}
	return m.archive.List(ctx, tripID)
}

// Forget drops the resolved history of a trip that has ended. A pending alert
// is kept until it resolves.
func (m *Manager) Forget(tripID types.ID) {
	m.mu.Lock()
	delete(m.history, tripID)
	m.mu.Unlock()
}

// Close stops every countdown without resolving it and waits for in-flight
// prompts and escalations to give up.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for tripID, e := range m.pending {
		if e.timer.Stop() {
			logging.LogSafetyCritical(m.log, "alert countdown abandoned on shutdown", nil,
				slog.String("trip_id", string(tripID)),
				slog.String("alert_id", e.alert.ID))
		}
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) resolve(e *entry, status Status) (Alert, bool) {
	if !e.state.CompareAndSwap(statePending, stateResolved) {
		<-e.done
		return e.final.clone(), false
	}

	now := m.now()
	m.mu.Lock()
	e.timer.Stop()
	tripID := e.alert.TripID
	if cur, ok := m.pending[tripID]; ok && cur == e {
		delete(m.pending, tripID)
	}
	e.alert.Status = status
	e.alert.ResolvedAt = &now
	final := e.alert.clone()
	hist := append(m.history[tripID], final.clone())
	if len(hist) > m.cfg.HistoryLimit {
		hist = hist[len(hist)-m.cfg.HistoryLimit:]
	}
	m.history[tripID] = hist
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	e.final = final
	close(e.done)

	logging.LogOperation(m.log, "alert_resolved",
		slog.String("trip_id", string(tripID)),
		slog.String("alert_id", final.ID),
		slog.String("status", string(status)))
	m.record(final)

	if status == StatusResolvedSOS || status == StatusAutoEscalated {
		esc := Escalation{TripID: tripID, AlertID: final.ID, Kind: final.Kind, Reason: status, At: now}
		m.goAsync(func(ctx context.Context) { m.escalate(ctx, esc) })
	}
	for _, l := range listeners {
		l.AlertResolved(final.clone())
	}
	return final.clone(), true
}

// escalate keeps retrying until the emergency collaborator accepts the event
// or the manager shuts down.
func (m *Manager) escalate(ctx context.Context, esc Escalation) {
	attrs := []slog.Attr{
		slog.String("trip_id", string(esc.TripID)),
		slog.String("alert_id", esc.AlertID),
		slog.String("reason", string(esc.Reason)),
	}
	if m.escalator == nil {
		logging.LogSafetyCritical(m.log, "no emergency escalator configured", nil, attrs...)
		return
	}
	bo := gax.Backoff{Initial: m.cfg.RetryInitial, Max: m.cfg.RetryMax, Multiplier: 2}
	for attempt := 1; ; attempt++ {
		err := m.escalator.EmergencyEscalated(ctx, esc)
		if err == nil {
			logging.LogOperation(m.log, "emergency_escalated", append(attrs, slog.Int("attempt", attempt))...)
			return
		}
		logging.LogSafetyCritical(m.log, "emergency notification failed", err, append(attrs, slog.Int("attempt", attempt))...)
		select {
		case <-ctx.Done():
			logging.LogSafetyCritical(m.log, "emergency notification abandoned", ctx.Err(), attrs...)
			return
		case <-time.After(bo.Pause()):
		}
	}
}

func (m *Manager) goAsync(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn(m.ctx)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func (m *Manager) record(a Alert) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, recordTimeout)
	defer cancel()
	if err := m.recorder.Record(ctx, a); err != nil {
		m.log.Warn("alert record failed",
			slog.String("alert_id", a.ID),
			slog.String("error", err.Error()))
	}
}
