// README: Safety alert aggregate, statuses and collaborator contracts.
package alert

import (
	"context"
	"time"

	"carpool/internal/types"
)

type Kind string

const (
	KindSpeedViolation  Kind = "speed_violation"
	KindRouteDeviation  Kind = "route_deviation"
	KindEarlyCompletion Kind = "early_completion"
)

type Status string

const (
	StatusNone          Status = "none"
	StatusPending       Status = "pending"
	StatusResolvedOK    Status = "resolved_ok"
	StatusResolvedSOS   Status = "resolved_sos"
	StatusAutoEscalated Status = "auto_escalated"
)

func (s Status) IsTerminal() bool {
	return s == StatusResolvedOK || s == StatusResolvedSOS || s == StatusAutoEscalated
}

type Response string

const (
	ResponseOK  Response = "ok"
	ResponseSOS Response = "sos"
)

// Signal is one anomaly report merged into an alert.
type Signal struct {
	Kind   Kind      `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Alert is a snapshot; the manager never hands out its internal state.
type Alert struct {
	ID         string     `json:"id"`
	TripID     types.ID   `json:"trip_id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Signals    []Signal   `json:"signals"`
	RaisedAt   time.Time  `json:"raised_at"`
	Deadline   time.Time  `json:"deadline"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (a Alert) clone() Alert {
	cp := a
	cp.Signals = append([]Signal(nil), a.Signals...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

// Escalation is emitted to the emergency collaborator.
type Escalation struct {
	TripID  types.ID
	AlertID string
	Kind    Kind
	Reason  Status
	At      time.Time
}

// Prompter delivers the "are you okay?" request to the rider.
type Prompter interface {
	AlertRaised(ctx context.Context, a Alert) error
}

// Escalator fans an escalation out to emergency contacts and the safety team.
type Escalator interface {
	EmergencyEscalated(ctx context.Context, e Escalation) error
}

// Recorder mirrors alert snapshots to a read model.
type Recorder interface {
	Record(ctx context.Context, a Alert) error
}

// Archive serves the history of trips the manager no longer holds.
type Archive interface {
	List(ctx context.Context, tripID types.ID) ([]Alert, error)
}

// Listener is told about every terminal resolution, exactly once per alert.
type Listener interface {
	AlertResolved(a Alert)
}

// Guard reports whether a trip is still in progress. Raises against any other
// trip are refused.
type Guard interface {
	InProgress(tripID types.ID) bool
}
