// README: Trip aggregate, status graph, and actor permissions.
package trip

import (
	"time"

	"carpool/internal/modules/fee"
	"carpool/internal/types"
)

type Status string

const (
	StatusNone              Status = "none"
	StatusRequested         Status = "requested"
	StatusMatched           Status = "matched"
	StatusArriving          Status = "arriving"
	StatusArrived           Status = "arrived"
	StatusVerifying         Status = "verifying"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusCancelledByRider  Status = "cancelled_by_rider"
	StatusCancelledByDriver Status = "cancelled_by_driver"
	StatusNoShow            Status = "no_show"
)

// ActiveStatuses are the statuses a rider may hold at most one trip in.
var ActiveStatuses = []Status{
	StatusRequested, StatusMatched, StatusArriving, StatusArrived, StatusVerifying, StatusInProgress,
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorSystem Actor = "system"
)

func (a Actor) Valid() bool {
	return a == ActorRider || a == ActorDriver || a == ActorSystem
}

type Trip struct {
	ID               types.ID
	RiderID          types.ID
	DriverID         *types.ID
	Status           Status
	Version          int
	Pickup           types.Place
	Destination      types.Place
	Stops            []types.Place
	Route            []types.Point
	VerificationCode string
	EstimatedCost    types.Money
	FinalCost        *types.Money
	Tip              *types.Money
	Fee              *fee.Outcome
	RequestedAt      time.Time
	MatchedAt        *time.Time
	ArrivingAt       *time.Time
	ArrivedAt        *time.Time
	VerifyingAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	NoShowAt         *time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy; trips handed out of the controller never share memory.
func (t *Trip) Clone() *Trip {
	c := *t
	c.DriverID = cloneID(t.DriverID)
	c.Stops = append([]types.Place(nil), t.Stops...)
	c.Route = append([]types.Point(nil), t.Route...)
	c.FinalCost = cloneMoney(t.FinalCost)
	c.Tip = cloneMoney(t.Tip)
	if t.Fee != nil {
		f := *t.Fee
		c.Fee = &f
	}
	for _, p := range []**time.Time{
		&c.MatchedAt, &c.ArrivingAt, &c.ArrivedAt, &c.VerifyingAt,
		&c.StartedAt, &c.CompletedAt, &c.CancelledAt, &c.NoShowAt,
	} {
		*p = cloneTime(*p)
	}
	return &c
}

// StopPoints lists the intermediate stop coordinates in order.
func (t *Trip) StopPoints() []types.Point {
	out := make([]types.Point, len(t.Stops))
	for i, s := range t.Stops {
		out[i] = s.Point
	}
	return out
}

// stamp records when the trip entered status.
func (t *Trip) stamp(status Status, at time.Time) {
	ts := at
	switch status {
	case StatusMatched:
		t.MatchedAt = &ts
	case StatusArriving:
		t.ArrivingAt = &ts
	case StatusArrived:
		t.ArrivedAt = &ts
	case StatusVerifying:
		t.VerifyingAt = &ts
	case StatusInProgress:
		t.StartedAt = &ts
	case StatusCompleted:
		t.CompletedAt = &ts
	case StatusCancelledByRider, StatusCancelledByDriver:
		t.CancelledAt = &ts
	case StatusNoShow:
		t.NoShowAt = &ts
	}
	t.UpdatedAt = at
}

type Event struct {
	ID         int64
	TripID     types.ID
	FromStatus Status
	ToStatus   Status
	Actor      Actor
	ActorID    *types.ID
	Version    int
	CreatedAt  time.Time
}

// AllowedTransitions represents the trip state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusMatched, StatusCancelledByRider, StatusCancelledByDriver},
	StatusMatched:    {StatusArriving, StatusCancelledByRider, StatusCancelledByDriver},
	StatusArriving:   {StatusArrived, StatusCancelledByRider, StatusCancelledByDriver},
	StatusArrived:    {StatusVerifying, StatusNoShow, StatusCancelledByRider, StatusCancelledByDriver},
	StatusVerifying:  {StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// allowedActors lists who may move a trip into each status.
var allowedActors = map[Status][]Actor{
	StatusMatched:           {ActorSystem},
	StatusArriving:          {ActorDriver, ActorSystem},
	StatusArrived:           {ActorDriver, ActorSystem},
	StatusVerifying:         {ActorDriver, ActorSystem},
	StatusInProgress:        {ActorDriver, ActorSystem},
	StatusCompleted:         {ActorDriver, ActorSystem},
	StatusCancelledByRider:  {ActorRider, ActorSystem},
	StatusCancelledByDriver: {ActorDriver, ActorSystem},
	StatusNoShow:            {ActorDriver, ActorSystem},
}

func ActorMayEnter(to Status, actor Actor) bool {
	for _, a := range allowedActors[to] {
		if a == actor {
			return true
		}
	}
	return false
}

// feeReason maps a fee-bearing terminal status to its fee reason.
func feeReason(to Status) (fee.Reason, bool) {
	switch to {
	case StatusCancelledByRider:
		return fee.ReasonRiderCancel, true
	case StatusCancelledByDriver:
		return fee.ReasonDriverCancel, true
	case StatusNoShow:
		return fee.ReasonNoShow, true
	}
	return "", false
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMoney(v *types.Money) *types.Money {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
