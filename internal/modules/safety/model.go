// README: Location samples, monitoring watches and warning contracts.
package safety

import (
	"context"
	"time"

	"carpool/internal/modules/alert"
	"carpool/internal/types"
)

// Sample is one accepted position report. ReceivedAt is the server clock and
// is the authoritative ordering; SampleTimestamp is the device clock.
type Sample struct {
	TripID          types.ID
	DriverID        types.ID
	Position        types.Point
	SpeedMph        *float64
	HeadingDegrees  *float64
	SampleTimestamp time.Time
	ReceivedAt      time.Time
}

// Watch describes what to monitor for one in-progress trip.
type Watch struct {
	TripID      types.ID
	DriverID    types.ID
	Route       []types.Point
	Destination types.Point
}

// Warning is a sustained speeding notice for the vehicle/rider warning UI.
type Warning struct {
	TripID     types.ID
	DriverID   types.ID
	SpeedMph   float64
	LimitMph   float64
	Cleared    bool
	ObservedAt time.Time
}

// Raiser is the alert escalation entry point.
type Raiser interface {
	Raise(ctx context.Context, tripID types.ID, kind alert.Kind, detail string) (alert.Alert, error)
}

// SpeedLimits resolves the posted limit for the road segment at a position.
type SpeedLimits interface {
	LimitMph(ctx context.Context, p types.Point) (float64, bool)
}

type SpeedWarner interface {
	SpeedWarning(ctx context.Context, w Warning)
}
