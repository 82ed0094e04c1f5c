// README: Location reports accepted at the ingestion boundary and the snapshots persisted from them.
package location

import (
	"time"

	"carpool/internal/types"
)

// Report is the canonical wire shape of a vehicle position report. Coordinates
// are pointers so that a missing field is rejected instead of read as 0.
type Report struct {
	TripID          types.ID  `json:"-" validate:"required"`
	DriverID        types.ID  `json:"driverId" validate:"required"`
	Lat             *float64  `json:"lat" validate:"required,latitude"`
	Lng             *float64  `json:"lng" validate:"required,longitude"`
	SpeedMph        *float64  `json:"speedMph,omitempty" validate:"omitempty,gte=0,lte=250"`
	HeadingDegrees  *float64  `json:"headingDegrees,omitempty" validate:"omitempty,gte=0,lt=360"`
	SampleTimestamp time.Time `json:"sampleTimestamp" validate:"required"`
}

type Snapshot struct {
	ID         int64
	TripID     types.ID
	DriverID   types.ID
	Position   types.Point
	Geohash    string
	SpeedMph   *float64
	RecordedAt time.Time
}
