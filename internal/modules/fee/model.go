// README: Cancellation and no-show fee definitions keyed by reason and stage.
package fee

import "carpool/internal/types"

type Reason string

const (
	ReasonRiderCancel  Reason = "rider_cancel"
	ReasonDriverCancel Reason = "driver_cancel"
	ReasonNoShow       Reason = "no_show"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonRiderCancel, ReasonDriverCancel, ReasonNoShow:
		return true
	}
	return false
}

// Stage is the trip status the trip was in when it was cancelled, spelled
// the way the trip module persists it ("matched", "arriving", "arrived").
type Stage string

const (
	StageRequested Stage = "requested"
	StageMatched   Stage = "matched"
	StageArriving  Stage = "arriving"
	StageArrived   Stage = "arrived"
)

// Rate is either a percentage of the estimated cost, in basis points, or a
// flat amount. Flat wins when both are set.
type Rate struct {
	BasisPoints int64
	Flat        *types.Money
}

type RateKey struct {
	Reason Reason
	Stage  Stage
}

type RateTable map[RateKey]Rate

type Input struct {
	Reason        Reason
	Stage         Stage
	EstimatedCost types.Money
}

// Outcome is what gets persisted on the trip and handed to payments.
type Outcome struct {
	Reason Reason
	Stage  Stage
	Amount types.Money
}
