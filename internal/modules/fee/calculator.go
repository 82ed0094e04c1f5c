// README: Fee calculator; pure and deterministic over a rate table.
package fee

import (
	"errors"
	"fmt"
	"math"

	"carpool/internal/types"
)

var ErrUnknownReason = errors.New("unknown fee reason")

const basisPointsPerUnit = 10000

// DefaultNoShowRate is the share of the estimated cost charged on a no-show.
const DefaultNoShowRate = 0.5

// Calculator computes FeeOutcomes. It holds no mutable state; the table is
// copied on construction.
type Calculator struct {
	rates RateTable
}

func NewCalculator(rates RateTable) *Calculator {
	cp := make(RateTable, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &Calculator{rates: cp}
}

// DefaultRates charges noShowRate on a no-show and keeps cancellations free.
// Operators override cancellation rows through the fee_rates table.
func DefaultRates(noShowRate float64) RateTable {
	return RateTable{
		{Reason: ReasonNoShow, Stage: StageArrived}: {BasisPoints: RateToBasisPoints(noShowRate)},
	}
}

// RateToBasisPoints converts a fraction such as 0.5 into 5000.
func RateToBasisPoints(rate float64) int64 {
	return int64(math.Round(rate * basisPointsPerUnit))
}

// Merge returns a table with override rows replacing base rows.
func Merge(base, override RateTable) RateTable {
	out := make(RateTable, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (c *Calculator) Calculate(in Input) (Outcome, error) {
	if !in.Reason.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownReason, in.Reason)
	}
	out := Outcome{
		Reason: in.Reason,
		Stage:  in.Stage,
		Amount: types.Money{Currency: in.EstimatedCost.Currency},
	}
	// Free cancellation window: nothing is charged before a driver is matched.
	if in.Stage == StageRequested || in.Stage == "" {
		return out, nil
	}
	rate, ok := c.rates[RateKey{Reason: in.Reason, Stage: in.Stage}]
	if !ok {
		return out, nil
	}
	if rate.Flat != nil {
		out.Amount = *rate.Flat
		if out.Amount.Currency == "" {
			out.Amount.Currency = in.EstimatedCost.Currency
		}
		return out, nil
	}
	out.Amount.Amount = percentOf(in.EstimatedCost.Amount, rate.BasisPoints)
	return out, nil
}

// percentOf applies bp basis points to cents with half-up rounding, in
// integer arithmetic so the same inputs always give the same cents.
func percentOf(cents, bp int64) int64 {
	if cents <= 0 || bp <= 0 {
		return 0
	}
	return (cents*bp + basisPointsPerUnit/2) / basisPointsPerUnit
}
