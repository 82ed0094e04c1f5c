package fee

import (
	"errors"
	"testing"

	"carpool/internal/types"
)

func cad(cents int64) types.Money { return types.Money{Amount: cents, Currency: "CAD"} }

func TestCalculate(t *testing.T) {
	flat := cad(500)
	calc := NewCalculator(Merge(DefaultRates(DefaultNoShowRate), RateTable{
		{Reason: ReasonRiderCancel, Stage: StageArriving}:  {BasisPoints: 2500},
		{Reason: ReasonRiderCancel, Stage: StageArrived}:   {BasisPoints: 3333},
		{Reason: ReasonDriverCancel, Stage: StageArriving}: {Flat: &flat},
		{Reason: ReasonRiderCancel, Stage: StageRequested}: {BasisPoints: 10000},
	}))

	tests := []struct {
		name string
		in   Input
		want int64
	}{
		{
			name: "no-show charges half of 10.00",
			in:   Input{Reason: ReasonNoShow, Stage: StageArrived, EstimatedCost: cad(1000)},
			want: 500,
		},
		{
			name: "no-show half-up rounding (12.35 -> 6.175 -> 6.18)",
			in:   Input{Reason: ReasonNoShow, Stage: StageArrived, EstimatedCost: cad(1235)},
			want: 618,
		},
		{
			name: "rider cancel while arriving at 25%",
			in:   Input{Reason: ReasonRiderCancel, Stage: StageArriving, EstimatedCost: cad(2000)},
			want: 500,
		},
		{
			name: "rider cancel after arrival rounds 33.33% of 10.00 down",
			in:   Input{Reason: ReasonRiderCancel, Stage: StageArrived, EstimatedCost: cad(1000)},
			want: 333,
		},
		{
			name: "legacy flat fee row",
			in:   Input{Reason: ReasonDriverCancel, Stage: StageArriving, EstimatedCost: cad(4321)},
			want: 500,
		},
		{
			name: "free before match even with a configured row",
			in:   Input{Reason: ReasonRiderCancel, Stage: StageRequested, EstimatedCost: cad(1000)},
			want: 0,
		},
		{
			name: "no row means no charge",
			in:   Input{Reason: ReasonDriverCancel, Stage: StageMatched, EstimatedCost: cad(1000)},
			want: 0,
		},
		{
			name: "zero estimate",
			in:   Input{Reason: ReasonNoShow, Stage: StageArrived, EstimatedCost: cad(0)},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Calculate(tt.in)
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if got.Amount.Amount != tt.want {
				t.Errorf("Calculate() = %d, want %d", got.Amount.Amount, tt.want)
			}
			if got.Amount.Currency != "CAD" {
				t.Errorf("currency = %q, want CAD", got.Amount.Currency)
			}
			if got.Reason != tt.in.Reason || got.Stage != tt.in.Stage {
				t.Errorf("outcome reason/stage = %s/%s", got.Reason, got.Stage)
			}
		})
	}
}

func TestCalculateDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultRates(DefaultNoShowRate))
	in := Input{Reason: ReasonNoShow, Stage: StageArrived, EstimatedCost: cad(1999)}

	first, err := calc.Calculate(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		again, err := calc.Calculate(in)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("run %d: %+v != %+v", i, again, first)
		}
	}
	if first.Amount.Amount != 1000 {
		t.Errorf("19.99 * 0.5 = %d, want 1000", first.Amount.Amount)
	}
}

func TestCalculatorCopiesTable(t *testing.T) {
	rates := DefaultRates(DefaultNoShowRate)
	calc := NewCalculator(rates)
	rates[RateKey{Reason: ReasonNoShow, Stage: StageArrived}] = Rate{BasisPoints: 10000}

	got, _ := calc.Calculate(Input{Reason: ReasonNoShow, Stage: StageArrived, EstimatedCost: cad(1000)})
	if got.Amount.Amount != 500 {
		t.Errorf("table mutation leaked into calculator: %d", got.Amount.Amount)
	}
}

func TestCalculateUnknownReason(t *testing.T) {
	calc := NewCalculator(nil)
	_, err := calc.Calculate(Input{Reason: "surge", Stage: StageArrived, EstimatedCost: cad(1000)})
	if !errors.Is(err, ErrUnknownReason) {
		t.Fatalf("expected ErrUnknownReason, got %v", err)
	}
}

func TestRateToBasisPoints(t *testing.T) {
	if got := RateToBasisPoints(0.5); got != 5000 {
		t.Errorf("0.5 -> %d", got)
	}
	if got := RateToBasisPoints(0.125); got != 1250 {
		t.Errorf("0.125 -> %d", got)
	}
}
