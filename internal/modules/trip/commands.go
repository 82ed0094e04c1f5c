package trip

import (
	"context"

	"carpool/internal/types"
)

// Match assigns a driver. Only the matching system may do this.
func (c *Controller) Match(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return c.Transition(ctx, TransitionCommand{
		TripID:  tripID,
		To:      StatusMatched,
		Actor:   ActorSystem,
		Payload: Payload{DriverID: driverID},
	})
}

func (c *Controller) StartArriving(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return c.driverStep(ctx, tripID, driverID, StatusArriving)
}

func (c *Controller) Arrive(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return c.driverStep(ctx, tripID, driverID, StatusArrived)
}

func (c *Controller) BeginVerification(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return c.driverStep(ctx, tripID, driverID, StatusVerifying)
}

// Verify starts the ride when code matches the trip's verification code.
func (c *Controller) Verify(ctx context.Context, tripID, driverID types.ID, code string) (*Trip, error) {
	return c.Transition(ctx, TransitionCommand{
		TripID:  tripID,
		To:      StatusInProgress,
		Actor:   ActorDriver,
		ActorID: driverID,
		Payload: Payload{Code: code},
	})
}

// Complete may return ErrCompletionDeferred; the trip then completes on its
// own once the rider answers the early-completion alert.
func (c *Controller) Complete(ctx context.Context, tripID, driverID types.ID, finalCost, tip *types.Money) (*Trip, error) {
	return c.Transition(ctx, TransitionCommand{
		TripID:  tripID,
		To:      StatusCompleted,
		Actor:   ActorDriver,
		ActorID: driverID,
		Payload: Payload{FinalCost: finalCost, Tip: tip},
	})
}

// Cancel cancels on behalf of the rider or the driver; the actor decides the terminal status.
func (c *Controller) Cancel(ctx context.Context, tripID types.ID, actor Actor, actorID types.ID) (*Trip, error) {
	to := StatusCancelledByRider
	if actor == ActorDriver {
		to = StatusCancelledByDriver
	}
	return c.Transition(ctx, TransitionCommand{
		TripID:  tripID,
		To:      to,
		Actor:   actor,
		ActorID: actorID,
	})
}

func (c *Controller) NoShow(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return c.driverStep(ctx, tripID, driverID, StatusNoShow)
}

func (c *Controller) driverStep(ctx context.Context, tripID, driverID types.ID, to Status) (*Trip, error) {
	return c.Transition(ctx, TransitionCommand{
		TripID:  tripID,
		To:      to,
		Actor:   ActorDriver,
		ActorID: driverID,
	})
}
