// README: Trip handlers: request, read, event history and state transitions.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/trip"
	"carpool/internal/types"
)

// TripService is the slice of the trip controller the API needs.
type TripService interface {
	Request(ctx context.Context, cmd trip.RequestCommand) (*trip.Trip, error)
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	Events(ctx context.Context, id types.ID) ([]trip.Event, error)
	Transition(ctx context.Context, cmd trip.TransitionCommand) (*trip.Trip, error)
}

type TripHandler struct {
	trips TripService
}

func NewTripHandler(svc TripService) *TripHandler {
	return &TripHandler{trips: svc}
}

type placeReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p placeReq) place() types.Place {
	return types.Place{Point: types.Point{Lat: p.Lat, Lng: p.Lng}, Address: p.Address}
}

type moneyReq struct {
	Amount   int64  `json:"amount" binding:"gte=0"`
	Currency string `json:"currency"`
}

func (m *moneyReq) money() *types.Money {
	if m == nil {
		return nil
	}
	return &types.Money{Amount: m.Amount, Currency: m.Currency}
}

type createTripReq struct {
	Pickup        placeReq   `json:"pickup" binding:"required"`
	Destination   placeReq   `json:"destination" binding:"required"`
	Stops         []placeReq `json:"stops"`
	EstimatedCost moneyReq   `json:"estimatedCost"`
}

type transitionReq struct {
	To               string    `json:"to" binding:"required"`
	ExpectedVersion  int       `json:"expectedVersion" binding:"gte=0"`
	DriverID         string    `json:"driverId"`
	Code             string    `json:"code"`
	SkipVerification bool      `json:"skipVerification"`
	FinalCost        *moneyReq `json:"finalCost"`
	Tip              *moneyReq `json:"tip"`
}

type placeResp struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type moneyResp struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type feeResp struct {
	Reason string    `json:"reason"`
	Stage  string    `json:"stage"`
	Amount moneyResp `json:"amount"`
}

type tripResp struct {
	ID               string      `json:"tripId"`
	RiderID          string      `json:"riderId"`
	DriverID         string      `json:"driverId,omitempty"`
	Status           string      `json:"status"`
	Version          int         `json:"version"`
	Pickup           placeResp   `json:"pickup"`
	Destination      placeResp   `json:"destination"`
	Stops            []placeResp `json:"stops,omitempty"`
	Route            []placeResp `json:"route,omitempty"`
	VerificationCode string      `json:"verificationCode,omitempty"`
	EstimatedCost    moneyResp   `json:"estimatedCost"`
	FinalCost        *moneyResp  `json:"finalCost,omitempty"`
	Tip              *moneyResp  `json:"tip,omitempty"`
	Fee              *feeResp    `json:"fee,omitempty"`
	RequestedAt      time.Time   `json:"requestedAt"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

func toPlaceResp(p types.Place) placeResp {
	return placeResp{Lat: p.Point.Lat, Lng: p.Point.Lng, Address: p.Address}
}

func toMoneyResp(m *types.Money) *moneyResp {
	if m == nil {
		return nil
	}
	return &moneyResp{Amount: m.Amount, Currency: m.Currency}
}

// newTripResp renders t for the caller. Only the rider sees the verification
// code; the driver has to be told it in person.
func newTripResp(t *trip.Trip, callerRole string) tripResp {
	out := tripResp{
		ID:            string(t.ID),
		RiderID:       string(t.RiderID),
		Status:        string(t.Status),
		Version:       t.Version,
		Pickup:        toPlaceResp(t.Pickup),
		Destination:   toPlaceResp(t.Destination),
		EstimatedCost: moneyResp{Amount: t.EstimatedCost.Amount, Currency: t.EstimatedCost.Currency},
		FinalCost:     toMoneyResp(t.FinalCost),
		Tip:           toMoneyResp(t.Tip),
		RequestedAt:   t.RequestedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.DriverID != nil {
		out.DriverID = string(*t.DriverID)
	}
	for _, s := range t.Stops {
		out.Stops = append(out.Stops, toPlaceResp(s))
	}
	for _, p := range t.Route {
		out.Route = append(out.Route, placeResp{Lat: p.Lat, Lng: p.Lng})
	}
	if callerRole == middleware.RoleRider {
		out.VerificationCode = t.VerificationCode
	}
	if t.Fee != nil {
		out.Fee = &feeResp{
			Reason: string(t.Fee.Reason),
			Stage:  string(t.Fee.Stage),
			Amount: moneyResp{Amount: t.Fee.Amount.Amount, Currency: t.Fee.Amount.Currency},
		}
	}
	return out
}

func actorForRole(role string) trip.Actor {
	switch role {
	case middleware.RoleDriver:
		return trip.ActorDriver
	case middleware.RoleSystem:
		return trip.ActorSystem
	}
	return trip.ActorRider
}

// canView allows the trip's rider, its assigned driver, and system callers.
func canView(c *gin.Context, t *trip.Trip) bool {
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleSystem:
		return true
	case middleware.RoleDriver:
		return t.DriverID != nil && *t.DriverID == uid
	}
	return t.RiderID == uid
}

func (h *TripHandler) Create(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleRider {
		writeError(c, http.StatusForbidden, "forbidden: only riders may request trips")
		return
	}
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := trip.RequestCommand{
		RiderID:       types.ID(middleware.CallerUID(c)),
		Pickup:        req.Pickup.place(),
		Destination:   req.Destination.place(),
		EstimatedCost: types.Money{Amount: req.EstimatedCost.Amount, Currency: req.EstimatedCost.Currency},
	}
	for _, s := range req.Stops {
		cmd.Stops = append(cmd.Stops, s.place())
	}
	t, err := h.trips.Request(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newTripResp(t, middleware.CallerRole(c)))
}

// load fetches the trip named in the path and enforces visibility. It writes
// the error response itself and returns nil on failure.
func (h *TripHandler) load(c *gin.Context) *trip.Trip {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid trip id")
		return nil
	}
	t, err := h.trips.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return nil
	}
	if !canView(c, t) {
		// Hide existence from non-participants.
		writeError(c, http.StatusNotFound, trip.ErrNotFound.Error())
		return nil
	}
	return t
}

func (h *TripHandler) Get(c *gin.Context) {
	t := h.load(c)
	if t == nil {
		return
	}
	writeJSON(c, http.StatusOK, newTripResp(t, middleware.CallerRole(c)))
}

type eventResp struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	ActorID   string    `json:"actorId,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *TripHandler) Events(c *gin.Context) {
	t := h.load(c)
	if t == nil {
		return
	}
	events, err := h.trips.Events(c.Request.Context(), t.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]eventResp, 0, len(events))
	for _, e := range events {
		r := eventResp{
			From:      string(e.FromStatus),
			To:        string(e.ToStatus),
			Actor:     string(e.Actor),
			Version:   e.Version,
			CreatedAt: e.CreatedAt,
		}
		if e.ActorID != nil {
			r.ActorID = string(*e.ActorID)
		}
		out = append(out, r)
	}
	writeJSON(c, http.StatusOK, gin.H{"events": out})
}

func (h *TripHandler) Transition(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid trip id")
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	role := middleware.CallerRole(c)
	to := trip.Status(req.To)
	cmd := trip.TransitionCommand{
		TripID:          types.ID(id),
		To:              to,
		Actor:           actorForRole(role),
		ActorID:         types.ID(middleware.CallerUID(c)),
		ExpectedVersion: req.ExpectedVersion,
		Payload: trip.Payload{
			DriverID:         types.ID(req.DriverID),
			Code:             req.Code,
			SkipVerification: req.SkipVerification,
			FinalCost:        req.FinalCost.money(),
			Tip:              req.Tip.money(),
		},
	}
	// A generic "cancelled" target resolves to the caller's own cancel status.
	if req.To == "cancelled" {
		cmd.To = trip.StatusCancelledByRider
		if cmd.Actor == trip.ActorDriver {
			cmd.To = trip.StatusCancelledByDriver
		}
	}

	t, err := h.trips.Transition(c.Request.Context(), cmd)
	if errors.Is(err, trip.ErrCompletionDeferred) {
		writeJSON(c, http.StatusAccepted, gin.H{
			"tripId": id,
			"status": string(trip.StatusInProgress),
			"detail": err.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripResp(t, role))
}
