// README: Location ingestion handler for driver position reports.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/location"
	"carpool/internal/modules/safety"
	"carpool/internal/modules/trip"
	"carpool/internal/types"
)

type LocationService interface {
	Ingest(ctx context.Context, r location.Report) (safety.Sample, error)
}

type LocationHandler struct {
	location LocationService
	trips    *TripHandler
}

func NewLocationHandler(svc LocationService, trips *TripHandler) *LocationHandler {
	return &LocationHandler{location: svc, trips: trips}
}

func (h *LocationHandler) Report(c *gin.Context) {
	// Only the trip's assigned driver may report positions, and only as themselves.
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	t := h.trips.load(c)
	if t == nil {
		return
	}
	if t.Status != trip.StatusInProgress {
		writeDomainError(c, alert.ErrTripNotActive)
		return
	}
	var r location.Report
	if err := c.ShouldBindJSON(&r); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r.TripID = t.ID
	r.DriverID = types.ID(middleware.CallerUID(c))

	sample, err := h.location.Ingest(c.Request.Context(), r)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": "accepted", "receivedAt": sample.ReceivedAt})
}
