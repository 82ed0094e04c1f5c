// README: Safety alert handlers: rider response and alert history.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/alert"
	"carpool/internal/types"
)

type AlertService interface {
	Respond(ctx context.Context, tripID types.ID, resp alert.Response) (alert.Alert, error)
	History(ctx context.Context, tripID types.ID) ([]alert.Alert, error)
}

type AlertHandler struct {
	alerts AlertService
	trips  *TripHandler
}

func NewAlertHandler(alerts AlertService, trips *TripHandler) *AlertHandler {
	return &AlertHandler{alerts: alerts, trips: trips}
}

type respondReq struct {
	Response string `json:"response" binding:"required,oneof=ok sos"`
}

type alertResp struct {
	ID         string     `json:"alertId"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Signals    int        `json:"signals"`
	RaisedAt   time.Time  `json:"raisedAt"`
	Deadline   time.Time  `json:"deadline"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

func newAlertResp(a alert.Alert) alertResp {
	return alertResp{
		ID:         a.ID,
		Kind:       string(a.Kind),
		Status:     string(a.Status),
		Signals:    len(a.Signals),
		RaisedAt:   a.RaisedAt,
		Deadline:   a.Deadline,
		ResolvedAt: a.ResolvedAt,
	}
}

// Respond records the rider's answer to the pending "are you okay?" prompt.
func (h *AlertHandler) Respond(c *gin.Context) {
	t := h.trips.load(c)
	if t == nil {
		return
	}
	if middleware.CallerRole(c) != middleware.RoleRider {
		writeError(c, http.StatusForbidden, "forbidden: only the rider may respond")
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "response must be ok or sos")
		return
	}
	a, err := h.alerts.Respond(c.Request.Context(), t.ID, alert.Response(req.Response))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newAlertResp(a))
}

func (h *AlertHandler) List(c *gin.Context) {
	t := h.trips.load(c)
	if t == nil {
		return
	}
	alerts, err := h.alerts.History(c.Request.Context(), t.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]alertResp, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, newAlertResp(a))
	}
	writeJSON(c, http.StatusOK, gin.H{"alerts": out})
}
