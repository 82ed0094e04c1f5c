// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/logging"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/location"
	"carpool/internal/modules/trip"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

const maxIDLen = 64

// isValidID accepts uuid-style ids and the opaque participant ids issued by auth.
func isValidID(v string) bool {
	if v == "" || len(v) > maxIDLen {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module sentinels to statuses. Messages of expected
// errors are passed through so clients can act on them.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest),
		errors.Is(err, location.ErrMalformedSample),
		errors.Is(err, alert.ErrInvalidResponse):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrActorNotAllowed), errors.Is(err, location.ErrWrongDriver):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrStaleState):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Retryable: true})
	case errors.Is(err, trip.ErrInvalidTransition),
		errors.Is(err, trip.ErrActiveTrip),
		errors.Is(err, alert.ErrNoPendingAlert),
		errors.Is(err, alert.ErrTripNotActive):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, trip.ErrWaitPeriodNotElapsed), errors.Is(err, trip.ErrVerificationFailed):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, location.ErrThrottled):
		writeError(c, http.StatusTooManyRequests, err.Error())
	default:
		logging.LogError(logging.FromContext(c.Request.Context()), "request failed", err,
			slog.String("path", c.FullPath()))
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
