// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/handlers"
	"carpool/internal/http/middleware"
	"carpool/internal/infra"
)

type RouterDeps struct {
	Verifier  infra.TokenVerifier
	Trips     handlers.TripService
	Locations handlers.LocationService
	Alerts    handlers.AlertService
	Logger    *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	tripHandler := handlers.NewTripHandler(deps.Trips)
	locationHandler := handlers.NewLocationHandler(deps.Locations, tripHandler)
	alertHandler := handlers.NewAlertHandler(deps.Alerts, tripHandler)

	api := r.Group("/api", middleware.Auth(deps.Verifier))
	api.POST("/trips", tripHandler.Create)
	api.GET("/trips/:id", tripHandler.Get)
	api.GET("/trips/:id/events", tripHandler.Events)
	api.POST("/trips/:id/transitions", tripHandler.Transition)
	api.POST("/trips/:id/locations", locationHandler.Report)
	api.POST("/trips/:id/alerts/respond", alertHandler.Respond)
	api.GET("/trips/:id/alerts", alertHandler.List)

	return r
}
