package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/infra"
	"carpool/internal/modules/trip"
	"carpool/internal/types"
)

type denyVerifier struct{}

func (denyVerifier) VerifyIDToken(context.Context, string) (*infra.FirebaseToken, error) {
	return nil, errors.New("denied")
}

type panicTrips struct{}

func (panicTrips) Request(context.Context, trip.RequestCommand) (*trip.Trip, error) {
	panic("not reached")
}
func (panicTrips) Get(context.Context, types.ID) (*trip.Trip, error) { panic("not reached") }
func (panicTrips) Events(context.Context, types.ID) ([]trip.Event, error) {
	panic("not reached")
}
func (panicTrips) Transition(context.Context, trip.TransitionCommand) (*trip.Trip, error) {
	panic("not reached")
}

func TestRouter_HealthIsPublic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterDeps{Verifier: denyVerifier{}, Trips: panicTrips{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestRouter_APIRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterDeps{Verifier: denyVerifier{}, Trips: panicTrips{}})
	for _, path := range []string{"/api/trips/t1", "/api/trips/t1/alerts", "/api/trips/t1/events"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer nope")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestServer_StopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
