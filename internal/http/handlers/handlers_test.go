// README: Handler tests for authorization, request mapping and error statuses.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/handlers"
	httpmiddleware "carpool/internal/http/middleware"
	"carpool/internal/infra"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/location"
	"carpool/internal/modules/safety"
	"carpool/internal/modules/trip"
	"carpool/internal/types"
)

// stubTokenVerifier is a test double for infra.TokenVerifier.
type stubTokenVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

type stubTrips struct {
	trips    map[types.ID]*trip.Trip
	lastCmd  trip.TransitionCommand
	lastReq  trip.RequestCommand
	transErr error
}

func newStubTrips() *stubTrips {
	driver := types.ID("driver-1")
	return &stubTrips{trips: map[types.ID]*trip.Trip{
		"trip-1": {
			ID: "trip-1", RiderID: "rider-1", DriverID: &driver, Status: trip.StatusArrived, Version: 4,
			VerificationCode: "4321",
			EstimatedCost:    types.Money{Amount: 1000, Currency: "CAD"},
		},
		"trip-live": {
			ID: "trip-live", RiderID: "rider-2", DriverID: &driver, Status: trip.StatusInProgress, Version: 6,
			EstimatedCost: types.Money{Amount: 1000, Currency: "CAD"},
		},
	}}
}

func (s *stubTrips) Request(_ context.Context, cmd trip.RequestCommand) (*trip.Trip, error) {
	s.lastReq = cmd
	if cmd.Pickup.Point.Lat > 90 {
		return nil, trip.ErrBadRequest
	}
	if cmd.RiderID == "busy-rider" {
		return nil, trip.ErrActiveTrip
	}
	return &trip.Trip{ID: "trip-new", RiderID: cmd.RiderID, Status: trip.StatusRequested, Version: 1, Pickup: cmd.Pickup, Destination: cmd.Destination}, nil
}

func (s *stubTrips) Get(_ context.Context, id types.ID) (*trip.Trip, error) {
	t, ok := s.trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *stubTrips) Events(_ context.Context, id types.ID) ([]trip.Event, error) {
	rider := types.ID("rider-1")
	return []trip.Event{{TripID: id, FromStatus: trip.StatusNone, ToStatus: trip.StatusRequested, Actor: trip.ActorRider, ActorID: &rider, Version: 1}}, nil
}

func (s *stubTrips) Transition(_ context.Context, cmd trip.TransitionCommand) (*trip.Trip, error) {
	s.lastCmd = cmd
	if s.transErr != nil {
		return nil, s.transErr
	}
	t := s.trips[cmd.TripID].Clone()
	t.Status = cmd.To
	t.Version++
	return t, nil
}

type stubLocations struct {
	last location.Report
	err  error
}

func (s *stubLocations) Ingest(_ context.Context, r location.Report) (safety.Sample, error) {
	s.last = r
	if s.err != nil {
		return safety.Sample{}, s.err
	}
	return safety.Sample{TripID: r.TripID, ReceivedAt: time.Unix(1000, 0)}, nil
}

type stubAlerts struct {
	resp    alert.Response
	err     error
	histErr error
}

func (s *stubAlerts) Respond(_ context.Context, tripID types.ID, resp alert.Response) (alert.Alert, error) {
	s.resp = resp
	if s.err != nil {
		return alert.Alert{}, s.err
	}
	return alert.Alert{ID: "a-1", TripID: tripID, Kind: alert.KindRouteDeviation, Status: alert.StatusResolvedOK}, nil
}

func (s *stubAlerts) History(_ context.Context, tripID types.ID) ([]alert.Alert, error) {
	if s.histErr != nil {
		return nil, s.histErr
	}
	return []alert.Alert{{ID: "a-1", TripID: tripID, Kind: alert.KindSpeedViolation, Status: alert.StatusPending}}, nil
}

type testAPI struct {
	trips     *stubTrips
	locations *stubLocations
	alerts    *stubAlerts
}

// buildTestRouter wires a minimal Gin engine with the auth middleware and the handlers.
func buildTestRouter(verifier infra.TokenVerifier) (*gin.Engine, *testAPI) {
	gin.SetMode(gin.TestMode)
	api := &testAPI{trips: newStubTrips(), locations: &stubLocations{}, alerts: &stubAlerts{}}
	r := gin.New()
	r.Use(httpmiddleware.Auth(verifier))
	th := handlers.NewTripHandler(api.trips)
	lh := handlers.NewLocationHandler(api.locations, th)
	ah := handlers.NewAlertHandler(api.alerts, th)
	r.POST("/api/trips", th.Create)
	r.GET("/api/trips/:id", th.Get)
	r.GET("/api/trips/:id/events", th.Events)
	r.POST("/api/trips/:id/transitions", th.Transition)
	r.POST("/api/trips/:id/locations", lh.Report)
	r.POST("/api/trips/:id/alerts/respond", ah.Respond)
	r.GET("/api/trips/:id/alerts", ah.List)
	return r, api
}

func makeVerifier(uid, role string) *stubTokenVerifier {
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &stubTokenVerifier{token: &infra.FirebaseToken{UID: uid, Claims: claims}}
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreate_Unauthenticated(t *testing.T) {
	r, _ := buildTestRouter(&stubTokenVerifier{err: errors.New("no token")})
	w := doRequest(r, http.MethodPost, "/api/trips", map[string]any{}, "Bearer badtoken")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreate_UsesCallerAsRider(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("rider-7", ""))
	w := doRequest(r, http.MethodPost, "/api/trips", map[string]any{
		"pickup":        map[string]any{"lat": 43.65, "lng": -79.38, "address": "Union"},
		"destination":   map[string]any{"lat": 43.67, "lng": -79.39, "address": "ROM"},
		"stops":         []map[string]any{{"lat": 43.66, "lng": -79.385}},
		"estimatedCost": map[string]any{"amount": 1250, "currency": "CAD"},
	}, "Bearer tok")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if api.trips.lastReq.RiderID != "rider-7" {
		t.Errorf("rider id = %q", api.trips.lastReq.RiderID)
	}
	if len(api.trips.lastReq.Stops) != 1 || api.trips.lastReq.EstimatedCost.Amount != 1250 {
		t.Errorf("request not mapped: %+v", api.trips.lastReq)
	}
	if got := decode(t, w)["status"]; got != "requested" {
		t.Errorf("status = %v", got)
	}
}

func TestCreate_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		uid  string
		role string
		lat  float64
		want int
	}{
		{"driver cannot request", "driver-1", "driver", 43.6, http.StatusForbidden},
		{"bad coordinates", "rider-1", "", 95, http.StatusBadRequest},
		{"active trip", "busy-rider", "", 43.6, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := buildTestRouter(makeVerifier(tc.uid, tc.role))
			w := doRequest(r, http.MethodPost, "/api/trips", map[string]any{
				"pickup":      map[string]any{"lat": tc.lat, "lng": -79.38},
				"destination": map[string]any{"lat": 43.67, "lng": -79.39},
			}, "Bearer tok")
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGet_Visibility(t *testing.T) {
	cases := []struct {
		uid, role string
		want      int
		wantCode  bool
	}{
		{"rider-1", "", http.StatusOK, true},
		{"driver-1", "driver", http.StatusOK, false},
		{"ops", "system", http.StatusOK, false},
		{"rider-2", "", http.StatusNotFound, false},
		{"driver-2", "driver", http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.uid, func(t *testing.T) {
			r, _ := buildTestRouter(makeVerifier(tc.uid, tc.role))
			w := doRequest(r, http.MethodGet, "/api/trips/trip-1", nil, "Bearer tok")
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if w.Code != http.StatusOK {
				return
			}
			_, hasCode := decode(t, w)["verificationCode"]
			if hasCode != tc.wantCode {
				t.Errorf("verificationCode present = %v, want %v", hasCode, tc.wantCode)
			}
		})
	}
}

func TestGet_UnknownAndInvalidID(t *testing.T) {
	r, _ := buildTestRouter(makeVerifier("rider-1", ""))
	if w := doRequest(r, http.MethodGet, "/api/trips/missing", nil, "Bearer tok"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := doRequest(r, http.MethodGet, "/api/trips/bad.id", nil, "Bearer tok"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestEvents_ListsHistory(t *testing.T) {
	r, _ := buildTestRouter(makeVerifier("rider-1", ""))
	w := doRequest(r, http.MethodGet, "/api/trips/trip-1/events", nil, "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events, _ := decode(t, w)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
}

func TestTransition_MapsCallerToActor(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("driver-1", "driver"))
	w := doRequest(r, http.MethodPost, "/api/trips/trip-1/transitions", map[string]any{
		"to":              "verifying",
		"expectedVersion": 4,
	}, "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	cmd := api.trips.lastCmd
	if cmd.Actor != trip.ActorDriver || cmd.ActorID != "driver-1" || cmd.ExpectedVersion != 4 || cmd.To != trip.StatusVerifying {
		t.Errorf("command = %+v", cmd)
	}
}

func TestTransition_GenericCancelResolvesByRole(t *testing.T) {
	cases := map[string]trip.Status{
		"":       trip.StatusCancelledByRider,
		"driver": trip.StatusCancelledByDriver,
	}
	for role, want := range cases {
		r, api := buildTestRouter(makeVerifier("someone", role))
		w := doRequest(r, http.MethodPost, "/api/trips/trip-1/transitions", map[string]any{"to": "cancelled"}, "Bearer tok")
		if w.Code != http.StatusOK {
			t.Fatalf("role %q: expected 200, got %d", role, w.Code)
		}
		if api.trips.lastCmd.To != want {
			t.Errorf("role %q: to = %s, want %s", role, api.trips.lastCmd.To, want)
		}
	}
}

func TestTransition_ErrorStatuses(t *testing.T) {
	cases := []struct {
		err       error
		want      int
		retryable bool
	}{
		{trip.ErrStaleState, http.StatusConflict, true},
		{fmt.Errorf("%w: completed -> arrived", trip.ErrInvalidTransition), http.StatusConflict, false},
		{trip.ErrWaitPeriodNotElapsed, http.StatusUnprocessableEntity, false},
		{trip.ErrVerificationFailed, http.StatusUnprocessableEntity, false},
		{trip.ErrActorNotAllowed, http.StatusForbidden, false},
		{trip.ErrNotFound, http.StatusNotFound, false},
		{trip.ErrBadRequest, http.StatusBadRequest, false},
		{errors.New("db down"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r, api := buildTestRouter(makeVerifier("driver-1", "driver"))
			api.trips.transErr = tc.err
			w := doRequest(r, http.MethodPost, "/api/trips/trip-1/transitions", map[string]any{"to": "no_show"}, "Bearer tok")
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			body := decode(t, w)
			if got, _ := body["retryable"].(bool); got != tc.retryable {
				t.Errorf("retryable = %v, want %v", got, tc.retryable)
			}
			if tc.want == http.StatusInternalServerError && body["error"] != "internal error" {
				t.Errorf("internal errors must not leak: %v", body["error"])
			}
		})
	}
}

func TestTransition_DeferredCompletionIsAccepted(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("driver-1", "driver"))
	api.trips.transErr = trip.ErrCompletionDeferred
	w := doRequest(r, http.MethodPost, "/api/trips/trip-1/transitions", map[string]any{
		"to":        "completed",
		"finalCost": map[string]any{"amount": 1500, "currency": "CAD"},
	}, "Bearer tok")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if api.trips.lastCmd.Payload.FinalCost == nil || api.trips.lastCmd.Payload.FinalCost.Amount != 1500 {
		t.Errorf("final cost not forwarded: %+v", api.trips.lastCmd.Payload)
	}
}

func TestLocation_RequiresDriverRole(t *testing.T) {
	r, _ := buildTestRouter(makeVerifier("rider-1", ""))
	w := doRequest(r, http.MethodPost, "/api/trips/trip-1/locations", map[string]any{"lat": 1.0, "lng": 2.0}, "Bearer tok")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestLocation_ForwardsReportAsCaller(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("driver-1", "driver"))
	w := doRequest(r, http.MethodPost, "/api/trips/trip-live/locations", map[string]any{
		"driverId":        "someone-else",
		"lat":             43.65,
		"lng":             -79.38,
		"speedMph":        31.5,
		"sampleTimestamp": "2026-05-04T09:00:00Z",
	}, "Bearer tok")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	got := api.locations.last
	if got.TripID != "trip-live" || got.DriverID != "driver-1" {
		t.Errorf("report ids = %s/%s", got.TripID, got.DriverID)
	}
	if got.SpeedMph == nil || *got.SpeedMph != 31.5 {
		t.Errorf("speed = %v", got.SpeedMph)
	}
}

func TestLocation_ErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{location.ErrMalformedSample, http.StatusBadRequest},
		{location.ErrThrottled, http.StatusTooManyRequests},
		{location.ErrWrongDriver, http.StatusForbidden},
	}
	for _, tc := range cases {
		r, api := buildTestRouter(makeVerifier("driver-1", "driver"))
		api.locations.err = tc.err
		w := doRequest(r, http.MethodPost, "/api/trips/trip-live/locations", map[string]any{"lat": 1.0, "lng": 2.0}, "Bearer tok")
		if w.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestLocation_RequiresAssignedInProgressTrip(t *testing.T) {
	sample := map[string]any{"lat": 43.65, "lng": -79.38, "sampleTimestamp": "2026-05-04T09:00:00Z"}
	cases := []struct {
		name   string
		caller string
		path   string
		want   int
	}{
		{"unknown trip", "driver-1", "/api/trips/trip-ghost/locations", http.StatusNotFound},
		{"other driver", "driver-9", "/api/trips/trip-live/locations", http.StatusNotFound},
		{"trip not in progress", "driver-1", "/api/trips/trip-1/locations", http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, api := buildTestRouter(makeVerifier(tc.caller, "driver"))
			w := doRequest(r, http.MethodPost, tc.path, sample, "Bearer tok")
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if api.locations.last.TripID != "" {
				t.Errorf("sample reached ingestion: %+v", api.locations.last)
			}
		})
	}
}

func TestAlertRespond(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("rider-1", ""))
	w := doRequest(r, http.MethodPost, "/api/trips/trip-1/alerts/respond", map[string]any{"response": "sos"}, "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if api.alerts.resp != alert.ResponseSOS {
		t.Errorf("response = %q", api.alerts.resp)
	}
}

func TestAlertRespond_Rejections(t *testing.T) {
	t.Run("driver may not answer", func(t *testing.T) {
		r, _ := buildTestRouter(makeVerifier("driver-1", "driver"))
		w := doRequest(r, http.MethodPost, "/api/trips/trip-1/alerts/respond", map[string]any{"response": "ok"}, "Bearer tok")
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})
	t.Run("unknown response", func(t *testing.T) {
		r, _ := buildTestRouter(makeVerifier("rider-1", ""))
		w := doRequest(r, http.MethodPost, "/api/trips/trip-1/alerts/respond", map[string]any{"response": "maybe"}, "Bearer tok")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
	t.Run("nothing pending", func(t *testing.T) {
		r, api := buildTestRouter(makeVerifier("rider-1", ""))
		api.alerts.err = alert.ErrNoPendingAlert
		w := doRequest(r, http.MethodPost, "/api/trips/trip-1/alerts/respond", map[string]any{"response": "ok"}, "Bearer tok")
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})
}

func TestAlertList(t *testing.T) {
	r, _ := buildTestRouter(makeVerifier("driver-1", "driver"))
	w := doRequest(r, http.MethodGet, "/api/trips/trip-1/alerts", nil, "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	alerts, _ := decode(t, w)["alerts"].([]any)
	if len(alerts) != 1 {
		t.Errorf("alerts = %v", alerts)
	}
}

func TestAlertList_ArchiveFailure(t *testing.T) {
	r, api := buildTestRouter(makeVerifier("rider-1", ""))
	api.alerts.histErr = errors.New("redis unavailable")
	w := doRequest(r, http.MethodGet, "/api/trips/trip-1/alerts", nil, "Bearer tok")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
