// README: Firebase collaborators for rider prompts, emergency fan-out, speed warnings and the realtime trip document.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"

	"carpool/internal/logging"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/safety"
	"carpool/internal/modules/trip"
	"carpool/internal/types"
)

const SafetyTeamTopic = "safety-team"

var ErrNoDeviceToken = errors.New("no device token registered")

// Messenger is the subset of *messaging.Client used here.
type Messenger interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Documents reads and writes realtime database paths.
type Documents interface {
	Get(ctx context.Context, path string, v any) error
	Set(ctx context.Context, path string, v any) error
}

// Trips resolves participants for a trip id.
type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
}

// RTDB adapts a Firebase realtime database client to Documents.
type RTDB struct {
	client *db.Client
}

func NewRTDB(client *db.Client) *RTDB {
	return &RTDB{client: client}
}

func (r *RTDB) Get(ctx context.Context, path string, v any) error {
	return r.client.NewRef(path).Get(ctx, v)
}

func (r *RTDB) Set(ctx context.Context, path string, v any) error {
	return r.client.NewRef(path).Set(ctx, v)
}

type Notifier struct {
	msg   Messenger
	docs  Documents
	trips Trips
	log   *slog.Logger
}

func NewNotifier(msg Messenger, docs Documents, trips Trips, logger *slog.Logger) *Notifier {
	return &Notifier{
		msg:   msg,
		docs:  docs,
		trips: trips,
		log:   logging.OrDefault(logger).With(slog.String("module", "notify")),
	}
}

// SetTrips installs the participant lookup once the trip controller exists.
func (n *Notifier) SetTrips(t Trips) {
	n.trips = t
}

func deviceTokenPath(uid types.ID) string {
	return "device_tokens/" + string(uid)
}

func emergencyContactsPath(uid types.ID) string {
	return "emergency_contacts/" + string(uid)
}

func tripPath(id types.ID) string {
	return "trips/" + string(id)
}

func safetyReviewPath(tripID types.ID, alertID string) string {
	return "safety_reviews/" + string(tripID) + "/" + alertID
}

func (n *Notifier) deviceToken(ctx context.Context, uid types.ID) (string, error) {
	var token string
	if err := n.docs.Get(ctx, deviceTokenPath(uid), &token); err != nil {
		return "", fmt.Errorf("read device token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDeviceToken, uid)
	}
	return token, nil
}

// AlertRaised sends the "are you okay?" prompt to the rider's device.
func (n *Notifier) AlertRaised(ctx context.Context, a alert.Alert) error {
	t, err := n.trips.Get(ctx, a.TripID)
	if err != nil {
		return fmt.Errorf("lookup trip: %w", err)
	}
	token, err := n.deviceToken(ctx, t.RiderID)
	if err != nil {
		return err
	}
	_, err = n.msg.Send(ctx, &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":     "safety_check",
			"trip_id":  string(a.TripID),
			"alert_id": a.ID,
			"kind":     string(a.Kind),
			"deadline": a.Deadline.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "Are you okay?",
			Body:  "We noticed something unusual on your trip. Tap to respond.",
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return fmt.Errorf("send safety check: %w", err)
	}
	return nil
}

type safetyReview struct {
	TripID   string `json:"trip_id"`
	AlertID  string `json:"alert_id"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	RiderID  string `json:"rider_id"`
	DriverID string `json:"driver_id,omitempty"`
	At       int64  `json:"at"`
}

// EmergencyEscalated queues a safety review, pages the safety team topic and
// pushes to every registered emergency contact. Each channel is attempted even
// if an earlier one fails; the joined error lets the manager retry.
func (n *Notifier) EmergencyEscalated(ctx context.Context, e alert.Escalation) error {
	t, err := n.trips.Get(ctx, e.TripID)
	if err != nil {
		return fmt.Errorf("lookup trip: %w", err)
	}
	review := safetyReview{
		TripID:  string(e.TripID),
		AlertID: e.AlertID,
		Kind:    string(e.Kind),
		Reason:  string(e.Reason),
		RiderID: string(t.RiderID),
		At:      e.At.UnixMilli(),
	}
	if t.DriverID != nil {
		review.DriverID = string(*t.DriverID)
	}
	data := map[string]string{
		"type":     "emergency",
		"trip_id":  review.TripID,
		"alert_id": review.AlertID,
		"kind":     review.Kind,
		"reason":   review.Reason,
	}

	var errs []error
	if err := n.docs.Set(ctx, safetyReviewPath(e.TripID, e.AlertID), review); err != nil {
		errs = append(errs, fmt.Errorf("queue safety review: %w", err))
	}
	if _, err := n.msg.Send(ctx, &messaging.Message{
		Topic:   SafetyTeamTopic,
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: "high"},
	}); err != nil {
		errs = append(errs, fmt.Errorf("page safety team: %w", err))
	}

	var contacts map[string]string
	if err := n.docs.Get(ctx, emergencyContactsPath(t.RiderID), &contacts); err != nil {
		errs = append(errs, fmt.Errorf("read emergency contacts: %w", err))
	}
	tokens := make([]string, 0, len(contacts))
	for _, tok := range contacts {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) > 0 {
		resp, err := n.msg.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: tokens,
			Data:   data,
			Notification: &messaging.Notification{
				Title: "Emergency alert",
				Body:  "Someone who listed you as an emergency contact may need help.",
			},
			Android: &messaging.AndroidConfig{Priority: "high"},
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("notify emergency contacts: %w", err))
		case resp.SuccessCount == 0:
			errs = append(errs, fmt.Errorf("notify emergency contacts: all %d deliveries failed", resp.FailureCount))
		case resp.FailureCount > 0:
			n.log.Warn("partial emergency contact delivery",
				slog.String("trip_id", review.TripID),
				slog.Int("failed", resp.FailureCount),
				slog.Int("sent", resp.SuccessCount))
		}
	}
	return errors.Join(errs...)
}

// SpeedWarning pushes a warning (or its all-clear) to the driver's device.
// Delivery is best effort.
func (n *Notifier) SpeedWarning(ctx context.Context, w safety.Warning) {
	token, err := n.deviceToken(ctx, w.DriverID)
	if err != nil {
		n.log.Debug("speed warning not delivered", slog.String("trip_id", string(w.TripID)), slog.String("error", err.Error()))
		return
	}
	kind := "speed_warning"
	if w.Cleared {
		kind = "speed_warning_cleared"
	}
	_, err = n.msg.Send(ctx, &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":      kind,
			"trip_id":   string(w.TripID),
			"speed_mph": strconv.FormatFloat(w.SpeedMph, 'f', 1, 64),
			"limit_mph": strconv.FormatFloat(w.LimitMph, 'f', 1, 64),
		},
	})
	if err != nil {
		logging.LogError(n.log, "speed warning push failed", err, slog.String("trip_id", string(w.TripID)))
	}
}

// tripDocument is the realtime view the apps subscribe to.
type tripDocument struct {
	Status    string   `json:"status"`
	Version   int      `json:"version"`
	RiderID   string   `json:"rider_id"`
	DriverID  string   `json:"driver_id,omitempty"`
	Pickup    place    `json:"pickup"`
	Dest      place    `json:"destination"`
	Stops     []place  `json:"stops,omitempty"`
	FeeCents  *int64   `json:"fee_cents,omitempty"`
	Currency  string   `json:"currency"`
	UpdatedAt int64    `json:"updated_at"`
	Route     []coords `json:"route,omitempty"`
}

type place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toPlace(p types.Place) place {
	return place{Lat: p.Point.Lat, Lng: p.Point.Lng, Address: p.Address}
}

func newTripDocument(t trip.Trip) tripDocument {
	doc := tripDocument{
		Status:    string(t.Status),
		Version:   t.Version,
		RiderID:   string(t.RiderID),
		Pickup:    toPlace(t.Pickup),
		Dest:      toPlace(t.Destination),
		Currency:  t.EstimatedCost.Currency,
		UpdatedAt: t.UpdatedAt.UnixMilli(),
	}
	if t.DriverID != nil {
		doc.DriverID = string(*t.DriverID)
	}
	for _, s := range t.Stops {
		doc.Stops = append(doc.Stops, toPlace(s))
	}
	if t.Fee != nil {
		amt := t.Fee.Amount.Amount
		doc.FeeCents = &amt
	}
	if t.Status == trip.StatusMatched {
		for _, p := range t.Route {
			doc.Route = append(doc.Route, coords{Lat: p.Lat, Lng: p.Lng})
		}
	}
	return doc
}

// TripChanged mirrors the trip to /trips/{id}. Failures are logged; the
// transition has already been persisted.
func (n *Notifier) TripChanged(ctx context.Context, t trip.Trip) {
	if err := n.docs.Set(ctx, tripPath(t.ID), newTripDocument(t)); err != nil {
		logging.LogError(n.log, "trip document update failed", err,
			slog.String("trip_id", string(t.ID)), slog.String("status", string(t.Status)))
	}
}
