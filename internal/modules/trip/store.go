// README: Trip store backed by PostgreSQL; status writes are compare-and-swap on version.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/maps"
	"carpool/internal/modules/fee"
	"carpool/internal/types"
)

// Store persists trips. CompareAndSwap writes next only when the stored
// version equals expectedVersion, and appends e in the same unit of work.
type Store interface {
	Create(ctx context.Context, t *Trip, e *Event) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	CompareAndSwap(ctx context.Context, next *Trip, expectedVersion int, e *Event) (bool, error)
	HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error)
	ListByStatus(ctx context.Context, status Status) ([]*Trip, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const uniqueViolation = "23505"

const tripColumns = `
	id, rider_id, driver_id, status, version,
	pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address,
	stops, route_polyline, verification_code,
	estimated_cost, currency, final_cost, tip,
	fee_reason, fee_stage, fee_amount,
	requested_at, matched_at, arriving_at, arrived_at, verifying_at,
	started_at, completed_at, cancelled_at, no_show_at, updated_at`

func (s *PGStore) Create(ctx context.Context, t *Trip, e *Event) error {
	stops, err := json.Marshal(t.Stops)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trips (
			id, rider_id, status, version,
			pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address,
			stops, estimated_cost, currency, requested_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		string(t.ID), string(t.RiderID), string(t.Status), t.Version,
		t.Pickup.Point.Lat, t.Pickup.Point.Lng, t.Pickup.Address,
		t.Destination.Point.Lat, t.Destination.Point.Lng, t.Destination.Address,
		stops, t.EstimatedCost.Amount, t.EstimatedCost.Currency, t.RequestedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveTrip
		}
		return err
	}
	if err := appendEvent(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id))
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PGStore) CompareAndSwap(ctx context.Context, next *Trip, expectedVersion int, e *Event) (bool, error) {
	var feeReason, feeStage *string
	var feeAmount *int64
	if next.Fee != nil {
		r, st, a := string(next.Fee.Reason), string(next.Fee.Stage), next.Fee.Amount.Amount
		feeReason, feeStage, feeAmount = &r, &st, &a
	}
	var route *string
	if len(next.Route) > 0 {
		enc := maps.EncodeRoute(next.Route)
		route = &enc
	}
	var code *string
	if next.VerificationCode != "" {
		code = &next.VerificationCode
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trips
		SET status = $1,
		    version = $2,
		    driver_id = $3,
		    route_polyline = $4,
		    verification_code = $5,
		    final_cost = $6,
		    tip = $7,
		    fee_reason = $8,
		    fee_stage = $9,
		    fee_amount = $10,
		    matched_at = $11,
		    arriving_at = $12,
		    arrived_at = $13,
		    verifying_at = $14,
		    started_at = $15,
		    completed_at = $16,
		    cancelled_at = $17,
		    no_show_at = $18,
		    updated_at = $19
		WHERE id = $20 AND version = $21`,
		string(next.Status),
		next.Version,
		toStringPtr(next.DriverID),
		route,
		code,
		toAmountPtr(next.FinalCost),
		toAmountPtr(next.Tip),
		feeReason, feeStage, feeAmount,
		next.MatchedAt, next.ArrivingAt, next.ArrivedAt, next.VerifyingAt,
		next.StartedAt, next.CompletedAt, next.CancelledAt, next.NoShowAt,
		next.UpdatedAt,
		string(next.ID),
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, e); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE rider_id = $1
			  AND status = ANY($2)
		)`, string(riderID), statusStrings(ActiveStatuses),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tripColumns+` FROM trips WHERE status = $1 ORDER BY requested_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_status, to_status, actor, actor_id, version, created_at
		FROM trip_state_events
		WHERE trip_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var tripID string
		var from, to, actor string
		var actorID *string
		if err := rows.Scan(&e.ID, &tripID, &from, &to, &actor, &actorID, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TripID = types.ID(tripID)
		e.FromStatus, e.ToStatus, e.Actor = Status(from), Status(to), Actor(actor)
		if actorID != nil {
			id := types.ID(*actorID)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	if e == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO trip_state_events (
			trip_id, from_status, to_status, actor, actor_id, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.TripID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.Actor),
		toStringPtr(e.ActorID),
		e.Version,
		e.CreatedAt,
	)
	return err
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var id, riderID, status string
	var driverID, route, code, feeReason, feeStage *string
	var stops []byte
	var finalCost, tip, feeAmount *int64

	err := row.Scan(
		&id, &riderID, &driverID, &status, &t.Version,
		&t.Pickup.Point.Lat, &t.Pickup.Point.Lng, &t.Pickup.Address,
		&t.Destination.Point.Lat, &t.Destination.Point.Lng, &t.Destination.Address,
		&stops, &route, &code,
		&t.EstimatedCost.Amount, &t.EstimatedCost.Currency, &finalCost, &tip,
		&feeReason, &feeStage, &feeAmount,
		&t.RequestedAt, &t.MatchedAt, &t.ArrivingAt, &t.ArrivedAt, &t.VerifyingAt,
		&t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.NoShowAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID, t.RiderID, t.Status = types.ID(id), types.ID(riderID), Status(status)
	if driverID != nil {
		d := types.ID(*driverID)
		t.DriverID = &d
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &t.Stops); err != nil {
			return nil, fmt.Errorf("decoding stops: %w", err)
		}
	}
	if route != nil {
		if t.Route, err = maps.DecodeRoute(*route); err != nil {
			return nil, fmt.Errorf("decoding route: %w", err)
		}
	}
	if code != nil {
		t.VerificationCode = *code
	}
	cur := t.EstimatedCost.Currency
	t.FinalCost = fromAmountPtr(finalCost, cur)
	t.Tip = fromAmountPtr(tip, cur)
	if feeReason != nil && feeAmount != nil {
		o := fee.Outcome{Reason: fee.Reason(*feeReason), Amount: types.Money{Amount: *feeAmount, Currency: cur}}
		if feeStage != nil {
			o.Stage = fee.Stage(*feeStage)
		}
		t.Fee = &o
	}
	return &t, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toAmountPtr(v *types.Money) *int64 {
	if v == nil {
		return nil
	}
	n := v.Amount
	return &n
}

func fromAmountPtr(v *int64, currency string) *types.Money {
	if v == nil {
		return nil
	}
	return &types.Money{Amount: *v, Currency: currency}
}
