// README: Fee rate store backed by PostgreSQL.
package fee

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/types"
)

type RateStore struct {
	db *pgxpool.Pool
}

func NewRateStore(db *pgxpool.Pool) *RateStore {
	return &RateStore{db: db}
}

// Load reads every configured row from fee_rates.
func (s *RateStore) Load(ctx context.Context) (RateTable, error) {
	rows, err := s.db.Query(ctx, `
		SELECT reason, stage, basis_points, flat_amount, currency
		FROM fee_rates`)
	if err != nil {
		return nil, fmt.Errorf("querying fee_rates: %w", err)
	}
	defer rows.Close()

	table := RateTable{}
	for rows.Next() {
		var (
			reason, stage string
			bp            int64
			flat          sql.NullInt64
			currency      sql.NullString
		)
		if err := rows.Scan(&reason, &stage, &bp, &flat, &currency); err != nil {
			return nil, fmt.Errorf("scanning fee_rates: %w", err)
		}
		r := Rate{BasisPoints: bp}
		if flat.Valid {
			r.Flat = &types.Money{Amount: flat.Int64, Currency: currency.String}
		}
		table[RateKey{Reason: Reason(reason), Stage: Stage(stage)}] = r
	}
	return table, rows.Err()
}
