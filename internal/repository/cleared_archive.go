package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/charles-ascot/lay-engine/internal/database"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// PostgresClearedArchive implements ClearedArchive for PostgreSQL.
type PostgresClearedArchive struct {
	db *database.DB
}

// NewPostgresClearedArchive creates a new cleared-bet archive
func NewPostgresClearedArchive(db *database.DB) *PostgresClearedArchive {
	return &PostgresClearedArchive{db: db}
}

// SaveClearedBets upserts settled results keyed on the exchange bet ID.
// The settlement collector re-fetches overlapping windows, so conflicts
// are expected and resolved in favour of the latest settlement data.
func (a *PostgresClearedArchive) SaveClearedBets(ctx context.Context, results []models.ClearedBet) error {
	query := `
		INSERT INTO cleared_bets (bet_id, market_id, selection_id, side, price_requested,
		                          price_matched, size_settled, profit, commission,
		                          bet_outcome, placed_date, settled_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (bet_id) DO UPDATE SET
			size_settled = EXCLUDED.size_settled,
			profit = EXCLUDED.profit,
			commission = EXCLUDED.commission,
			bet_outcome = EXCLUDED.bet_outcome,
			settled_date = EXCLUDED.settled_date
	`

	for _, r := range results {
		_, err := a.db.GetPool().Exec(ctx, query,
			r.BetID, r.MarketID, r.SelectionID, r.Side, r.PriceRequested,
			r.PriceMatched, r.SizeSettled, r.Profit, r.Commission,
			r.BetOutcome, r.PlacedDate, r.SettledDate,
		)
		if err != nil {
			return fmt.Errorf("failed to archive cleared bet %s: %w", r.BetID, err)
		}
	}
	return nil
}

// GetClearedBets retrieves settled results in a settled-date range.
func (a *PostgresClearedArchive) GetClearedBets(ctx context.Context, from, to time.Time) ([]models.ClearedBet, error) {
	query := `
		SELECT bet_id, market_id, selection_id, side, price_requested, price_matched,
		       size_settled, profit, commission, bet_outcome, placed_date, settled_date
		FROM cleared_bets
		WHERE settled_date >= $1 AND settled_date <= $2
		ORDER BY settled_date DESC
	`

	rows, err := a.db.GetPool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleared bets: %w", err)
	}
	defer rows.Close()

	var results []models.ClearedBet
	for rows.Next() {
		var r models.ClearedBet
		err := rows.Scan(
			&r.BetID, &r.MarketID, &r.SelectionID, &r.Side, &r.PriceRequested,
			&r.PriceMatched, &r.SizeSettled, &r.Profit, &r.Commission,
			&r.BetOutcome, &r.PlacedDate, &r.SettledDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cleared bet: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}
