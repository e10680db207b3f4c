package repository

import (
	"context"
	"fmt"

	"github.com/charles-ascot/lay-engine/internal/database"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// PostgresBetArchive implements BetArchive for PostgreSQL.
type PostgresBetArchive struct {
	db *database.DB
}

// NewPostgresBetArchive creates a new bet archive
func NewPostgresBetArchive(db *database.DB) *PostgresBetArchive {
	return &PostgresBetArchive{db: db}
}

// SaveBets upserts the day's bet records keyed on (market, selection).
// Re-running the archive for the same day is safe.
func (a *PostgresBetArchive) SaveBets(ctx context.Context, date string, bets []models.BetRecord) error {
	query := `
		INSERT INTO lay_bets (trading_date, market_id, selection_id, runner_name, rule_id,
		                      price, size, liability, venue, country, discipline,
		                      race_time, placed_at, dry_run, status, bet_id, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (trading_date, market_id, selection_id) DO UPDATE SET
			status = EXCLUDED.status,
			bet_id = EXCLUDED.bet_id,
			error_code = EXCLUDED.error_code
	`

	for _, bet := range bets {
		_, err := a.db.GetPool().Exec(ctx, query,
			date, bet.MarketID, bet.SelectionID, bet.RunnerName, string(bet.RuleID),
			bet.Price, bet.Size, bet.Liability, bet.Venue, bet.Country, string(bet.Discipline),
			bet.RaceTime, bet.PlacedAt, bet.DryRun, string(bet.Response.Status),
			bet.Response.BetID, bet.Response.ErrorCode,
		)
		if err != nil {
			return fmt.Errorf("failed to archive bet for %s/%d: %w", bet.MarketID, bet.SelectionID, err)
		}
	}
	return nil
}

// GetBetsByDate retrieves all archived bets for a trading date.
func (a *PostgresBetArchive) GetBetsByDate(ctx context.Context, date string) ([]models.BetRecord, error) {
	query := `
		SELECT market_id, selection_id, runner_name, rule_id, price, size, liability,
		       venue, country, discipline, race_time, placed_at, dry_run, status, bet_id, error_code
		FROM lay_bets
		WHERE trading_date = $1
		ORDER BY placed_at ASC
	`

	rows, err := a.db.GetPool().Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived bets: %w", err)
	}
	defer rows.Close()

	var bets []models.BetRecord
	for rows.Next() {
		var bet models.BetRecord
		var ruleID, discipline, status string
		err := rows.Scan(
			&bet.MarketID, &bet.SelectionID, &bet.RunnerName, &ruleID, &bet.Price,
			&bet.Size, &bet.Liability, &bet.Venue, &bet.Country, &discipline,
			&bet.RaceTime, &bet.PlacedAt, &bet.DryRun, &status,
			&bet.Response.BetID, &bet.Response.ErrorCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived bet: %w", err)
		}
		bet.RuleID = models.RuleID(ruleID)
		bet.Discipline = models.Discipline(discipline)
		bet.Response.Status = models.OrderStatus(status)
		bets = append(bets, bet)
	}

	return bets, rows.Err()
}
