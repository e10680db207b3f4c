// Package repository implements the Postgres archive for bet records and
// settled results. The archive is write-mostly: the engine's live state
// lives in the store package; rows land here for long-term reporting.
package repository

import (
	"context"
	"time"

	"github.com/charles-ascot/lay-engine/internal/database"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// BetArchive persists submitted bet records.
type BetArchive interface {
	SaveBets(ctx context.Context, date string, bets []models.BetRecord) error
	GetBetsByDate(ctx context.Context, date string) ([]models.BetRecord, error)
}

// ClearedArchive persists settled results fetched from the exchange.
type ClearedArchive interface {
	SaveClearedBets(ctx context.Context, results []models.ClearedBet) error
	GetClearedBets(ctx context.Context, from, to time.Time) ([]models.ClearedBet, error)
}

// Repositories bundles the archive repositories behind one handle.
type Repositories struct {
	Bets    BetArchive
	Cleared ClearedArchive
}

// NewRepositories creates the repository set over a database connection.
func NewRepositories(db *database.DB) *Repositories {
	return &Repositories{
		Bets:    NewPostgresBetArchive(db),
		Cleared: NewPostgresClearedArchive(db),
	}
}
