package repository

import (
	"testing"
)

const skipIntegrationMsg = "Integration test - requires database setup"

// TestBetArchiveRoundTrip exercises SaveBets/GetBetsByDate against a real
// Postgres instance. Run the migrations in migrations/ first:
//
//	migrate -path migrations -database "$ARCHIVE_DSN" up
func TestBetArchiveRoundTrip(t *testing.T) {
	t.Skip(skipIntegrationMsg)
}

// TestClearedArchiveUpsert verifies that re-archiving the same bet ID
// updates the settlement columns instead of erroring.
func TestClearedArchiveUpsert(t *testing.T) {
	t.Skip(skipIntegrationMsg)
}
