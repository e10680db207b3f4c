package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charles-ascot/lay-engine/internal/models"
)

func spreadConfig() models.EngineConfig {
	cfg := models.DefaultEngineConfig()
	cfg.SpreadControlEnabled = true
	cfg.MinOdds = d("1.01")
	return cfg
}

func TestMaxSpreadBands(t *testing.T) {
	tests := []struct {
		lay  string
		want string
	}{
		{"1.50", "0.05"},
		{"1.99", "0.05"},
		{"2.00", "0.15"},
		{"2.99", "0.15"},
		{"3.00", "0.30"},
		{"4.99", "0.30"},
		{"5.00", "0.50"},
		{"7.99", "0.50"},
	}
	for _, tt := range tests {
		max := maxSpreadFor(d(tt.lay))
		require.NotNil(t, max, "lay %s", tt.lay)
		assert.True(t, max.Equal(d(tt.want)), "lay %s: got %s", tt.lay, max)
	}
}

func TestMaxSpreadRejectsAtEight(t *testing.T) {
	assert.Nil(t, maxSpreadFor(d("8.00")))
	assert.Nil(t, maxSpreadFor(d("25.0")))
}

func TestSpreadGatePasses(t *testing.T) {
	market := openMarket(
		runner(1, "Alpha", 1, "2.50", "2.40"), // spread 0.10 <= 0.15
		runner(2, "Beta", 2, "6.00", "5.90"),
	)

	decision := newTestEvaluator().Evaluate(market, spreadConfig(), time.Now())

	require.False(t, decision.Skipped)
	require.Len(t, decision.Instructions, 1)
	assert.Empty(t, decision.SpreadRejections)
}

func TestSpreadGateRejectsWideSpread(t *testing.T) {
	market := openMarket(
		runner(1, "Alpha", 1, "2.50", "2.30"), // spread 0.20 > 0.15
		runner(2, "Beta", 2, "6.00", "5.90"),
	)

	decision := newTestEvaluator().Evaluate(market, spreadConfig(), time.Now())

	assert.True(t, decision.Skipped)
	assert.Equal(t, models.SkipSpread, decision.SkipReason)
	assert.Empty(t, decision.Instructions)
	require.Len(t, decision.SpreadRejections, 1)
	rejection := decision.SpreadRejections[0]
	assert.Equal(t, spreadReasonTooWide, rejection.Reason)
	assert.True(t, rejection.Spread.Equal(d("0.2")))
	assert.True(t, rejection.MaxSpread.Equal(d("0.15")))
}

func TestSpreadGateRejectsMissingBackPrice(t *testing.T) {
	market := openMarket(
		runner(1, "Alpha", 1, "3.00", ""),
		runner(2, "Beta", 2, "6.00", "5.90"),
	)

	decision := newTestEvaluator().Evaluate(market, spreadConfig(), time.Now())

	assert.True(t, decision.Skipped)
	require.Len(t, decision.SpreadRejections, 1)
	assert.Equal(t, spreadReasonNoBack, decision.SpreadRejections[0].Reason)
}

func TestSpreadGateRejectsHighPriceUnconditionally(t *testing.T) {
	// Lay at 9.0 with a tight book still fails: no band covers >= 8.
	market := openMarket(
		runner(1, "Alpha", 1, "9.0", "8.8"),
		runner(2, "Beta", 2, "30.0", "28.0"),
	)

	decision := newTestEvaluator().Evaluate(market, spreadConfig(), time.Now())

	assert.True(t, decision.Skipped)
	require.Len(t, decision.SpreadRejections, 1)
	assert.Equal(t, spreadReasonPriceTooBig, decision.SpreadRejections[0].Reason)
}

func TestSpreadGatePartialRejectionKeepsOtherLeg(t *testing.T) {
	// Close-gap band lays both; only the second favourite's wide book
	// fails, the favourite's leg survives.
	market := openMarket(
		runner(1, "Alpha", 1, "5.5", "5.2"),  // spread 0.3 <= 0.5
		runner(2, "Beta", 2, "6.8", "5.9"),   // spread 0.9 > 0.5
		runner(3, "Gamma", 3, "12.0", "11.5"),
	)

	decision := newTestEvaluator().Evaluate(market, spreadConfig(), time.Now())

	require.False(t, decision.Skipped)
	assert.Equal(t, models.Rule3A, decision.RuleID)
	require.Len(t, decision.Instructions, 1)
	assert.Equal(t, int64(1), decision.Instructions[0].SelectionID)
	require.Len(t, decision.SpreadRejections, 1)
	assert.Equal(t, int64(2), decision.SpreadRejections[0].SelectionID)
}

func TestSpreadGateDisabledByDefault(t *testing.T) {
	market := openMarket(
		runner(1, "Alpha", 1, "2.50", "2.30"), // would fail the gate
		runner(2, "Beta", 2, "6.00", "5.90"),
	)
	cfg := models.DefaultEngineConfig()

	decision := newTestEvaluator().Evaluate(market, cfg, time.Now())

	assert.False(t, decision.Skipped)
	assert.Len(t, decision.Instructions, 1)
}
