package rules

import (
	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// Spread gate bands, keyed by the runner's lay price. A wide spread means
// a thin book: the lay would sit unmatched or match at a worse price.
type spreadBand struct {
	priceBelow decimal.Decimal
	maxSpread  decimal.Decimal
}

var spreadBands = []spreadBand{
	{priceBelow: decimal.NewFromInt(2), maxSpread: decimal.NewFromFloat(0.05)},
	{priceBelow: decimal.NewFromInt(3), maxSpread: decimal.NewFromFloat(0.15)},
	{priceBelow: decimal.NewFromInt(5), maxSpread: decimal.NewFromFloat(0.30)},
	{priceBelow: decimal.NewFromInt(8), maxSpread: decimal.NewFromFloat(0.50)},
}

// maxSpreadFor returns the spread ceiling for a lay price, or nil for
// prices of 8.0 and above where the gate rejects unconditionally.
func maxSpreadFor(layPrice decimal.Decimal) *decimal.Decimal {
	for _, band := range spreadBands {
		if layPrice.LessThan(band.priceBelow) {
			max := band.maxSpread
			return &max
		}
	}
	return nil
}

const (
	spreadReasonNoBack      = "no_back_price"
	spreadReasonTooWide     = "spread_too_wide"
	spreadReasonPriceTooBig = "lay_price_at_or_above_8"
)

// applySpreadGate drops instructions whose runner fails the spread check
// and records a rejection for each. Passing instructions are untouched;
// rejecting one leg of a multi-leg decision keeps the others.
func applySpreadGate(decision *models.RuleDecision, market *models.Market) {
	kept := decision.Instructions[:0]
	for _, inst := range decision.Instructions {
		runner := runnerByID(market, inst.SelectionID)
		if runner == nil {
			continue
		}
		if rejection := checkSpread(runner); rejection != nil {
			decision.SpreadRejections = append(decision.SpreadRejections, *rejection)
			metrics.SpreadRejectionsTotal.Inc()
			continue
		}
		kept = append(kept, inst)
	}
	decision.Instructions = kept
}

// checkSpread returns a rejection when the runner's book fails the gate,
// nil when it passes.
func checkSpread(runner *models.Runner) *models.SpreadRejection {
	lay := *runner.BestLay

	maxSpread := maxSpreadFor(lay)
	if maxSpread == nil {
		return &models.SpreadRejection{
			SelectionID: runner.SelectionID,
			RunnerName:  runner.Name,
			LayPrice:    lay,
			BackPrice:   runner.BestBack,
			Spread:      runner.Spread(),
			Reason:      spreadReasonPriceTooBig,
		}
	}

	if runner.BestBack == nil {
		return &models.SpreadRejection{
			SelectionID: runner.SelectionID,
			RunnerName:  runner.Name,
			LayPrice:    lay,
			MaxSpread:   maxSpread,
			Reason:      spreadReasonNoBack,
		}
	}

	spread := runner.Spread()
	if spread.GreaterThan(*maxSpread) {
		return &models.SpreadRejection{
			SelectionID: runner.SelectionID,
			RunnerName:  runner.Name,
			LayPrice:    lay,
			BackPrice:   runner.BestBack,
			Spread:      spread,
			MaxSpread:   maxSpread,
			Reason:      spreadReasonTooWide,
		}
	}
	return nil
}

func runnerByID(market *models.Market, selectionID int64) *models.Runner {
	for i := range market.Runners {
		if market.Runners[i].SelectionID == selectionID {
			return &market.Runners[i]
		}
	}
	return nil
}
