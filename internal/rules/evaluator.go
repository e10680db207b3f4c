// Package rules implements the stake rule bands, the spread gate and the
// joint-favourite stake split. Evaluation is a pure function of a market
// book and the engine configuration; the bet pipeline owns everything
// stateful (dedup, submission, session totals).
package rules

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// Band boundaries for the stake rules, in lay odds.
var (
	rule1Ceiling = decimal.NewFromFloat(2.0) // fav below this: RULE_1
	rule2Ceiling = decimal.NewFromFloat(5.0) // fav at or below this: RULE_2
	rule3GapMax  = decimal.NewFromFloat(2.0) // second-fav gap below this: RULE_3A
)

// Points per rule band.
var (
	rule1Points = decimal.NewFromInt(3)
	rule2Points = decimal.NewFromInt(2)
	rule3Points = decimal.NewFromInt(1)
)

// Evaluator turns a market book into a rule decision.
type Evaluator struct {
	logger *logrus.Logger
}

// NewEvaluator creates a new rule evaluator
func NewEvaluator(logger *logrus.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate runs the full decision pipeline for one market: skip ladder,
// rule band, joint-favourite split, then the spread gate. The returned
// decision is complete; callers never mutate it.
func (e *Evaluator) Evaluate(market *models.Market, cfg models.EngineConfig, now time.Time) models.RuleDecision {
	decision := models.RuleDecision{
		MarketID:    market.ID,
		MarketName:  market.Name,
		Venue:       market.Venue,
		RaceTime:    market.RaceTime,
		RuleID:      models.RuleNone,
		EvaluatedAt: now,
	}

	if market.InPlay || market.Status != models.MarketStatusOpen {
		return e.skip(decision, models.SkipInPlayOrClosed)
	}

	fav := market.Favourite()
	if fav == nil || !fav.Priced() {
		return e.skip(decision, models.SkipNoPrice)
	}
	decision.Favourite = runnerView(fav)

	second := market.SecondFavourite()
	if second != nil {
		decision.SecondFavourite = runnerView(second)
	}

	favOdds := *fav.BestLay
	if favOdds.GreaterThan(cfg.MaxLayOdds) {
		return e.skip(decision, models.SkipMaxOddsExceeded)
	}
	if favOdds.LessThan(cfg.MinOdds) {
		return e.skip(decision, models.SkipBelowMinOdds)
	}

	decision.RuleID, decision.Instructions = e.applyRuleBand(market, fav, second, cfg)
	metrics.RecordRuleDecision(string(decision.RuleID))

	if cfg.JOFSEnabled {
		applyJOFS(&decision, market, fav)
	}

	if cfg.SpreadControlEnabled {
		applySpreadGate(&decision, market)
		if len(decision.Instructions) == 0 {
			return e.skip(decision, models.SkipSpread)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"market_id":    market.ID,
		"rule":         decision.RuleID,
		"instructions": len(decision.Instructions),
		"stake":        decision.TotalStake(),
	}).Debug("market evaluated")

	return decision
}

// applyRuleBand selects the rule band from the favourite's lay odds and
// builds the base instruction set.
func (e *Evaluator) applyRuleBand(market *models.Market, fav, second *models.Runner, cfg models.EngineConfig) (models.RuleID, []models.BetInstruction) {
	favOdds := *fav.BestLay

	switch {
	case favOdds.LessThan(rule1Ceiling):
		return models.Rule1, []models.BetInstruction{
			instructionFor(market, fav, rule1Points, cfg.PointValue, models.Rule1),
		}

	case favOdds.LessThanOrEqual(rule2Ceiling):
		return models.Rule2, []models.BetInstruction{
			instructionFor(market, fav, rule2Points, cfg.PointValue, models.Rule2),
		}

	default:
		// Long-odds favourite. A second favourite close behind means the
		// race has no standout and both get laid a point.
		if second != nil && second.Priced() {
			gap := second.BestLay.Sub(favOdds)
			if gap.LessThan(rule3GapMax) {
				return models.Rule3A, []models.BetInstruction{
					instructionFor(market, fav, rule3Points, cfg.PointValue, models.Rule3A),
					instructionFor(market, second, rule3Points, cfg.PointValue, models.Rule3A),
				}
			}
		}
		return models.Rule3B, []models.BetInstruction{
			instructionFor(market, fav, rule3Points, cfg.PointValue, models.Rule3B),
		}
	}
}

func (e *Evaluator) skip(decision models.RuleDecision, reason string) models.RuleDecision {
	decision.Skipped = true
	decision.SkipReason = reason
	decision.Instructions = nil
	metrics.RecordSkip(reason)
	e.logger.WithFields(logrus.Fields{
		"market_id": decision.MarketID,
		"reason":    reason,
	}).Debug("market skipped")
	return decision
}

// instructionFor builds a lay instruction: size = points * point value,
// rounded to 2dp and floored at the exchange minimum.
func instructionFor(market *models.Market, runner *models.Runner, points, pointValue decimal.Decimal, rule models.RuleID) models.BetInstruction {
	size := points.Mul(pointValue).Round(2)
	if size.LessThan(models.ExchangeMinStake) {
		size = models.ExchangeMinStake
	}
	return models.BetInstruction{
		MarketID:    market.ID,
		SelectionID: runner.SelectionID,
		RunnerName:  runner.Name,
		Price:       *runner.BestLay,
		Size:        size,
		RuleID:      rule,
	}
}

func runnerView(r *models.Runner) *models.RunnerView {
	view := &models.RunnerView{
		SelectionID: r.SelectionID,
		Name:        r.Name,
	}
	if r.BestLay != nil {
		odds := *r.BestLay
		view.Odds = &odds
	}
	return view
}
