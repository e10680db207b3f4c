package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleID identifies which stake rule produced a decision.
type RuleID string

const (
	Rule1    RuleID = "RULE_1"
	Rule2    RuleID = "RULE_2"
	Rule3A   RuleID = "RULE_3A"
	Rule3B   RuleID = "RULE_3B"
	RuleNone RuleID = "NONE"
)

// Skip reasons emitted by the evaluator and the bet pipeline. These are
// machine-readable; the UI renders them.
const (
	SkipInPlayOrClosed  = "in_play_or_closed"
	SkipNoPrice         = "no_price"
	SkipMaxOddsExceeded = "max_odds_exceeded"
	SkipBelowMinOdds    = "below_min_odds"
	SkipSpread          = "spread"
	SkipDuplicate       = "DUPLICATE"
)

// RunnerView is the favourite/second-favourite summary carried on a decision.
type RunnerView struct {
	SelectionID int64            `json:"selection_id"`
	Name        string           `json:"name"`
	Odds        *decimal.Decimal `json:"odds,omitempty"`
}

// SpreadRejection records an instruction dropped by the spread gate.
type SpreadRejection struct {
	SelectionID int64            `json:"selection_id"`
	RunnerName  string           `json:"runner_name"`
	LayPrice    decimal.Decimal  `json:"lay_price"`
	BackPrice   *decimal.Decimal `json:"back_price,omitempty"`
	Spread      *decimal.Decimal `json:"spread,omitempty"`
	MaxSpread   *decimal.Decimal `json:"max_spread,omitempty"`
	Reason      string           `json:"reason"`
}

// JOFSSplit records a joint/close-odds favourite stake split.
type JOFSSplit struct {
	SelectionIDs []int64         `json:"selection_ids"`
	TotalStake   decimal.Decimal `json:"total_stake"`
	SizeEach     decimal.Decimal `json:"size_each"`
}

// RuleDecision is the evaluator's verdict for one market. It is a pure
// function of the market book and the engine config.
type RuleDecision struct {
	MarketID         string            `json:"market_id"`
	MarketName       string            `json:"market_name"`
	Venue            string            `json:"venue"`
	RaceTime         time.Time         `json:"race_time"`
	RuleID           RuleID            `json:"rule_id"`
	Skipped          bool              `json:"skipped"`
	SkipReason       string            `json:"skip_reason,omitempty"`
	Instructions     []BetInstruction  `json:"instructions"`
	Favourite        *RunnerView       `json:"favourite,omitempty"`
	SecondFavourite  *RunnerView       `json:"second_favourite,omitempty"`
	SpreadRejections []SpreadRejection `json:"spread_rejections,omitempty"`
	JOFS             *JOFSSplit        `json:"jofs_split,omitempty"`
	EvaluatedAt      time.Time         `json:"evaluated_at"`
}

// TotalStake sums the stakes across the decision's instructions.
func (d *RuleDecision) TotalStake() decimal.Decimal {
	total := decimal.Zero
	for _, in := range d.Instructions {
		total = total.Add(in.Size)
	}
	return total
}

// TotalLiability sums the liabilities across the decision's instructions.
func (d *RuleDecision) TotalLiability() decimal.Decimal {
	total := decimal.Zero
	for _, in := range d.Instructions {
		total = total.Add(in.Liability())
	}
	return total
}
