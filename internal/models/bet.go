package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Discipline classifies a race from its market name.
type Discipline string

const (
	DisciplineFlat    Discipline = "FLAT"
	DisciplineJumps   Discipline = "JUMPS"
	DisciplineUnknown Discipline = "UNKNOWN"
)

var (
	jumpsPattern = regexp.MustCompile(`(?i)\b(chs|chase|hrd|hurdle|hdl|nhf|bumper|inh)\b`)
	flatPattern  = regexp.MustCompile(`(?i)\b(stks|stakes|hcap|handicap|mdn|maiden|nursery|claim|listed|grp\d?)\b`)
)

// DisciplineFromMarketName derives the race discipline from exchange
// market naming conventions ("16:05 R5 Hcap", "2m4f Nov Hrd").
func DisciplineFromMarketName(name string) Discipline {
	if jumpsPattern.MatchString(name) {
		return DisciplineJumps
	}
	if flatPattern.MatchString(name) {
		return DisciplineFlat
	}
	return DisciplineUnknown
}

// ExchangeMinStake is the smallest lay stake the exchange accepts.
var ExchangeMinStake = decimal.NewFromInt(1)

// BetInstruction is a single lay order the rule evaluator wants placed.
type BetInstruction struct {
	MarketID    string          `json:"market_id"`
	SelectionID int64           `json:"selection_id"`
	RunnerName  string          `json:"runner_name"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	RuleID      RuleID          `json:"rule_id"`
}

// Liability is what the layer loses if the runner wins: size * (price - 1).
func (i BetInstruction) Liability() decimal.Decimal {
	return i.Size.Mul(i.Price.Sub(decimal.NewFromInt(1))).Round(2)
}

// OrderStatus is the outcome of a bet submission.
type OrderStatus string

const (
	OrderStatusSuccess OrderStatus = "SUCCESS"
	OrderStatusFailure OrderStatus = "FAILURE"
	OrderStatusDryRun  OrderStatus = "DRY_RUN"
)

// ExchangeResponse records the exchange's acknowledgement of an order.
type ExchangeResponse struct {
	Status          OrderStatus      `json:"status"`
	BetID           string           `json:"bet_id,omitempty"`
	SizeMatched     *decimal.Decimal `json:"size_matched,omitempty"`
	AvgPriceMatched *decimal.Decimal `json:"avg_price_matched,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
}

// BetRecord is the append-only record of a submitted (or dry-run) lay bet.
// Size holds the full requested stake; partial matches are visible only in
// the exchange response and in settled results.
type BetRecord struct {
	BetInstruction
	Liability  decimal.Decimal  `json:"liability"`
	PlacedAt   time.Time        `json:"placed_at"`
	Venue      string           `json:"venue"`
	Country    string           `json:"country"`
	Discipline Discipline       `json:"discipline"`
	RaceTime   time.Time        `json:"race_time"`
	DryRun     bool             `json:"dry_run"`
	Response   ExchangeResponse `json:"exchange_response"`
}

// ClearedBet is a settled bet fetched from the exchange.
type ClearedBet struct {
	BetID           string          `json:"bet_id"`
	MarketID        string          `json:"market_id"`
	SelectionID     int64           `json:"selection_id"`
	Side            string          `json:"side"`
	PriceRequested  decimal.Decimal `json:"price_requested"`
	PriceMatched    decimal.Decimal `json:"price_matched"`
	SizeSettled     decimal.Decimal `json:"size_settled"`
	Profit          decimal.Decimal `json:"profit"`
	Commission      decimal.Decimal `json:"commission"`
	BetOutcome      string          `json:"bet_outcome"`
	PlacedDate      time.Time       `json:"placed_date"`
	SettledDate     time.Time       `json:"settled_date"`
}

// RunnerKey dedups by horse and race so the same animal is never laid
// twice in one trading day even across market re-scans.
type RunnerKey struct {
	RunnerName string `json:"runner_name"`
	RaceTime   string `json:"race_time"`
}

// SelectionKey dedups by exchange selection within a market.
type SelectionKey struct {
	SelectionID int64  `json:"selection_id"`
	MarketID    string `json:"market_id"`
}

// NewRunnerKey builds the runner dedup key from a bet instruction and the
// race start time (UTC, RFC 3339 so keys survive persistence round-trips).
func NewRunnerKey(runnerName string, raceTime time.Time) RunnerKey {
	return RunnerKey{RunnerName: runnerName, RaceTime: raceTime.UTC().Format(time.RFC3339)}
}
