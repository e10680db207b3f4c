// Package report builds and writes end-of-day trading reports. A report
// is generated at day rollover from the outgoing state document and the
// day's settled results, written as JSON next to the state file, and
// indexed in the state document so the UI can list past days.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// RuleBreakdown aggregates one rule band's activity.
type RuleBreakdown struct {
	Bets      int             `json:"bets"`
	Stake     decimal.Decimal `json:"stake"`
	Liability decimal.Decimal `json:"liability"`
}

// DailyReport is the end-of-day summary for one trading date.
type DailyReport struct {
	Date             string                           `json:"date"`
	GeneratedAt      time.Time                        `json:"generated_at"`
	Sessions         int                              `json:"sessions"`
	BetsPlaced       int                              `json:"bets_placed"`
	DryRunBets       int                              `json:"dry_run_bets"`
	FailedBets       int                              `json:"failed_bets"`
	TotalStake       decimal.Decimal                  `json:"total_stake"`
	TotalLiability   decimal.Decimal                  `json:"total_liability"`
	SettledBets      int                              `json:"settled_bets"`
	GrossProfit      decimal.Decimal                  `json:"gross_profit"`
	Commission       decimal.Decimal                  `json:"commission"`
	NetProfit        decimal.Decimal                  `json:"net_profit"`
	WinRate          decimal.Decimal                  `json:"win_rate"`
	MarketsEvaluated int                              `json:"markets_evaluated"`
	MarketsSkipped   int                              `json:"markets_skipped"`
	SkipReasons      map[string]int                   `json:"skip_reasons,omitempty"`
	Rules            map[models.RuleID]*RuleBreakdown `json:"rules,omitempty"`
	Bets             []models.BetRecord               `json:"bets"`
}

// Build aggregates the day's bets, evaluations, sessions and settled
// results into a report.
func Build(date string, sessions []models.Session, bets []models.BetRecord,
	evaluations []models.RuleDecision, results []models.ClearedBet, now time.Time) DailyReport {

	r := DailyReport{
		Date:           date,
		GeneratedAt:    now,
		TotalStake:     decimal.Zero,
		TotalLiability: decimal.Zero,
		GrossProfit:    decimal.Zero,
		Commission:     decimal.Zero,
		NetProfit:      decimal.Zero,
		WinRate:        decimal.Zero,
		SkipReasons:    map[string]int{},
		Rules:          map[models.RuleID]*RuleBreakdown{},
		Bets:           bets,
	}

	for _, s := range sessions {
		if s.Date == date {
			r.Sessions++
		}
	}

	for _, bet := range bets {
		switch bet.Response.Status {
		case models.OrderStatusFailure:
			r.FailedBets++
			continue
		case models.OrderStatusDryRun:
			r.DryRunBets++
		}
		r.BetsPlaced++
		r.TotalStake = r.TotalStake.Add(bet.Size)
		r.TotalLiability = r.TotalLiability.Add(bet.Liability)

		band := r.Rules[bet.RuleID]
		if band == nil {
			band = &RuleBreakdown{Stake: decimal.Zero, Liability: decimal.Zero}
			r.Rules[bet.RuleID] = band
		}
		band.Bets++
		band.Stake = band.Stake.Add(bet.Size)
		band.Liability = band.Liability.Add(bet.Liability)
	}

	for _, d := range evaluations {
		r.MarketsEvaluated++
		if d.Skipped {
			r.MarketsSkipped++
			r.SkipReasons[d.SkipReason]++
		}
	}

	won := 0
	for _, res := range results {
		r.SettledBets++
		r.GrossProfit = r.GrossProfit.Add(res.Profit)
		r.Commission = r.Commission.Add(res.Commission)
		// A winning lay is one the layer profits on.
		if res.Profit.IsPositive() {
			won++
		}
	}
	r.NetProfit = r.GrossProfit.Sub(r.Commission)
	if r.SettledBets > 0 {
		r.WinRate = decimal.NewFromInt(int64(won)).
			Div(decimal.NewFromInt(int64(r.SettledBets))).Round(4)
	}

	return r
}

// Writer persists daily reports as JSON files in a directory.
type Writer struct {
	dir string
}

// NewWriter creates a report writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write stores the report and returns the path for the reports index.
func (w *Writer) Write(r DailyReport) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("report_%s.json", r.Date))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
