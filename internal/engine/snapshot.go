package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

// BalanceView is the cached wallet state with its staleness.
type BalanceView struct {
	Available  decimal.Decimal `json:"available"`
	Exposure   decimal.Decimal `json:"exposure"`
	AgeSeconds float64         `json:"age_seconds"`
}

// TrackerSummary is one tracked market condensed for display.
type TrackerSummary struct {
	MarketID     string    `json:"market_id"`
	Venue        string    `json:"venue"`
	Name         string    `json:"market_name"`
	RaceTime     time.Time `json:"race_time"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	MinutesToOff float64   `json:"minutes_to_off"`
	Snapshots    int       `json:"snapshots"`
}

// StateSnapshot is the read-only view the control surface serves. It is
// assembled under the engine mutex and safe to marshal concurrently.
type StateSnapshot struct {
	Status        Status                `json:"status"`
	DryRun        bool                  `json:"dry_run"`
	Date          string                `json:"date"`
	Config        models.EngineConfig   `json:"config"`
	Session       *models.Session       `json:"session,omitempty"`
	SessionsIndex []models.Session      `json:"sessions_index"`
	Balance       *BalanceView          `json:"balance,omitempty"`
	NextRace      *NextRace             `json:"next_race,omitempty"`
	RecentBets    []models.BetRecord    `json:"recent_bets"`
	RecentResults []models.ClearedBet   `json:"recent_results"`
	Evaluations   []models.RuleDecision `json:"evaluations"`
	Errors        []models.ErrorEntry   `json:"errors"`
	Trackers      []TrackerSummary      `json:"trackers"`
	TrackerCounts map[string]int        `json:"tracker_counts"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// Snapshot captures the engine's current state for the UI.
func (e *Engine) Snapshot() StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	snap := StateSnapshot{
		Status:        e.status,
		DryRun:        e.cfg.DryRun,
		Date:          e.doc.Date,
		Config:        e.cfg,
		SessionsIndex: append([]models.Session(nil), e.doc.SessionsIndex...),
		NextRace:      e.nextRace,
		RecentBets:    tailBets(e.doc.BetsToday, recentRingSize),
		RecentResults: append([]models.ClearedBet(nil), e.recentResults...),
		Evaluations:   append([]models.RuleDecision(nil), e.doc.EvaluationsToday...),
		Errors:        append([]models.ErrorEntry(nil), e.errors...),
		TrackerCounts: map[string]int{},
		GeneratedAt:   now,
	}

	if e.session != nil {
		s := *e.session
		snap.Session = &s
	}
	if e.balance != nil {
		snap.Balance = &BalanceView{
			Available:  e.balance.Available,
			Exposure:   e.balance.Exposure,
			AgeSeconds: e.balance.Age(now).Seconds(),
		}
	}

	for state, count := range e.trackers.CountByState() {
		snap.TrackerCounts[string(state)] = count
	}
	for _, t := range e.trackers {
		snap.Trackers = append(snap.Trackers, summarizeTracker(t, now))
	}
	sortTrackerSummaries(snap.Trackers)

	return snap
}

func summarizeTracker(t *tracker.MarketTracker, now time.Time) TrackerSummary {
	return TrackerSummary{
		MarketID:     t.MarketID,
		Venue:        t.Market.Venue,
		Name:         t.Market.Name,
		RaceTime:     t.Market.RaceTime,
		State:        string(t.State),
		Reason:       t.Reason,
		MinutesToOff: t.MinutesToOff(now),
		Snapshots:    len(t.Snapshots),
	}
}

func sortTrackerSummaries(ts []TrackerSummary) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].RaceTime.Equal(ts[j].RaceTime) {
			return ts[i].RaceTime.Before(ts[j].RaceTime)
		}
		return ts[i].MarketID < ts[j].MarketID
	})
}

func tailBets(bets []models.BetRecord, n int) []models.BetRecord {
	if len(bets) > n {
		bets = bets[len(bets)-n:]
	}
	return append([]models.BetRecord(nil), bets...)
}
