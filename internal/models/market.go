// Package models defines the closed data types shared across the lay engine:
// markets, runners, rule decisions, bet records, sessions and the price tick
// table. Monetary values use shopspring decimals and serialise as strings.
package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the exchange market status
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "OPEN"
	MarketStatusSuspended MarketStatus = "SUSPENDED"
	MarketStatusClosed    MarketStatus = "CLOSED"
)

// Market is a horse-racing WIN market discovered from the exchange.
// The runner list is replaced wholesale on every book fetch; the book
// is authoritative over any previously known runner set.
type Market struct {
	ID           string          `json:"market_id"`
	Name         string          `json:"market_name"`
	Venue        string          `json:"venue"`
	Country      string          `json:"country"`
	RaceTime     time.Time       `json:"race_time"`
	Status       MarketStatus    `json:"status"`
	InPlay       bool            `json:"in_play"`
	TotalMatched decimal.Decimal `json:"total_matched"`
	Runners      []Runner        `json:"runners"`
}

// Runner is a single selection within a market. A nil BestLay means the
// runner is unpriced and disqualifies the market for rules 1 and 2.
type Runner struct {
	SelectionID  int64            `json:"selection_id"`
	Name         string           `json:"runner_name"`
	SortPriority int              `json:"sort_priority"`
	Status       string           `json:"status"`
	BestLay      *decimal.Decimal `json:"best_available_to_lay,omitempty"`
	BestBack     *decimal.Decimal `json:"best_available_to_back,omitempty"`
	LastTraded   *decimal.Decimal `json:"last_price_traded,omitempty"`
	LayDepth     []PriceSize      `json:"lay_depth,omitempty"`
	BackDepth    []PriceSize      `json:"back_depth,omitempty"`
}

// PriceSize is one depth level of the book.
type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// SortRunners orders the runner slice by sort priority ascending so that
// index 0 is the favourite.
func (m *Market) SortRunners() {
	sort.SliceStable(m.Runners, func(i, j int) bool {
		return m.Runners[i].SortPriority < m.Runners[j].SortPriority
	})
}

// Favourite returns the runner at sort priority 1, or nil.
func (m *Market) Favourite() *Runner {
	return m.runnerAtPriority(1)
}

// SecondFavourite returns the runner at sort priority 2, or nil.
func (m *Market) SecondFavourite() *Runner {
	return m.runnerAtPriority(2)
}

func (m *Market) runnerAtPriority(priority int) *Runner {
	for i := range m.Runners {
		if m.Runners[i].SortPriority == priority {
			return &m.Runners[i]
		}
	}
	return nil
}

// MinutesToOff returns the minutes between now and the race start.
// Negative once the race is off.
func (m *Market) MinutesToOff(now time.Time) float64 {
	return m.RaceTime.Sub(now).Minutes()
}

// Priced reports whether the runner has a lay price available.
func (r *Runner) Priced() bool {
	return r.BestLay != nil
}

// Spread returns lay minus back for the runner, or nil when either side
// of the book is empty.
func (r *Runner) Spread() *decimal.Decimal {
	if r.BestLay == nil || r.BestBack == nil {
		return nil
	}
	s := r.BestLay.Sub(*r.BestBack)
	return &s
}
