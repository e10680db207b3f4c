package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotPrice is one runner's prices at snapshot time.
type SnapshotPrice struct {
	SelectionID  int64            `json:"selection_id"`
	Name         string           `json:"name"`
	SortPriority int              `json:"sort_priority"`
	BestLay      *decimal.Decimal `json:"best_available_to_lay,omitempty"`
	BestBack     *decimal.Decimal `json:"best_available_to_back,omitempty"`
}

// OddsSnapshot is an immutable capture of a market's best prices taken
// while the market is being monitored ahead of the processing window.
type OddsSnapshot struct {
	CapturedAt   time.Time       `json:"captured_at"`
	MinutesToOff decimal.Decimal `json:"minutes_to_off"`
	Prices       []SnapshotPrice `json:"prices"`
}

// SnapshotFromMarket captures the market's current best prices.
func SnapshotFromMarket(m *Market, now time.Time) OddsSnapshot {
	snap := OddsSnapshot{
		CapturedAt:   now,
		MinutesToOff: decimal.NewFromFloat(m.MinutesToOff(now)).Round(1),
		Prices:       make([]SnapshotPrice, 0, len(m.Runners)),
	}
	for _, r := range m.Runners {
		snap.Prices = append(snap.Prices, SnapshotPrice{
			SelectionID:  r.SelectionID,
			Name:         r.Name,
			SortPriority: r.SortPriority,
			BestLay:      r.BestLay,
			BestBack:     r.BestBack,
		})
	}
	return snap
}
