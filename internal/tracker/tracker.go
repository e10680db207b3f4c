// Package tracker implements the per-market lifecycle state machine. A
// tracker is created when a market is discovered, collects odds snapshots
// while the race is still distant, and reaches exactly one terminal state
// per trading day.
package tracker

import (
	"time"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// State is the lifecycle state of a tracked market.
type State string

const (
	StateDiscovered State = "DISCOVERED"
	StateMonitoring State = "MONITORING"
	StateInWindow   State = "IN_WINDOW"
	StateProcessed  State = "PROCESSED"
	StateExpired    State = "EXPIRED"
	StateSkipped    State = "SKIPPED"
)

const (
	// maxSnapshots bounds the per-market snapshot FIFO.
	maxSnapshots = 20
	// snapshotInterval is the minimum wall-clock gap between snapshots.
	snapshotInterval = 5 * time.Minute
	// snapshotMinutesDelta forces a snapshot when the race has drawn this
	// many minutes closer, even inside the wall-clock interval.
	snapshotMinutesDelta = 5.0
)

// MarketTracker tracks one market through the trading day. Once
// PROCESSED it persists until rollover; re-scans must not resurrect it.
type MarketTracker struct {
	MarketID       string                `json:"market_id"`
	Market         models.Market         `json:"market"`
	State          State                 `json:"state"`
	Reason         string                `json:"reason,omitempty"`
	Snapshots      []models.OddsSnapshot `json:"snapshots,omitempty"`
	LastSnapshotAt time.Time             `json:"last_snapshot_at,omitempty"`
	DiscoveredAt   time.Time             `json:"discovered_at"`
	ProcessedAt    time.Time             `json:"processed_at,omitempty"`
}

// New creates a tracker in DISCOVERED for a freshly listed market.
func New(market models.Market, now time.Time) *MarketTracker {
	return &MarketTracker{
		MarketID:     market.ID,
		Market:       market,
		State:        StateDiscovered,
		DiscoveredAt: now,
	}
}

// Terminal reports whether the tracker has reached a state it cannot
// leave this trading day.
func (t *MarketTracker) Terminal() bool {
	switch t.State {
	case StateProcessed, StateExpired, StateSkipped:
		return true
	}
	return false
}

// UpdateMarket replaces the tracker's view of the market. The book is
// authoritative over any previously known runner set.
func (t *MarketTracker) UpdateMarket(market models.Market) {
	t.Market = market
}

// MinutesToOff returns minutes until the race starts, negative after.
func (t *MarketTracker) MinutesToOff(now time.Time) float64 {
	return t.Market.MinutesToOff(now)
}

// SnapshotDue reports whether a monitoring snapshot should be taken now.
// Due when none exists yet, when the wall-clock interval has elapsed, or
// when the race has drawn enough closer that the last capture is stale.
func (t *MarketTracker) SnapshotDue(now time.Time) bool {
	if t.Terminal() {
		return false
	}
	if len(t.Snapshots) == 0 {
		return true
	}
	if now.Sub(t.LastSnapshotAt) >= snapshotInterval {
		return true
	}
	last := t.Snapshots[len(t.Snapshots)-1]
	lastMTO, _ := last.MinutesToOff.Float64()
	return lastMTO-t.MinutesToOff(now) >= snapshotMinutesDelta
}

// TakeSnapshot captures the market's current prices, promotes DISCOVERED
// to MONITORING, and drops the oldest snapshot beyond the bound.
func (t *MarketTracker) TakeSnapshot(now time.Time) {
	snap := models.SnapshotFromMarket(&t.Market, now)
	t.Snapshots = append(t.Snapshots, snap)
	if len(t.Snapshots) > maxSnapshots {
		t.Snapshots = t.Snapshots[len(t.Snapshots)-maxSnapshots:]
	}
	t.LastSnapshotAt = now
	if t.State == StateDiscovered {
		t.State = StateMonitoring
	}
}

// EnterWindow moves the tracker into IN_WINDOW. No-op once terminal.
func (t *MarketTracker) EnterWindow() {
	if t.Terminal() {
		return
	}
	t.State = StateInWindow
}

// MarkProcessed records that the decision pipeline ran for this market.
// Terminal for the trading day: a re-scan can never re-bet it.
func (t *MarketTracker) MarkProcessed(now time.Time) {
	if t.Terminal() {
		return
	}
	t.State = StateProcessed
	t.ProcessedAt = now
}

// MarkExpired records that the race went off without being processed.
func (t *MarketTracker) MarkExpired(reason string) {
	if t.State == StateExpired {
		return
	}
	// A processed market that passes its off time stays PROCESSED for
	// dedup purposes; only unprocessed trackers expire.
	if t.State == StateProcessed {
		return
	}
	t.State = StateExpired
	t.Reason = reason
}

// MarkSkipped permanently excludes the market with a reason.
func (t *MarketTracker) MarkSkipped(reason string) {
	if t.Terminal() {
		return
	}
	t.State = StateSkipped
	t.Reason = reason
}

// Map is the tracker collection keyed by market ID. Owned and mutated by
// the scheduler only.
type Map map[string]*MarketTracker

// Merge inserts trackers for unknown markets and refreshes catalogue data
// on non-terminal ones. Terminal trackers are left untouched.
func (m Map) Merge(markets []models.Market, now time.Time) {
	for _, market := range markets {
		existing, ok := m[market.ID]
		if !ok {
			m[market.ID] = New(market, now)
			continue
		}
		if existing.Terminal() {
			continue
		}
		// Refresh catalogue metadata but keep live book prices if the
		// tracker already has them; the catalogue carries none.
		existing.Market.Name = market.Name
		existing.Market.Venue = market.Venue
		existing.Market.Country = market.Country
		existing.Market.RaceTime = market.RaceTime
		if len(existing.Market.Runners) == 0 {
			existing.Market.Runners = market.Runners
		}
	}
}

// CountByState tallies trackers per state.
func (m Map) CountByState() map[State]int {
	counts := make(map[State]int, 6)
	for _, t := range m {
		counts[t.State]++
	}
	return counts
}
