package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionMode distinguishes live from dry-run sessions. Individual bet
// records carry their own mode; a session toggled mid-flight keeps running.
type SessionMode string

const (
	SessionModeLive   SessionMode = "LIVE"
	SessionModeDryRun SessionMode = "DRY_RUN"
)

// SessionStatus is the lifecycle state of a trading session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "RUNNING"
	SessionStatusStopped SessionStatus = "STOPPED"
	SessionStatusCrashed SessionStatus = "CRASHED"
)

// SessionSummary aggregates the session's betting activity. The counters
// must always equal the aggregate over the session's bet records.
type SessionSummary struct {
	Bets             int              `json:"bets"`
	Stake            decimal.Decimal  `json:"stake"`
	Liability        decimal.Decimal  `json:"liability"`
	MarketsProcessed int              `json:"markets_processed"`
	SpreadRejections int              `json:"spread_rejections"`
	JOFSSplits       int              `json:"jofs_splits"`
	RuleTallies      map[RuleID]int   `json:"rule_tallies"`
}

// NewSessionSummary returns a zeroed summary with the tally map allocated.
func NewSessionSummary() SessionSummary {
	return SessionSummary{
		Stake:       decimal.Zero,
		Liability:   decimal.Zero,
		RuleTallies: make(map[RuleID]int),
	}
}

// Session is one start/stop cycle of the engine on a trading date.
type Session struct {
	ID        string         `json:"session_id"`
	Date      string         `json:"date"`
	Mode      SessionMode    `json:"mode"`
	StartTime time.Time      `json:"start_time"`
	StopTime  *time.Time     `json:"stop_time,omitempty"`
	Status    SessionStatus  `json:"status"`
	Countries []string       `json:"countries"`
	Summary   SessionSummary `json:"summary"`
	LastSaved *time.Time     `json:"last_saved,omitempty"`
}

// APIKey is an opaque key granting access to the control surface.
// The full key is returned once at creation and stored for validation;
// listings expose only a preview.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	Key       string     `json:"key"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Preview masks the key for display: first 8 and last 4 characters.
func (k *APIKey) Preview() string {
	if len(k.Key) <= 12 {
		return k.Key
	}
	return k.Key[:8] + "..." + k.Key[len(k.Key)-4:]
}

// ErrorEntry is one entry in the engine's bounded error ring.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
