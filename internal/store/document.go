// Package store implements two-tier persistence for the engine state: a
// hot local JSON file written synchronously on significant events, and a
// best-effort durable object-store blob carrying the same document.
package store

import (
	"time"

	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

// evaluationRingSize bounds the per-day evaluation history in the state
// document.
const evaluationRingSize = 500

// sessionIndexSize bounds the completed-session index.
const sessionIndexSize = 30

// reportIndexSize bounds the end-of-day report index.
const reportIndexSize = 30

// StateDocument is the single persisted schema shared by the hot file and
// the durable blob. Monetary values serialise as decimal strings.
type StateDocument struct {
	Version          int                               `json:"version"`
	Date             string                            `json:"date"`
	SavedAt          time.Time                         `json:"saved_at"`
	Config           models.EngineConfig               `json:"config"`
	Session          *models.Session                   `json:"session,omitempty"`
	SessionsIndex    []models.Session                  `json:"sessions_index"`
	BetsToday        []models.BetRecord                `json:"bets_today"`
	EvaluationsToday []models.RuleDecision             `json:"evaluations_today"`
	Trackers         map[string]*tracker.MarketTracker `json:"trackers"`
	DedupRunners     []models.RunnerKey                `json:"dedup_runners"`
	DedupSelections  []models.SelectionKey             `json:"dedup_selections"`
	ReportsIndex     []ReportEntry                     `json:"reports_index"`
	APIKeys          []models.APIKey                   `json:"api_keys"`
}

// ReportEntry points at a generated end-of-day report.
type ReportEntry struct {
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	Path        string    `json:"path"`
}

// NewStateDocument returns an empty document for the given trading date.
func NewStateDocument(date string, cfg models.EngineConfig) *StateDocument {
	return &StateDocument{
		Version:          1,
		Date:             date,
		Config:           cfg,
		SessionsIndex:    []models.Session{},
		BetsToday:        []models.BetRecord{},
		EvaluationsToday: []models.RuleDecision{},
		Trackers:         map[string]*tracker.MarketTracker{},
		DedupRunners:     []models.RunnerKey{},
		DedupSelections:  []models.SelectionKey{},
	}
}

// AppendEvaluation adds a decision to the bounded evaluation ring.
func (d *StateDocument) AppendEvaluation(decision models.RuleDecision) {
	d.EvaluationsToday = append(d.EvaluationsToday, decision)
	if len(d.EvaluationsToday) > evaluationRingSize {
		d.EvaluationsToday = d.EvaluationsToday[len(d.EvaluationsToday)-evaluationRingSize:]
	}
}

// ArchiveSession moves a finished session into the bounded index.
func (d *StateDocument) ArchiveSession(session models.Session) {
	d.SessionsIndex = append(d.SessionsIndex, session)
	if len(d.SessionsIndex) > sessionIndexSize {
		d.SessionsIndex = d.SessionsIndex[len(d.SessionsIndex)-sessionIndexSize:]
	}
}

// AppendReport adds a generated report to the bounded index.
func (d *StateDocument) AppendReport(entry ReportEntry) {
	d.ReportsIndex = append(d.ReportsIndex, entry)
	if len(d.ReportsIndex) > reportIndexSize {
		d.ReportsIndex = d.ReportsIndex[len(d.ReportsIndex)-reportIndexSize:]
	}
}

// ResetDay clears everything scoped to a trading day, keeping config,
// session index, reports and API keys.
func (d *StateDocument) ResetDay(date string) {
	d.Date = date
	d.Session = nil
	d.BetsToday = []models.BetRecord{}
	d.EvaluationsToday = []models.RuleDecision{}
	d.Trackers = map[string]*tracker.MarketTracker{}
	d.DedupRunners = []models.RunnerKey{}
	d.DedupSelections = []models.SelectionKey{}
}
