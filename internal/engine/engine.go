// Package engine hosts the lay engine singleton: the scheduler loop, the
// bet pipeline, and the control surface the API exposes. All engine state
// is owned by the scheduler goroutine and guarded by a single mutex that
// control operations take between ticks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/exchange"
	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/report"
	"github.com/charles-ascot/lay-engine/internal/rules"
	"github.com/charles-ascot/lay-engine/internal/store"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

// Status is the engine's top-level run state.
type Status string

const (
	StatusStopped    Status = "STOPPED"
	StatusRunning    Status = "RUNNING"
	StatusAuthFailed Status = "AUTH_FAILED"
)

const (
	errorRingSize        = 50
	recentRingSize       = 200
	defaultFlushInterval = 150 * time.Second
	refreshInterval      = 5 * time.Minute
)

// Exchange is the slice of the exchange client the engine drives.
type Exchange interface {
	IsAuthenticated() bool
	EnsureSession(ctx context.Context) error
	ListTodaysWinMarkets(ctx context.Context, from, to time.Time, countries []string) ([]models.Market, error)
	GetBooks(ctx context.Context, marketIDs []string) (map[string]models.Market, error)
	SubmitLay(ctx context.Context, inst models.BetInstruction) (models.ExchangeResponse, error)
}

// BalanceFetcher provides the cached account balance.
type BalanceFetcher interface {
	GetBalance(ctx context.Context) (exchange.AccountFunds, error)
	Invalidate()
}

// MarketStream receives the tracked market universe so definition changes
// (in-play, suspension) arrive between polls.
type MarketStream interface {
	SubscribeToMarkets(marketIDs []string) error
}

// Engine is the single engine instance. Constructed once at bootstrap,
// shared through the control surface only.
type Engine struct {
	mu sync.Mutex

	cfg      models.EngineConfig
	loc      *time.Location
	status   Status
	session  *models.Session
	trackers tracker.Map

	dedupRunners    map[models.RunnerKey]struct{}
	dedupSelections map[models.SelectionKey]struct{}

	doc     *store.StateDocument
	store   *store.Store
	reports *report.Writer

	exchange  Exchange
	account   BalanceFetcher
	stream    MarketStream
	evaluator *rules.Evaluator

	errors        []models.ErrorEntry
	recentResults []models.ClearedBet
	authFailures  int
	balance       *exchange.AccountFunds
	nextRace      *NextRace

	flushEvery          time.Duration
	lastFlush           time.Time
	lastUniverseRefresh time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	logger *logrus.Logger
	audit  *logrus.Entry
	now    func() time.Time
}

// Options wires the engine's collaborators.
type Options struct {
	Config   models.EngineConfig
	Location *time.Location
	Exchange Exchange
	Account  BalanceFetcher
	Stream   MarketStream
	Store    *store.Store
	Reports  *report.Writer
	Logger   *logrus.Logger
	Audit    *logrus.Entry

	// FlushInterval is the opportunistic state-flush cadence; zero means
	// the 150s default.
	FlushInterval time.Duration

	// Now overrides the engine clock, for tests.
	Now func() time.Time
}

// New constructs the engine and restores persisted state for today.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Audit == nil {
		opts.Audit = opts.Logger.WithField("component", "audit")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	e := &Engine{
		cfg:             opts.Config,
		loc:             opts.Location,
		status:          StatusStopped,
		trackers:        tracker.Map{},
		dedupRunners:    map[models.RunnerKey]struct{}{},
		dedupSelections: map[models.SelectionKey]struct{}{},
		store:           opts.Store,
		reports:         opts.Reports,
		flushEvery:      opts.FlushInterval,
		exchange:        opts.Exchange,
		account:         opts.Account,
		stream:          opts.Stream,
		evaluator:       rules.NewEvaluator(opts.Logger),
		logger:          opts.Logger,
		audit:           opts.Audit,
		now:             opts.Now,
	}

	today := e.today(e.now())
	doc, err := opts.Store.Load(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}
	if doc == nil {
		doc = store.NewStateDocument(today, opts.Config)
	} else {
		// Persisted config wins over bootstrap config: control-surface
		// changes survive restarts.
		e.cfg = doc.Config
	}
	e.doc = doc
	e.restoreFromDocument()

	return e, nil
}

// restoreFromDocument rebuilds in-memory state from the loaded document.
func (e *Engine) restoreFromDocument() {
	for id, t := range e.doc.Trackers {
		e.trackers[id] = t
	}
	for _, k := range e.doc.DedupRunners {
		e.dedupRunners[k] = struct{}{}
	}
	for _, k := range e.doc.DedupSelections {
		e.dedupSelections[k] = struct{}{}
	}
}

// today formats the trading date in the engine's timezone.
func (e *Engine) today(now time.Time) string {
	return now.In(e.loc).Format("2006-01-02")
}

// OpResult is the uniform control-surface result shape.
type OpResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

func ok(newValue any) OpResult {
	return OpResult{Status: "ok", NewValue: newValue}
}

func opError(message string) OpResult {
	return OpResult{Status: "error", Message: message}
}

// Start launches the scheduler. Idempotent: starting a running engine is
// a no-op. Fails when the exchange session is absent.
func (e *Engine) Start(ctx context.Context) OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusRunning {
		return ok(string(e.status))
	}
	if !e.exchange.IsAuthenticated() {
		return opError("not_authenticated")
	}

	e.openSessionLocked()
	e.status = StatusRunning
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	metrics.SetRunning(true)

	go e.run(ctx, e.stopCh, e.doneCh)

	e.logger.WithFields(logrus.Fields{
		"session_id": e.session.ID,
		"dry_run":    e.cfg.DryRun,
	}).Info("engine started")
	return ok(string(StatusRunning))
}

// Stop signals the scheduler to drain and waits for it. Idempotent.
func (e *Engine) Stop() OpResult {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ok(string(e.status))
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh

	e.logger.Info("engine stopped")
	return ok(string(StatusStopped))
}

// openSessionLocked creates a new session unless one is already running.
func (e *Engine) openSessionLocked() {
	if e.session != nil && e.session.Status == models.SessionStatusRunning {
		return
	}
	mode := models.SessionModeLive
	if e.cfg.DryRun {
		mode = models.SessionModeDryRun
	}
	countries := make([]string, len(e.cfg.Countries))
	copy(countries, e.cfg.Countries)

	e.session = &models.Session{
		ID:        uuid.NewString(),
		Date:      e.today(e.now()),
		Mode:      mode,
		StartTime: e.now(),
		Status:    models.SessionStatusRunning,
		Countries: countries,
		Summary:   models.NewSessionSummary(),
	}
	e.doc.Session = e.session
}

// closeSessionLocked stops the current session with the given status.
func (e *Engine) closeSessionLocked(status models.SessionStatus) {
	if e.session == nil {
		return
	}
	stop := e.now()
	e.session.Status = status
	e.session.StopTime = &stop
	e.doc.ArchiveSession(*e.session)
	e.doc.Session = nil
	e.session = nil
}

// ToggleDryRun flips the dry-run flag. A running session continues; each
// bet record carries its own mode.
func (e *Engine) ToggleDryRun() OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.DryRun = !e.cfg.DryRun
	e.doc.Config = e.cfg
	e.flushLocked(context.Background())
	return ok(e.cfg.DryRun)
}

// SetProcessWindow sets the pre-off processing window in minutes.
func (e *Engine) SetProcessWindow(minutes int) OpResult {
	if err := models.ValidateProcessWindow(minutes); err != nil {
		return opError("out_of_range")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.ProcessWindowMinutes = minutes
	e.doc.Config = e.cfg
	e.flushLocked(context.Background())
	return ok(minutes)
}

// SetPointValue sets the stake multiplier from the enumerated set.
func (e *Engine) SetPointValue(v int) OpResult {
	if err := models.ValidatePointValue(v); err != nil {
		return opError("invalid_value")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.PointValue = decimal.NewFromInt(int64(v))
	e.doc.Config = e.cfg
	e.flushLocked(context.Background())
	return ok(v)
}

// SetCountries replaces the traded country set. Takes effect at the next
// universe refresh.
func (e *Engine) SetCountries(countries []string) OpResult {
	if err := models.ValidateCountries(countries); err != nil {
		if len(countries) == 0 {
			return opError("empty_set")
		}
		return opError("invalid_value")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Countries = countries
	e.doc.Config = e.cfg
	// Force a refresh on the next tick so the new set applies promptly.
	e.lastUniverseRefresh = time.Time{}
	e.flushLocked(context.Background())
	return ok(countries)
}

// ToggleSpreadControl flips the spread gate.
func (e *Engine) ToggleSpreadControl() OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.SpreadControlEnabled = !e.cfg.SpreadControlEnabled
	e.doc.Config = e.cfg
	e.flushLocked(context.Background())
	return ok(e.cfg.SpreadControlEnabled)
}

// ToggleJOFS flips the joint-favourite split.
func (e *Engine) ToggleJOFS() OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.JOFSEnabled = !e.cfg.JOFSEnabled
	e.doc.Config = e.cfg
	e.flushLocked(context.Background())
	return ok(e.cfg.JOFSEnabled)
}

// ResetBets clears today's bets, evaluations, dedup sets and trackers.
// The session survives with a zeroed summary; the next tick re-scans the
// universe from scratch.
func (e *Engine) ResetBets() OpResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.trackers = tracker.Map{}
	e.dedupRunners = map[models.RunnerKey]struct{}{}
	e.dedupSelections = map[models.SelectionKey]struct{}{}
	e.doc.BetsToday = []models.BetRecord{}
	e.doc.EvaluationsToday = []models.RuleDecision{}
	e.doc.Trackers = map[string]*tracker.MarketTracker{}
	e.doc.DedupRunners = []models.RunnerKey{}
	e.doc.DedupSelections = []models.SelectionKey{}
	if e.session != nil {
		e.session.Summary = models.NewSessionSummary()
	}
	e.lastUniverseRefresh = time.Time{}
	e.flushLocked(context.Background())

	e.audit.Info("bets and trackers reset")
	return ok(nil)
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() models.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Status returns the engine run state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// MarkMarketFlags reacts to market definition changes from the stream.
// A race going in-play or closing between polls expires its tracker
// immediately, so the next tick cannot submit into it even if the polled
// book is stale. Wired as an exchange.MarketFlagHandler.
func (e *Engine) MarkMarketFlags(marketID string, inPlay bool, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, okTracked := e.trackers[marketID]
	if !okTracked || t.Terminal() {
		return
	}
	t.Market.InPlay = inPlay
	if status != "" {
		t.Market.Status = models.MarketStatus(status)
	}
	if inPlay || t.Market.Status == models.MarketStatusClosed {
		t.MarkExpired("went_in_play")
		e.logger.WithFields(logrus.Fields{
			"market_id": marketID,
			"status":    t.Market.Status,
		}).Info("market flagged in-play by stream")
	}
}

// AddClearedResults appends settled bets to the bounded results ring.
// Called by the settlement collector.
func (e *Engine) AddClearedResults(results []models.ClearedBet) {
	if len(results) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentResults = append(e.recentResults, results...)
	if len(e.recentResults) > recentRingSize {
		e.recentResults = e.recentResults[len(e.recentResults)-recentRingSize:]
	}
}

// recordErrorLocked appends to the bounded error ring.
func (e *Engine) recordErrorLocked(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Error(msg)
	e.errors = append(e.errors, models.ErrorEntry{Timestamp: e.now(), Message: msg})
	if len(e.errors) > errorRingSize {
		e.errors = e.errors[len(e.errors)-errorRingSize:]
	}
}

// flushLocked persists the state document through both tiers. Failures
// after startup are recorded, never fatal.
func (e *Engine) flushLocked(ctx context.Context) {
	e.syncDocumentLocked()
	if err := e.store.Save(ctx, e.doc); err != nil {
		e.recordErrorLocked("state flush failed: %v", err)
		return
	}
	e.lastFlush = e.now()
}

// syncDocumentLocked copies in-memory state into the document before a
// write.
func (e *Engine) syncDocumentLocked() {
	e.doc.Config = e.cfg
	e.doc.Session = e.session

	e.doc.Trackers = make(map[string]*tracker.MarketTracker, len(e.trackers))
	for id, t := range e.trackers {
		e.doc.Trackers[id] = t
	}

	e.doc.DedupRunners = make([]models.RunnerKey, 0, len(e.dedupRunners))
	for k := range e.dedupRunners {
		e.doc.DedupRunners = append(e.doc.DedupRunners, k)
	}
	e.doc.DedupSelections = make([]models.SelectionKey, 0, len(e.dedupSelections))
	for k := range e.dedupSelections {
		e.doc.DedupSelections = append(e.doc.DedupSelections, k)
	}
}
