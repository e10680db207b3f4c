package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/exchange"
	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/report"
	"github.com/charles-ascot/lay-engine/internal/store"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

const (
	bookFetchWorkers = 8
	bookFetchTimeout = 10 * time.Second
	bookFetchChunk   = 25
)

// NextRace is the scheduler's view of the soonest untraded race.
type NextRace struct {
	MarketID     string    `json:"market_id"`
	Venue        string    `json:"venue"`
	Name         string    `json:"market_name"`
	RaceTime     time.Time `json:"race_time"`
	MinutesToOff float64   `json:"minutes_to_off"`
}

// run is the scheduler loop. It is the sole writer of engine state; the
// control surface only touches state under the same mutex between ticks.
func (e *Engine) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	if !e.tick(ctx) {
		e.shutdown(ctx, models.SessionStatusStopped)
		return
	}

	for {
		interval := time.Duration(e.Config().PollIntervalSeconds) * time.Second
		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			e.shutdown(ctx, models.SessionStatusStopped)
			return
		case <-ctx.Done():
			timer.Stop()
			e.shutdown(context.Background(), models.SessionStatusStopped)
			return
		case <-timer.C:
			if !e.tick(ctx) {
				e.shutdown(ctx, models.SessionStatusStopped)
				return
			}
		}
	}
}

// shutdown drains the loop: the current session is closed, state flushed,
// and the run gauge dropped. Called exactly once per run.
func (e *Engine) shutdown(ctx context.Context, status models.SessionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeSessionLocked(status)
	if e.status == StatusRunning {
		e.status = StatusStopped
	}
	metrics.SetRunning(false)
	e.flushLocked(ctx)
}

// tick runs one full scheduler pass. Returns false when the loop must
// stop (authentication is gone for good).
func (e *Engine) tick(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.RecordTickDuration(elapsed.Seconds())
		// Soft budget: half the poll interval. Overrun is a warning, the
		// tick still finishes its submissions.
		budget := time.Duration(e.Config().PollIntervalSeconds) * time.Second / 2
		if elapsed > budget {
			e.logger.WithFields(logrus.Fields{
				"elapsed": elapsed.String(),
				"budget":  budget.String(),
			}).Warn("tick exceeded soft budget")
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ensureAuthLocked(ctx) {
		return e.status != StatusAuthFailed
	}

	now := e.now()
	today := e.today(now)
	if e.doc.Date != today {
		e.rolloverLocked(today)
	}

	if now.Sub(e.lastUniverseRefresh) >= refreshInterval {
		e.refreshUniverseLocked(ctx, now)
	}

	inWindow, monitoring := e.partitionTrackersLocked(now)
	e.fetchAndApplyBooksLocked(ctx, append(inWindow, monitoring...))

	for _, t := range monitoring {
		if t.SnapshotDue(now) {
			t.TakeSnapshot(now)
		}
	}

	// Submissions are strictly serial, earliest race first so the
	// soonest-off market is never starved by a busy card.
	sort.Slice(inWindow, func(i, j int) bool {
		a, b := inWindow[i], inWindow[j]
		if !a.Market.RaceTime.Equal(b.Market.RaceTime) {
			return a.Market.RaceTime.Before(b.Market.RaceTime)
		}
		return a.MarketID < b.MarketID
	})
	for _, t := range inWindow {
		if e.stopRequestedLocked() {
			break
		}
		e.processMarketLocked(ctx, t, e.now())
	}

	e.refreshBalanceLocked(ctx)
	e.updateNextRaceLocked(now)
	e.publishTrackerMetricsLocked()

	if e.now().Sub(e.lastFlush) >= e.flushEvery {
		e.flushLocked(ctx)
	}
	return true
}

// stopRequestedLocked reports whether Stop has been signalled mid-tick.
// Markets not yet processed keep their state and are re-evaluated if the
// engine starts again before they go off.
func (e *Engine) stopRequestedLocked() bool {
	if e.stopCh == nil {
		return false
	}
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// ensureAuthLocked keeps the exchange session alive. One failed tick is
// tolerated (the next tick retries silently); a second consecutive
// failure parks the engine in AUTH_FAILED and stops the loop.
func (e *Engine) ensureAuthLocked(ctx context.Context) bool {
	if err := e.exchange.EnsureSession(ctx); err != nil {
		e.authFailures++
		e.recordErrorLocked("session refresh failed (%d consecutive): %v", e.authFailures, err)
		if e.authFailures >= 2 {
			e.status = StatusAuthFailed
			e.closeSessionLocked(models.SessionStatusStopped)
			e.logger.Error("authentication lost, engine halted")
		}
		return false
	}
	e.authFailures = 0
	return true
}

// rolloverLocked starts a fresh trading day: the outgoing session is
// archived STOPPED, trackers, dedup sets, rings and today's records are
// cleared; the session index, reports and config carry over. An engine
// running across midnight gets a new session keyed to the new date.
func (e *Engine) rolloverLocked(today string) {
	e.logger.WithFields(logrus.Fields{
		"previous_date": e.doc.Date,
		"date":          today,
	}).Info("trading day rollover")

	wasRunning := e.session != nil && e.session.Status == models.SessionStatusRunning
	e.closeSessionLocked(models.SessionStatusStopped)
	e.writeDailyReportLocked(e.doc.Date)

	e.doc.ResetDay(today)
	e.trackers = tracker.Map{}
	e.dedupRunners = map[models.RunnerKey]struct{}{}
	e.dedupSelections = map[models.SelectionKey]struct{}{}
	e.errors = nil
	e.recentResults = nil
	e.nextRace = nil
	e.lastUniverseRefresh = time.Time{}

	if wasRunning {
		e.openSessionLocked()
	}
	e.flushLocked(context.Background())
}

// writeDailyReportLocked summarises the outgoing trading day and records
// it in the reports index. Best effort: a failed write never blocks the
// rollover.
func (e *Engine) writeDailyReportLocked(date string) {
	if e.reports == nil {
		return
	}

	var settled []models.ClearedBet
	for _, res := range e.recentResults {
		if res.SettledDate.In(e.loc).Format("2006-01-02") == date {
			settled = append(settled, res)
		}
	}

	sessions := e.doc.SessionsIndex
	if e.session != nil {
		sessions = append(append([]models.Session{}, sessions...), *e.session)
	}

	daily := report.Build(date, sessions, e.doc.BetsToday, e.doc.EvaluationsToday, settled, e.now())
	path, err := e.reports.Write(daily)
	if err != nil {
		e.recordErrorLocked("daily report write failed: %v", err)
		return
	}
	e.doc.AppendReport(store.ReportEntry{
		Date:        date,
		GeneratedAt: daily.GeneratedAt,
		Path:        path,
	})
	e.logger.WithFields(logrus.Fields{
		"date": date,
		"path": path,
	}).Info("daily report written")
}

// refreshUniverseLocked re-lists today's WIN markets and merges them into
// the tracker map. A listing failure keeps the previous universe.
func (e *Engine) refreshUniverseLocked(ctx context.Context, now time.Time) {
	local := now.In(e.loc)
	endOfDay := time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, e.loc)

	markets, err := e.exchange.ListTodaysWinMarkets(ctx, now, endOfDay, e.cfg.Countries)
	if err != nil {
		e.recordErrorLocked("market discovery failed: %v", err)
		return
	}
	e.trackers.Merge(markets, now)
	e.lastUniverseRefresh = now
	e.syncStreamSubscriptionLocked()

	e.logger.WithFields(logrus.Fields{
		"markets":   len(markets),
		"countries": e.cfg.Countries,
	}).Debug("universe refreshed")
}

// syncStreamSubscriptionLocked pushes the live tracked universe to the
// market stream so definition changes cover every race the engine still
// cares about. Best effort: polling protects on its own when the stream
// is down.
func (e *Engine) syncStreamSubscriptionLocked() {
	if e.stream == nil {
		return
	}
	ids := make([]string, 0, len(e.trackers))
	for id, t := range e.trackers {
		if t.Terminal() {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	if err := e.stream.SubscribeToMarkets(ids); err != nil {
		e.logger.WithError(err).Warn("market stream subscription failed")
	}
}

// partitionTrackersLocked splits live trackers into the in-window cohort
// and the monitoring cohort, expiring races that have gone off.
func (e *Engine) partitionTrackersLocked(now time.Time) (inWindow, monitoring []*tracker.MarketTracker) {
	window := float64(e.cfg.ProcessWindowMinutes)
	for _, t := range e.trackers {
		if t.Terminal() {
			continue
		}
		mto := t.MinutesToOff(now)
		switch {
		case mto <= 0:
			t.MarkExpired("race_off")
			metrics.RecordMarketOutcome("expired")
		case mto <= window:
			t.EnterWindow()
			inWindow = append(inWindow, t)
		default:
			monitoring = append(monitoring, t)
		}
	}
	return inWindow, monitoring
}

// fetchAndApplyBooksLocked refreshes the live order books for the given
// trackers. Fetches run in a bounded worker pool under a single deadline;
// a tracker whose book fails to arrive simply keeps its last view.
func (e *Engine) fetchAndApplyBooksLocked(ctx context.Context, cohort []*tracker.MarketTracker) {
	if len(cohort) == 0 {
		return
	}

	ids := make([]string, 0, len(cohort))
	for _, t := range cohort {
		ids = append(ids, t.MarketID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, bookFetchTimeout)
	defer cancel()

	var chunks [][]string
	for len(ids) > 0 {
		n := bookFetchChunk
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}

	type result struct {
		books map[string]models.Market
		err   error
	}

	work := make(chan []string, len(chunks))
	results := make(chan result, len(chunks))
	workers := bookFetchWorkers
	if len(chunks) < workers {
		workers = len(chunks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range work {
				books, err := e.exchange.GetBooks(fetchCtx, chunk)
				results <- result{books: books, err: err}
			}
		}()
	}
	for _, chunk := range chunks {
		work <- chunk
	}
	close(work)
	wg.Wait()
	close(results)

	books := make(map[string]models.Market)
	for r := range results {
		if r.err != nil {
			e.recordErrorLocked("book fetch failed: %v", r.err)
			continue
		}
		for id, m := range r.books {
			books[id] = m
		}
	}

	for _, t := range cohort {
		book, ok := books[t.MarketID]
		if !ok {
			continue
		}
		t.UpdateMarket(exchange.MergeBook(t.Market, book))
	}
}

// refreshBalanceLocked updates the cached account view. Best effort.
func (e *Engine) refreshBalanceLocked(ctx context.Context) {
	funds, err := e.account.GetBalance(ctx)
	if err != nil {
		e.recordErrorLocked("balance fetch failed: %v", err)
		return
	}
	e.balance = &funds
	avail, _ := funds.Available.Float64()
	metrics.UpdateBalance(avail)
}

// updateNextRaceLocked recomputes the soonest race still being worked:
// in-window or monitoring, never a terminal tracker.
func (e *Engine) updateNextRaceLocked(now time.Time) {
	var next *tracker.MarketTracker
	for _, t := range e.trackers {
		if t.Terminal() || t.MinutesToOff(now) <= 0 {
			continue
		}
		if next == nil || t.Market.RaceTime.Before(next.Market.RaceTime) {
			next = t
		}
	}
	if next == nil {
		e.nextRace = nil
		return
	}
	e.nextRace = &NextRace{
		MarketID:     next.MarketID,
		Venue:        next.Market.Venue,
		Name:         next.Market.Name,
		RaceTime:     next.Market.RaceTime,
		MinutesToOff: next.MinutesToOff(now),
	}
}

// publishTrackerMetricsLocked exports the per-state tracker gauges.
func (e *Engine) publishTrackerMetricsLocked() {
	counts := e.trackers.CountByState()
	for _, state := range []tracker.State{
		tracker.StateDiscovered, tracker.StateMonitoring, tracker.StateInWindow,
		tracker.StateProcessed, tracker.StateExpired, tracker.StateSkipped,
	} {
		metrics.UpdateTrackedMarkets(string(state), float64(counts[state]))
	}
	if e.session != nil {
		stake, _ := e.session.Summary.Stake.Float64()
		liability, _ := e.session.Summary.Liability.Float64()
		metrics.UpdateSessionTotals(stake, liability)
	}
}
