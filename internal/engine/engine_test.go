package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charles-ascot/lay-engine/internal/exchange"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/report"
	"github.com/charles-ascot/lay-engine/internal/store"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

var testNow = time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeExchange is an in-memory Exchange for scheduler tests.
type fakeExchange struct {
	mu sync.Mutex

	authed    bool
	ensureErr error

	markets []models.Market
	books   map[string]models.Market

	responses map[int64]models.ExchangeResponse
	submitErr map[int64]error

	submissions []models.BetInstruction
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		authed:    true,
		books:     map[string]models.Market{},
		responses: map[int64]models.ExchangeResponse{},
		submitErr: map[int64]error{},
	}
}

func (f *fakeExchange) IsAuthenticated() bool { return f.authed }

func (f *fakeExchange) EnsureSession(ctx context.Context) error { return f.ensureErr }

func (f *fakeExchange) ListTodaysWinMarkets(ctx context.Context, from, to time.Time, countries []string) ([]models.Market, error) {
	return f.markets, nil
}

func (f *fakeExchange) GetBooks(ctx context.Context, marketIDs []string) (map[string]models.Market, error) {
	out := map[string]models.Market{}
	for _, id := range marketIDs {
		if b, ok := f.books[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (f *fakeExchange) SubmitLay(ctx context.Context, inst models.BetInstruction) (models.ExchangeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, inst)
	if err, ok := f.submitErr[inst.SelectionID]; ok {
		return models.ExchangeResponse{}, err
	}
	if resp, ok := f.responses[inst.SelectionID]; ok {
		return resp, nil
	}
	return models.ExchangeResponse{Status: models.OrderStatusSuccess, BetID: "bet-1"}, nil
}

func (f *fakeExchange) recorded() []models.BetInstruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BetInstruction(nil), f.submissions...)
}

type fakeAccount struct {
	funds       exchange.AccountFunds
	invalidated int
}

func (f *fakeAccount) GetBalance(ctx context.Context) (exchange.AccountFunds, error) {
	return f.funds, nil
}

func (f *fakeAccount) Invalidate() { f.invalidated++ }

// fakeStream records the market subscriptions the engine pushes.
type fakeStream struct {
	mu   sync.Mutex
	subs [][]string
	err  error
}

func (f *fakeStream) SubscribeToMarkets(marketIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, append([]string(nil), marketIDs...))
	return f.err
}

func (f *fakeStream) recorded() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.subs...)
}

func newTestEngine(t *testing.T, fx *fakeExchange) (*Engine, *fakeAccount) {
	t.Helper()
	st := store.New(store.NewFileStore(filepath.Join(t.TempDir(), "state.json")), nil, quietLogger())
	acct := &fakeAccount{funds: exchange.AccountFunds{
		Available: decimal.NewFromInt(500),
		FetchedAt: testNow,
	}}
	eng, err := New(context.Background(), Options{
		Config:   models.DefaultEngineConfig(),
		Exchange: fx,
		Account:  acct,
		Store:    st,
		Logger:   quietLogger(),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return eng, acct
}

// startSession opens a session without spinning up the run loop so that
// tests drive ticks directly.
func startSession(e *Engine) {
	e.mu.Lock()
	e.openSessionLocked()
	e.status = StatusRunning
	e.mu.Unlock()
}

func dptr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func catalogueRunner(id int64, name string, priority int) models.Runner {
	return models.Runner{SelectionID: id, Name: name, SortPriority: priority}
}

func bookRunner(id int64, lay, back string) models.Runner {
	return models.Runner{SelectionID: id, Status: "ACTIVE", BestLay: dptr(lay), BestBack: dptr(back)}
}

// raceMarket seeds the fake with a catalogue listing and a live book for
// one market. Runners come in (catalogue, book) pairs on the same IDs.
func raceMarket(fx *fakeExchange, id, venue string, raceTime time.Time, cats []models.Runner, books []models.Runner) {
	fx.markets = append(fx.markets, models.Market{
		ID:       id,
		Name:     "2m Hcap",
		Venue:    venue,
		Country:  "GB",
		RaceTime: raceTime,
		Status:   models.MarketStatusOpen,
		Runners:  cats,
	})
	fx.books[id] = models.Market{
		ID:      id,
		Status:  models.MarketStatusOpen,
		Runners: books,
	}
}

func TestStartRequiresAuthentication(t *testing.T) {
	fx := newFakeExchange()
	fx.authed = false
	eng, _ := newTestEngine(t, fx)

	res := eng.Start(context.Background())
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, "not_authenticated", res.Message)
	assert.Equal(t, StatusStopped, eng.Status())
}

func TestTickPlacesDryRunLayInWindow(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	// Dry run by default: nothing hits the exchange.
	assert.Empty(t, fx.recorded())

	require.Len(t, eng.doc.BetsToday, 1)
	bet := eng.doc.BetsToday[0]
	assert.Equal(t, "Alpha", bet.RunnerName)
	assert.Equal(t, models.Rule2, bet.RuleID)
	assert.True(t, bet.Size.Equal(decimal.RequireFromString("2.00")), bet.Size.String())
	assert.True(t, bet.DryRun)
	assert.Equal(t, models.OrderStatusDryRun, bet.Response.Status)
	assert.Equal(t, "Ascot", bet.Venue)

	tr := eng.trackers["1.100"]
	require.NotNil(t, tr)
	assert.Equal(t, tracker.StateProcessed, tr.State)

	assert.Equal(t, 1, eng.session.Summary.Bets)
	assert.Equal(t, 1, eng.session.Summary.MarketsProcessed)
	assert.True(t, eng.session.Summary.Stake.Equal(decimal.RequireFromString("2.00")))
	assert.Equal(t, 1, eng.session.Summary.RuleTallies[models.Rule2])
}

func TestTickSubmitsLiveBet(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, acct := newTestEngine(t, fx)
	eng.cfg.DryRun = false
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	subs := fx.recorded()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(11), subs[0].SelectionID)
	assert.Equal(t, 1, acct.invalidated)

	require.Len(t, eng.doc.BetsToday, 1)
	assert.Equal(t, models.OrderStatusSuccess, eng.doc.BetsToday[0].Response.Status)
	assert.False(t, eng.doc.BetsToday[0].DryRun)
}

func TestDuplicateRunnerIsNeverLaidTwice(t *testing.T) {
	raceTime := testNow.Add(5 * time.Minute)
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", raceTime,
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)
	require.True(t, eng.tick(context.Background()))
	require.Len(t, eng.doc.BetsToday, 1)

	// The same horse reappears in a reissued market. The old tracker is
	// PROCESSED; the new market evaluates but every leg is a duplicate.
	raceMarket(fx, "1.200", "Ascot", raceTime,
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng.mu.Lock()
	eng.lastUniverseRefresh = time.Time{}
	eng.mu.Unlock()
	require.True(t, eng.tick(context.Background()))

	assert.Len(t, eng.doc.BetsToday, 1)
	tr := eng.trackers["1.200"]
	require.NotNil(t, tr)
	assert.Equal(t, tracker.StateSkipped, tr.State)
	assert.Equal(t, models.SkipDuplicate, tr.Reason)
}

func TestRecoverableFailureReleasesDedupKeys(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	fx.responses[11] = models.ExchangeResponse{
		Status:    models.OrderStatusFailure,
		ErrorCode: exchange.ErrorInsufficientFunds,
	}
	eng, _ := newTestEngine(t, fx)
	eng.cfg.DryRun = false
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	require.Len(t, eng.doc.BetsToday, 1)
	assert.Equal(t, models.OrderStatusFailure, eng.doc.BetsToday[0].Response.Status)
	assert.Equal(t, 0, eng.session.Summary.Bets)
	assert.True(t, eng.session.Summary.Stake.IsZero())

	rk := models.NewRunnerKey("Alpha", testNow.Add(5*time.Minute))
	_, held := eng.dedupRunners[rk]
	assert.False(t, held, "recoverable failure must release the runner key")
	_, held = eng.dedupSelections[models.SelectionKey{SelectionID: 11, MarketID: "1.100"}]
	assert.False(t, held)
}

func TestAmbiguousFailureKeepsDedupKeys(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	fx.submitErr[11] = errors.New("connection reset")
	eng, _ := newTestEngine(t, fx)
	eng.cfg.DryRun = false
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	require.Len(t, eng.doc.BetsToday, 1)
	assert.Equal(t, exchange.ErrorUnexpected, eng.doc.BetsToday[0].Response.ErrorCode)

	rk := models.NewRunnerKey("Alpha", testNow.Add(5*time.Minute))
	_, held := eng.dedupRunners[rk]
	assert.True(t, held, "ambiguous failure must keep the runner key")
}

func TestSubmissionsOrderedBySoonestRace(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.200", "Kempton", testNow.Add(10*time.Minute),
		[]models.Runner{catalogueRunner(21, "Gamma", 1), catalogueRunner(22, "Delta", 2)},
		[]models.Runner{bookRunner(21, "3.00", "2.94"), bookRunner(22, "6.00", "5.80")},
	)
	raceMarket(fx, "1.100", "Ascot", testNow.Add(4*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	eng.cfg.DryRun = false
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	subs := fx.recorded()
	require.Len(t, subs, 2)
	assert.Equal(t, "1.100", subs[0].MarketID)
	assert.Equal(t, "1.200", subs[1].MarketID)
}

func TestMarketPastOffExpires(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(-1*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1)},
		[]models.Runner{bookRunner(11, "2.50", "2.46")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	tr := eng.trackers["1.100"]
	require.NotNil(t, tr)
	assert.Equal(t, tracker.StateExpired, tr.State)
	assert.Empty(t, eng.doc.BetsToday)
}

func TestDistantMarketIsMonitoredWithSnapshots(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(90*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	tr := eng.trackers["1.100"]
	require.NotNil(t, tr)
	assert.Equal(t, tracker.StateMonitoring, tr.State)
	require.Len(t, tr.Snapshots, 1)
	assert.Empty(t, eng.doc.BetsToday)
}

func TestAuthFailureHaltsAfterSecondConsecutiveTick(t *testing.T) {
	fx := newFakeExchange()
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	fx.ensureErr = errors.New("identity service down")

	// First failing tick: tolerated, loop keeps running.
	assert.True(t, eng.tick(context.Background()))
	assert.Equal(t, StatusRunning, eng.Status())

	// Second consecutive failure: engine parks in AUTH_FAILED.
	assert.False(t, eng.tick(context.Background()))
	assert.Equal(t, StatusAuthFailed, eng.Status())
}

func TestAuthRecoveryResetsFailureCount(t *testing.T) {
	fx := newFakeExchange()
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	fx.ensureErr = errors.New("identity service down")
	assert.True(t, eng.tick(context.Background()))

	fx.ensureErr = nil
	assert.True(t, eng.tick(context.Background()))

	fx.ensureErr = errors.New("identity service down")
	assert.True(t, eng.tick(context.Background()), "a recovered tick resets the failure count")
	assert.Equal(t, StatusRunning, eng.Status())
}

func TestDayRolloverClearsTradingState(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)
	require.True(t, eng.tick(context.Background()))
	require.Len(t, eng.doc.BetsToday, 1)

	nextDay := testNow.Add(24 * time.Hour)
	eng.mu.Lock()
	eng.now = func() time.Time { return nextDay }
	eng.mu.Unlock()
	fx.markets = nil
	fx.books = map[string]models.Market{}

	require.True(t, eng.tick(context.Background()))

	assert.Equal(t, "2026-03-15", eng.doc.Date)
	assert.Empty(t, eng.doc.BetsToday)
	assert.Empty(t, eng.trackers)
	assert.Empty(t, eng.dedupRunners)

	// The old session was archived STOPPED and a fresh one opened under
	// the new date.
	require.Len(t, eng.doc.SessionsIndex, 1)
	archived := eng.doc.SessionsIndex[0]
	assert.Equal(t, "2026-03-14", archived.Date)
	assert.Equal(t, models.SessionStatusStopped, archived.Status)
	require.NotNil(t, eng.session)
	assert.Equal(t, "2026-03-15", eng.session.Date)
	assert.NotEqual(t, archived.ID, eng.session.ID)
}

func TestDayRolloverWritesDailyReport(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	reportsDir := filepath.Join(t.TempDir(), "reports")
	eng.reports = report.NewWriter(reportsDir)

	startSession(eng)
	require.True(t, eng.tick(context.Background()))
	require.Len(t, eng.doc.BetsToday, 1)

	nextDay := testNow.Add(24 * time.Hour)
	eng.mu.Lock()
	eng.now = func() time.Time { return nextDay }
	eng.mu.Unlock()
	fx.markets = nil
	fx.books = map[string]models.Market{}

	require.True(t, eng.tick(context.Background()))

	require.Len(t, eng.doc.ReportsIndex, 1)
	entry := eng.doc.ReportsIndex[0]
	assert.Equal(t, "2026-03-14", entry.Date)
	assert.Equal(t, filepath.Join(reportsDir, "report_2026-03-14.json"), entry.Path)

	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	var daily report.DailyReport
	require.NoError(t, json.Unmarshal(data, &daily))
	assert.Equal(t, 1, daily.BetsPlaced)
	assert.Equal(t, 1, daily.Sessions)
}

func TestStartAndStopLifecycle(t *testing.T) {
	fx := newFakeExchange()
	eng, _ := newTestEngine(t, fx)

	res := eng.Start(context.Background())
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, string(StatusRunning), res.NewValue)

	// Idempotent start.
	res = eng.Start(context.Background())
	assert.Equal(t, "ok", res.Status)

	res = eng.Stop()
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, StatusStopped, eng.Status())

	// The session was archived with a stop time.
	require.Len(t, eng.doc.SessionsIndex, 1)
	assert.Equal(t, models.SessionStatusStopped, eng.doc.SessionsIndex[0].Status)
	assert.NotNil(t, eng.doc.SessionsIndex[0].StopTime)

	// Idempotent stop.
	res = eng.Stop()
	assert.Equal(t, "ok", res.Status)
}

func TestControlSurfaceValidation(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeExchange())

	assert.Equal(t, "error", eng.SetProcessWindow(0).Status)
	assert.Equal(t, "out_of_range", eng.SetProcessWindow(61).Message)
	res := eng.SetProcessWindow(20)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 20, res.NewValue)
	assert.Equal(t, 20, eng.Config().ProcessWindowMinutes)

	assert.Equal(t, "invalid_value", eng.SetPointValue(3).Message)
	res = eng.SetPointValue(10)
	assert.Equal(t, "ok", res.Status)
	assert.True(t, eng.Config().PointValue.Equal(decimal.NewFromInt(10)))

	assert.Equal(t, "empty_set", eng.SetCountries(nil).Message)
	assert.Equal(t, "invalid_value", eng.SetCountries([]string{"US"}).Message)
	res = eng.SetCountries([]string{"GB", "FR"})
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, []string{"GB", "FR"}, eng.Config().Countries)

	assert.Equal(t, false, eng.Config().SpreadControlEnabled)
	assert.Equal(t, true, eng.ToggleSpreadControl().NewValue)
	assert.Equal(t, true, eng.ToggleJOFS().NewValue)
	assert.Equal(t, false, eng.ToggleDryRun().NewValue)
}

func TestResetBetsClearsTodayOnly(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)
	require.True(t, eng.tick(context.Background()))
	require.Len(t, eng.doc.BetsToday, 1)

	res := eng.ResetBets()
	assert.Equal(t, "ok", res.Status)
	assert.Empty(t, eng.doc.BetsToday)
	assert.Empty(t, eng.trackers)
	assert.Empty(t, eng.dedupRunners)
	assert.Equal(t, 0, eng.session.Summary.Bets)

	// The cleared market can be laid again after the reset.
	require.True(t, eng.tick(context.Background()))
	assert.Len(t, eng.doc.BetsToday, 1)
}

func TestSnapshotReflectsEngineState(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	raceMarket(fx, "1.200", "Kempton", testNow.Add(30*time.Minute),
		[]models.Runner{catalogueRunner(21, "Gamma", 1), catalogueRunner(22, "Delta", 2)},
		[]models.Runner{bookRunner(21, "3.00", "2.94"), bookRunner(22, "5.00", "4.80")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)
	require.True(t, eng.tick(context.Background()))

	snap := eng.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.True(t, snap.DryRun)
	assert.Equal(t, "2026-03-14", snap.Date)
	require.NotNil(t, snap.Session)
	assert.Equal(t, 1, snap.Session.Summary.Bets)
	require.NotNil(t, snap.Balance)
	assert.True(t, snap.Balance.Available.Equal(decimal.NewFromInt(500)))
	require.Len(t, snap.RecentBets, 1)
	require.Len(t, snap.Trackers, 2)
	assert.Equal(t, string(tracker.StateProcessed), snap.Trackers[0].State)
	assert.Equal(t, 1, snap.TrackerCounts[string(tracker.StateProcessed)])
	assert.Equal(t, 1, snap.TrackerCounts[string(tracker.StateMonitoring)])

	// The processed race is terminal: next up is the monitored one.
	require.NotNil(t, snap.NextRace)
	assert.Equal(t, "1.200", snap.NextRace.MarketID)
}

func TestStreamFlagPreventsInPlayLay(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	startSession(eng)

	// Seed trackers without processing by keeping the race outside the
	// window on the first tick.
	fx.markets[0].RaceTime = testNow.Add(30 * time.Minute)
	require.True(t, eng.tick(context.Background()))
	require.Equal(t, tracker.StateMonitoring, eng.trackers["1.100"].State)

	// The race jumps early and the stream flags it in-play. The polled
	// book still says OPEN, but the tracker is already expired.
	eng.trackers["1.100"].Market.RaceTime = testNow.Add(5 * time.Minute)
	eng.MarkMarketFlags("1.100", true, "OPEN")
	assert.Equal(t, tracker.StateExpired, eng.trackers["1.100"].State)

	require.True(t, eng.tick(context.Background()))

	assert.Empty(t, eng.doc.BetsToday)
}

func TestUniverseRefreshSubscribesTrackedMarkets(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.200", "Kempton", testNow.Add(30*time.Minute),
		[]models.Runner{catalogueRunner(21, "Gamma", 1), catalogueRunner(22, "Delta", 2)},
		[]models.Runner{bookRunner(21, "3.00", "2.94"), bookRunner(22, "5.00", "4.80")},
	)
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	fs := &fakeStream{}
	eng.stream = fs
	startSession(eng)

	require.True(t, eng.tick(context.Background()))

	subs := fs.recorded()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"1.100", "1.200"}, subs[0])

	// The near race was processed on the first tick; a forced refresh
	// resubscribes only the markets still being tracked.
	require.Equal(t, tracker.StateProcessed, eng.trackers["1.100"].State)
	eng.mu.Lock()
	eng.lastUniverseRefresh = time.Time{}
	eng.mu.Unlock()
	require.True(t, eng.tick(context.Background()))

	subs = fs.recorded()
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"1.200"}, subs[1])
}

func TestStreamSubscriptionFailureDoesNotStopTick(t *testing.T) {
	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)
	eng, _ := newTestEngine(t, fx)
	eng.stream = &fakeStream{err: errors.New("not connected")}
	startSession(eng)

	// Polling still protects and places the lay.
	require.True(t, eng.tick(context.Background()))
	assert.Len(t, eng.doc.BetsToday, 1)
}

func TestFlushCadenceHonoursConfiguredInterval(t *testing.T) {
	fx := newFakeExchange()
	st := store.New(store.NewFileStore(filepath.Join(t.TempDir(), "state.json")), nil, quietLogger())
	now := testNow
	eng, err := New(context.Background(), Options{
		Config:        models.DefaultEngineConfig(),
		Exchange:      fx,
		Account:       &fakeAccount{},
		Store:         st,
		Logger:        quietLogger(),
		Now:           func() time.Time { return now },
		FlushInterval: time.Second,
	})
	require.NoError(t, err)
	startSession(eng)

	require.True(t, eng.tick(context.Background()))
	first := eng.lastFlush
	assert.False(t, first.IsZero())

	// A second tick inside the interval does not flush again.
	require.True(t, eng.tick(context.Background()))
	assert.Equal(t, first, eng.lastFlush)

	now = now.Add(2 * time.Second)
	require.True(t, eng.tick(context.Background()))
	assert.True(t, eng.lastFlush.After(first))
}

func TestFlushIntervalDefaultsWhenUnset(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeExchange())
	assert.Equal(t, defaultFlushInterval, eng.flushEvery)
}

func TestEngineRestoresPersistedDedup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := store.New(store.NewFileStore(path), nil, quietLogger())

	fx := newFakeExchange()
	raceMarket(fx, "1.100", "Ascot", testNow.Add(5*time.Minute),
		[]models.Runner{catalogueRunner(11, "Alpha", 1), catalogueRunner(12, "Beta", 2)},
		[]models.Runner{bookRunner(11, "2.50", "2.46"), bookRunner(12, "4.00", "3.90")},
	)

	eng, err := New(context.Background(), Options{
		Config:   models.DefaultEngineConfig(),
		Exchange: fx,
		Account:  &fakeAccount{},
		Store:    st,
		Logger:   quietLogger(),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	startSession(eng)
	require.True(t, eng.tick(context.Background()))
	require.Len(t, eng.doc.BetsToday, 1)
	eng.mu.Lock()
	eng.flushLocked(context.Background())
	eng.mu.Unlock()

	// A fresh process on the same day must not lay the same horse again.
	restored, err := New(context.Background(), Options{
		Config:   models.DefaultEngineConfig(),
		Exchange: fx,
		Account:  &fakeAccount{},
		Store:    store.New(store.NewFileStore(path), nil, quietLogger()),
		Logger:   quietLogger(),
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	startSession(restored)
	require.True(t, restored.tick(context.Background()))

	assert.Len(t, restored.doc.BetsToday, 1, "restored dedup must block a second lay")
}
