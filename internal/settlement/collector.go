// Package settlement periodically collects settled lay bets from the
// exchange and feeds them to the engine's recent-results view and the
// optional Postgres archive.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
)

const fetchTimeout = 30 * time.Second

// Fetcher lists settled bets from the exchange.
type Fetcher interface {
	ListClearedBets(ctx context.Context, from, to time.Time) ([]models.ClearedBet, error)
}

// Sink receives freshly settled bets.
type Sink interface {
	AddClearedResults(results []models.ClearedBet)
}

// Archiver persists settled bets durably. Optional.
type Archiver interface {
	SaveClearedBets(ctx context.Context, results []models.ClearedBet) error
}

// Collector runs the settlement fetch on a cron schedule. Each run covers
// the whole current day so late settlements are never missed; the seen set
// keeps already-delivered bets out of the sink.
type Collector struct {
	fetcher Fetcher
	sink    Sink
	archive Archiver
	loc     *time.Location
	logger  *logrus.Logger

	cron      *cron.Cron
	mu        sync.Mutex
	isRunning bool
	seen      map[string]struct{}
	seenDate  string

	now func() time.Time
}

// NewCollector creates a settlement collector. archive may be nil.
func NewCollector(fetcher Fetcher, sink Sink, archive Archiver, loc *time.Location, logger *logrus.Logger) *Collector {
	if loc == nil {
		loc = time.UTC
	}
	return &Collector{
		fetcher: fetcher,
		sink:    sink,
		archive: archive,
		loc:     loc,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(loc)),
		seen:    make(map[string]struct{}),
		now:     time.Now,
	}
}

// Start schedules the collection job and starts the cron runner.
// schedule is a cron expression, e.g. "*/10 * * * *".
func (c *Collector) Start(schedule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return fmt.Errorf("settlement collector is already running")
	}

	_, err := c.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := c.RunOnce(ctx); err != nil {
			c.logger.WithError(err).Warn("settlement collection failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule settlement collection: %w", err)
	}

	c.cron.Start()
	c.isRunning = true
	c.logger.WithField("schedule", schedule).Info("settlement collector started")
	return nil
}

// Stop stops the cron runner and waits for a running job to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}
	<-c.cron.Stop().Done()
	c.isRunning = false
	c.logger.Info("settlement collector stopped")
}

// RunOnce performs one collection pass: fetch today's settled lay bets,
// deliver the ones not seen before, archive best-effort.
func (c *Collector) RunOnce(ctx context.Context) error {
	now := c.now().In(c.loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)

	results, err := c.fetcher.ListClearedBets(ctx, from, now)
	if err != nil {
		metrics.RecordSettlementFetch("failure")
		return fmt.Errorf("failed to fetch cleared bets: %w", err)
	}
	metrics.RecordSettlementFetch("success")

	fresh := c.filterFresh(results, now)
	if len(fresh) == 0 {
		return nil
	}

	c.sink.AddClearedResults(fresh)
	c.logger.WithField("count", len(fresh)).Info("delivered settled bets")

	if c.archive != nil {
		if err := c.archive.SaveClearedBets(ctx, fresh); err != nil {
			c.logger.WithError(err).Warn("failed to archive cleared bets")
		}
	}
	return nil
}

// filterFresh drops bets delivered on an earlier run. The seen set resets
// with the trading date so it cannot grow without bound.
func (c *Collector) filterFresh(results []models.ClearedBet, now time.Time) []models.ClearedBet {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := now.Format("2006-01-02")
	if c.seenDate != today {
		c.seen = make(map[string]struct{})
		c.seenDate = today
	}

	fresh := make([]models.ClearedBet, 0, len(results))
	for _, r := range results {
		if _, ok := c.seen[r.BetID]; ok {
			continue
		}
		c.seen[r.BetID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}
