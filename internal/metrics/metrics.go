// Package metrics provides the centralized Prometheus registry for the
// lay engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Global registry instance
var (
	registry *prometheus.Registry
	once     sync.Once
)

// Counter metrics
var (
	BetsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "bets_submitted_total",
		Help:      "Total bet submissions by outcome (success, failure, dry_run)",
	}, []string{"outcome"})
	MarketsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "markets_processed_total",
		Help:      "Markets reaching a terminal state by outcome (processed, skipped, expired)",
	}, []string{"outcome"})
	RuleDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "rule_decisions_total",
		Help:      "Rule evaluations by rule band",
	}, []string{"rule"})
	SkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "skips_total",
		Help:      "Markets skipped by reason",
	}, []string{"reason"})
	SpreadRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "spread_rejections_total",
		Help:      "Instructions dropped by the spread gate",
	})
	JOFSSplitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "jofs_splits_total",
		Help:      "Joint-favourite stake splits applied",
	})
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "api_requests_total",
		Help:      "Exchange API requests by method and status",
	}, []string{"method", "status"})
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "auth_failures_total",
		Help:      "Exchange authentication failures",
	})
	StateFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "state_flushes_total",
		Help:      "Persistence flushes by tier and status",
	}, []string{"tier", "status"})
	SettlementFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lay_engine",
		Name:      "settlement_fetches_total",
		Help:      "Cleared-bet collection runs by status",
	}, []string{"status"})
)

// Gauge metrics
var (
	TrackedMarkets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lay_engine",
		Name:      "tracked_markets",
		Help:      "Markets currently tracked by state",
	}, []string{"state"})
	AccountBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lay_engine",
		Name:      "account_balance",
		Help:      "Last fetched available-to-bet balance",
	})
	SessionStake = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lay_engine",
		Name:      "session_stake",
		Help:      "Total stake committed in the current session",
	})
	SessionLiability = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lay_engine",
		Name:      "session_liability",
		Help:      "Total liability committed in the current session",
	})
	EngineRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lay_engine",
		Name:      "running",
		Help:      "1 while the scheduler loop is active",
	})
)

// Histogram metrics
var (
	APIRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lay_engine",
		Name:      "api_request_latency_seconds",
		Help:      "Latency of exchange API requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	BetSubmissionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lay_engine",
		Name:      "bet_submission_latency_seconds",
		Help:      "Latency of placeOrders calls in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lay_engine",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full scheduler tick in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// InitRegistry initializes the global Prometheus registry.
func InitRegistry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		registry.MustRegister(BetsSubmittedTotal)
		registry.MustRegister(MarketsProcessedTotal)
		registry.MustRegister(RuleDecisionsTotal)
		registry.MustRegister(SkipsTotal)
		registry.MustRegister(SpreadRejectionsTotal)
		registry.MustRegister(JOFSSplitsTotal)
		registry.MustRegister(APIRequestsTotal)
		registry.MustRegister(AuthFailuresTotal)
		registry.MustRegister(StateFlushesTotal)
		registry.MustRegister(SettlementFetchesTotal)

		registry.MustRegister(TrackedMarkets)
		registry.MustRegister(AccountBalance)
		registry.MustRegister(SessionStake)
		registry.MustRegister(SessionLiability)
		registry.MustRegister(EngineRunning)

		registry.MustRegister(APIRequestLatency)
		registry.MustRegister(BetSubmissionLatency)
		registry.MustRegister(TickDuration)
	})
	return registry
}

// GetRegistry returns the global Prometheus registry.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return InitRegistry()
	}
	return registry
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// RecordRuleDecision records a rule evaluation by band.
func RecordRuleDecision(rule string) {
	RuleDecisionsTotal.WithLabelValues(rule).Inc()
}

// RecordSkip records a skipped market by reason.
func RecordSkip(reason string) {
	SkipsTotal.WithLabelValues(reason).Inc()
}

// RecordMarketOutcome records a market reaching a terminal state.
func RecordMarketOutcome(outcome string) {
	MarketsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordBetSubmitted records a bet submission outcome.
func RecordBetSubmitted(outcome string) {
	BetsSubmittedTotal.WithLabelValues(outcome).Inc()
}

// RecordTickDuration records a full scheduler tick.
func RecordTickDuration(seconds float64) {
	TickDuration.Observe(seconds)
}

// RecordStateFlush records a persistence flush.
func RecordStateFlush(tier, status string) {
	StateFlushesTotal.WithLabelValues(tier, status).Inc()
}

// RecordSettlementFetch records a cleared-bet collection run.
func RecordSettlementFetch(status string) {
	SettlementFetchesTotal.WithLabelValues(status).Inc()
}

// UpdateTrackedMarkets updates the tracked-market gauge for a state.
func UpdateTrackedMarkets(state string, count float64) {
	TrackedMarkets.WithLabelValues(state).Set(count)
}

// UpdateBalance updates the account balance gauge.
func UpdateBalance(amount float64) {
	AccountBalance.Set(amount)
}

// UpdateSessionTotals updates the session stake and liability gauges.
func UpdateSessionTotals(stake, liability float64) {
	SessionStake.Set(stake)
	SessionLiability.Set(liability)
}

// SetRunning flips the scheduler-running gauge.
func SetRunning(running bool) {
	if running {
		EngineRunning.Set(1)
	} else {
		EngineRunning.Set(0)
	}
}
