package exchange

import (
	"time"

	"github.com/charles-ascot/lay-engine/internal/metrics"
)

func observeAPIRequest(method string, started time.Time, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	metrics.APIRequestsTotal.WithLabelValues(method, status).Inc()
	metrics.APIRequestLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

// Submission outcomes are counted by the bet pipeline; only latency is
// observed here.
func recordBetSubmission(started time.Time, _ bool) {
	metrics.BetSubmissionLatency.Observe(time.Since(started).Seconds())
}

func recordAuthFailure() {
	metrics.AuthFailuresTotal.Inc()
}
