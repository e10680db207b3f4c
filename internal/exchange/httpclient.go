// Package exchange implements the Betfair API-NG client used by the lay
// engine: JSON-RPC over HTTPS for market data and orders, form-encoded
// identity endpoints for login and keep-alive.
package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HTTPClientConfig holds configuration for the exchange HTTP transport
type HTTPClientConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RateLimit    float64 // requests per second
}

// DefaultHTTPClientConfig returns the transport defaults: three retries on
// a 1s/2s/4s backoff and a 10 second per-request deadline.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 4 * time.Second,
		RateLimit:    5.0,
	}
}

// RateLimitedHTTPClient wraps retryablehttp.Client with a token-bucket
// rate limiter so polling plus submissions stay under the exchange's
// transaction cap.
type RateLimitedHTTPClient struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewRateLimitedHTTPClient creates a new rate-limited HTTP client
func NewRateLimitedHTTPClient(cfg HTTPClientConfig, logger *logrus.Logger) *RateLimitedHTTPClient {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.CheckRetry = retryPolicy()
	retryClient.Logger = nil

	return &RateLimitedHTTPClient{
		client:  retryClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger,
	}
}

// Do executes an HTTP request once the rate limiter grants a slot.
func (c *RateLimitedHTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	retryReq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap request: %w", err)
	}
	retryReq = retryReq.WithContext(ctx)

	resp, err := c.client.Do(retryReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close releases idle connections held by the client
func (c *RateLimitedHTTPClient) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

// retryPolicy retries network errors, 429s and 5xx responses. Other 4xx
// responses carry an API-level error body and must not be replayed.
func retryPolicy() retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, err
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}
}
