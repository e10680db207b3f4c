package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

const (
	balanceCacheKey = "account_funds"
	balanceCacheTTL = 30 * time.Second
)

// AccountFunds is the engine's view of the exchange wallet.
type AccountFunds struct {
	Available decimal.Decimal `json:"available"`
	Exposure  decimal.Decimal `json:"exposure"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Age returns how stale the cached balance is.
func (f AccountFunds) Age(now time.Time) time.Duration {
	return now.Sub(f.FetchedAt)
}

// AccountService fetches and caches account funds. Balance moves slowly
// relative to the tick cadence, so a short cache keeps getAccountFunds
// out of the request budget.
type AccountService struct {
	client *Client
	cache  *gocache.Cache
}

// NewAccountService creates a new account service
func NewAccountService(client *Client) *AccountService {
	return &AccountService{
		client: client,
		cache:  gocache.New(balanceCacheTTL, time.Minute),
	}
}

type accountFundsResponse struct {
	AvailableToBetBalance float64 `json:"availableToBetBalance"`
	Exposure              float64 `json:"exposure"`
	ExposureLimit         float64 `json:"exposureLimit"`
}

// GetBalance returns the available balance, served from cache when less
// than 30 seconds old.
func (s *AccountService) GetBalance(ctx context.Context) (AccountFunds, error) {
	if cached, ok := s.cache.Get(balanceCacheKey); ok {
		return cached.(AccountFunds), nil
	}

	result, err := s.client.accountRequest(ctx, "getAccountFunds", map[string]any{})
	if err != nil {
		return AccountFunds{}, err
	}

	var resp accountFundsResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return AccountFunds{}, fmt.Errorf("failed to parse account funds response: %w", err)
	}

	funds := AccountFunds{
		Available: decimal.NewFromFloat(resp.AvailableToBetBalance),
		Exposure:  decimal.NewFromFloat(resp.Exposure).Abs(),
		FetchedAt: time.Now(),
	}
	s.cache.Set(balanceCacheKey, funds, gocache.DefaultExpiration)
	return funds, nil
}

// Invalidate drops the cached balance so the next GetBalance hits the
// exchange. Called after successful live submissions.
func (s *AccountService) Invalidate() {
	s.cache.Delete(balanceCacheKey)
}
