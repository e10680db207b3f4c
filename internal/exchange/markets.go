package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// horseRacingEventType is the exchange event type ID for horse racing.
const horseRacingEventType = "7"

// marketCatalogue is the wire shape of a listMarketCatalogue entry.
type marketCatalogue struct {
	MarketID        string          `json:"marketId"`
	MarketName      string          `json:"marketName"`
	MarketStartTime time.Time       `json:"marketStartTime"`
	TotalMatched    float64         `json:"totalMatched"`
	Event           catalogueEvent  `json:"event"`
	Runners         []runnerCatalog `json:"runners"`
}

type catalogueEvent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
	Venue       string `json:"venue"`
}

type runnerCatalog struct {
	SelectionID  int64  `json:"selectionId"`
	RunnerName   string `json:"runnerName"`
	SortPriority int    `json:"sortPriority"`
}

// marketBook is the wire shape of a listMarketBook entry.
type marketBook struct {
	MarketID     string       `json:"marketId"`
	Status       string       `json:"status"`
	InPlay       bool         `json:"inplay"`
	TotalMatched float64      `json:"totalMatched"`
	Runners      []bookRunner `json:"runners"`
}

type bookRunner struct {
	SelectionID     int64          `json:"selectionId"`
	Status          string         `json:"status"`
	LastPriceTraded *float64       `json:"lastPriceTraded,omitempty"`
	Ex              exchangePrices `json:"ex"`
}

type exchangePrices struct {
	AvailableToBack []priceSize `json:"availableToBack"`
	AvailableToLay  []priceSize `json:"availableToLay"`
}

type priceSize struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type marketFilter struct {
	EventTypeIDs    []string   `json:"eventTypeIds,omitempty"`
	MarketCountries []string   `json:"marketCountries,omitempty"`
	MarketTypeCodes []string   `json:"marketTypeCodes,omitempty"`
	MarketStartTime *timeRange `json:"marketStartTime,omitempty"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ListTodaysWinMarkets fetches every horse-racing WIN market starting
// between from and to in the configured countries, sorted by race time
// then market ID so processing order is deterministic.
func (c *Client) ListTodaysWinMarkets(ctx context.Context, from, to time.Time, countries []string) ([]models.Market, error) {
	params := map[string]any{
		"filter": marketFilter{
			EventTypeIDs:    []string{horseRacingEventType},
			MarketCountries: countries,
			MarketTypeCodes: []string{"WIN"},
			MarketStartTime: &timeRange{
				From: from.UTC().Format(time.RFC3339),
				To:   to.UTC().Format(time.RFC3339),
			},
		},
		"marketProjection": []string{"EVENT", "MARKET_START_TIME", "RUNNER_DESCRIPTION", "RUNNER_METADATA"},
		"sort":             "FIRST_TO_START",
		"maxResults":       200,
	}

	result, err := c.sportsRequest(ctx, "listMarketCatalogue", params)
	if err != nil {
		return nil, err
	}

	var catalogues []marketCatalogue
	if err := json.Unmarshal(result, &catalogues); err != nil {
		return nil, fmt.Errorf("failed to parse market catalogue response: %w", err)
	}

	markets := make([]models.Market, 0, len(catalogues))
	for _, cat := range catalogues {
		markets = append(markets, catalogueToMarket(cat))
	}

	sort.SliceStable(markets, func(i, j int) bool {
		if !markets[i].RaceTime.Equal(markets[j].RaceTime) {
			return markets[i].RaceTime.Before(markets[j].RaceTime)
		}
		return markets[i].ID < markets[j].ID
	})

	c.logger.WithField("markets", len(markets)).Debug("market universe refreshed")
	return markets, nil
}

// GetBooks fetches the live book for the given markets with three levels
// of depth on each side. Runner names and sort priorities are not in the
// book response; callers merge them from the catalogue-sourced market.
func (c *Client) GetBooks(ctx context.Context, marketIDs []string) (map[string]models.Market, error) {
	if len(marketIDs) == 0 {
		return map[string]models.Market{}, nil
	}

	params := map[string]any{
		"marketIds": marketIDs,
		"priceProjection": map[string]any{
			"priceData": []string{"EX_BEST_OFFERS"},
			"exBestOffersOverrides": map[string]any{
				"bestPricesDepth": 3,
				"rolloverStakes":  true,
			},
			"virtualise": true,
		},
	}

	result, err := c.sportsRequest(ctx, "listMarketBook", params)
	if err != nil {
		return nil, err
	}

	var books []marketBook
	if err := json.Unmarshal(result, &books); err != nil {
		return nil, fmt.Errorf("failed to parse market book response: %w", err)
	}

	out := make(map[string]models.Market, len(books))
	for _, book := range books {
		out[book.MarketID] = bookToMarket(book)
	}
	return out, nil
}

// GetBook fetches a single market's book.
func (c *Client) GetBook(ctx context.Context, marketID string) (*models.Market, error) {
	books, err := c.GetBooks(ctx, []string{marketID})
	if err != nil {
		return nil, err
	}
	m, ok := books[marketID]
	if !ok {
		return nil, fmt.Errorf("no book returned for market %s", marketID)
	}
	return &m, nil
}

func catalogueToMarket(cat marketCatalogue) models.Market {
	m := models.Market{
		ID:           cat.MarketID,
		Name:         cat.MarketName,
		Venue:        cat.Event.Venue,
		Country:      cat.Event.CountryCode,
		RaceTime:     cat.MarketStartTime,
		Status:       models.MarketStatusOpen,
		TotalMatched: decimal.NewFromFloat(cat.TotalMatched),
		Runners:      make([]models.Runner, 0, len(cat.Runners)),
	}
	for _, r := range cat.Runners {
		m.Runners = append(m.Runners, models.Runner{
			SelectionID:  r.SelectionID,
			Name:         r.RunnerName,
			SortPriority: r.SortPriority,
		})
	}
	m.SortRunners()
	return m
}

func bookToMarket(book marketBook) models.Market {
	m := models.Market{
		ID:           book.MarketID,
		Status:       models.MarketStatus(book.Status),
		InPlay:       book.InPlay,
		TotalMatched: decimal.NewFromFloat(book.TotalMatched),
		Runners:      make([]models.Runner, 0, len(book.Runners)),
	}
	for _, br := range book.Runners {
		runner := models.Runner{
			SelectionID: br.SelectionID,
			Status:      br.Status,
			LayDepth:    toPriceSizes(br.Ex.AvailableToLay),
			BackDepth:   toPriceSizes(br.Ex.AvailableToBack),
		}
		if len(br.Ex.AvailableToLay) > 0 {
			p := decimal.NewFromFloat(br.Ex.AvailableToLay[0].Price)
			runner.BestLay = &p
		}
		if len(br.Ex.AvailableToBack) > 0 {
			p := decimal.NewFromFloat(br.Ex.AvailableToBack[0].Price)
			runner.BestBack = &p
		}
		if br.LastPriceTraded != nil {
			p := decimal.NewFromFloat(*br.LastPriceTraded)
			runner.LastTraded = &p
		}
		m.Runners = append(m.Runners, runner)
	}
	return m
}

func toPriceSizes(levels []priceSize) []models.PriceSize {
	if len(levels) == 0 {
		return nil
	}
	out := make([]models.PriceSize, 0, len(levels))
	for _, l := range levels {
		out = append(out, models.PriceSize{
			Price: decimal.NewFromFloat(l.Price),
			Size:  decimal.NewFromFloat(l.Size),
		})
	}
	return out
}

// MergeBook overlays live book prices and status onto a catalogue market,
// keeping the catalogue's names, venue and race time. Runners absent from
// the book (non-runners) are dropped and priorities re-ranked by the book's
// lay prices when the exchange omits sortPriority from books.
func MergeBook(catalogue models.Market, book models.Market) models.Market {
	merged := catalogue
	merged.Status = book.Status
	merged.InPlay = book.InPlay
	if !book.TotalMatched.IsZero() {
		merged.TotalMatched = book.TotalMatched
	}

	byID := make(map[int64]models.Runner, len(book.Runners))
	for _, r := range book.Runners {
		byID[r.SelectionID] = r
	}

	runners := make([]models.Runner, 0, len(catalogue.Runners))
	for _, cr := range catalogue.Runners {
		br, ok := byID[cr.SelectionID]
		if !ok || br.Status == "REMOVED" {
			continue
		}
		cr.Status = br.Status
		cr.BestLay = br.BestLay
		cr.BestBack = br.BestBack
		cr.LastTraded = br.LastTraded
		cr.LayDepth = br.LayDepth
		cr.BackDepth = br.BackDepth
		runners = append(runners, cr)
	}
	merged.Runners = runners
	rankByLayPrice(&merged)
	return merged
}

// rankByLayPrice assigns sort priorities from best lay price ascending:
// priority 1 is the favourite. Unpriced runners rank last, keeping their
// relative catalogue order.
func rankByLayPrice(m *models.Market) {
	sort.SliceStable(m.Runners, func(i, j int) bool {
		a, b := m.Runners[i].BestLay, m.Runners[j].BestLay
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.LessThan(*b)
		}
	})
	for i := range m.Runners {
		m.Runners[i].SortPriority = i + 1
	}
}
