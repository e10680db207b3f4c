package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// placeInstruction is the wire shape of a placeOrders instruction. Price
// and size are JSON numbers; the exchange rejects strings.
type placeInstruction struct {
	OrderType   string     `json:"orderType"`
	SelectionID int64      `json:"selectionId"`
	Handicap    int        `json:"handicap"`
	Side        string     `json:"side"`
	LimitOrder  limitOrder `json:"limitOrder"`
}

type limitOrder struct {
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	PersistenceType string  `json:"persistenceType"`
}

type placeOrdersResponse struct {
	MarketID           string              `json:"marketId"`
	Status             string              `json:"status"`
	ErrorCode          string              `json:"errorCode,omitempty"`
	InstructionReports []instructionReport `json:"instructionReports"`
}

type instructionReport struct {
	Status              string   `json:"status"`
	ErrorCode           string   `json:"errorCode,omitempty"`
	OrderStatus         string   `json:"orderStatus,omitempty"`
	BetID               string   `json:"betId,omitempty"`
	AveragePriceMatched *float64 `json:"averagePriceMatched,omitempty"`
	SizeMatched         *float64 `json:"sizeMatched,omitempty"`
}

// SubmitLay places a single LAY limit order at the instruction's price,
// snapped down to a valid exchange tick. The customer reference makes a
// network-level replay of the same call idempotent on the exchange side.
func (c *Client) SubmitLay(ctx context.Context, inst models.BetInstruction) (models.ExchangeResponse, error) {
	price := models.SnapToTick(inst.Price)

	params := map[string]any{
		"marketId": inst.MarketID,
		"instructions": []placeInstruction{{
			OrderType:   "LIMIT",
			SelectionID: inst.SelectionID,
			Side:        "LAY",
			LimitOrder: limitOrder{
				Size:            inst.Size.InexactFloat64(),
				Price:           price.InexactFloat64(),
				PersistenceType: "LAPSE",
			},
		}},
		"customerRef": customerRef(),
	}

	started := time.Now()
	result, err := c.sportsRequest(ctx, "placeOrders", params)
	if err != nil {
		recordBetSubmission(started, false)
		return models.ExchangeResponse{Status: models.OrderStatusFailure, ErrorCode: errorCodeFrom(err)}, err
	}

	var resp placeOrdersResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		recordBetSubmission(started, false)
		return models.ExchangeResponse{Status: models.OrderStatusFailure, ErrorCode: ErrorUnexpected},
			fmt.Errorf("failed to parse placeOrders response: %w", err)
	}

	if resp.Status != "SUCCESS" || len(resp.InstructionReports) == 0 {
		recordBetSubmission(started, false)
		code := resp.ErrorCode
		if len(resp.InstructionReports) > 0 && resp.InstructionReports[0].ErrorCode != "" {
			code = resp.InstructionReports[0].ErrorCode
		}
		if code == "" {
			code = ErrorUnexpected
		}
		return models.ExchangeResponse{Status: models.OrderStatusFailure, ErrorCode: code}, nil
	}

	report := resp.InstructionReports[0]
	if report.Status != "SUCCESS" {
		recordBetSubmission(started, false)
		return models.ExchangeResponse{Status: models.OrderStatusFailure, ErrorCode: report.ErrorCode}, nil
	}

	recordBetSubmission(started, true)
	out := models.ExchangeResponse{
		Status: models.OrderStatusSuccess,
		BetID:  report.BetID,
	}
	if report.SizeMatched != nil {
		d := decimal.NewFromFloat(*report.SizeMatched)
		out.SizeMatched = &d
	}
	if report.AveragePriceMatched != nil {
		d := decimal.NewFromFloat(*report.AveragePriceMatched)
		out.AvgPriceMatched = &d
	}
	return out, nil
}

// customerRef builds a placeOrders customer reference. The exchange caps
// it at 32 characters.
func customerRef() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func errorCodeFrom(err error) string {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Code
	}
	return ErrorUnexpected
}

// currentOrder is the wire shape of a listCurrentOrders entry.
type currentOrder struct {
	BetID         string    `json:"betId"`
	MarketID      string    `json:"marketId"`
	SelectionID   int64     `json:"selectionId"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	PlacedDate    time.Time `json:"placedDate"`
	SizeMatched   float64   `json:"sizeMatched"`
	SizeRemaining float64   `json:"sizeRemaining"`
	PriceSize     struct {
		Price float64 `json:"price"`
		Size  float64 `json:"size"`
	} `json:"priceSize"`
}

// CurrentOrder is an unsettled order on the exchange.
type CurrentOrder struct {
	BetID         string
	MarketID      string
	SelectionID   int64
	Side          string
	Status        string
	PlacedDate    time.Time
	Price         decimal.Decimal
	Size          decimal.Decimal
	SizeMatched   decimal.Decimal
	SizeRemaining decimal.Decimal
}

// ListCurrentOrders fetches unsettled orders, optionally filtered by
// market IDs.
func (c *Client) ListCurrentOrders(ctx context.Context, marketIDs []string) ([]CurrentOrder, error) {
	params := map[string]any{}
	if len(marketIDs) > 0 {
		params["marketIds"] = marketIDs
	}

	result, err := c.sportsRequest(ctx, "listCurrentOrders", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CurrentOrders []currentOrder `json:"currentOrders"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse current orders response: %w", err)
	}

	out := make([]CurrentOrder, 0, len(resp.CurrentOrders))
	for _, o := range resp.CurrentOrders {
		out = append(out, CurrentOrder{
			BetID:         o.BetID,
			MarketID:      o.MarketID,
			SelectionID:   o.SelectionID,
			Side:          o.Side,
			Status:        o.Status,
			PlacedDate:    o.PlacedDate,
			Price:         decimal.NewFromFloat(o.PriceSize.Price),
			Size:          decimal.NewFromFloat(o.PriceSize.Size),
			SizeMatched:   decimal.NewFromFloat(o.SizeMatched),
			SizeRemaining: decimal.NewFromFloat(o.SizeRemaining),
		})
	}
	return out, nil
}

// clearedOrder is the wire shape of a listClearedOrders entry.
type clearedOrder struct {
	BetID          string    `json:"betId"`
	MarketID       string    `json:"marketId"`
	SelectionID    int64     `json:"selectionId"`
	Side           string    `json:"side"`
	BetOutcome     string    `json:"betOutcome"`
	PriceRequested float64   `json:"priceRequested"`
	PriceMatched   float64   `json:"priceMatched"`
	SizeSettled    float64   `json:"sizeSettled"`
	Profit         float64   `json:"profit"`
	Commission     float64   `json:"commission"`
	PlacedDate     time.Time `json:"placedDate"`
	SettledDate    time.Time `json:"settledDate"`
}

// ListClearedBets fetches bets settled between from and to. Only the
// engine's own side (LAY) is requested.
func (c *Client) ListClearedBets(ctx context.Context, from, to time.Time) ([]models.ClearedBet, error) {
	params := map[string]any{
		"betStatus": "SETTLED",
		"side":      "LAY",
		"settledDateRange": timeRange{
			From: from.UTC().Format(time.RFC3339),
			To:   to.UTC().Format(time.RFC3339),
		},
		"includeItemDescription": false,
	}

	result, err := c.sportsRequest(ctx, "listClearedOrders", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ClearedOrders []clearedOrder `json:"clearedOrders"`
		MoreAvailable bool           `json:"moreAvailable"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse cleared orders response: %w", err)
	}

	out := make([]models.ClearedBet, 0, len(resp.ClearedOrders))
	for _, o := range resp.ClearedOrders {
		out = append(out, models.ClearedBet{
			BetID:          o.BetID,
			MarketID:       o.MarketID,
			SelectionID:    o.SelectionID,
			Side:           o.Side,
			PriceRequested: decimal.NewFromFloat(o.PriceRequested),
			PriceMatched:   decimal.NewFromFloat(o.PriceMatched),
			SizeSettled:    decimal.NewFromFloat(o.SizeSettled),
			Profit:         decimal.NewFromFloat(o.Profit),
			Commission:     decimal.NewFromFloat(o.Commission),
			BetOutcome:     o.BetOutcome,
			PlacedDate:     o.PlacedDate,
			SettledDate:    o.SettledDate,
		})
	}
	return out, nil
}
