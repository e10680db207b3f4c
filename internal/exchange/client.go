package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/config"
)

// Client implements the exchange API-NG JSON-RPC client. Betting methods
// go to the sports endpoint, funds queries to the account endpoint; both
// share one session token guarded by mu.
type Client struct {
	httpClient *RateLimitedHTTPClient
	cfg        *config.ExchangeConfig
	logger     *logrus.Logger

	mu           sync.RWMutex
	sessionToken string
	tokenExpiry  time.Time
}

// JSONRPCRequest represents a JSON-RPC request envelope
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response envelope
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object. The exchange nests the
// API error code under data.APINGException.errorCode.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type apingExceptionData struct {
	APINGException struct {
		ErrorCode    string `json:"errorCode"`
		ErrorDetails string `json:"errorDetails"`
	} `json:"APINGException"`
}

// NewClient creates a new exchange API client
func NewClient(cfg *config.ExchangeConfig, httpClient *RateLimitedHTTPClient, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// sportsRequest performs a SportsAPING JSON-RPC call.
func (c *Client) sportsRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.makeRequest(ctx, c.cfg.APIURL, "SportsAPING/v1.0/"+method, params)
}

// accountRequest performs an AccountAPING JSON-RPC call.
func (c *Client) accountRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.makeRequest(ctx, c.cfg.AccountURL, "AccountAPING/v1.0/"+method, params)
}

// makeRequest performs a JSON-RPC request against the given endpoint
func (c *Client) makeRequest(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	sessionToken := c.sessionToken
	c.mu.RUnlock()

	if sessionToken == "" {
		return nil, NewAuthenticationError("no active session token", nil)
	}

	reqBody := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application", c.cfg.AppKey)
	req.Header.Set("X-Authentication", sessionToken)

	started := time.Now()
	resp, err := c.httpClient.Do(ctx, req)
	observeAPIRequest(method, started, err == nil)
	if err != nil {
		c.logger.WithError(err).WithField("method", method).Warn("exchange request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var jsonResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&jsonResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if jsonResp.Error != nil {
		code, detail := parseAPIErrorData(jsonResp.Error)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"code":   code,
		}).Warn("exchange returned API error")
		if detail == "" {
			detail = jsonResp.Error.Message
		}
		return nil, MapExchangeError(code, detail)
	}

	return jsonResp.Result, nil
}

func parseAPIErrorData(rpcErr *JSONRPCError) (code, detail string) {
	if len(rpcErr.Data) > 0 {
		var data apingExceptionData
		if err := json.Unmarshal(rpcErr.Data, &data); err == nil {
			return data.APINGException.ErrorCode, data.APINGException.ErrorDetails
		}
	}
	return ErrorUnexpected, rpcErr.Message
}

// SetSessionToken sets the session token for API requests
func (c *Client) SetSessionToken(token string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
	c.tokenExpiry = expiry
}

// SessionToken returns the current session token
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// IsAuthenticated checks if the client has an unexpired session
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken != "" && time.Now().Before(c.tokenExpiry)
}
