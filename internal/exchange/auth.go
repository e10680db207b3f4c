package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// sessionLifetime is how long an interactive-login token is trusted before
// the client proactively refreshes it. The exchange expires tokens on its
// own schedule; keepAlive extends them.
const sessionLifetime = 8 * time.Hour

type loginResponse struct {
	Token   string `json:"token"`
	Product string `json:"product"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

type keepAliveResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Login performs interactive authentication against the identity endpoint
// and stores the resulting session token on the client.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return NewAuthenticationError("failed to build login request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application", c.cfg.AppKey)

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		recordAuthFailure()
		return NewAuthenticationError("login request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		recordAuthFailure()
		return NewAuthenticationError(fmt.Sprintf("login failed with status %d", resp.StatusCode), nil)
	}

	var loginResp loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		recordAuthFailure()
		return NewAuthenticationError("failed to decode login response", err)
	}

	if loginResp.Status != "SUCCESS" || loginResp.Token == "" {
		recordAuthFailure()
		return NewAuthenticationError(fmt.Sprintf("login rejected: %s %s", loginResp.Status, loginResp.Error), nil)
	}

	c.SetSessionToken(loginResp.Token, time.Now().Add(sessionLifetime))
	c.logger.Info("exchange login successful")
	return nil
}

// KeepAlive extends the current session. A FAIL status means the token is
// already dead and a fresh Login is needed.
func (c *Client) KeepAlive(ctx context.Context) error {
	token := c.SessionToken()
	if token == "" {
		return NewAuthenticationError("no session to keep alive", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.KeepAliveURL, nil)
	if err != nil {
		return NewAuthenticationError("failed to build keepAlive request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application", c.cfg.AppKey)
	req.Header.Set("X-Authentication", token)

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return NewAuthenticationError("keepAlive request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewAuthenticationError(fmt.Sprintf("keepAlive failed with status %d", resp.StatusCode), nil)
	}

	var kaResp keepAliveResponse
	if err := json.NewDecoder(resp.Body).Decode(&kaResp); err != nil {
		return NewAuthenticationError("failed to decode keepAlive response", err)
	}

	if kaResp.Status != "SUCCESS" {
		return NewAuthenticationError(fmt.Sprintf("keepAlive rejected: %s", kaResp.Error), nil)
	}

	if kaResp.Token != "" {
		c.SetSessionToken(kaResp.Token, time.Now().Add(sessionLifetime))
	}
	return nil
}

// EnsureSession makes the session usable: keepAlive first because it is
// cheap, full re-login when that fails. Returns an AuthenticationError
// only when both paths fail.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.SessionToken() != "" {
		if err := c.KeepAlive(ctx); err == nil {
			return nil
		}
		c.logger.Warn("keepAlive failed, re-authenticating")
	}
	return c.Login(ctx)
}

// Logout discards the session token.
func (c *Client) Logout() {
	c.SetSessionToken("", time.Time{})
}
