package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charles-ascot/lay-engine/internal/engine"
	"github.com/charles-ascot/lay-engine/internal/exchange"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/store"
)

type stubExchange struct{ authed bool }

func (s *stubExchange) IsAuthenticated() bool                    { return s.authed }
func (s *stubExchange) EnsureSession(ctx context.Context) error  { return nil }
func (s *stubExchange) ListTodaysWinMarkets(ctx context.Context, from, to time.Time, countries []string) ([]models.Market, error) {
	return nil, nil
}
func (s *stubExchange) GetBooks(ctx context.Context, marketIDs []string) (map[string]models.Market, error) {
	return nil, nil
}
func (s *stubExchange) SubmitLay(ctx context.Context, inst models.BetInstruction) (models.ExchangeResponse, error) {
	return models.ExchangeResponse{Status: models.OrderStatusSuccess}, nil
}

type stubAccount struct{}

func (s *stubAccount) GetBalance(ctx context.Context) (exchange.AccountFunds, error) {
	return exchange.AccountFunds{}, nil
}
func (s *stubAccount) Invalidate() {}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	st := store.New(store.NewFileStore(filepath.Join(t.TempDir(), "state.json")), nil, quietLogger())
	eng, err := engine.New(context.Background(), engine.Options{
		Config:   models.DefaultEngineConfig(),
		Exchange: &stubExchange{authed: false},
		Account:  &stubAccount{},
		Store:    st,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return NewServer(Config{Engine: eng, Address: ":0", Logger: quietLogger()}), eng
}

func mux(t *testing.T, s *Server) http.Handler {
	t.Helper()
	// Start wires the mux into s.server; the listener port is unused in
	// tests because requests go through the handler directly.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Shutdown() })
	return s.server.Handler
}

func TestHealthIsOpen(t *testing.T) {
	s, _ := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "STOPPED", body["engine"])
}

type stubStream struct {
	connected bool
	last      time.Time
}

func (s *stubStream) IsConnected() bool          { return s.connected }
func (s *stubStream) LastMessageTime() time.Time { return s.last }

func TestHealthReportsStreamLiveness(t *testing.T) {
	s, _ := newTestServer(t)
	s.stream = &stubStream{
		connected: true,
		last:      time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC),
	}
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["stream_connected"])
	assert.Equal(t, "2026-03-14T14:00:00Z", body["stream_last_message"])
}

func TestStateOpenUntilFirstKeyExists(t *testing.T) {
	s, eng := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	key, err := eng.CreateAPIKey("dashboard")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap engine.StateSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, engine.StatusStopped, snap.Status)
	assert.True(t, snap.DryRun)
}

func TestStartWithoutSessionReturnsError(t *testing.T) {
	s, _ := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/start", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var res engine.OpResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, "not_authenticated", res.Message)
}

func TestControlRejectsGet(t *testing.T) {
	s, _ := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/control/stop", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProcessWindowEndpoint(t *testing.T) {
	s, eng := newTestServer(t)
	h := mux(t, s)

	body := bytes.NewBufferString(`{"minutes": 99}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/process-window", body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = bytes.NewBufferString(`{"minutes": 15}`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/process-window", body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15, eng.Config().ProcessWindowMinutes)
}

func TestCountriesEndpoint(t *testing.T) {
	s, eng := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/countries",
		bytes.NewBufferString(`{"countries": []}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var res engine.OpResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "empty_set", res.Message)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/control/countries",
		bytes.NewBufferString(`{"countries": ["GB", "ZA"]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"GB", "ZA"}, eng.Config().Countries)
}

func TestKeyLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/keys",
		bytes.NewBufferString(`{"label": "ops"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.APIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Key)
	assert.Equal(t, "ops", created.Label)

	// Listing requires the key now and masks the secret.
	req := httptest.NewRequest(http.MethodGet, "/keys", nil)
	req.Header.Set("X-API-Key", created.Key)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []engine.APIKeyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.NotEqual(t, created.Key, views[0].Preview)
	assert.NotEmpty(t, views[0].LastUsed)

	req = httptest.NewRequest(http.MethodDelete, "/keys/"+created.KeyID, nil)
	req.Header.Set("X-API-Key", created.Key)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown key ID.
	req = httptest.NewRequest(http.MethodDelete, "/keys/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	s, _ := newTestServer(t)
	h := mux(t, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
