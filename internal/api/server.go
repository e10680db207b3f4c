// Package api serves the engine's control surface over HTTP: engine
// state, control operations, API-key management and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/engine"
	"github.com/charles-ascot/lay-engine/internal/metrics"
)

// Server is the control surface HTTP server.
type Server struct {
	engine      *engine.Engine
	stream      StreamHealth
	addr        string
	metricsPath string
	logger      *logrus.Logger
	server      *http.Server
}

// StreamHealth reports market stream liveness on the health endpoint.
type StreamHealth interface {
	IsConnected() bool
	LastMessageTime() time.Time
}

// Config holds the configuration for the control surface server.
type Config struct {
	Engine      *engine.Engine
	Stream      StreamHealth
	Address     string
	MetricsPath string
	Logger      *logrus.Logger
}

// NewServer creates the control surface server.
func NewServer(cfg Config) *Server {
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		engine:      cfg.Engine,
		stream:      cfg.Stream,
		addr:        cfg.Address,
		metricsPath: path,
		logger:      cfg.Logger,
	}
}

// Start starts the server in the background and shuts it down when the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle(s.metricsPath, metrics.Handler())

	mux.HandleFunc("/state", s.authenticated(s.handleState))
	mux.HandleFunc("/control/start", s.control(func(r *http.Request) engine.OpResult {
		return s.engine.Start(r.Context())
	}))
	mux.HandleFunc("/control/stop", s.control(func(*http.Request) engine.OpResult {
		return s.engine.Stop()
	}))
	mux.HandleFunc("/control/dry-run", s.control(func(*http.Request) engine.OpResult {
		return s.engine.ToggleDryRun()
	}))
	mux.HandleFunc("/control/spread", s.control(func(*http.Request) engine.OpResult {
		return s.engine.ToggleSpreadControl()
	}))
	mux.HandleFunc("/control/jofs", s.control(func(*http.Request) engine.OpResult {
		return s.engine.ToggleJOFS()
	}))
	mux.HandleFunc("/control/reset-bets", s.control(func(*http.Request) engine.OpResult {
		return s.engine.ResetBets()
	}))
	mux.HandleFunc("/control/process-window", s.control(s.setProcessWindow))
	mux.HandleFunc("/control/point-value", s.control(s.setPointValue))
	mux.HandleFunc("/control/countries", s.control(s.setCountries))

	mux.HandleFunc("/keys", s.authenticated(s.handleKeys))
	mux.HandleFunc("/keys/", s.authenticated(s.handleKeyByID))

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.WithField("addr", s.addr).Info("control surface server starting")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("control surface server error")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("control surface server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// authenticated wraps a handler with API-key validation. The key travels
// in the X-API-Key header.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.engine.ValidateAPIKey(r.Header.Get("X-API-Key")) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"status":  "error",
				"message": "invalid_api_key",
			})
			return
		}
		next(w, r)
	}
}

// control wraps a control operation as an authenticated POST handler.
func (s *Server) control(op func(*http.Request) engine.OpResult) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"status":  "error",
				"message": "method_not_allowed",
			})
			return
		}
		res := op(r)
		status := http.StatusOK
		if res.Status != "ok" {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": "lay-engine",
		"engine":  string(s.engine.Status()),
	}
	if s.stream != nil {
		body["stream_connected"] = s.stream.IsConnected()
		if last := s.stream.LastMessageTime(); !last.IsZero() {
			body["stream_last_message"] = last.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"status":  "error",
			"message": "method_not_allowed",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) setProcessWindow(r *http.Request) engine.OpResult {
	var body struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return engine.OpResult{Status: "error", Message: "invalid_body"}
	}
	return s.engine.SetProcessWindow(body.Minutes)
}

func (s *Server) setPointValue(r *http.Request) engine.OpResult {
	var body struct {
		Value int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return engine.OpResult{Status: "error", Message: "invalid_body"}
	}
	return s.engine.SetPointValue(body.Value)
}

func (s *Server) setCountries(r *http.Request) engine.OpResult {
	var body struct {
		Countries []string `json:"countries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return engine.OpResult{Status: "error", Message: "invalid_body"}
	}
	return s.engine.SetCountries(body.Countries)
}

// handleKeys serves GET /keys (masked listing) and POST /keys (create).
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.ListAPIKeys())
	case http.MethodPost:
		var body struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status":  "error",
				"message": "invalid_body",
			})
			return
		}
		key, err := s.engine.CreateAPIKey(body.Label)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status":  "error",
				"message": "key_generation_failed",
			})
			return
		}
		// The only response that ever carries the full key.
		writeJSON(w, http.StatusCreated, key)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"status":  "error",
			"message": "method_not_allowed",
		})
	}
}

// handleKeyByID serves DELETE /keys/{id}.
func (s *Server) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"status":  "error",
			"message": "method_not_allowed",
		})
		return
	}
	keyID := strings.TrimPrefix(r.URL.Path, "/keys/")
	res := s.engine.RevokeAPIKey(keyID)
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
