package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamClient maintains a WebSocket subscription to the market stream.
// The engine only consumes market definition changes from it: an in-play
// or suspension flag arriving between polls stops a submission the next
// book fetch would otherwise miss. Price decisions still come from the
// polled book.
type StreamClient struct {
	streamURL string
	appKey    string
	logger    *logrus.Logger

	mu              sync.RWMutex
	conn            *websocket.Conn
	sessionToken    string
	connected       bool
	lastMessageTime time.Time
	handlers        []MarketFlagHandler
	subID           int
	subscribed      []string
}

// MarketFlagHandler receives market status flag changes from the stream.
type MarketFlagHandler func(marketID string, inPlay bool, status string)

type streamMessage struct {
	Op            string               `json:"op"`
	ID            int                  `json:"id,omitempty"`
	StatusCode    string               `json:"statusCode,omitempty"`
	ConnectionID  string               `json:"connectionId,omitempty"`
	MarketChanges []streamMarketChange `json:"mc,omitempty"`
}

type streamMarketChange struct {
	MarketID   string                  `json:"id"`
	Definition *streamMarketDefinition `json:"marketDefinition,omitempty"`
}

type streamMarketDefinition struct {
	Status string `json:"status"`
	InPlay bool   `json:"inPlay"`
}

// NewStreamClient creates a new market stream client
func NewStreamClient(streamURL, appKey string, logger *logrus.Logger) *StreamClient {
	return &StreamClient{
		streamURL: streamURL,
		appKey:    appKey,
		logger:    logger,
	}
}

// Connect establishes the WebSocket connection and authenticates with the
// current session token.
func (s *StreamClient) Connect(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	s.conn = conn
	s.sessionToken = sessionToken
	s.connected = true
	s.lastMessageTime = time.Now()

	authMsg := map[string]any{
		"op":      "authentication",
		"session": sessionToken,
		"appKey":  s.appKey,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		s.connected = false
		conn.Close()
		return fmt.Errorf("stream authentication failed: %w", err)
	}

	// Replay the last subscription so a reconnect picks up the tracked
	// universe without waiting for the next refresh.
	if len(s.subscribed) > 0 {
		if err := conn.WriteJSON(s.subscriptionMessageLocked()); err != nil {
			s.logger.WithError(err).Warn("failed to replay stream subscription")
		}
	}

	go s.readMessages()
	s.logger.Info("market stream connected")
	return nil
}

// SubscribeToMarkets replaces the stream subscription with the given
// markets, requesting definition changes only; heavy price data stays off
// the stream. The market set is remembered and replayed on reconnect.
func (s *StreamClient) SubscribeToMarkets(marketIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribed = append([]string(nil), marketIDs...)
	s.subID++
	if !s.connected || s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(s.subscriptionMessageLocked())
}

func (s *StreamClient) subscriptionMessageLocked() map[string]any {
	return map[string]any{
		"op": "marketSubscription",
		"id": s.subID,
		"marketFilter": map[string]any{
			"marketIds": s.subscribed,
		},
		"marketDataFilter": map[string]any{
			"fields": []string{"EX_MARKET_DEF"},
		},
		"conflateMs":  1000,
		"heartbeatMs": 5000,
	}
}

// AddHandler registers a market flag handler
func (s *StreamClient) AddHandler(handler MarketFlagHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *StreamClient) readMessages() {
	defer s.Close()

	for {
		var raw json.RawMessage
		if err := s.conn.ReadJSON(&raw); err != nil {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			s.logger.WithError(err).Warn("market stream disconnected")
			return
		}

		s.mu.Lock()
		s.lastMessageTime = time.Now()
		handlers := s.handlers
		s.mu.Unlock()

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.WithError(err).Debug("unparseable stream message")
			continue
		}
		if msg.Op != "mcm" {
			continue
		}

		for _, mc := range msg.MarketChanges {
			if mc.Definition == nil {
				continue
			}
			for _, handler := range handlers {
				handler(mc.MarketID, mc.Definition.InPlay, mc.Definition.Status)
			}
		}
	}
}

// IsConnected returns whether the stream is connected
func (s *StreamClient) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// LastMessageTime returns the time of the last received message
func (s *StreamClient) LastMessageTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessageTime
}

// Close closes the stream connection
func (s *StreamClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.connected = false
	return s.conn.Close()
}
