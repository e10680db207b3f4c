package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamServer is a websocket endpoint that records every message a
// client sends and can push messages back down the connection.
type streamServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	notify chan map[string]any
}

func newStreamServer(t *testing.T) *streamServer {
	s := &streamServer{notify: make(chan map[string]any, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				s.notify <- msg
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *streamServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-s.notify:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return nil
	}
}

func (s *streamServer) push(t *testing.T, v any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	require.NoError(t, s.conns[len(s.conns)-1].WriteJSON(v))
}

func TestStreamConnectAuthenticates(t *testing.T) {
	srv := newStreamServer(t)
	sc := NewStreamClient(srv.url(), "test-app-key", testLogger())
	require.NoError(t, sc.Connect(context.Background(), "session-token"))
	t.Cleanup(func() { sc.Close() })

	auth := srv.next(t)
	assert.Equal(t, "authentication", auth["op"])
	assert.Equal(t, "session-token", auth["session"])
	assert.Equal(t, "test-app-key", auth["appKey"])
	assert.True(t, sc.IsConnected())
}

func TestStreamSubscribeSendsDefinitionFilter(t *testing.T) {
	srv := newStreamServer(t)
	sc := NewStreamClient(srv.url(), "test-app-key", testLogger())
	require.NoError(t, sc.Connect(context.Background(), "session-token"))
	t.Cleanup(func() { sc.Close() })
	srv.next(t) // authentication

	require.NoError(t, sc.SubscribeToMarkets([]string{"1.100", "1.200"}))

	sub := srv.next(t)
	assert.Equal(t, "marketSubscription", sub["op"])
	filter, ok := sub["marketFilter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"1.100", "1.200"}, filter["marketIds"])
	dataFilter, ok := sub["marketDataFilter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"EX_MARKET_DEF"}, dataFilter["fields"])
}

func TestStreamReplaysSubscriptionOnReconnect(t *testing.T) {
	srv := newStreamServer(t)
	sc := NewStreamClient(srv.url(), "test-app-key", testLogger())

	// Subscribing while disconnected fails but the market set is kept for
	// the next connect.
	require.Error(t, sc.SubscribeToMarkets([]string{"1.100"}))

	require.NoError(t, sc.Connect(context.Background(), "session-token"))
	t.Cleanup(func() { sc.Close() })

	srv.next(t) // authentication
	sub := srv.next(t)
	assert.Equal(t, "marketSubscription", sub["op"])
	filter, ok := sub["marketFilter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"1.100"}, filter["marketIds"])
}

func TestStreamDispatchesDefinitionChanges(t *testing.T) {
	srv := newStreamServer(t)
	sc := NewStreamClient(srv.url(), "test-app-key", testLogger())

	type flagChange struct {
		marketID string
		inPlay   bool
		status   string
	}
	changes := make(chan flagChange, 4)
	sc.AddHandler(func(marketID string, inPlay bool, status string) {
		changes <- flagChange{marketID, inPlay, status}
	})

	require.NoError(t, sc.Connect(context.Background(), "session-token"))
	t.Cleanup(func() { sc.Close() })
	srv.next(t) // authentication

	// Non-mcm traffic is ignored.
	srv.push(t, map[string]any{"op": "status", "statusCode": "SUCCESS"})
	srv.push(t, map[string]any{
		"op": "mcm",
		"mc": []map[string]any{{
			"id": "1.100",
			"marketDefinition": map[string]any{
				"status": "SUSPENDED",
				"inPlay": true,
			},
		}},
	})

	select {
	case got := <-changes:
		assert.Equal(t, flagChange{"1.100", true, "SUSPENDED"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for definition change")
	}
	assert.Empty(t, changes)
	assert.False(t, sc.LastMessageTime().IsZero())
}
