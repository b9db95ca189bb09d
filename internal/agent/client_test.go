package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
)

func TestClient_ReconnectBackoff(t *testing.T) {
	cfg := &Config{
		ReconnectMinInterval: 100 * time.Millisecond,
		ReconnectMaxInterval: 1 * time.Second,
	}
	c := NewClient(cfg, log.NewNop())

	// First attempt starts at the minimum, within the jitter band.
	first := c.NextReconnectInterval()
	assert.GreaterOrEqual(t, first, 90*time.Millisecond)
	assert.LessOrEqual(t, first, 110*time.Millisecond)

	// Each attempt doubles; the jitter bands do not overlap until the cap.
	prev := first
	for i := 0; i < 3; i++ {
		next := c.NextReconnectInterval()
		assert.Greater(t, next, prev, "attempt %d should back off further", i+2)
		prev = next
	}

	// Past the cap the interval stays inside the max jitter band.
	for i := 0; i < 3; i++ {
		capped := c.NextReconnectInterval()
		assert.GreaterOrEqual(t, capped, 900*time.Millisecond)
		assert.LessOrEqual(t, capped, 1100*time.Millisecond)
	}

	// A successful registration resets the schedule.
	c.ResetReconnectInterval()
	again := c.NextReconnectInterval()
	assert.GreaterOrEqual(t, again, 90*time.Millisecond)
	assert.LessOrEqual(t, again, 110*time.Millisecond)
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := NewClient(&Config{BrokerURL: "ws://localhost:0/ws"}, log.NewNop())

	err := c.Send(protocol.MustMessage(protocol.MessageTypeHeartbeat, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = c.Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_CloseWithoutConnection(t *testing.T) {
	c := NewClient(&Config{BrokerURL: "ws://localhost:0/ws"}, log.NewNop())
	assert.NoError(t, c.Close())
}

func TestClient_ConnectSendRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Echo frames back until the client goes away.
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := &Config{
		BrokerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     "agent-token",
	}
	c := NewClient(cfg, log.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	assert.Equal(t, "Bearer agent-token", <-gotAuth)

	sent := protocol.MustMessage(protocol.MessageTypeHeartbeat, nil)
	require.NoError(t, c.Send(sent))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	echoed, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeHeartbeat, echoed.Type)
	assert.Equal(t, sent.ID, echoed.ID)

	require.NoError(t, c.Close())
	err = c.Send(sent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_ConnectRejectedWithHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := &Config{BrokerURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	c := NewClient(cfg, log.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}
