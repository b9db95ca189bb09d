//go:build integration

// Package e2e drives a real broker and a real agent through the full
// WebSocket fabric: registration, forwarding, result relay, reloads.
// Everything runs in-process, so the suite needs no external services.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/agent"
	"github.com/switchboard/switchboard/internal/broker"
	"github.com/switchboard/switchboard/internal/config"
	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/plugin"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
)

const fabricManifest = `version: "1"
plugin:
  name: diagnostics
commands:
  - name: echo
    handler: echo
    description: Echo the params back to the caller
  - name: ping
    handler: ping
  - name: sleep
    handler: sleep
    blocking: true
    timeout_seconds: 30
`

// Fabric is the in-process test environment: one broker with a journal,
// behind a real HTTP listener.
type Fabric struct {
	Broker  *broker.Broker
	Journal *history.Journal
	Config  *config.Config

	server    *httptest.Server
	pluginDir string
}

func discardSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFabric boots a broker with the diagnostics catalogue and a sqlite
// journal in a temp directory.
func newFabric(t *testing.T, mutate func(cfg *config.Config)) *Fabric {
	t.Helper()

	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.Mkdir(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "diagnostics.yaml"), []byte(fabricManifest), 0o644))

	cfg := config.Default()
	cfg.Auth.Secret = "e2e-secret"
	cfg.Plugins.Dir = pluginDir
	if mutate != nil {
		mutate(cfg)
	}

	journal, err := history.NewJournal(filepath.Join(dir, "journal.db"), discardSlog(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	plugins := plugin.NewRegistry(pluginDir, discardSlog())
	_, err = plugins.Reload()
	require.NoError(t, err)

	b := broker.New(cfg, plugins, log.NewNop(), broker.Options{Journal: journal})
	b.Start()
	t.Cleanup(b.Stop)

	server := httptest.NewServer(b.Handler())
	t.Cleanup(server.Close)

	return &Fabric{
		Broker:    b,
		Journal:   journal,
		Config:    cfg,
		server:    server,
		pluginDir: pluginDir,
	}
}

func (f *Fabric) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

// installManifest drops a manifest into the plugin directory. A reload
// request has to happen before the catalogue picks it up.
func (f *Fabric) installManifest(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.pluginDir, name), []byte(content), 0o644))
}

// startAgent runs a real agent against the broker and blocks until it has
// registered. The returned stop func is idempotent and also runs on cleanup.
func (f *Fabric) startAgent(t *testing.T, session string, mutate func(cfg *agent.Config)) (stop func()) {
	t.Helper()

	cfg := &agent.Config{
		BrokerURL:            f.wsURL(),
		UserSession:          session,
		HeartbeatInterval:    30 * time.Second,
		ReconnectMinInterval: 100 * time.Millisecond,
		ReconnectMaxInterval: time.Second,
		PoolSize:             2,
		CommandTimeout:       10 * time.Second,
		SampleInterval:       time.Second,
		CPUWarning:           70,
		CPUCritical:          90,
		MemoryWarning:        80,
		MemoryCritical:       95,
		LogLevel:             "error",
		LogFormat:            "json",
	}
	if mutate != nil {
		mutate(cfg)
	}

	a, err := agent.New(cfg, log.NewNop(), metrics.NewAgentMetrics())
	require.NoError(t, err)

	before := f.Broker.ConnectionCount()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// Run exits on Stop or context cancellation.
		_ = a.Run(ctx)
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx)
			cancel()
		})
	}
	t.Cleanup(stop)

	waitFor(t, 5*time.Second, func() bool {
		return f.Broker.ConnectionCount() > before
	})

	return stop
}

// mintToken signs a capability token with the fabric's shared secret, the
// same way switchctl mints one offline.
func (f *Fabric) mintToken(t *testing.T, caps ...string) string {
	t.Helper()
	now := time.Now().UTC()
	token, err := broker.NewTokenValidator(f.Config.Auth.Secret).GenerateToken(&broker.Claims{
		Subject:      "e2e@example.com",
		Capabilities: caps,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		Issuer:       "e2e",
	})
	require.NoError(t, err)
	return token
}

// dialManagement opens a management connection with a token granting the
// given privileged capabilities.
func (f *Fabric) dialManagement(t *testing.T, caps ...string) (*websocket.Conn, *protocol.WelcomePayload) {
	t.Helper()

	if len(caps) == 0 {
		caps = []string{protocol.CapabilityManagement}
	}
	capSet := make(map[string]bool, len(caps))
	for _, name := range caps {
		capSet[name] = true
	}

	conn := f.dial(t)
	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "operator@e2e",
		Capabilities: capSet,
		SystemInfo:   &protocol.SystemInfo{Hostname: "e2e-host", Platform: "linux"},
		Token:        f.mintToken(t, caps...),
	})

	msg := awaitMessage(t, conn, protocol.MessageTypeWelcome)
	var welcome protocol.WelcomePayload
	require.NoError(t, protocol.Decode(msg, &welcome))
	return conn, &welcome
}

// dial opens a raw, unregistered connection.
func (f *Fabric) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	data, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// awaitMessage reads frames until one of the wanted types arrives, skipping
// unrelated broadcasts.
func awaitMessage(t *testing.T, conn *websocket.Conn, want ...protocol.MessageType) *protocol.Message {
	t.Helper()
	for i := 0; i < 32; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %v", want)
		msg, err := protocol.ParseMessage(data)
		require.NoError(t, err)
		for _, w := range want {
			if msg.Type == w {
				return msg
			}
		}
	}
	t.Fatalf("no %v message after 32 frames", want)
	return nil
}

// request sends a named request frame.
func request(t *testing.T, conn *websocket.Conn, command string, params map[string]interface{}) {
	t.Helper()
	sendMessage(t, conn, protocol.MessageTypeRequest, &protocol.RequestPayload{
		Command: command,
		Params:  params,
	})
}

// listClients round-trips a list_clients request.
func listClients(t *testing.T, conn *websocket.Conn) []protocol.ClientInfo {
	t.Helper()
	request(t, conn, protocol.RequestListClients, nil)
	var payload protocol.ClientListPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, conn, protocol.MessageTypeClientList), &payload))
	return payload.Clients
}

// forward sends a forward_command and returns the ack.
func forward(t *testing.T, conn *websocket.Conn, target, command string, params map[string]interface{}) *protocol.ForwardAckPayload {
	t.Helper()
	sendMessage(t, conn, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: target,
		Command:      protocol.CommandRequest{Command: command, Params: params},
	})
	msg := awaitMessage(t, conn, protocol.MessageTypeForwardAck, protocol.MessageTypeForwardError)
	if msg.Type == protocol.MessageTypeForwardError {
		var rejected protocol.ForwardErrorPayload
		require.NoError(t, protocol.Decode(msg, &rejected))
		t.Fatalf("forward rejected: %s (%s)", rejected.Error, rejected.Code)
	}
	var ack protocol.ForwardAckPayload
	require.NoError(t, protocol.Decode(msg, &ack))
	return &ack
}

// awaitOutcome reads until the result or error for the given command id
// arrives, skipping outcomes that belong to other commands.
func awaitOutcome(t *testing.T, conn *websocket.Conn, commandID string) (*protocol.CommandResultPayload, *protocol.CommandErrorPayload) {
	t.Helper()
	for i := 0; i < 32; i++ {
		msg := awaitMessage(t, conn, protocol.MessageTypeCommandResult, protocol.MessageTypeCommandError)
		if msg.Type == protocol.MessageTypeCommandResult {
			var result protocol.CommandResultPayload
			require.NoError(t, protocol.Decode(msg, &result))
			if result.CommandID == commandID {
				return &result, nil
			}
			continue
		}
		var cmdErr protocol.CommandErrorPayload
		require.NoError(t, protocol.Decode(msg, &cmdErr))
		if cmdErr.CommandID == commandID {
			return nil, &cmdErr
		}
	}
	t.Fatalf("no outcome for command %s", commandID)
	return nil, nil
}

// waitFor polls until the condition holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
