package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/config"
	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/plugin"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
)

const diagnosticsManifest = `version: "1"
plugin:
  name: diagnostics
commands:
  - name: echo
    handler: echo
    description: Echo the params back to the caller
  - name: ping
    handler: ping
`

const extrasManifest = `version: "1"
plugin:
  name: extras
commands:
  - name: restart_service
    handler: run
    params:
      cmd: systemctl
    blocking: true
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness runs an in-process broker behind a real HTTP listener so tests
// exercise the full path: upgrade, pumps, registration, routing.
type harness struct {
	broker  *Broker
	server  *httptest.Server
	cfg     *config.Config
	plugins *plugin.Registry
	dir     string
}

func newHarness(t *testing.T, mutate func(cfg *config.Config), opts Options) *harness {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagnostics.yaml"), []byte(diagnosticsManifest), 0o644))

	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"
	cfg.Plugins.Dir = dir
	if mutate != nil {
		mutate(cfg)
	}

	plugins := plugin.NewRegistry(dir, discardLogger())
	_, err := plugins.Reload()
	require.NoError(t, err)

	b := New(cfg, plugins, log.NewNop(), opts)
	b.Start()
	t.Cleanup(b.Stop)

	server := httptest.NewServer(b.Handler())
	t.Cleanup(server.Close)

	return &harness{broker: b, server: server, cfg: cfg, plugins: plugins, dir: dir}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
}

// dial opens a raw, unregistered connection.
func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// register dials and completes the registration handshake.
func (h *harness) register(t *testing.T, session string, caps map[string]bool, token string) (*websocket.Conn, *protocol.WelcomePayload) {
	t.Helper()
	conn := h.dial(t)
	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  session,
		Capabilities: caps,
		SystemInfo:   &protocol.SystemInfo{Hostname: "test-host", Platform: "linux"},
		Token:        token,
	})
	msg := awaitMessage(t, conn, protocol.MessageTypeWelcome)
	var welcome protocol.WelcomePayload
	require.NoError(t, protocol.Decode(msg, &welcome))
	return conn, &welcome
}

// mintToken signs a capability token with the harness secret.
func (h *harness) mintToken(t *testing.T, caps ...string) string {
	t.Helper()
	token, err := h.broker.TokenValidator().GenerateToken(&Claims{
		Subject:      "ops@example.com",
		Capabilities: caps,
		IssuedAt:     time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Issuer:       "test",
	})
	require.NoError(t, err)
	return token
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	data, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// awaitMessage reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts.
func awaitMessage(t *testing.T, conn *websocket.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()
	for i := 0; i < 16; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		msg, err := protocol.ParseMessage(data)
		require.NoError(t, err)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %s message after 16 frames", want)
	return nil
}

// expectSilence asserts no frame arrives within the window. The read deadline
// poisons the connection, so this must be the last read on it.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame, got %s", string(data))
}

// expectClosed asserts the broker hangs up on the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 16; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection still open after 16 frames")
}

func decodeError(t *testing.T, msg *protocol.Message) *protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	require.NoError(t, protocol.Decode(msg, &p))
	return &p
}

func TestBroker_RegisterWelcome(t *testing.T) {
	h := newHarness(t, nil, Options{})

	_, welcome := h.register(t, "deploy-1", map[string]bool{protocol.CapabilityControl: true}, "")

	assert.NotEmpty(t, welcome.ClientID)
	assert.False(t, welcome.ServerTime.IsZero())
	assert.Equal(t, []string{"echo", "ping"}, welcome.AvailableCommands)
	assert.Equal(t, 30, welcome.HeartbeatInterval)
	require.Len(t, welcome.Commands, 2)
	assert.Equal(t, "echo", welcome.Commands[0].Name)
	assert.Equal(t, "echo", welcome.Commands[0].Handler)

	assert.Equal(t, 1, h.broker.ConnectionCount())
	client, ok := h.broker.registry.Get(welcome.ClientID)
	require.True(t, ok)
	assert.Equal(t, "deploy-1", client.UserSession)
	assert.Equal(t, "test-host", client.SystemInfo.Hostname)
}

func TestBroker_FirstMessageMustBeRegister(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn := h.dial(t)

	sendMessage(t, conn, protocol.MessageTypeHeartbeat, nil)

	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	assert.Contains(t, errPayload.Message, "first message must be register")
	expectClosed(t, conn)
	assert.Equal(t, 0, h.broker.ConnectionCount())
}

func TestBroker_RegisterValidation(t *testing.T) {
	h := newHarness(t, nil, Options{})

	conn := h.dial(t)
	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
	})
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	assert.Contains(t, errPayload.Message, "user_session")
	expectClosed(t, conn)

	// Raw junk as the first frame is a registration failure too.
	junk := h.dial(t)
	require.NoError(t, junk.WriteMessage(websocket.TextMessage, []byte("{{{")))
	errPayload = decodeError(t, awaitMessage(t, junk, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	expectClosed(t, junk)
}

func TestBroker_RegistrationWindow(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fabric.RegisterTimeout = config.Duration(100 * time.Millisecond)
	}, Options{})

	conn := h.dial(t)

	// Say nothing; the broker hangs up once the window expires.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.broker.ConnectionCount())
}

func TestBroker_Heartbeat(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn, welcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	client, ok := h.broker.registry.Get(welcome.ClientID)
	require.True(t, ok)
	before := client.LastHeartbeat()

	time.Sleep(20 * time.Millisecond)
	sendMessage(t, conn, protocol.MessageTypeHeartbeat, nil)
	awaitMessage(t, conn, protocol.MessageTypeHeartbeatAck)

	assert.True(t, client.LastHeartbeat().After(before))
}

func TestBroker_ForwardRoundTrip(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, agentWelcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	priority := 2
	sendMessage(t, mgmt, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: agentWelcome.ClientID,
		Command:      protocol.CommandRequest{Command: "echo", Params: map[string]interface{}{"text": "hi"}},
		Priority:     &priority,
	})

	var ack protocol.ForwardAckPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeForwardAck), &ack))
	assert.NotEmpty(t, ack.CommandID)
	assert.Equal(t, agentWelcome.ClientID, ack.TargetClient)
	assert.Equal(t, "sent", ack.Status)

	// The target receives the wrapped command under the broker's
	// correlation id.
	var cmd protocol.CommandPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, agent, protocol.MessageTypeCommand), &cmd))
	assert.Equal(t, ack.CommandID, cmd.CommandID)
	assert.Equal(t, "echo", cmd.Command)
	assert.Equal(t, "hi", cmd.Params["text"])
	assert.Equal(t, 2, cmd.Priority)

	sendMessage(t, agent, protocol.MessageTypeCommandAck, &protocol.CommandAckPayload{
		CommandID: cmd.CommandID,
		Status:    string(protocol.CommandStatusQueued),
	})

	// In flight, the stats report the command as pending.
	sendMessage(t, mgmt, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestGetStats})
	var stats protocol.StatsPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeStats), &stats))
	assert.Equal(t, 2, stats.ConnectedClients)
	assert.Equal(t, 1, stats.PendingCommands)
	assert.Equal(t, int64(1), stats.ForwardedTotal)
	assert.Equal(t, 1, stats.ClientsByCapability[protocol.CapabilityControl])
	assert.Equal(t, 1, stats.ClientsByCapability[protocol.CapabilityManagement])
	assert.Equal(t, 2, stats.AvailableCommands)

	sendMessage(t, agent, protocol.MessageTypeCommandResult, &protocol.CommandResultPayload{
		CommandID:  cmd.CommandID,
		Result:     json.RawMessage(`{"echoed":"hi"}`),
		DurationMs: 42,
	})

	// The outcome reaches the management client, stamped with the target.
	var result protocol.CommandResultPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeCommandResult), &result))
	assert.Equal(t, cmd.CommandID, result.CommandID)
	assert.Equal(t, agentWelcome.ClientID, result.TargetClient)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(result.Result))
	assert.Equal(t, int64(42), result.DurationMs)

	sendMessage(t, mgmt, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestGetStats})
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeStats), &stats))
	assert.Equal(t, 0, stats.PendingCommands)
	assert.Equal(t, int64(1), stats.OutcomesByStatus[string(protocol.CommandStatusCompleted)])
}

func TestBroker_ForwardTargetNotFound(t *testing.T) {
	h := newHarness(t, nil, Options{})

	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)
	observer, _ := h.register(t, "ops-2", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, mgmt, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: "no-such-client",
		Command:      protocol.CommandRequest{Command: "echo"},
	})

	var fwdErr protocol.ForwardErrorPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeForwardError), &fwdErr))
	assert.Equal(t, protocol.ErrorCodeTargetNotFound, fwdErr.Code)
	assert.Equal(t, "no-such-client", fwdErr.TargetClient)
	assert.Contains(t, fwdErr.Error, "no-such-client")

	// The failure goes to the requester only.
	expectSilence(t, observer, 200*time.Millisecond)
}

func TestBroker_ForwardRequiresManagement(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, agentWelcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	rogue, _ := h.register(t, "agent-2", map[string]bool{protocol.CapabilityControl: true}, "")

	sendMessage(t, rogue, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: agentWelcome.ClientID,
		Command:      protocol.CommandRequest{Command: "echo"},
	})

	var fwdErr protocol.ForwardErrorPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, rogue, protocol.MessageTypeForwardError), &fwdErr))
	assert.Equal(t, protocol.ErrorCodeUnauthorized, fwdErr.Code)

	// The target never sees a command frame.
	expectSilence(t, agent, 200*time.Millisecond)
}

func TestBroker_OutcomeFanOut(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, agentWelcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	requester, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)
	observer, _ := h.register(t, "ops-2", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, requester, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: agentWelcome.ClientID,
		Command:      protocol.CommandRequest{Command: "ping"},
	})
	var ack protocol.ForwardAckPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, requester, protocol.MessageTypeForwardAck), &ack))

	var cmd protocol.CommandPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, agent, protocol.MessageTypeCommand), &cmd))
	assert.Equal(t, protocol.DefaultPriority, cmd.Priority)

	sendMessage(t, agent, protocol.MessageTypeCommandError, &protocol.CommandErrorPayload{
		CommandID: cmd.CommandID,
		Error:     "host unreachable",
	})

	// Failures fan out to every management client, not only the requester.
	for _, conn := range []*websocket.Conn{requester, observer} {
		var cmdErr protocol.CommandErrorPayload
		require.NoError(t, protocol.Decode(awaitMessage(t, conn, protocol.MessageTypeCommandError), &cmdErr))
		assert.Equal(t, cmd.CommandID, cmdErr.CommandID)
		assert.Equal(t, agentWelcome.ClientID, cmdErr.TargetClient)
		assert.Equal(t, "host unreachable", cmdErr.Error)
	}
}

func TestBroker_UnsolicitedResultDropped(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	observer, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, agent, protocol.MessageTypeCommandResult, &protocol.CommandResultPayload{
		CommandID: "never-forwarded",
		Result:    json.RawMessage(`{}`),
	})

	// No broadcast, no error back to the sender.
	expectSilence(t, observer, 200*time.Millisecond)
	expectSilence(t, agent, 100*time.Millisecond)
}

func TestBroker_PrivilegedCapabilityNeedsToken(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn := h.dial(t)

	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "ops-1",
		Capabilities: map[string]bool{protocol.CapabilityManagement: true},
	})

	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	assert.Contains(t, errPayload.Message, "requires a token")
	expectClosed(t, conn)
	assert.Equal(t, 0, h.broker.ConnectionCount())
}

func TestBroker_InvalidTokenRejected(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn := h.dial(t)

	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "agent-1",
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
		Token:        "garbage.token.value",
	})

	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	assert.Contains(t, errPayload.Message, "invalid token")
	expectClosed(t, conn)
}

func TestBroker_TokenDowngrade(t *testing.T) {
	h := newHarness(t, nil, Options{})

	// The token grants hot_reload only; the management request is dropped
	// from the granted set.
	token := h.mintToken(t, protocol.CapabilityHotReload)
	conn, welcome := h.register(t, "agent-1", map[string]bool{
		protocol.CapabilityControl:    true,
		protocol.CapabilityManagement: true,
		protocol.CapabilityHotReload:  true,
	}, token)

	client, ok := h.broker.registry.Get(welcome.ClientID)
	require.True(t, ok)
	assert.Equal(t, []string{protocol.CapabilityControl, protocol.CapabilityHotReload}, client.CapabilityNames())
	assert.False(t, client.IsManagement())
	assert.Equal(t, "ops@example.com", client.Subject)

	sendMessage(t, conn, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: welcome.ClientID,
		Command:      protocol.CommandRequest{Command: "echo"},
	})
	var fwdErr protocol.ForwardErrorPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, conn, protocol.MessageTypeForwardError), &fwdErr))
	assert.Equal(t, protocol.ErrorCodeUnauthorized, fwdErr.Code)
}

func TestBroker_RequireAgentToken(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Auth.RequireAgentToken = true
	}, Options{})

	conn := h.dial(t)
	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "agent-1",
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
	})
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Contains(t, errPayload.Message, "token is required")
	expectClosed(t, conn)

	// The same registration succeeds once a token is presented.
	_, welcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, h.mintToken(t))
	assert.NotEmpty(t, welcome.ClientID)
}

func TestBroker_BearerHeaderToken(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Auth.RequireAgentToken = true
	}, Options{})

	// The token arrives in the Authorization header instead of the
	// register payload.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.mintToken(t))
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "agent-1",
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
	})
	awaitMessage(t, conn, protocol.MessageTypeWelcome)
}

func TestBroker_ServerFull(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fabric.MaxClients = 1
	}, Options{})

	h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	conn := h.dial(t)
	sendMessage(t, conn, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  "agent-2",
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
	})
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeRegistration, errPayload.Code)
	assert.Contains(t, errPayload.Message, "server full")
	expectClosed(t, conn)
	assert.Equal(t, 1, h.broker.ConnectionCount())
}

func TestBroker_HeartbeatEviction(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fabric.HeartbeatInterval = config.Duration(50 * time.Millisecond)
		cfg.Fabric.HeartbeatTimeout = config.Duration(150 * time.Millisecond)
	}, Options{})

	conn, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	// Stay silent past the timeout; the monitor force-disconnects us.
	require.Eventually(t, func() bool {
		return h.broker.ConnectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, h.broker.monitor.Evictions(), int64(1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for i := 0; i < 16; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection survived eviction")
}

func TestBroker_ListClients(t *testing.T) {
	h := newHarness(t, nil, Options{})

	_, agentWelcome := h.register(t, "deploy-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, mgmtWelcome := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, mgmt, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestListClients})
	var list protocol.ClientListPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeClientList), &list))

	// Entries come back in connection order.
	require.Len(t, list.Clients, 2)
	assert.Equal(t, agentWelcome.ClientID, list.Clients[0].ClientID)
	assert.Equal(t, "deploy-1", list.Clients[0].UserSession)
	assert.Equal(t, "test-host", list.Clients[0].Hostname)
	assert.Equal(t, "linux", list.Clients[0].Platform)
	assert.Equal(t, []string{protocol.CapabilityControl}, list.Clients[0].Capabilities)
	assert.False(t, list.Clients[0].ConnectedAt.IsZero())
	assert.Equal(t, mgmtWelcome.ClientID, list.Clients[1].ClientID)
}

func TestBroker_ReloadPluginsRequest(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityHotReload)
	ops, _ := h.register(t, "ops-1", map[string]bool{
		protocol.CapabilityControl:   true,
		protocol.CapabilityHotReload: true,
	}, token)

	// A new manifest lands on disk before the reload request.
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "extras.yaml"), []byte(extrasManifest), 0o644))

	sendMessage(t, ops, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestReloadPlugins})

	// Every connection receives the new catalogue, the requester included.
	for _, conn := range []*websocket.Conn{ops, agent} {
		var reloaded protocol.PluginsReloadedPayload
		require.NoError(t, protocol.Decode(awaitMessage(t, conn, protocol.MessageTypePluginsReloaded), &reloaded))
		assert.Equal(t, []string{"echo", "ping", "restart_service"}, reloaded.AvailableCommands)
		require.Len(t, reloaded.Commands, 3)
	}
	assert.Equal(t, 3, h.plugins.Len())
}

func TestBroker_ReloadPluginsReportsManifestErrors(t *testing.T) {
	h := newHarness(t, nil, Options{})

	token := h.mintToken(t, protocol.CapabilityHotReload)
	ops, _ := h.register(t, "ops-1", map[string]bool{
		protocol.CapabilityControl:   true,
		protocol.CapabilityHotReload: true,
	}, token)

	// One good manifest and one that cannot parse.
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "extras.yaml"), []byte(extrasManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "broken.yaml"), []byte("commands: [\n"), 0o644))

	sendMessage(t, ops, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestReloadPlugins})

	// The broadcast names the failed manifest; the rest of the catalogue
	// still loads.
	var reloaded protocol.PluginsReloadedPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, ops, protocol.MessageTypePluginsReloaded), &reloaded))
	assert.Equal(t, []string{"echo", "ping", "restart_service"}, reloaded.AvailableCommands)
	require.Len(t, reloaded.LoadErrors, 1)
	assert.Contains(t, reloaded.LoadErrors[0], "broken.yaml")
	assert.Equal(t, 3, h.plugins.Len())
}

func TestBroker_ReloadPluginsRequiresHotReload(t *testing.T) {
	h := newHarness(t, nil, Options{})

	agent, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	sendMessage(t, agent, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestReloadPlugins})

	errPayload := decodeError(t, awaitMessage(t, agent, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeUnauthorized, errPayload.Code)
	assert.Equal(t, 2, h.plugins.Len())
}

func TestBroker_HistoryRequest(t *testing.T) {
	journal, err := history.NewJournal(filepath.Join(t.TempDir(), "history.db"), discardLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	h := newHarness(t, nil, Options{Journal: journal})

	agent, agentWelcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, mgmtWelcome := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, mgmt, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: agentWelcome.ClientID,
		Command:      protocol.CommandRequest{Command: "echo"},
	})
	var cmd protocol.CommandPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, agent, protocol.MessageTypeCommand), &cmd))
	sendMessage(t, agent, protocol.MessageTypeCommandResult, &protocol.CommandResultPayload{
		CommandID:  cmd.CommandID,
		Result:     json.RawMessage(`"ok"`),
		DurationMs: 5,
	})
	awaitMessage(t, mgmt, protocol.MessageTypeCommandResult)

	// The journal write is asynchronous; wait for the row to land.
	require.Eventually(t, func() bool {
		entries, err := journal.Recent(10, history.Filter{})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	sendMessage(t, mgmt, protocol.MessageTypeRequest, &protocol.RequestPayload{
		Command: protocol.RequestHistory,
		Params:  map[string]interface{}{"limit": 10},
	})
	var hist protocol.HistoryPayload
	require.NoError(t, protocol.Decode(awaitMessage(t, mgmt, protocol.MessageTypeHistory), &hist))

	require.Len(t, hist.Entries, 1)
	entry := hist.Entries[0]
	assert.Equal(t, cmd.CommandID, entry.CommandID)
	assert.Equal(t, "echo", entry.Name)
	assert.Equal(t, agentWelcome.ClientID, entry.TargetClient)
	assert.Equal(t, mgmtWelcome.ClientID, entry.Requester)
	assert.Equal(t, string(protocol.CommandStatusCompleted), entry.Status)
	assert.Equal(t, int64(5), entry.DurationMs)
	require.NotNil(t, entry.CompletedAt)
}

func TestBroker_HistoryRequiresManagement(t *testing.T) {
	h := newHarness(t, nil, Options{})
	agent, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	sendMessage(t, agent, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestHistory})
	errPayload := decodeError(t, awaitMessage(t, agent, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeUnauthorized, errPayload.Code)
}

func TestBroker_HistoryNotEnabled(t *testing.T) {
	h := newHarness(t, nil, Options{})

	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, mgmt, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: protocol.RequestHistory})
	errPayload := decodeError(t, awaitMessage(t, mgmt, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeProtocol, errPayload.Code)
	assert.Contains(t, errPayload.Message, "history is not enabled")
}

func TestBroker_DisconnectMarksPendingLost(t *testing.T) {
	journal, err := history.NewJournal(filepath.Join(t.TempDir(), "history.db"), discardLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	h := newHarness(t, nil, Options{Journal: journal})

	agent, agentWelcome := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")
	token := h.mintToken(t, protocol.CapabilityManagement)
	mgmt, _ := h.register(t, "ops-1", map[string]bool{protocol.CapabilityManagement: true}, token)

	sendMessage(t, mgmt, protocol.MessageTypeForwardCommand, &protocol.ForwardCommandPayload{
		TargetClient: agentWelcome.ClientID,
		Command:      protocol.CommandRequest{Command: "ping"},
	})
	awaitMessage(t, mgmt, protocol.MessageTypeForwardAck)
	awaitMessage(t, agent, protocol.MessageTypeCommand)

	// The agent dies with the command still pending.
	require.NoError(t, agent.Close())

	require.Eventually(t, func() bool {
		entries, err := journal.Recent(10, history.Filter{Status: string(protocol.CommandStatusCancelled)})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := journal.Recent(10, history.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ping", entries[0].Command)
	assert.Contains(t, entries[0].Error, "disconnected")

	// Cancellation is bookkeeping, not an outcome broadcast.
	expectSilence(t, mgmt, 200*time.Millisecond)
}

func TestBroker_UnknownMessageType(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	sendMessage(t, conn, protocol.MessageType("teleport"), nil)
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeProtocol, errPayload.Code)
	assert.Contains(t, errPayload.Message, "unsupported message type")

	// Protocol errors after registration do not cost the connection.
	sendMessage(t, conn, protocol.MessageTypeHeartbeat, nil)
	awaitMessage(t, conn, protocol.MessageTypeHeartbeatAck)
}

func TestBroker_UnknownRequestCommand(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	sendMessage(t, conn, protocol.MessageTypeRequest, &protocol.RequestPayload{Command: "make_coffee"})
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeProtocol, errPayload.Code)
	assert.Contains(t, errPayload.Message, "unknown request command")
}

func TestBroker_MalformedFrame(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errPayload := decodeError(t, awaitMessage(t, conn, protocol.MessageTypeError))
	assert.Equal(t, protocol.ErrorCodeProtocol, errPayload.Code)
}

func TestBroker_BroadcastConfigUpdate(t *testing.T) {
	h := newHarness(t, nil, Options{})
	conn, _ := h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	h.broker.BroadcastConfigUpdate(h.cfg)

	msg := awaitMessage(t, conn, protocol.MessageTypeConfigUpdate)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Contains(t, got, "fabric")
	// The shared secret never crosses the wire.
	assert.NotContains(t, string(msg.Payload), "test-secret")
}

func TestBroker_HTTPEndpoints(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.register(t, "agent-1", map[string]bool{protocol.CapabilityControl: true}, "")

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "healthy", ready.Status)
	require.NotEmpty(t, ready.Checks)
	assert.Equal(t, "fabric", ready.Checks[0].Name)

	resp, err = http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "switchboard_broker_connected_clients")
}

func TestBroker_ReadyzAfterStop(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.broker.Stop()

	resp, err := http.Get(h.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
