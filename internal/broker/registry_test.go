package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/protocol"
)

// stubClient builds a registered client without a live connection. Good for
// registry and pending-map tests; anything touching the send path needs the
// full broker harness instead.
func stubClient(id string, caps ...string) *Client {
	reg := &protocol.RegisterPayload{
		UserSession:  "session-" + id,
		Capabilities: make(map[string]bool, len(caps)),
	}
	for _, name := range caps {
		reg.Capabilities[name] = true
	}
	return newClient(&Connection{id: id, send: make(chan []byte, 1)}, reg, caps, "")
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry(0)

	agent := stubClient("agent-1", protocol.CapabilityControl)
	require.NoError(t, r.Add(agent))
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, agent, got)

	removed, ok := r.Remove("agent-1")
	require.True(t, ok)
	assert.Same(t, agent, removed)
	assert.Equal(t, 0, r.Count())

	_, ok = r.Remove("agent-1")
	assert.False(t, ok)
}

func TestRegistry_ServerFull(t *testing.T) {
	r := NewRegistry(1)

	require.NoError(t, r.Add(stubClient("agent-1", protocol.CapabilityControl)))

	err := r.Add(stubClient("agent-2", protocol.CapabilityControl))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerFull)

	// Capacity frees up on removal.
	_, ok := r.Remove("agent-1")
	require.True(t, ok)
	assert.NoError(t, r.Add(stubClient("agent-2", protocol.CapabilityControl)))
}

func TestRegistry_ZeroMeansUnlimited(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 200; i++ {
		require.NoError(t, r.Add(stubClient(fmt.Sprintf("client-%d", i), protocol.CapabilityControl)))
	}
	assert.Equal(t, 200, r.Count())
}

func TestRegistry_Counts(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Add(stubClient("agent-1", protocol.CapabilityControl)))
	require.NoError(t, r.Add(stubClient("agent-2", protocol.CapabilityControl, protocol.CapabilityHotReload)))
	require.NoError(t, r.Add(stubClient("ops-1", protocol.CapabilityManagement)))
	require.NoError(t, r.Add(stubClient("watcher-1")))

	byCap := r.CountByCapability()
	assert.Equal(t, 2, byCap[protocol.CapabilityControl])
	assert.Equal(t, 1, byCap[protocol.CapabilityManagement])
	assert.Equal(t, 1, byCap[protocol.CapabilityHotReload])

	byType := r.CountByType()
	assert.Equal(t, 2, byType["agent"])
	assert.Equal(t, 1, byType["management"])
	assert.Equal(t, 1, byType["other"])

	// Types always appear, so gauges can zero out after removals.
	r.Remove("ops-1")
	byType = r.CountByType()
	assert.Equal(t, 0, byType["management"])
}

func TestRegistry_SnapshotOrdering(t *testing.T) {
	r := NewRegistry(0)

	first := stubClient("b-client", protocol.CapabilityControl)
	second := stubClient("a-client", protocol.CapabilityControl)
	second.ConnectedAt = first.ConnectedAt.Add(time.Second)
	third := stubClient("c-client", protocol.CapabilityControl)
	third.ConnectedAt = first.ConnectedAt

	require.NoError(t, r.Add(first))
	require.NoError(t, r.Add(second))
	require.NoError(t, r.Add(third))

	infos := r.Snapshot()
	require.Len(t, infos, 3)
	// Connection time first, id as the tiebreak.
	assert.Equal(t, "b-client", infos[0].ClientID)
	assert.Equal(t, "c-client", infos[1].ClientID)
	assert.Equal(t, "a-client", infos[2].ClientID)
}

func TestClient_Type(t *testing.T) {
	assert.Equal(t, "agent", stubClient("a", protocol.CapabilityControl).Type())
	assert.Equal(t, "management", stubClient("m", protocol.CapabilityManagement).Type())
	assert.Equal(t, "other", stubClient("o").Type())

	// Management wins when a client holds both.
	both := stubClient("b", protocol.CapabilityControl, protocol.CapabilityManagement)
	assert.Equal(t, "management", both.Type())
	assert.True(t, both.IsAgent())
	assert.True(t, both.IsManagement())
}

func TestClient_TouchIsMonotonic(t *testing.T) {
	c := stubClient("agent-1", protocol.CapabilityControl)
	base := c.LastHeartbeat()

	later := base.Add(time.Minute)
	c.Touch(later)
	assert.Equal(t, later, c.LastHeartbeat())

	// An older timestamp never rewinds the recorded heartbeat.
	c.Touch(base)
	assert.Equal(t, later, c.LastHeartbeat())
}

func TestClient_PendingLifecycle(t *testing.T) {
	c := stubClient("agent-1", protocol.CapabilityControl)

	cmd := &PendingCommand{
		ID:        "cmd-1",
		Name:      "echo",
		Requester: "ops-1",
		Priority:  protocol.DefaultPriority,
		Status:    protocol.CommandStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	c.AddPending(cmd)
	assert.Equal(t, 1, c.PendingCount())

	// pending -> queued -> running moves forward; rewinds are refused.
	assert.True(t, c.AdvancePending("cmd-1", protocol.CommandStatusQueued))
	assert.True(t, c.AdvancePending("cmd-1", protocol.CommandStatusRunning))
	assert.False(t, c.AdvancePending("cmd-1", protocol.CommandStatusQueued))
	assert.Equal(t, protocol.CommandStatusRunning, cmd.Status)

	assert.False(t, c.AdvancePending("no-such-command", protocol.CommandStatusQueued))

	taken, ok := c.TakePending("cmd-1")
	require.True(t, ok)
	assert.Same(t, cmd, taken)
	assert.Equal(t, 0, c.PendingCount())

	_, ok = c.TakePending("cmd-1")
	assert.False(t, ok)
}

func TestClient_DrainPending(t *testing.T) {
	c := stubClient("agent-1", protocol.CapabilityControl)
	c.AddPending(&PendingCommand{ID: "cmd-1", Name: "echo", Status: protocol.CommandStatusPending})
	c.AddPending(&PendingCommand{ID: "cmd-2", Name: "ping", Status: protocol.CommandStatusRunning})

	drained := c.DrainPending()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, c.PendingCount())
	assert.Empty(t, c.DrainPending())
}

func TestClient_Info(t *testing.T) {
	reg := &protocol.RegisterPayload{
		UserSession:  "deploy-7",
		Capabilities: map[string]bool{protocol.CapabilityControl: true},
		SystemInfo:   &protocol.SystemInfo{Hostname: "worker-3", Platform: "linux"},
	}
	c := newClient(&Connection{id: "agent-1", send: make(chan []byte, 1)}, reg, []string{protocol.CapabilityControl}, "")
	c.AddPending(&PendingCommand{ID: "cmd-1", Status: protocol.CommandStatusPending})

	info := c.Info()
	assert.Equal(t, "agent-1", info.ClientID)
	assert.Equal(t, "deploy-7", info.UserSession)
	assert.Equal(t, "worker-3", info.Hostname)
	assert.Equal(t, "linux", info.Platform)
	assert.Equal(t, []string{protocol.CapabilityControl}, info.Capabilities)
	assert.Equal(t, 1, info.PendingCommands)
	assert.False(t, info.ConnectedAt.IsZero())
}

func TestRegistry_PendingTotal(t *testing.T) {
	r := NewRegistry(0)
	a := stubClient("agent-1", protocol.CapabilityControl)
	b := stubClient("agent-2", protocol.CapabilityControl)
	a.AddPending(&PendingCommand{ID: "cmd-1", Status: protocol.CommandStatusPending})
	a.AddPending(&PendingCommand{ID: "cmd-2", Status: protocol.CommandStatusPending})
	b.AddPending(&PendingCommand{ID: "cmd-3", Status: protocol.CommandStatusPending})

	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	assert.Equal(t, 3, r.PendingTotal())
}
