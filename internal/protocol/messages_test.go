package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_RoundTrip(t *testing.T) {
	msg, err := NewMessage(MessageTypeForwardAck, &ForwardAckPayload{
		CommandID:    "cmd-1",
		TargetClient: "client-1",
		Status:       "sent",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Timestamp.IsZero())

	data, err := msg.Bytes()
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeForwardAck, parsed.Type)

	var ack ForwardAckPayload
	require.NoError(t, Decode(parsed, &ack))
	assert.Equal(t, "cmd-1", ack.CommandID)
	assert.Equal(t, "client-1", ack.TargetClient)
	assert.Equal(t, "sent", ack.Status)
}

func TestParseMessage_MissingType(t *testing.T) {
	_, err := ParseMessage([]byte(`{"payload":{"x":1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestParseMessage_MalformedJSON(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"register",`))
	require.Error(t, err)
}

func TestDecode_Register(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{
			name:    "valid",
			payload: `{"user_session":"ops","capabilities":{"management":true}}`,
		},
		{
			name:    "empty capabilities allowed",
			payload: `{"user_session":"ops","capabilities":{}}`,
		},
		{
			name:    "missing user_session",
			payload: `{"capabilities":{"control":true}}`,
			wantErr: "user_session is required",
		},
		{
			name:    "missing capabilities",
			payload: `{"user_session":"ops"}`,
			wantErr: "capabilities is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Type: MessageTypeRegister, Payload: json.RawMessage(tt.payload)}

			var reg RegisterPayload
			err := Decode(msg, &reg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ops", reg.UserSession)
		})
	}
}

func TestDecode_EmptyPayloadFailsValidation(t *testing.T) {
	msg := &Message{Type: MessageTypeRegister}

	var reg RegisterPayload
	err := Decode(msg, &reg)
	require.Error(t, err)
}

func TestRegisterPayload_CapabilitySet(t *testing.T) {
	reg := RegisterPayload{
		UserSession: "ops",
		Capabilities: map[string]bool{
			CapabilityManagement: true,
			CapabilityControl:    false,
			CapabilityHotReload:  true,
		},
	}

	caps := reg.CapabilitySet()
	assert.ElementsMatch(t, []string{CapabilityManagement, CapabilityHotReload}, caps)
}

func TestForwardCommandPayload_Validate(t *testing.T) {
	p := ForwardCommandPayload{
		TargetClient: "client-1",
		Command:      CommandRequest{Command: "echo"},
	}
	require.NoError(t, p.Validate())

	p.TargetClient = ""
	require.Error(t, p.Validate())

	p.TargetClient = "client-1"
	p.Command.Command = ""
	require.Error(t, p.Validate())
}

func TestForwardCommandPayload_EffectivePriority(t *testing.T) {
	p := ForwardCommandPayload{
		TargetClient: "client-1",
		Command:      CommandRequest{Command: "echo"},
	}
	assert.Equal(t, DefaultPriority, p.EffectivePriority())

	urgent := 1
	p.Priority = &urgent
	assert.Equal(t, 1, p.EffectivePriority())

	// Zero is a valid, urgent priority and must not fall back to the default.
	zero := 0
	p.Priority = &zero
	assert.Equal(t, 0, p.EffectivePriority())
}

func TestCommandResultPayload_Validate(t *testing.T) {
	p := CommandResultPayload{CommandID: "cmd-1", Result: json.RawMessage(`{"echo":"hi"}`)}
	require.NoError(t, p.Validate())

	p.CommandID = ""
	require.Error(t, p.Validate())
}

func TestCommandErrorPayload_Validate(t *testing.T) {
	p := CommandErrorPayload{CommandID: "cmd-1", Error: "Unknown command: frobnicate"}
	require.NoError(t, p.Validate())

	p.Error = ""
	require.Error(t, p.Validate())
}

func TestMustMessage_PanicsOnUnmarshalablePayload(t *testing.T) {
	assert.Panics(t, func() {
		MustMessage(MessageTypeStats, map[string]interface{}{"bad": make(chan int)})
	})
}
