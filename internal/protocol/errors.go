package protocol

import "errors"

// Fabric error taxonomy. These sentinels classify failures at package
// boundaries; use errors.Is to match wrapped values and CodeForError to map
// them onto the wire.
var (
	// ErrRegistrationFailed marks a malformed or missing first message.
	// The connection is closed; there is no retry.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrTargetNotFound marks a forward to a client id that is not
	// registered. Reported to the requester only.
	ErrTargetNotFound = errors.New("target client not found")
	// ErrUnknownCommand marks a command name the agent has no handler for.
	// Reported as a command_error; the agent stays alive.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrCommandTimeout is the synthetic error a waiter produces when its
	// wait bound expires. The underlying execution is unaffected.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrPluginLoad marks a single manifest that failed to load. The
	// failure is logged and the remaining manifests still load.
	ErrPluginLoad = errors.New("plugin load failed")
	// ErrHeartbeatTimeout marks a client evicted by the heartbeat monitor.
	// Nothing is surfaced to the evicted client.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")
)

// Wire error codes carried in error, forward_error, and command_error payloads.
const (
	ErrorCodeRegistration   = "registration_error"
	ErrorCodeTargetNotFound = "target_not_found"
	ErrorCodeUnknownCommand = "unknown_command"
	ErrorCodeCommandTimeout = "command_timeout"
	ErrorCodePluginLoad     = "plugin_load_error"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeProtocol       = "protocol_error"
)

// CodeForError maps a taxonomy error onto its wire code. Unclassified errors
// map to the generic protocol code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrRegistrationFailed):
		return ErrorCodeRegistration
	case errors.Is(err, ErrTargetNotFound):
		return ErrorCodeTargetNotFound
	case errors.Is(err, ErrUnknownCommand):
		return ErrorCodeUnknownCommand
	case errors.Is(err, ErrCommandTimeout):
		return ErrorCodeCommandTimeout
	case errors.Is(err, ErrPluginLoad):
		return ErrorCodePluginLoad
	default:
		return ErrorCodeProtocol
	}
}
