package protocol

import "time"

// CommandStatus tracks a forwarded command through its lifecycle. Transitions
// are monotonic: a status never moves backwards, and terminal statuses never
// change again.
type CommandStatus string

const (
	// CommandStatusPending means the broker stored the command and sent it
	// to the target but has not seen the agent's ack yet.
	CommandStatusPending CommandStatus = "pending"
	// CommandStatusQueued means the target agent acknowledged the command
	// into its execution queue.
	CommandStatusQueued CommandStatus = "queued"
	// CommandStatusRunning means the agent dispatched the command to a handler.
	CommandStatusRunning CommandStatus = "running"
	// CommandStatusCompleted is the successful terminal status.
	CommandStatusCompleted CommandStatus = "completed"
	// CommandStatusFailed is the failed terminal status.
	CommandStatusFailed CommandStatus = "failed"
	// CommandStatusCancelled is the terminal status for commands abandoned
	// before execution, e.g. when their owner disconnects.
	CommandStatusCancelled CommandStatus = "cancelled"
	// CommandStatusTimeout is the terminal status a waiter synthesizes when
	// its wait bound expires; the underlying execution is unaffected.
	CommandStatusTimeout CommandStatus = "timeout"
)

// statusRank orders statuses along the one-directional lifecycle. All
// terminal statuses share the final rank so none can replace another.
var statusRank = map[CommandStatus]int{
	CommandStatusPending:   0,
	CommandStatusQueued:    1,
	CommandStatusRunning:   2,
	CommandStatusCompleted: 3,
	CommandStatusFailed:    3,
	CommandStatusCancelled: 3,
	CommandStatusTimeout:   3,
}

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	return statusRank[s] == 3
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lifecycle. Intermediate stages may be skipped (an inline command
// can go straight from pending to completed) but never revisited.
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// CommandSpec describes one command in the catalogue: the name clients
// forward, the built-in handler that implements it, and its execution
// defaults. Specs are declared in plugin manifests on the broker and
// broadcast to agents in welcome and plugins_reloaded messages.
type CommandSpec struct {
	// Name is the command name clients use in forward_command.
	Name string `json:"name"`
	// Description is shown by operator tooling.
	Description string `json:"description,omitempty"`
	// Handler names the built-in handler implementation that executes the
	// command on the agent.
	Handler string `json:"handler"`
	// Params are defaults merged under the forwarded params.
	Params map[string]interface{} `json:"params,omitempty"`
	// Blocking routes execution to the agent's worker pool instead of the
	// inline dispatch loop.
	Blocking bool `json:"blocking,omitempty"`
	// TimeoutSeconds bounds one execution of the command; zero means the
	// agent default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Source is the manifest path the spec was loaded from.
	Source string `json:"source,omitempty"`
	// LoadedAt is when the spec entered the catalogue.
	LoadedAt time.Time `json:"loaded_at,omitempty"`
}
