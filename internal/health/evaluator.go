package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeFunc is invoked when the overall status changes, with the previous
// and new status and the snapshot that caused the transition.
type ChangeFunc func(oldStatus, newStatus Status, snap Snapshot)

// Evaluator turns the sampler's windows into a tiered health snapshot. A
// registered callback fires only on overall transitions, never on repeats,
// and always on its own goroutine.
type Evaluator struct {
	sampler    *Sampler
	thresholds Thresholds
	logger     zerolog.Logger

	mu        sync.RWMutex
	current   Snapshot
	callbacks []ChangeFunc
}

// NewEvaluator creates an evaluator bound to the sampler: every completed
// sample tick triggers an evaluation.
func NewEvaluator(sampler *Sampler, thresholds Thresholds, logger zerolog.Logger) *Evaluator {
	e := &Evaluator{
		sampler:    sampler,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "health-evaluator").Logger(),
		current: Snapshot{
			CPU:      Dimension{Status: StatusHealthy},
			Memory:   Dimension{Status: StatusHealthy},
			Network:  Dimension{Status: StatusHealthy},
			Commands: Dimension{Status: StatusHealthy, Value: 100},
			Overall:  StatusHealthy,
		},
	}
	sampler.OnSample(e.Evaluate)
	return e
}

// OnChange registers a callback fired on every overall status transition.
func (e *Evaluator) OnChange(fn ChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Snapshot returns the most recent evaluation.
func (e *Evaluator) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Evaluate recomputes the snapshot from the sampler's current windows and
// fires change callbacks if the overall status moved.
func (e *Evaluator) Evaluate() {
	w := e.sampler.snapshotWindow()
	t := e.thresholds

	snap := Snapshot{SampledAt: time.Now()}

	snap.CPU = Dimension{Status: StatusHealthy, Value: w.cpuMean}
	if w.cpuOK {
		switch {
		case w.cpuMean >= t.CPUCritical:
			snap.CPU.Status = StatusCritical
		case w.cpuMean >= t.CPUWarning:
			snap.CPU.Status = StatusWarning
		}
	}

	snap.Memory = Dimension{Status: StatusHealthy, Value: w.memMean}
	if w.memOK {
		switch {
		case w.memMean >= t.MemoryCritical:
			snap.Memory.Status = StatusCritical
		case w.memMean >= t.MemoryWarning:
			snap.Memory.Status = StatusWarning
		}
	}

	snap.Network = Dimension{Status: StatusHealthy, Value: w.heartbeatAge.Seconds()}
	switch {
	case w.heartbeatAge > t.HeartbeatTimeout:
		snap.Network.Status = StatusCritical
	case w.heartbeatAge > t.HeartbeatInterval:
		snap.Network.Status = StatusWarning
	}

	snap.Commands = Dimension{Status: StatusHealthy, Value: w.outcomeRate}
	if w.outcomeCount >= t.CommandMinSamples && w.outcomeRate < t.CommandWarningRate {
		snap.Commands.Status = StatusWarning
	}

	snap.Overall = StatusHealthy
	for _, d := range []Dimension{snap.CPU, snap.Memory, snap.Network, snap.Commands} {
		snap.Overall = Worse(snap.Overall, d.Status)
	}

	e.mu.Lock()
	old := e.current.Overall
	e.current = snap
	callbacks := make([]ChangeFunc, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if snap.Overall == old {
		return
	}

	e.logger.Info().
		Str("from", string(old)).
		Str("to", string(snap.Overall)).
		Float64("cpu", snap.CPU.Value).
		Float64("memory", snap.Memory.Value).
		Float64("heartbeat_age_seconds", snap.Network.Value).
		Float64("command_success_rate", snap.Commands.Value).
		Msg("Health status changed")

	for _, fn := range callbacks {
		go fn(old, snap.Overall, snap)
	}
}
