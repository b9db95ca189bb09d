package health

import "time"

// Status is a three-tier health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

var statusRank = map[Status]int{
	StatusHealthy:  0,
	StatusWarning:  1,
	StatusCritical: 2,
}

// Worse returns the more severe of the two statuses.
func Worse(a, b Status) Status {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Dimension is the evaluated state of a single health dimension.
type Dimension struct {
	Status Status  `json:"status"`
	Value  float64 `json:"value"`
}

// Snapshot is the full evaluated health state of an agent.
type Snapshot struct {
	CPU       Dimension `json:"cpu"`
	Memory    Dimension `json:"memory"`
	Network   Dimension `json:"network"`
	Commands  Dimension `json:"commands"`
	Overall   Status    `json:"overall"`
	SampledAt time.Time `json:"sampled_at"`
}

// Thresholds holds the evaluation boundaries for each dimension. CPU and
// memory values are percentages, the command rate is a percentage of
// successful outcomes, and the network dimension compares heartbeat age
// against the fabric's interval and timeout.
type Thresholds struct {
	CPUWarning  float64
	CPUCritical float64

	MemoryWarning  float64
	MemoryCritical float64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	CommandWarningRate float64
	CommandMinSamples  int
}

// DefaultThresholds returns the standard evaluation boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:         70,
		CPUCritical:        90,
		MemoryWarning:      80,
		MemoryCritical:     95,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   60 * time.Second,
		CommandWarningRate: 80,
		CommandMinSamples:  10,
	}
}
