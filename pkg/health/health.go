// Package health provides health check implementations for broker components.
package health

import "context"

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
}

// DetailedCheck is implemented by checks that report a full Result instead
// of just an error.
type DetailedCheck interface {
	Check
	// CheckDetailed performs the health check and returns a Result.
	CheckDetailed(ctx context.Context) Result
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RunChecks runs every check and returns the worst status observed along
// with the individual results. Unhealthy outranks degraded, degraded
// outranks healthy.
func RunChecks(ctx context.Context, checks []Check) (Status, []Result) {
	overall := StatusHealthy
	results := make([]Result, 0, len(checks))

	for _, check := range checks {
		var r Result
		if dc, ok := check.(DetailedCheck); ok {
			r = dc.CheckDetailed(ctx)
		} else if err := check.Check(ctx); err != nil {
			r = Result{Name: check.Name(), Status: StatusUnhealthy, Message: err.Error()}
		} else {
			r = Result{Name: check.Name(), Status: StatusHealthy}
		}

		results = append(results, r)
		if statusRank(r.Status) > statusRank(overall) {
			overall = r.Status
		}
	}

	return overall, results
}

func statusRank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
