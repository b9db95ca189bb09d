package health

import (
	"context"
	"fmt"
)

// Fabric defines the interface for connection fabric health checks.
type Fabric interface {
	// IsHealthy returns true if the fabric is accepting connections.
	IsHealthy() bool
	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// FabricCheck checks the health of the connection fabric.
type FabricCheck struct {
	fabric                  Fabric
	maxConnectionsThreshold int
}

// FabricCheckOption configures a FabricCheck.
type FabricCheckOption func(*FabricCheck)

// WithMaxConnectionsThreshold sets the connection count above which the
// check reports degraded status. Zero or negative disables the threshold.
func WithMaxConnectionsThreshold(threshold int) FabricCheckOption {
	return func(c *FabricCheck) {
		c.maxConnectionsThreshold = threshold
	}
}

// NewFabricCheck creates a new fabric health check.
func NewFabricCheck(fabric Fabric, opts ...FabricCheckOption) *FabricCheck {
	c := &FabricCheck{
		fabric:                  fabric,
		maxConnectionsThreshold: 10000, // Default: warn if > 10k connections
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *FabricCheck) Name() string {
	return "fabric"
}

// Check performs the fabric health check.
func (c *FabricCheck) Check(ctx context.Context) error {
	if !c.fabric.IsHealthy() {
		return fmt.Errorf("connection fabric is not running")
	}
	return nil
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *FabricCheck) CheckDetailed(ctx context.Context) Result {
	if !c.fabric.IsHealthy() {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: "connection fabric is not running",
		}
	}

	connCount := c.fabric.ConnectionCount()
	details := map[string]string{
		"connections": fmt.Sprintf("%d", connCount),
	}

	// Check if we're approaching connection limits
	if c.maxConnectionsThreshold > 0 && connCount > c.maxConnectionsThreshold {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high connection count: %d", connCount),
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "connection fabric is running",
		Details: details,
	}
}
