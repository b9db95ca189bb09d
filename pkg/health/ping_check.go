package health

import "context"

// PingCheck wraps a probe function as a named health check. It adapts
// dependencies that expose a Ping-style method, such as a database handle
// or an object store client.
type PingCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// NewPingCheck creates a health check that delegates to probe.
func NewPingCheck(name string, probe func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, probe: probe}
}

// Name returns the name of the health check.
func (c *PingCheck) Name() string {
	return c.name
}

// Check runs the probe.
func (c *PingCheck) Check(ctx context.Context) error {
	return c.probe(ctx)
}
