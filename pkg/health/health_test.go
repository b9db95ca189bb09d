package health

import (
	"context"
	"errors"
	"testing"
)

// mockFabric implements Fabric for testing.
type mockFabric struct {
	healthy   bool
	connCount int
}

func (m *mockFabric) IsHealthy() bool      { return m.healthy }
func (m *mockFabric) ConnectionCount() int { return m.connCount }

func TestFabricCheck_Name(t *testing.T) {
	fabric := &mockFabric{healthy: true}
	check := NewFabricCheck(fabric)

	if check.Name() != "fabric" {
		t.Errorf("expected name 'fabric', got '%s'", check.Name())
	}
}

func TestFabricCheck_Healthy(t *testing.T) {
	fabric := &mockFabric{healthy: true, connCount: 5}
	check := NewFabricCheck(fabric)

	err := check.Check(context.Background())
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestFabricCheck_Unhealthy(t *testing.T) {
	fabric := &mockFabric{healthy: false}
	check := NewFabricCheck(fabric)

	err := check.Check(context.Background())
	if err == nil {
		t.Error("expected error for stopped fabric")
	}
}

func TestFabricCheck_CheckDetailed_Healthy(t *testing.T) {
	fabric := &mockFabric{healthy: true, connCount: 5}
	check := NewFabricCheck(fabric)

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", result.Status)
	}

	if result.Details["connections"] != "5" {
		t.Errorf("expected connections=5, got %s", result.Details["connections"])
	}
}

func TestFabricCheck_CheckDetailed_Unhealthy(t *testing.T) {
	fabric := &mockFabric{healthy: false}
	check := NewFabricCheck(fabric)

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", result.Status)
	}
}

func TestFabricCheck_CheckDetailed_Degraded(t *testing.T) {
	fabric := &mockFabric{healthy: true, connCount: 15000}
	check := NewFabricCheck(fabric, WithMaxConnectionsThreshold(10000))

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", result.Status)
	}
}

func TestFabricCheck_ThresholdDisabled(t *testing.T) {
	fabric := &mockFabric{healthy: true, connCount: 15000}
	check := NewFabricCheck(fabric, WithMaxConnectionsThreshold(0))

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy with threshold disabled, got %s", result.Status)
	}
}

func TestPingCheck(t *testing.T) {
	ok := NewPingCheck("database", func(ctx context.Context) error { return nil })
	if ok.Name() != "database" {
		t.Errorf("expected name 'database', got '%s'", ok.Name())
	}
	if err := ok.Check(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	failing := NewPingCheck("store", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	if err := failing.Check(context.Background()); err == nil {
		t.Error("expected error from failing probe")
	}
}

func TestRunChecks_AllHealthy(t *testing.T) {
	checks := []Check{
		NewFabricCheck(&mockFabric{healthy: true, connCount: 2}),
		NewPingCheck("database", func(ctx context.Context) error { return nil }),
	}

	status, results := RunChecks(context.Background(), checks)

	if status != StatusHealthy {
		t.Errorf("expected overall healthy, got %s", status)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Details["connections"] != "2" {
		t.Errorf("expected detailed fabric result, got %+v", results[0])
	}
}

func TestRunChecks_UnhealthyWins(t *testing.T) {
	checks := []Check{
		NewFabricCheck(&mockFabric{healthy: true}),
		NewPingCheck("database", func(ctx context.Context) error {
			return errors.New("disk I/O error")
		}),
	}

	status, results := RunChecks(context.Background(), checks)

	if status != StatusUnhealthy {
		t.Errorf("expected overall unhealthy, got %s", status)
	}
	if results[1].Message != "disk I/O error" {
		t.Errorf("expected probe error in result message, got '%s'", results[1].Message)
	}
}

func TestRunChecks_DegradedOutranksHealthy(t *testing.T) {
	checks := []Check{
		NewPingCheck("database", func(ctx context.Context) error { return nil }),
		NewFabricCheck(&mockFabric{healthy: true, connCount: 90}, WithMaxConnectionsThreshold(50)),
	}

	status, _ := RunChecks(context.Background(), checks)

	if status != StatusDegraded {
		t.Errorf("expected overall degraded, got %s", status)
	}
}

func TestRunChecks_Empty(t *testing.T) {
	status, results := RunChecks(context.Background(), nil)

	if status != StatusHealthy {
		t.Errorf("expected healthy with no checks, got %s", status)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
