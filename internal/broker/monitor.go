package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
)

// Monitor sweeps the registry on a fixed interval and force-closes clients
// whose heartbeats have gone stale. Eviction triggers the normal disconnect
// path, so the evicted client's pending commands are marked lost and nobody
// else is notified.
type Monitor struct {
	registry *Registry
	metrics  *metrics.BrokerMetrics
	logger   log.Logger

	interval time.Duration
	timeout  time.Duration

	evictions atomic.Int64
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor. Non-positive interval and timeout
// fall back to 30s and 60s.
func NewMonitor(registry *Registry, interval, timeout time.Duration, m *metrics.BrokerMetrics, logger log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Monitor{
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "monitor"),
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(time.Now().UTC())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// sweep closes every client silent for longer than the timeout and returns
// how many it evicted.
func (m *Monitor) sweep(now time.Time) int {
	evicted := 0
	for _, client := range m.registry.List() {
		age := now.Sub(client.LastHeartbeat())
		if age <= m.timeout {
			continue
		}
		m.logger.Warn().
			Str("client_id", client.ID).
			Dur("heartbeat_age", age).
			Msg("evicting client, heartbeat timed out")
		client.conn.Close("heartbeat_timeout")
		m.evictions.Add(1)
		evicted++
	}
	return evicted
}

// Evictions returns how many clients the monitor has evicted since start.
func (m *Monitor) Evictions() int64 {
	return m.evictions.Load()
}
