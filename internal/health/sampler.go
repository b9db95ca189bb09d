package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Window sizes for the sample rings.
const (
	cpuWindow       = 60
	memoryWindow    = 60
	heartbeatWindow = 30
	outcomeWindow   = 100
)

// collectFunc returns current CPU and memory usage percentages.
type collectFunc func() (cpuPercent, memPercent float64, err error)

// Sampler collects resource usage on a fixed cadence and accepts heartbeat
// and command outcome observations from the agent's loops. All windows are
// bounded rings; old samples fall off.
type Sampler struct {
	interval time.Duration
	logger   zerolog.Logger
	collect  collectFunc

	mu            sync.RWMutex
	cpu           *Ring
	memory        *Ring
	heartbeats    *Ring
	outcomes      *Ring
	lastHeartbeat time.Time
	startedAt     time.Time

	subscribers []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSampler creates a sampler collecting every interval.
func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	return &Sampler{
		interval:   interval,
		logger:     logger.With().Str("component", "health-sampler").Logger(),
		collect:    collectSystem,
		cpu:        NewRing(cpuWindow),
		memory:     NewRing(memoryWindow),
		heartbeats: NewRing(heartbeatWindow),
		outcomes:   NewRing(outcomeWindow),
		stopCh:     make(chan struct{}),
	}
}

// collectSystem reads CPU and memory usage via gopsutil. The CPU reading is
// relative to the previous call, which matches a recurring sampler.
func collectSystem() (float64, float64, error) {
	var cpuPct float64
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}

	return cpuPct, vm.UsedPercent, nil
}

// OnSample registers a function invoked after each completed sample tick.
func (s *Sampler) OnSample(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Start begins sampling in the background until Stop is called. The first
// sample is taken immediately.
func (s *Sampler) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Health sampler started")
}

// Stop terminates the sampling loop.
func (s *Sampler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Health sampler stopped")
}

func (s *Sampler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sampler) sample() {
	cpuPct, memPct, err := s.collect()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Resource sample failed")
		return
	}

	s.mu.Lock()
	s.cpu.Push(cpuPct)
	s.memory.Push(memPct)
	subscribers := make([]func(), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}

// ObserveHeartbeat records a completed heartbeat round trip.
func (s *Sampler) ObserveHeartbeat(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats.Push(latency.Seconds())
	s.lastHeartbeat = time.Now()
}

// ObserveCommand records a command outcome.
func (s *Sampler) ObserveCommand(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.outcomes.Push(1)
	} else {
		s.outcomes.Push(0)
	}
}

// window captures the evaluator's view of the current samples.
type window struct {
	cpuMean      float64
	cpuOK        bool
	memMean      float64
	memOK        bool
	heartbeatAge time.Duration
	outcomeRate  float64
	outcomeCount int
}

func (s *Sampler) snapshotWindow() window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w window
	w.cpuMean, w.cpuOK = s.cpu.Mean()
	w.memMean, w.memOK = s.memory.Mean()

	ref := s.lastHeartbeat
	if ref.IsZero() {
		ref = s.startedAt
	}
	if !ref.IsZero() {
		w.heartbeatAge = time.Since(ref)
	}

	w.outcomeCount = s.outcomes.Len()
	if rate, ok := s.outcomes.Mean(); ok {
		w.outcomeRate = rate * 100
	} else {
		w.outcomeRate = 100
	}

	return w
}
