package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	ReasonProcessMemory = "process_memory"
	ReasonSystemMemory  = "system_memory"
	ReasonActiveJobs    = "active_jobs"
)

// Cleaner is the cache surface the monitor drives under pressure.
type Cleaner interface {
	Sweep() int
	Shrink(fraction float64) int
}

// Config holds the monitor's interval and high-water marks. A zero mark
// disables that check.
type Config struct {
	Interval            time.Duration
	MemoryLimitMB       int
	SystemMemoryPercent float64
	ActiveJobsHighWater int
	// ShrinkFraction is the share of cache entries dropped per pressured tick.
	ShrinkFraction float64
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		MemoryLimitMB:       2048,
		SystemMemoryPercent: 90,
		ShrinkFraction:      0.5,
	}
}

// Status is the outcome of one check.
type Status struct {
	Memory     Sample   `json:"memory"`
	ActiveJobs int64    `json:"active_jobs"`
	High       bool     `json:"high"`
	Reasons    []string `json:"reasons,omitempty"`
	Evicted    int      `json:"evicted"`
}

// Monitor samples memory and the pressure gauges on every tick. Crossing a
// mark shrinks the cache and notifies subscribers; falling back below all
// marks notifies them again. It is advisory and never fails a job.
type Monitor struct {
	cfg     Config
	state   *Pressure
	sampler Sampler
	cleaner Cleaner
	clock   clock.WithTicker
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers []func(high bool)
	last        Status
}

// New creates a Monitor. cleaner may be nil.
func New(cfg Config, state *Pressure, sampler Sampler, cleaner Cleaner, clk clock.WithTicker, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ShrinkFraction <= 0 {
		cfg.ShrinkFraction = DefaultConfig().ShrinkFraction
	}
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		state:   state,
		sampler: sampler,
		cleaner: cleaner,
		clock:   clk,
		logger:  logger,
	}
}

// Subscribe registers fn to be called on every pressure transition.
func (m *Monitor) Subscribe(fn func(high bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Last returns the most recent Status.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check runs one sampling pass.
func (m *Monitor) Check(ctx context.Context) Status {
	st := Status{ActiveJobs: m.state.ActiveJobs()}

	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
	}
	st.Memory = sample
	m.state.storeMemory(sample)

	if m.cfg.MemoryLimitMB > 0 && sample.ProcessMB > float64(m.cfg.MemoryLimitMB) {
		st.Reasons = append(st.Reasons, ReasonProcessMemory)
	}
	if m.cfg.SystemMemoryPercent > 0 && sample.SystemPercent > m.cfg.SystemMemoryPercent {
		st.Reasons = append(st.Reasons, ReasonSystemMemory)
	}
	if m.cfg.ActiveJobsHighWater > 0 && st.ActiveJobs >= int64(m.cfg.ActiveJobsHighWater) {
		st.Reasons = append(st.Reasons, ReasonActiveJobs)
	}
	st.High = len(st.Reasons) > 0

	if st.High && m.cleaner != nil {
		st.Evicted = m.cleaner.Sweep() + m.cleaner.Shrink(m.cfg.ShrinkFraction)
		m.logger.Warn("resource pressure detected, shrinking result cache",
			"reasons", st.Reasons,
			"process_mb", sample.ProcessMB,
			"system_percent", sample.SystemPercent,
			"active_jobs", st.ActiveJobs,
			"evicted", st.Evicted,
		)
	}

	m.mu.Lock()
	m.last = st
	subs := append(([]func(bool))(nil), m.subscribers...)
	m.mu.Unlock()

	if m.state.high.Swap(st.High) != st.High {
		if st.High {
			m.logger.Warn("entering pressure mode", "reasons", st.Reasons)
		} else {
			m.logger.Info("resource pressure cleared")
		}
		for _, fn := range subs {
			fn(st.High)
		}
	}
	return st
}

// Run checks on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}
