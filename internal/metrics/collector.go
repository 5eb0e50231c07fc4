// Package metrics aggregates pipeline events into counters and a latency
// sample ring, and mirrors them into Prometheus.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultSampleSize = 1000

// PressureSource exposes the live gauges the collector reports alongside its
// own counters.
type PressureSource interface {
	ActiveJobs() int64
	CacheEntries() int64
	CacheBytes() int64
	UnderPressure() bool
}

// Options configures a Collector.
type Options struct {
	// SampleSize is the number of most recent completion latencies kept.
	SampleSize int
	// Registerer receives the Prometheus collectors. Nil disables export.
	Registerer prometheus.Registerer
	// Pressure, if set, feeds ActiveJobs in snapshots and the exported gauges.
	Pressure PressureSource
}

// Snapshot is a consistent-enough view of the counters at one instant. Each
// field is read atomically; fields are not read as a group.
type Snapshot struct {
	Hits             int64            `json:"hits"`
	Misses           int64            `json:"misses"`
	Accepted         int64            `json:"accepted"`
	Completed        int64            `json:"completed"`
	Rejected         int64            `json:"rejected"`
	Failed           int64            `json:"failed"`
	RejectedByReason map[string]int64 `json:"rejected_by_reason"`
	FailedByReason   map[string]int64 `json:"failed_by_reason"`
	AvgLatencyMs     float64          `json:"avg_latency_ms"`
	P95LatencyMs     float64          `json:"p95_latency_ms"`
	LatencySamples   int              `json:"latency_samples"`
	HitRatio         float64          `json:"hit_ratio"`
	ActiveJobs       int64            `json:"active_jobs"`
}

// Collector ingests events without blocking the caller. Counters are atomics;
// latencies go into a fixed ring that overwrites its oldest sample.
type Collector struct {
	hits      atomic.Int64
	misses    atomic.Int64
	accepted  atomic.Int64
	completed atomic.Int64
	rejected  sync.Map // reason -> *atomic.Int64
	failed    sync.Map // reason -> *atomic.Int64

	samples []atomic.Int64
	next    atomic.Uint64

	pressure PressureSource
	prom     *promMetrics
}

// NewCollector creates a Collector and registers its Prometheus collectors.
func NewCollector(opts Options) (*Collector, error) {
	size := opts.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}
	c := &Collector{
		samples:  make([]atomic.Int64, size),
		pressure: opts.Pressure,
	}
	if opts.Registerer != nil {
		pm, err := registerProm(opts.Registerer, opts.Pressure)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.prom = pm
	}
	return c, nil
}

// Record ingests one event.
func (c *Collector) Record(e Event) {
	switch e.Kind {
	case KindHit:
		c.hits.Add(1)
	case KindMiss:
		c.misses.Add(1)
	case KindAccepted:
		c.accepted.Add(1)
	case KindRejected:
		counterFor(&c.rejected, e.Reason).Add(1)
	case KindCompleted:
		c.completed.Add(1)
		i := c.next.Add(1) - 1
		c.samples[i%uint64(len(c.samples))].Store(int64(e.Duration))
	case KindFailed:
		counterFor(&c.failed, e.Reason).Add(1)
	}
	if c.prom != nil {
		c.prom.observe(e)
	}
}

func counterFor(m *sync.Map, reason string) *atomic.Int64 {
	if v, ok := m.Load(reason); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(reason, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func drain(m *sync.Map) (map[string]int64, int64) {
	out := make(map[string]int64)
	var total int64
	m.Range(func(k, v any) bool {
		n := v.(*atomic.Int64).Load()
		out[k.(string)] = n
		total += n
		return true
	})
	return out, total
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Accepted:  c.accepted.Load(),
		Completed: c.completed.Load(),
	}
	s.RejectedByReason, s.Rejected = drain(&c.rejected)
	s.FailedByReason, s.Failed = drain(&c.failed)

	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRatio = float64(s.Hits) / float64(lookups)
	}

	n := c.next.Load()
	if n > uint64(len(c.samples)) {
		n = uint64(len(c.samples))
	}
	if n > 0 {
		lat := make([]int64, n)
		var sum int64
		for i := range lat {
			lat[i] = c.samples[i].Load()
			sum += lat[i]
		}
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		s.LatencySamples = int(n)
		s.AvgLatencyMs = float64(sum) / float64(n) / 1e6
		s.P95LatencyMs = float64(lat[(len(lat)*95-1)/100]) / 1e6
	}

	if c.pressure != nil {
		s.ActiveJobs = c.pressure.ActiveJobs()
	}
	return s
}
