// Package monitor tracks process-wide resource pressure and reacts when it
// crosses configured high-water marks.
package monitor

import (
	"math"
	"sync/atomic"
)

// Pressure holds the process-wide gauges. All methods are atomic and safe
// to call from any goroutine.
type Pressure struct {
	activeJobs    atomic.Int64
	cacheEntries  atomic.Int64
	cacheBytes    atomic.Int64
	processMB     atomic.Uint64 // float64 bits
	systemPercent atomic.Uint64 // float64 bits
	high          atomic.Bool
}

func NewPressure() *Pressure {
	return &Pressure{}
}

// AddJobs adjusts the active job count by delta.
func (p *Pressure) AddJobs(delta int64) {
	p.activeJobs.Add(delta)
}

// AddCache adjusts the cache gauges. It satisfies cache.SizeObserver.
func (p *Pressure) AddCache(entries, bytes int64) {
	p.cacheEntries.Add(entries)
	p.cacheBytes.Add(bytes)
}

func (p *Pressure) ActiveJobs() int64   { return p.activeJobs.Load() }
func (p *Pressure) CacheEntries() int64 { return p.cacheEntries.Load() }
func (p *Pressure) CacheBytes() int64   { return p.cacheBytes.Load() }
func (p *Pressure) UnderPressure() bool { return p.high.Load() }

// Memory returns the last recorded memory sample.
func (p *Pressure) Memory() Sample {
	return Sample{
		ProcessMB:     math.Float64frombits(p.processMB.Load()),
		SystemPercent: math.Float64frombits(p.systemPercent.Load()),
	}
}

func (p *Pressure) storeMemory(s Sample) {
	p.processMB.Store(math.Float64bits(s.ProcessMB))
	p.systemPercent.Store(math.Float64bits(s.SystemPercent))
}
