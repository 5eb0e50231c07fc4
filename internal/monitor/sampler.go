package monitor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one memory reading.
type Sample struct {
	ProcessMB     float64 `json:"process_mb"`
	SystemPercent float64 `json:"system_percent"`
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads the Go runtime's own footprint and host memory usage.
type SystemSampler struct{}

func (SystemSampler) Sample(ctx context.Context) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{ProcessMB: float64(ms.Sys-ms.HeapReleased) / (1024 * 1024)}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("read system memory: %w", err)
	}
	s.SystemPercent = vm.UsedPercent
	return s, nil
}
