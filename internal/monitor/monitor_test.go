package monitor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/colorgate/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

type stubSampler struct {
	mu     sync.Mutex
	sample monitor.Sample
	err    error
	calls  atomic.Int64
}

func (s *stubSampler) set(sample monitor.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = sample
}

func (s *stubSampler) Sample(context.Context) (monitor.Sample, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.err
}

type stubCleaner struct {
	sweeps    int
	fractions []float64
}

func (c *stubCleaner) Sweep() int {
	c.sweeps++
	return 1
}

func (c *stubCleaner) Shrink(fraction float64) int {
	c.fractions = append(c.fractions, fraction)
	return 10
}

func testConfig() monitor.Config {
	return monitor.Config{
		Interval:            time.Second,
		MemoryLimitMB:       100,
		SystemMemoryPercent: 90,
		ActiveJobsHighWater: 5,
		ShrinkFraction:      0.5,
	}
}

func TestPressure_Gauges(t *testing.T) {
	p := monitor.NewPressure()

	p.AddJobs(3)
	p.AddJobs(-1)
	p.AddCache(2, 2048)
	p.AddCache(-1, -1024)

	assert.Equal(t, int64(2), p.ActiveJobs())
	assert.Equal(t, int64(1), p.CacheEntries())
	assert.Equal(t, int64(1024), p.CacheBytes())
	assert.False(t, p.UnderPressure())
}

func TestCheck_NoPressure(t *testing.T) {
	state := monitor.NewPressure()
	sampler := &stubSampler{sample: monitor.Sample{ProcessMB: 50, SystemPercent: 40}}
	cleaner := &stubCleaner{}
	m := monitor.New(testConfig(), state, sampler, cleaner, testclock.NewFakeClock(time.Now()), nil)

	st := m.Check(context.Background())
	assert.False(t, st.High)
	assert.Empty(t, st.Reasons)
	assert.Zero(t, cleaner.sweeps)
	assert.Equal(t, monitor.Sample{ProcessMB: 50, SystemPercent: 40}, state.Memory())
	assert.Equal(t, st, m.Last())
}

func TestCheck_ProcessMemoryHighWater(t *testing.T) {
	state := monitor.NewPressure()
	sampler := &stubSampler{sample: monitor.Sample{ProcessMB: 150, SystemPercent: 40}}
	cleaner := &stubCleaner{}
	m := monitor.New(testConfig(), state, sampler, cleaner, testclock.NewFakeClock(time.Now()), nil)

	st := m.Check(context.Background())
	assert.True(t, st.High)
	assert.Equal(t, []string{monitor.ReasonProcessMemory}, st.Reasons)
	assert.Equal(t, 1, cleaner.sweeps)
	assert.Equal(t, []float64{0.5}, cleaner.fractions)
	assert.Equal(t, 11, st.Evicted)
	assert.True(t, state.UnderPressure())
}

func TestCheck_SystemMemoryAndActiveJobs(t *testing.T) {
	state := monitor.NewPressure()
	state.AddJobs(5)
	sampler := &stubSampler{sample: monitor.Sample{ProcessMB: 10, SystemPercent: 95}}
	m := monitor.New(testConfig(), state, sampler, nil, testclock.NewFakeClock(time.Now()), nil)

	st := m.Check(context.Background())
	assert.True(t, st.High)
	assert.Equal(t, []string{monitor.ReasonSystemMemory, monitor.ReasonActiveJobs}, st.Reasons)
	assert.Zero(t, st.Evicted)
}

func TestCheck_SamplerErrorStillChecksJobs(t *testing.T) {
	state := monitor.NewPressure()
	state.AddJobs(6)
	sampler := &stubSampler{err: errors.New("no /proc")}
	m := monitor.New(testConfig(), state, sampler, nil, testclock.NewFakeClock(time.Now()), nil)

	st := m.Check(context.Background())
	assert.Equal(t, []string{monitor.ReasonActiveJobs}, st.Reasons)
}

func TestCheck_NotifiesOnTransitionsOnly(t *testing.T) {
	state := monitor.NewPressure()
	sampler := &stubSampler{sample: monitor.Sample{ProcessMB: 150}}
	m := monitor.New(testConfig(), state, sampler, &stubCleaner{}, testclock.NewFakeClock(time.Now()), nil)

	var events []bool
	m.Subscribe(func(high bool) { events = append(events, high) })

	ctx := context.Background()
	m.Check(ctx)
	m.Check(ctx)
	sampler.set(monitor.Sample{ProcessMB: 20})
	m.Check(ctx)
	m.Check(ctx)

	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, state.UnderPressure())
}

func TestRun_TicksOnInterval(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	sampler := &stubSampler{}
	m := monitor.New(testConfig(), monitor.NewPressure(), sampler, nil, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return sampler.calls.Load() == 1 }, time.Second, time.Millisecond)

	clk.Step(time.Second)
	require.Eventually(t, func() bool { return sampler.calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSystemSampler_ReadsProcessMemory(t *testing.T) {
	s, err := monitor.SystemSampler{}.Sample(context.Background())
	if err != nil {
		t.Skipf("system memory unavailable: %v", err)
	}
	assert.Greater(t, s.ProcessMB, 0.0)
	assert.GreaterOrEqual(t, s.SystemPercent, 0.0)
}
