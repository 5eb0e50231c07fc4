// Package pool runs jobs on a fixed number of worker slots with a bounded
// wait queue in front of them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// Func is the unit of work executed in a slot.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

// Config holds the pool's bounds.
type Config struct {
	// Workers is the number of slots, the hard cap on concurrent Funcs.
	Workers int
	// QueueCapacity is how many runs may wait for a slot.
	QueueCapacity int
	// MaxWait bounds the time a run may wait for a slot. Zero waits forever.
	MaxWait time.Duration
	// TaskTimeout bounds a single Func call. Zero means no deadline.
	TaskTimeout time.Duration

	Clock clock.PassiveClock
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       20,
		QueueCapacity: 100,
		MaxWait:       30 * time.Second,
		TaskTimeout:   60 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers    int `json:"workers"`
	Running    int `json:"running"`
	Queued     int `json:"queued"`
	QueueLimit int `json:"queue_limit"`
}

// Pool schedules Funcs onto Workers slots. Admission is bounded: at most
// Workers+QueueLimit runs are running or queued at any moment, and Go rejects
// the rest with ErrOverloaded instead of blocking.
type Pool struct {
	cfg    Config
	sem    *semaphore.Weighted
	clock  clock.PassiveClock
	logger *slog.Logger

	admitted   atomic.Int64
	running    atomic.Int64
	queueLimit atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a pool. Invalid bounds are replaced with safe values and logged.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.Workers,
			"default_count", 1)
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	p := &Pool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		clock:  cfg.Clock,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.queueLimit.Store(int64(cfg.QueueCapacity))
	return p
}

// Go admits payload for execution by fn and returns immediately. onDone, if
// not nil, is called once from the run's goroutine after the slot is released.
func (p *Pool) Go(payload []byte, fn Func, onDone func(*Run)) (*Run, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if !p.reserve() {
		return nil, ErrOverloaded
	}

	ctx, cancel := context.WithCancelCause(p.ctx)
	run := &Run{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queuedAt: p.clock.Now(),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		value, err := p.execute(run, payload, fn)
		run.finish(p.clock.Now(), value, err)
		cancel(nil)
		if onDone != nil {
			onDone(run)
		}
	}()
	return run, nil
}

func (p *Pool) reserve() bool {
	limit := int64(p.cfg.Workers) + p.queueLimit.Load()
	for {
		cur := p.admitted.Load()
		if cur >= limit {
			return false
		}
		if p.admitted.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (p *Pool) execute(run *Run, payload []byte, fn Func) ([]byte, error) {
	defer p.admitted.Add(-1)

	waitCtx := run.ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(run.ctx, p.cfg.MaxWait)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if cause := context.Cause(run.ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("waited %s for a worker slot: %w", p.cfg.MaxWait, ErrTimeout)
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	defer p.running.Add(-1)
	run.start(p.clock.Now())

	taskCtx := run.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(run.ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	value, err := safeCall(taskCtx, fn, payload)
	if err == nil {
		return value, nil
	}
	if cause := context.Cause(run.ctx); cause != nil {
		return nil, cause
	}
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("transform exceeded %s: %w", p.cfg.TaskTimeout, ErrTimeout)
	}
	if errors.Is(err, ErrTransform) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrTransform, err)
}

// safeCall converts a panic in fn into an ErrTransform so one bad input
// cannot take the worker down.
func safeCall(ctx context.Context, fn Func, payload []byte) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: panic: %v", ErrTransform, r)
		}
	}()
	return fn(ctx, payload)
}

// SetQueueLimit changes how many runs may wait for a slot. Runs already
// queued are not evicted; the new limit applies to later admissions.
func (p *Pool) SetQueueLimit(n int) {
	if n < 0 {
		n = 0
	}
	p.queueLimit.Store(int64(n))
}

// ScaleQueue sets the queue limit to ceil(QueueCapacity * factor).
func (p *Pool) ScaleQueue(factor float64) int {
	n := int(math.Ceil(float64(p.cfg.QueueCapacity) * factor))
	p.SetQueueLimit(n)
	return n
}

// ResetQueue restores the configured queue capacity.
func (p *Pool) ResetQueue() {
	p.SetQueueLimit(p.cfg.QueueCapacity)
}

func (p *Pool) Stats() Stats {
	running := p.running.Load()
	queued := p.admitted.Load() - running
	if queued < 0 {
		queued = 0
	}
	return Stats{
		Workers:    p.cfg.Workers,
		Running:    int(running),
		Queued:     int(queued),
		QueueLimit: int(p.queueLimit.Load()),
	}
}

// Close stops admissions and cancels every queued and running run. Running
// Funcs observe cancellation through their context; their slots are released
// when they return.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel(ErrClosed)
}

// Wait blocks until every admitted run has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker pool: %w", ctx.Err())
	}
}
