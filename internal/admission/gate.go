// Package admission decides, for every submitted payload, whether it is served
// from cache, executed on the worker pool, or rejected, and tracks accepted
// jobs until their callers collect the result.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kiranshivaraju/colorgate/internal/cache"
	"github.com/kiranshivaraju/colorgate/internal/metrics"
	"github.com/kiranshivaraju/colorgate/internal/monitor"
	"github.com/kiranshivaraju/colorgate/internal/pool"
	"github.com/kiranshivaraju/colorgate/internal/ratelimit"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const (
	defaultJobRetention   = 10 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultPressureFactor = 0.5
	overloadRetryAfter    = 5 * time.Second
)

// ResultCache is the content-addressed result store consulted before any
// work is scheduled.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool)
	Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration)
	Sweep() int
	Stats() cache.ContentStats
}

// Recorder receives one record per admission decision and per terminal job
// transition. Record must not block.
type Recorder interface {
	Record(rec models.JobRecord)
}

// Options wires a Gate to its collaborators. Limiter, Cache, Pool,
// Transformer and Metrics are required.
type Options struct {
	Limiter     ratelimit.Limiter
	Cache       ResultCache
	Pool        *pool.Pool
	Transformer models.Transformer
	Metrics     *metrics.Collector
	Pressure    *monitor.Pressure
	Recorder    Recorder

	// JobRetention is how long a finished job stays addressable by id.
	JobRetention time.Duration
	// SweepInterval is the janitor period for Run.
	SweepInterval time.Duration
	// PressureQueueFactor scales the pool queue while under pressure.
	PressureQueueFactor float64

	Clock  clock.WithTicker
	Logger *slog.Logger
}

// Snapshot combines the metric counters with the live state of the pool,
// cache and job registry.
type Snapshot struct {
	metrics.Snapshot
	Pool          pool.Stats         `json:"pool"`
	Cache         cache.ContentStats `json:"cache"`
	UnderPressure bool               `json:"under_pressure"`
	TrackedJobs   int64              `json:"tracked_jobs"`
}

// Gate is the admission pipeline. It is safe for concurrent use.
type Gate struct {
	limiter     ratelimit.Limiter
	cache       ResultCache
	pool        *pool.Pool
	transformer models.Transformer
	metrics     *metrics.Collector
	pressure    *monitor.Pressure
	recorder    Recorder
	clock       clock.WithTicker
	logger      *slog.Logger

	retention      time.Duration
	sweepInterval  time.Duration
	pressureFactor float64

	inflight sync.Map // fingerprint -> *job
	handles  sync.Map // uuid.UUID -> *Handle
	tracked  atomic.Int64
	closed   atomic.Bool
}

// New creates a Gate.
func New(opts Options) (*Gate, error) {
	switch {
	case opts.Limiter == nil:
		return nil, errors.New("admission: limiter is required")
	case opts.Cache == nil:
		return nil, errors.New("admission: cache is required")
	case opts.Pool == nil:
		return nil, errors.New("admission: pool is required")
	case opts.Transformer == nil:
		return nil, errors.New("admission: transformer is required")
	case opts.Metrics == nil:
		return nil, errors.New("admission: metrics collector is required")
	}

	if opts.Pressure == nil {
		opts.Pressure = monitor.NewPressure()
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = defaultJobRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.PressureQueueFactor <= 0 || opts.PressureQueueFactor > 1 {
		opts.PressureQueueFactor = defaultPressureFactor
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gate{
		limiter:        opts.Limiter,
		cache:          opts.Cache,
		pool:           opts.Pool,
		transformer:    opts.Transformer,
		metrics:        opts.Metrics,
		pressure:       opts.Pressure,
		recorder:       opts.Recorder,
		clock:          opts.Clock,
		logger:         opts.Logger,
		retention:      opts.JobRetention,
		sweepInterval:  opts.SweepInterval,
		pressureFactor: opts.PressureQueueFactor,
	}, nil
}

// Submit runs the admission pipeline for one payload and returns without
// waiting for the transform.
func (g *Gate) Submit(ctx context.Context, clientID string, payload []byte) Outcome {
	if len(payload) == 0 {
		return g.reject(clientID, "", 0, ErrInvalidPayload, 0)
	}
	if g.closed.Load() {
		return g.reject(clientID, "", int64(len(payload)), ErrClosed, 0)
	}

	reservation, ok := g.limiter.Allow(ctx, clientID)
	if !ok {
		var retryAfter time.Duration
		if reset := g.limiter.Status(ctx, clientID).Reset; !reset.IsZero() {
			retryAfter = reset.Sub(g.clock.Now())
		}
		return g.reject(clientID, "", int64(len(payload)), ErrRateLimited, retryAfter)
	}

	fp := Fingerprint(payload)
	if value, hit := g.cache.Get(ctx, fp); hit {
		return g.served(ctx, reservation, clientID, fp, int64(len(payload)), value)
	}

	h, value, err := g.enqueue(ctx, clientID, fp, payload)
	if h == nil && err == nil {
		return g.served(ctx, reservation, clientID, fp, int64(len(payload)), value)
	}
	g.metrics.Record(metrics.Miss())
	if err != nil {
		g.limiter.Release(ctx, reservation)
		retryAfter := time.Duration(0)
		if errors.Is(err, ErrOverloaded) {
			retryAfter = overloadRetryAfter
		}
		return g.reject(clientID, fp, int64(len(payload)), err, retryAfter)
	}

	g.metrics.Record(metrics.Accepted())
	g.logger.Debug("job accepted",
		"job_id", h.id,
		"client_id", clientID,
		"fingerprint", fp,
	)
	return Outcome{Kind: KindAccepted, Fingerprint: fp, Handle: h}
}

// served completes a submission from the cache. Cache hits cost no credit.
func (g *Gate) served(ctx context.Context, r ratelimit.Reservation, clientID, fp string, payloadBytes int64, value []byte) Outcome {
	g.limiter.Release(ctx, r)
	g.metrics.Record(metrics.Hit())
	g.record(clientID, fp, models.OutcomeCached, "", payloadBytes, int64(len(value)), 0)
	g.logger.Debug("served from cache", "client_id", clientID, "fingerprint", fp)
	return Outcome{Kind: KindCached, Fingerprint: fp, Value: value}
}

// enqueue attaches a new handle to the in-flight job for fp, starting one on
// the pool if none is running. When the in-flight job finished between the
// cache lookup and the join, its cached value is returned with a nil handle.
func (g *Gate) enqueue(ctx context.Context, clientID, fp string, payload []byte) (*Handle, []byte, error) {
	for {
		now := g.clock.Now()
		j := newJob(fp, int64(len(payload)), now)
		h := newHandle(clientID, j, now)
		j.attach(h)

		actual, loaded := g.inflight.LoadOrStore(fp, j)
		if loaded {
			existing := actual.(*job)
			<-existing.ready
			joined := newHandle(clientID, existing, now)
			if existing.admitted && existing.attach(joined) {
				g.track(joined)
				return joined, nil, nil
			}
			// Finished or abandoned. A finished job cached its value before it
			// was sealed.
			g.inflight.CompareAndDelete(fp, existing)
			if value, hit := g.cache.Get(ctx, fp); hit {
				return nil, value, nil
			}
			continue
		}

		g.pressure.AddJobs(1)
		run, err := g.pool.Go(payload, g.transformer.Transform, func(r *pool.Run) {
			g.complete(j, r)
		})
		if err != nil {
			g.pressure.AddJobs(-1)
			j.seal()
			g.inflight.CompareAndDelete(fp, j)
			close(j.ready)
			return nil, nil, err
		}
		j.run = run
		j.admitted = true
		close(j.ready)
		g.track(h)
		return h, nil, nil
	}
}

func (g *Gate) track(h *Handle) {
	g.handles.Store(h.id, h)
	g.tracked.Add(1)
}

func (g *Gate) untrack(id uuid.UUID) (*Handle, bool) {
	v, ok := g.handles.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	g.tracked.Add(-1)
	return v.(*Handle), true
}

// complete runs on the pool goroutine once the job's run has finished.
func (g *Gate) complete(j *job, r *pool.Run) {
	value, err := r.Result()
	now := g.clock.Now()

	if err == nil {
		g.cache.Put(context.Background(), j.fingerprint, value, 0)
		g.metrics.Record(metrics.Completed(r.Duration()))
	} else {
		reason := ReasonFor(err)
		g.metrics.Record(metrics.Failed(reason))
		if reason != ReasonCancelled {
			g.logger.Warn("transform failed",
				"fingerprint", j.fingerprint,
				"reason", reason,
				"error", err,
			)
		}
	}
	g.pressure.AddJobs(-1)

	j.seal()
	g.inflight.CompareAndDelete(j.fingerprint, j)
	for _, h := range j.attached() {
		outcome, reason := models.OutcomeCompleted, ""
		switch {
		case h.isCancelled():
			outcome, reason = models.OutcomeFailed, ReasonCancelled
		case err != nil:
			outcome, reason = models.OutcomeFailed, ReasonFor(err)
		}
		g.record(h.clientID, j.fingerprint, outcome, reason, j.payloadBytes, int64(len(value)), r.Duration())
	}

	j.finish(value, err, r.StartedAt(), now)
}

func (g *Gate) reject(clientID, fp string, payloadBytes int64, err error, retryAfter time.Duration) Outcome {
	reason := ReasonFor(err)
	g.metrics.Record(metrics.Rejected(reason))
	g.record(clientID, fp, models.OutcomeRejected, reason, payloadBytes, 0, 0)
	g.logger.Debug("job rejected",
		"client_id", clientID,
		"fingerprint", fp,
		"reason", reason,
	)
	return Outcome{
		Kind:        KindRejected,
		Fingerprint: fp,
		Reason:      reason,
		Err:         err,
		RetryAfter:  retryAfter,
	}
}

func (g *Gate) record(clientID, fp, outcome, reason string, payloadBytes, resultBytes int64, d time.Duration) {
	if g.recorder == nil {
		return
	}
	rec := models.JobRecord{
		ID:           uuid.New(),
		ClientID:     clientID,
		Fingerprint:  fp,
		Outcome:      outcome,
		PayloadBytes: payloadBytes,
		ResultBytes:  resultBytes,
		DurationMs:   d.Milliseconds(),
		CreatedAt:    g.clock.Now(),
	}
	if reason != "" {
		rec.Reason = &reason
	}
	g.recorder.Record(rec)
}

// Do submits payload and waits for the result. A rejection is returned as a
// *RejectionError. If ctx ends first the caller's handle is cancelled.
func (g *Gate) Do(ctx context.Context, clientID string, payload []byte) (Result, error) {
	out := g.Submit(ctx, clientID, payload)
	res := Result{Fingerprint: out.Fingerprint}

	switch out.Kind {
	case KindCached:
		res.Value = out.Value
		res.Cached = true
		return res, nil
	case KindRejected:
		return res, &RejectionError{Reason: out.Reason, RetryAfter: out.RetryAfter, Err: out.Err}
	}

	h := out.Handle
	res.JobID = h.id
	value, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		_ = g.Cancel(h.id)
		return res, fmt.Errorf("waiting for job %s: %w", h.id, err)
	}
	g.Forget(h.id)
	if err != nil {
		return res, err
	}
	res.Value = value
	return res, nil
}

// Handle looks up an accepted job by id.
func (g *Gate) Handle(id uuid.UUID) (*Handle, error) {
	v, ok := g.handles.Load(id)
	if !ok {
		return nil, ErrUnknownJob
	}
	return v.(*Handle), nil
}

// Cancel withdraws the caller's interest in a job. The underlying run is
// cancelled once no handle is waiting on it: a queued run gives up its place
// at once, a running one is signalled through its context. The credit spent
// on admission is not returned.
func (g *Gate) Cancel(id uuid.UUID) error {
	h, err := g.Handle(id)
	if err != nil {
		return err
	}
	if h.job.finished() {
		return nil
	}
	if h.cancel() {
		h.job.run.Cancel()
		g.logger.Info("job cancelled", "job_id", id, "fingerprint", h.job.fingerprint)
	}
	return nil
}

// Forget drops a job from the registry once its result has been delivered.
func (g *Gate) Forget(id uuid.UUID) {
	g.untrack(id)
}

// SetPressure tightens the pool queue while the process is under resource
// pressure and restores it afterwards.
func (g *Gate) SetPressure(high bool) {
	if high {
		n := g.pool.ScaleQueue(g.pressureFactor)
		g.logger.Warn("pressure mode on, queue capacity reduced", "queue_limit", n)
		return
	}
	g.pool.ResetQueue()
	g.logger.Info("pressure mode off, queue capacity restored", "queue_limit", g.pool.Stats().QueueLimit)
}

// Snapshot returns the current counters and live state.
func (g *Gate) Snapshot() Snapshot {
	return Snapshot{
		Snapshot:      g.metrics.Snapshot(),
		Pool:          g.pool.Stats(),
		Cache:         g.cache.Stats(),
		UnderPressure: g.pressure.UnderPressure(),
		TrackedJobs:   g.tracked.Load(),
	}
}

// Sweep expires cache entries, idle rate windows and finished jobs older than
// the retention period.
func (g *Gate) Sweep() {
	now := g.clock.Now()
	entries := g.cache.Sweep()
	windows := g.limiter.Sweep()

	jobs := 0
	g.handles.Range(func(key, value any) bool {
		h := value.(*Handle)
		if h.job.finished() && now.Sub(h.job.completedAt) >= g.retention {
			if _, ok := g.untrack(key.(uuid.UUID)); ok {
				jobs++
			}
		}
		return true
	})

	if entries+windows+jobs > 0 {
		g.logger.Debug("janitor sweep",
			"cache_entries", entries,
			"rate_windows", windows,
			"jobs", jobs,
		)
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			g.Sweep()
		}
	}
}

// Close stops admissions and cancels every queued and running job.
func (g *Gate) Close() {
	if g.closed.Swap(true) {
		return
	}
	g.pool.Close()
}
