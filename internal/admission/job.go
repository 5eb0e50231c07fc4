package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/colorgate/internal/pool"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

// job is one execution of the transform for a fingerprint. Several handles
// may share a job when identical payloads arrive while it is in flight.
type job struct {
	fingerprint  string
	payloadBytes int64
	submittedAt  time.Time

	// ready is closed once the pool has accepted or refused the job; run and
	// admitted are immutable afterwards.
	ready    chan struct{}
	admitted bool
	run      *pool.Run

	// done is closed after the result is cached and the job has left the
	// in-flight index.
	done        chan struct{}
	value       []byte
	err         error
	startedAt   time.Time
	completedAt time.Time

	mu      sync.Mutex
	handles []*Handle
	waiters int
	sealed  bool
}

func newJob(fingerprint string, payloadBytes int64, now time.Time) *job {
	return &job{
		fingerprint:  fingerprint,
		payloadBytes: payloadBytes,
		submittedAt:  now,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// attach adds h as a waiter. It fails once the job is sealed, that is once it
// has finished or every previous waiter has cancelled.
func (j *job) attach(h *Handle) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sealed {
		return false
	}
	j.handles = append(j.handles, h)
	j.waiters++
	return true
}

// leave drops one waiter and reports whether it was the last one, in which
// case the job is sealed and must be cancelled.
func (j *job) leave() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.waiters--
	if j.waiters > 0 || j.sealed {
		return false
	}
	j.sealed = true
	return true
}

func (j *job) seal() {
	j.mu.Lock()
	j.sealed = true
	j.mu.Unlock()
}

func (j *job) attached() []*Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Handle(nil), j.handles...)
}

func (j *job) finish(value []byte, err error, startedAt, completedAt time.Time) {
	j.value = value
	j.err = err
	j.startedAt = startedAt
	j.completedAt = completedAt
	close(j.done)
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Handle is one caller's view of an accepted job.
type Handle struct {
	id        uuid.UUID
	clientID  string
	job       *job
	createdAt time.Time

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newHandle(clientID string, j *job, now time.Time) *Handle {
	return &Handle{
		id:        uuid.New(),
		clientID:  clientID,
		job:       j,
		createdAt: now,
		cancelled: make(chan struct{}),
	}
}

func (h *Handle) ID() uuid.UUID          { return h.id }
func (h *Handle) ClientID() string       { return h.clientID }
func (h *Handle) Fingerprint() string    { return h.job.fingerprint }
func (h *Handle) SubmittedAt() time.Time { return h.createdAt }

// Done is closed when the underlying job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.job.done
}

func (h *Handle) isCancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// Wait blocks until the job finishes, the handle is cancelled, or ctx is done.
// The returned value is shared with other handles on the same job and must
// not be modified.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	if h.isCancelled() {
		return nil, ErrCancelled
	}
	select {
	case <-h.job.done:
		if h.isCancelled() {
			return nil, ErrCancelled
		}
		return h.job.value, h.job.err
	case <-h.cancelled:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports the handle's client-visible state.
func (h *Handle) Status() models.JobStatus {
	st := models.JobStatus{
		ID:          h.id,
		Status:      models.JobStatusPending,
		Fingerprint: h.job.fingerprint,
		SubmittedAt: h.createdAt,
	}

	switch {
	case h.isCancelled():
		st.Status = models.JobStatusCancelled
		st.Reason = ReasonCancelled
	case h.job.finished():
		startedAt, completedAt := h.job.startedAt, h.job.completedAt
		if !startedAt.IsZero() {
			st.StartedAt = &startedAt
		}
		st.CompletedAt = &completedAt
		if h.job.err != nil {
			st.Status = models.JobStatusFailed
			st.Reason = ReasonFor(h.job.err)
		} else {
			st.Status = models.JobStatusCompleted
		}
	case h.job.run.State() == pool.StateRunning:
		st.Status = models.JobStatusRunning
	}
	return st
}

// cancel marks the handle cancelled and reports whether it was the last
// waiter on its job.
func (h *Handle) cancel() (last bool) {
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		last = h.job.leave()
	})
	return last
}
