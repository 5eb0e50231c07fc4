package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a Run.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Run is one admitted execution. Its result is readable once Done is closed.
type Run struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	state  atomic.Int32

	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	value      []byte
	err        error
}

func (r *Run) start(now time.Time) {
	r.startedAt = now
	r.state.Store(int32(StateRunning))
}

func (r *Run) finish(now time.Time, value []byte, err error) {
	r.finishedAt = now
	r.value = value
	r.err = err
	r.state.Store(int32(StateFinished))
	close(r.done)
}

// Done is closed when the run has finished and its slot is released.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) State() State {
	return State(r.state.Load())
}

// Result returns the outcome. It must only be called after Done is closed.
func (r *Run) Result() ([]byte, error) {
	return r.value, r.err
}

// Wait blocks until the run finishes or ctx is done. A ctx error leaves the
// run untouched.
func (r *Run) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the run. A queued run gives up its place immediately; a
// running one is signalled through its context.
func (r *Run) Cancel() {
	r.cancel(ErrCancelled)
}

// StartedAt is when the run took a slot. Zero if it never started. It must
// only be called after Done is closed.
func (r *Run) StartedAt() time.Time {
	return r.startedAt
}

// Duration is the time spent in a slot. Zero if the run never started.
// It must only be called after Done is closed.
func (r *Run) Duration() time.Duration {
	if r.startedAt.IsZero() {
		return 0
	}
	return r.finishedAt.Sub(r.startedAt)
}

// QueuedFor is the time spent waiting for a slot. It must only be called
// after Done is closed.
func (r *Run) QueuedFor() time.Duration {
	if r.startedAt.IsZero() {
		return r.finishedAt.Sub(r.queuedAt)
	}
	return r.startedAt.Sub(r.queuedAt)
}
