package pool

import "errors"

var (
	// ErrOverloaded means every worker slot is busy and the wait queue is full.
	ErrOverloaded = errors.New("worker pool overloaded")
	// ErrTimeout covers both a queued run that waited too long for a slot and
	// a transform that ran past its deadline.
	ErrTimeout = errors.New("job timed out")
	// ErrTransform wraps any failure raised by the job function, including panics.
	ErrTransform = errors.New("transform failed")
	// ErrCancelled is returned for runs stopped through Run.Cancel.
	ErrCancelled = errors.New("job cancelled")
	// ErrClosed is returned by Go after Close, and for runs cut short by it.
	ErrClosed = errors.New("worker pool closed")
)
