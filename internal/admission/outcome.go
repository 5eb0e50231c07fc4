package admission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the admission decision for one submission.
type Kind int

const (
	KindCached Kind = iota
	KindAccepted
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindCached:
		return "cached"
	case KindAccepted:
		return "accepted"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of Submit. Value is set for Cached, Handle for
// Accepted, and Reason and Err for Rejected.
type Outcome struct {
	Kind        Kind
	Fingerprint string
	Value       []byte
	Handle      *Handle
	Reason      string
	Err         error
	// RetryAfter hints when a rejected client may try again.
	RetryAfter time.Duration
}

// Result is what Do returns once a submission has resolved.
type Result struct {
	Value       []byte
	Fingerprint string
	Cached      bool
	JobID       uuid.UUID
}

// RejectionError is returned by Do when a submission is not admitted. It
// unwraps to the rejection's sentinel error.
type RejectionError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("job rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}
