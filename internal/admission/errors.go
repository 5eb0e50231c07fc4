package admission

import (
	"errors"

	"github.com/kiranshivaraju/colorgate/internal/cache"
	"github.com/kiranshivaraju/colorgate/internal/pool"
	"github.com/kiranshivaraju/colorgate/internal/transform"
)

var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownJob     = errors.New("unknown job")
)

// Re-exported so callers of the gate need not import the pool or cache.
var (
	ErrOverloaded       = pool.ErrOverloaded
	ErrTimeout          = pool.ErrTimeout
	ErrTransformFailure = pool.ErrTransform
	ErrCancelled        = pool.ErrCancelled
	ErrClosed           = pool.ErrClosed
	ErrCacheUnavailable = cache.ErrUnavailable
)

const (
	ReasonRateLimited      = "rate_limited"
	ReasonOverloaded       = "overloaded"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
	ReasonClosed           = "closed"
	ReasonBadInput         = "bad_input"
	ReasonTransformFailure = "transform_failure"
	ReasonInternal         = "internal"
)

// ReasonFor maps an error from the gate to a short, low-cardinality reason
// used in metrics labels, job records and API responses.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrOverloaded):
		return ReasonOverloaded
	case errors.Is(err, ErrInvalidPayload):
		return ReasonInvalidPayload
	case errors.Is(err, ErrTimeout), errors.Is(err, transform.ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrClosed):
		return ReasonClosed
	case errors.Is(err, transform.ErrBadInput):
		return ReasonBadInput
	case errors.Is(err, ErrTransformFailure):
		return ReasonTransformFailure
	default:
		return ReasonInternal
	}
}
