package metrics

import "time"

// Kind is the type of a pipeline event.
type Kind int

const (
	KindHit Kind = iota
	KindMiss
	KindAccepted
	KindRejected
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindHit:
		return "hit"
	case KindMiss:
		return "miss"
	case KindAccepted:
		return "accepted"
	case KindRejected:
		return "rejected"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one observation. Reason is set for Rejected and Failed, Duration
// for Completed.
type Event struct {
	Kind     Kind
	Reason   string
	Duration time.Duration
}

func Hit() Event      { return Event{Kind: KindHit} }
func Miss() Event     { return Event{Kind: KindMiss} }
func Accepted() Event { return Event{Kind: KindAccepted} }

func Rejected(reason string) Event {
	return Event{Kind: KindRejected, Reason: reason}
}

func Completed(d time.Duration) Event {
	return Event{Kind: KindCompleted, Duration: d}
}

func Failed(reason string) Event {
	return Event{Kind: KindFailed, Reason: reason}
}
