package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/utils/clock"
)

const defaultShards = 64

type windowShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// SlidingWindow is an exact in-process sliding window. Every admission
// timestamp is kept until it leaves the window, so the count in any trailing
// window never exceeds the quota.
type SlidingWindow struct {
	quota  int
	window time.Duration
	clock  clock.PassiveClock
	shards []*windowShard
}

// NewSlidingWindow creates a limiter admitting quota requests per window.
// A nil clock uses the real clock.
func NewSlidingWindow(quota int, window time.Duration, clk clock.PassiveClock) *SlidingWindow {
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := &SlidingWindow{
		quota:  quota,
		window: window,
		clock:  clk,
		shards: make([]*windowShard, defaultShards),
	}
	for i := range l.shards {
		l.shards[i] = &windowShard{windows: make(map[string][]time.Time)}
	}
	return l
}

func (l *SlidingWindow) shardFor(clientID string) *windowShard {
	return l.shards[xxhash.Sum64String(clientID)%uint64(len(l.shards))]
}

// Allow prunes the client's window and records now iff fewer than quota
// admissions remain in it.
func (l *SlidingWindow) Allow(_ context.Context, clientID string) (Reservation, bool) {
	now := l.clock.Now()
	s := l.shardFor(clientID)

	s.mu.Lock()
	defer s.mu.Unlock()

	history := trimCutoff(s.windows[clientID], now.Add(-l.window))
	if len(history) >= l.quota {
		s.windows[clientID] = history
		return Reservation{}, false
	}
	s.windows[clientID] = append(history, now)
	return Reservation{ClientID: clientID, At: now}, true
}

// Release removes the admission recorded by r, if it is still in the window.
func (l *SlidingWindow) Release(_ context.Context, r Reservation) {
	if r.ClientID == "" {
		return
	}
	s := l.shardFor(r.ClientID)

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.windows[r.ClientID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Equal(r.At) {
			history = append(history[:i], history[i+1:]...)
			break
		}
	}
	if len(history) == 0 {
		delete(s.windows, r.ClientID)
		return
	}
	s.windows[r.ClientID] = history
}

func (l *SlidingWindow) Status(_ context.Context, clientID string) Status {
	now := l.clock.Now()
	s := l.shardFor(clientID)

	s.mu.Lock()
	history := trimCutoff(s.windows[clientID], now.Add(-l.window))
	if len(history) > 0 {
		s.windows[clientID] = history
	}
	s.mu.Unlock()

	st := Status{Limit: l.quota, Remaining: l.quota - len(history)}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if len(history) > 0 {
		st.Reset = history[0].Add(l.window)
	}
	return st
}

func (l *SlidingWindow) Sweep() int {
	now := l.clock.Now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, history := range s.windows {
			if len(history) == 0 || !now.Before(history[len(history)-1].Add(l.window)) {
				delete(s.windows, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// trimCutoff drops the leading timestamps at or before cutoff.
func trimCutoff(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}

var _ Limiter = (*SlidingWindow)(nil)
