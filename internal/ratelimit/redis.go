package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/colorgate/internal/cache"
	"k8s.io/utils/clock"
)

// RedisWindow keeps each client's window in a Redis sorted set so that quotas
// hold across server instances. It fails open: a Redis error admits the
// request with an unreleasable reservation.
type RedisWindow struct {
	cache  cache.Cache
	quota  int
	window time.Duration
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewRedisWindow creates a shared limiter on c.
func NewRedisWindow(c cache.Cache, quota int, window time.Duration, clk clock.PassiveClock, logger *slog.Logger) *RedisWindow {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWindow{cache: c, quota: quota, window: window, clock: clk, logger: logger}
}

func (l *RedisWindow) Allow(ctx context.Context, clientID string) (Reservation, bool) {
	now := l.clock.Now()
	member := uuid.NewString()

	added, err := l.cache.WindowAdd(ctx, cache.RateLimitKey(clientID), now, l.window, l.quota, member)
	if err != nil {
		l.logger.Warn("rate limit window unavailable, allowing request",
			"client_id", clientID,
			"error", err,
		)
		return Reservation{ClientID: clientID, At: now}, true
	}
	if !added {
		return Reservation{}, false
	}
	return Reservation{ClientID: clientID, At: now, Member: member}, true
}

func (l *RedisWindow) Release(ctx context.Context, r Reservation) {
	if r.Member == "" {
		return
	}
	if err := l.cache.WindowRemove(ctx, cache.RateLimitKey(r.ClientID), r.Member); err != nil {
		l.logger.Warn("failed to release rate limit credit",
			"client_id", r.ClientID,
			"error", err,
		)
	}
}

func (l *RedisWindow) Status(ctx context.Context, clientID string) Status {
	now := l.clock.Now()
	st := Status{Limit: l.quota, Remaining: l.quota}

	n, oldest, err := l.cache.WindowState(ctx, cache.RateLimitKey(clientID), now, l.window)
	if err != nil {
		return st
	}
	st.Remaining = l.quota - n
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if n > 0 {
		st.Reset = oldest.Add(l.window)
	}
	return st
}

// Sweep is a no-op: Redis expires idle windows on its own.
func (l *RedisWindow) Sweep() int { return 0 }

var _ Limiter = (*RedisWindow)(nil)
