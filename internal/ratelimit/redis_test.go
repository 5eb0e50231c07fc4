package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/colorgate/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

// mockWindowCache records window calls and returns canned results.
type mockWindowCache struct {
	addResult bool
	addErr    error
	stateN    int
	stateAt   time.Time
	stateErr  error

	addedKey    string
	addedLimit  int
	addedWindow time.Duration
	removed     []string
}

func (m *mockWindowCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (m *mockWindowCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (m *mockWindowCache) Delete(context.Context, string) error                     { return nil }
func (m *mockWindowCache) Ping(context.Context) error                               { return nil }

func (m *mockWindowCache) WindowAdd(_ context.Context, key string, _ time.Time, window time.Duration, limit int, _ string) (bool, error) {
	m.addedKey = key
	m.addedLimit = limit
	m.addedWindow = window
	return m.addResult, m.addErr
}

func (m *mockWindowCache) WindowRemove(_ context.Context, _ string, member string) error {
	m.removed = append(m.removed, member)
	return nil
}

func (m *mockWindowCache) WindowState(context.Context, string, time.Time, time.Duration) (int, time.Time, error) {
	return m.stateN, m.stateAt, m.stateErr
}

func TestRedisWindow_AllowUsesClientKey(t *testing.T) {
	m := &mockWindowCache{addResult: true}
	l := ratelimit.NewRedisWindow(m, 50, time.Hour, testclock.NewFakeClock(epoch), nil)

	r, ok := l.Allow(context.Background(), "client-1")
	require.True(t, ok)
	assert.Equal(t, "ratelimit:client-1", m.addedKey)
	assert.Equal(t, 50, m.addedLimit)
	assert.Equal(t, time.Hour, m.addedWindow)
	assert.NotEmpty(t, r.Member)
	assert.Equal(t, epoch, r.At)
}

func TestRedisWindow_Refused(t *testing.T) {
	m := &mockWindowCache{addResult: false}
	l := ratelimit.NewRedisWindow(m, 1, time.Minute, testclock.NewFakeClock(epoch), nil)

	_, ok := l.Allow(context.Background(), "client-1")
	assert.False(t, ok)
}

func TestRedisWindow_FailsOpen(t *testing.T) {
	m := &mockWindowCache{addErr: errors.New("connection refused")}
	l := ratelimit.NewRedisWindow(m, 1, time.Minute, testclock.NewFakeClock(epoch), nil)
	ctx := context.Background()

	r, ok := l.Allow(ctx, "client-1")
	require.True(t, ok)
	assert.Empty(t, r.Member)

	l.Release(ctx, r)
	assert.Empty(t, m.removed)
}

func TestRedisWindow_ReleaseRemovesMember(t *testing.T) {
	m := &mockWindowCache{addResult: true}
	l := ratelimit.NewRedisWindow(m, 1, time.Minute, testclock.NewFakeClock(epoch), nil)
	ctx := context.Background()

	r, ok := l.Allow(ctx, "client-1")
	require.True(t, ok)

	l.Release(ctx, r)
	assert.Equal(t, []string{r.Member}, m.removed)
}

func TestRedisWindow_Status(t *testing.T) {
	m := &mockWindowCache{stateN: 2, stateAt: epoch}
	l := ratelimit.NewRedisWindow(m, 3, time.Minute, testclock.NewFakeClock(epoch.Add(time.Second)), nil)

	st := l.Status(context.Background(), "client-1")
	assert.Equal(t, 3, st.Limit)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, epoch.Add(time.Minute), st.Reset)
}

func TestRedisWindow_StatusOnErrorReportsFullQuota(t *testing.T) {
	m := &mockWindowCache{stateErr: errors.New("timeout")}
	l := ratelimit.NewRedisWindow(m, 3, time.Minute, testclock.NewFakeClock(epoch), nil)

	st := l.Status(context.Background(), "client-1")
	assert.Equal(t, 3, st.Remaining)
	assert.True(t, st.Reset.IsZero())
	assert.Equal(t, 0, l.Sweep())
}
