package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/colorgate/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Sliding window ---

func TestWindowAdd_AdmitsUpToLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("client-" + uuid.NewString()[:8])
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, err := rc.WindowAdd(ctx, key, now.Add(time.Duration(i)*time.Millisecond), time.Minute, 3, uuid.NewString())
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i+1)
	}

	ok, err := rc.WindowAdd(ctx, key, now.Add(time.Second), time.Minute, 3, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok, "fourth request within the window must be refused")
}

func TestWindowAdd_OldEntriesLeaveWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("client-" + uuid.NewString()[:8])
	start := time.Now()

	for i := 0; i < 2; i++ {
		ok, err := rc.WindowAdd(ctx, key, start, time.Minute, 2, uuid.NewString())
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Scores are explicit, so advancing "now" needs no sleep.
	ok, err := rc.WindowAdd(ctx, key, start.Add(time.Minute), time.Minute, 2, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowRemove_FreesSlot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("client-" + uuid.NewString()[:8])
	now := time.Now()
	member := uuid.NewString()

	ok, err := rc.WindowAdd(ctx, key, now, time.Minute, 1, member)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rc.WindowAdd(ctx, key, now, time.Minute, 1, uuid.NewString())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, rc.WindowRemove(ctx, key, member))

	ok, err = rc.WindowAdd(ctx, key, now, time.Minute, 1, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowState_ReportsCountAndOldest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("client-" + uuid.NewString()[:8])
	start := time.UnixMicro(time.Now().UnixMicro())

	n, _, err := rc.WindowState(ctx, key, start, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 0; i < 3; i++ {
		_, err := rc.WindowAdd(ctx, key, start.Add(time.Duration(i)*time.Second), time.Minute, 10, uuid.NewString())
		require.NoError(t, err)
	}

	n, oldest, err := rc.WindowState(ctx, key, start.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, oldest.Equal(start))

	n, oldest, err = rc.WindowState(ctx, key, start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, oldest.Equal(start.Add(time.Second)))
}

// --- Cache Key Builders ---

func TestResultKey(t *testing.T) {
	assert.Equal(t, "result:abc123", cache.ResultKey("abc123"))
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("cg_abcd1234")
	assert.Equal(t, "ratelimit:cg_abcd1234", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.ResultKey("same"):    true,
		cache.RateLimitKey("same"): true,
	}
	assert.Len(t, keys, 2, "all keys should be unique")
}
