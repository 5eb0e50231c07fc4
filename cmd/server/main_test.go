package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/colorgate/internal/monitor"
	"github.com/kiranshivaraju/colorgate/internal/store"
	"github.com/kiranshivaraju/colorgate/internal/transform/mock"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type testPinger struct {
	pingErr error
}

func (p *testPinger) Ping(_ context.Context) error { return p.pingErr }

type testMonitor struct {
	status monitor.Status
}

func (m *testMonitor) Last() monitor.Status { return m.status }

type testStore struct {
	client    *models.Client
	clientErr error
	keys      []*models.APIKey
	created   []*models.APIKey
}

func (s *testStore) GetDefaultClient(_ context.Context) (*models.Client, error) {
	return s.client, s.clientErr
}

func (s *testStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return s.keys, nil
}

func (s *testStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.created = append(s.created, key)
	return nil
}

// ─── health handler tests ───────────────────────────────────────────────────

func serveHealth(t *testing.T, h http.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealthHandler_AllOK(t *testing.T) {
	mon := &testMonitor{status: monitor.Status{Memory: monitor.Sample{ProcessMB: 42, SystemPercent: 37.5}}}
	h := healthHandler(&testPinger{}, &testPinger{}, mock.NewMockTransformer(), mon)

	w, body := serveHealth(t, h)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "mock", data["provider"])
	assert.Equal(t, false, data["under_pressure"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
	assert.Equal(t, "ok", services["transform"])
	assert.Equal(t, float64(42), data["memory"].(map[string]any)["process_mb"])
}

func TestHealthHandler_Degraded(t *testing.T) {
	down := errors.New("connection refused")
	notReady := mock.NewMockTransformer()
	notReady.ReadyErr = down

	tests := []struct {
		name    string
		db      error
		cache   error
		tf      *mock.MockTransformer
		service string
	}{
		{"database", down, nil, mock.NewMockTransformer(), "database"},
		{"transform", nil, nil, notReady, "transform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := healthHandler(&testPinger{pingErr: tt.db}, &testPinger{pingErr: tt.cache}, tt.tf, &testMonitor{})

			w, body := serveHealth(t, h)

			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "DEGRADED", errObj["code"])
			assert.Equal(t, "degraded", errObj["details"].(map[string]any)[tt.service])
		})
	}
}

func TestHealthHandler_CacheOutageStaysServing(t *testing.T) {
	down := errors.New("connection refused")
	h := healthHandler(&testPinger{}, &testPinger{pingErr: down}, mock.NewMockTransformer(), &testMonitor{})

	w, body := serveHealth(t, h)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "degraded", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "degraded", services["cache"])
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["transform"])
}

// ─── bootstrap tests ────────────────────────────────────────────────────────

func TestBootstrapAdminKey_CreatesWhenNoKeys(t *testing.T) {
	client := &models.Client{ID: uuid.New(), Name: "default"}
	s := &testStore{client: client}

	require.NoError(t, bootstrapAdminKey(context.Background(), s))

	require.Len(t, s.created, 1)
	key := s.created[0]
	assert.Equal(t, client.ID, key.ClientID)
	assert.ElementsMatch(t, []string{models.ScopeJobs, models.ScopeAdmin}, key.Scopes)
	assert.Len(t, key.KeyPrefix, 8)
	assert.NotEmpty(t, key.KeyHash)
	assert.Positive(t, bcryptCost(t, key.KeyHash))
}

func TestBootstrapAdminKey_SkipsWhenKeysExist(t *testing.T) {
	s := &testStore{
		client: &models.Client{ID: uuid.New(), Name: "default"},
		keys:   []*models.APIKey{{ID: uuid.New()}},
	}

	require.NoError(t, bootstrapAdminKey(context.Background(), s))
	assert.Empty(t, s.created)
}

func TestBootstrapAdminKey_MissingDefaultClient(t *testing.T) {
	s := &testStore{clientErr: store.ErrNotFound}

	err := bootstrapAdminKey(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func bcryptCost(t *testing.T, hash string) int {
	t.Helper()
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	return cost
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "")
	t.Setenv("TRANSFORM_PROVIDER", "grayscale")
	t.Setenv("RATE_LIMIT_BACKEND", "memory")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── constants ──────────────────────────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
