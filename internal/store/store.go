package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/colorgate/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultClient(ctx context.Context) (*models.Client, error)
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, clientID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, clientID uuid.UUID) error

	RecordJobs(ctx context.Context, records []models.JobRecord) error
	ListJobRecords(ctx context.Context, filter RecordFilter) ([]*models.JobRecord, int, error)
	ClientStats(ctx context.Context, clientID uuid.UUID, since time.Time) (*models.ClientStats, error)
}

// RecordFilter selects a page of a client's job history. Zero Since and empty
// Outcome match everything.
type RecordFilter struct {
	ClientID uuid.UUID
	Outcome  string
	Since    time.Time
	Page     int
	Limit    int
}
