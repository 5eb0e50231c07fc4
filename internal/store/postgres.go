package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Clients ---

func (s *PostgresStore) GetDefaultClient(ctx context.Context) (*models.Client, error) {
	var c models.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM clients WHERE name = 'default' LIMIT 1`,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default client: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateClient(ctx context.Context, client *models.Client) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		client.ID, client.Name, client.CreatedAt, client.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var c models.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

// --- API Keys ---

const apiKeyColumns = `id, client_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ClientID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, client_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ClientID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, clientID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE client_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, clientID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND client_id = $2 AND deleted_at IS NULL`, id, clientID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Job Records ---

var jobRecordColumns = []string{
	"id", "client_id", "fingerprint", "outcome", "reason",
	"payload_bytes", "result_bytes", "duration_ms", "created_at",
}

// RecordJobs bulk-inserts records with COPY. Records whose client id is not a
// UUID are skipped.
func (s *PostgresStore) RecordJobs(ctx context.Context, records []models.JobRecord) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		clientID, err := uuid.Parse(r.ClientID)
		if err != nil {
			continue
		}
		rows = append(rows, []any{
			r.ID, clientID, r.Fingerprint, r.Outcome, r.Reason,
			r.PayloadBytes, r.ResultBytes, r.DurationMs, r.CreatedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"job_records"}, jobRecordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("record jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobRecords(ctx context.Context, filter RecordFilter) ([]*models.JobRecord, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	where := `WHERE client_id = $1`
	args := []any{filter.ClientID}
	argIdx := 2

	if filter.Outcome != "" {
		where += fmt.Sprintf(" AND outcome = $%d", argIdx)
		args = append(args, filter.Outcome)
		argIdx++
	}
	if !filter.Since.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	query := fmt.Sprintf(`SELECT client_id::text, id, fingerprint, outcome, reason, payload_bytes, result_bytes, duration_ms, created_at
		FROM job_records %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var records []*models.JobRecord
	for rows.Next() {
		var r models.JobRecord
		if err := rows.Scan(&r.ClientID, &r.ID, &r.Fingerprint, &r.Outcome, &r.Reason,
			&r.PayloadBytes, &r.ResultBytes, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	return records, total, nil
}

// ClientStats aggregates a client's history since the given time. A zero
// since covers the whole history.
func (s *PostgresStore) ClientStats(ctx context.Context, clientID uuid.UUID, since time.Time) (*models.ClientStats, error) {
	st := models.ClientStats{ClientID: clientID}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE outcome = 'completed'),
		        COUNT(*) FILTER (WHERE outcome = 'cached'),
		        COUNT(*) FILTER (WHERE outcome = 'failed'),
		        COUNT(*) FILTER (WHERE outcome = 'rejected'),
		        COALESCE(AVG(duration_ms) FILTER (WHERE outcome = 'completed'), 0)::float8,
		        COALESCE(SUM(payload_bytes), 0)::bigint,
		        MIN(created_at),
		        MAX(created_at)
		 FROM job_records WHERE client_id = $1 AND created_at >= $2`, clientID, since,
	).Scan(&st.TotalJobs, &st.Completed, &st.Cached, &st.Failed, &st.Rejected,
		&st.AvgDurationMs, &st.BytesIn, &st.FirstJobAt, &st.LastJobAt)
	if err != nil {
		return nil, fmt.Errorf("client stats: %w", err)
	}

	if settled := st.Completed + st.Cached + st.Failed; settled > 0 {
		st.SuccessRate = float64(st.Completed+st.Cached) / float64(settled)
	}
	return &st, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
