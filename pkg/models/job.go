package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	OutcomeCached    = "cached"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// JobStatus is the client-visible state of an accepted job. Clients that
// submit with ?async=true poll GET /api/v1/jobs/{job_id} until the status is
// terminal.
type JobStatus struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	Fingerprint string     `json:"fingerprint"`
	Reason      string     `json:"reason,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobRecord is one row of a client's job history. Every admission decision
// and every terminal job transition is recorded once.
type JobRecord struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	ClientID     string    `db:"client_id"     json:"client_id"`
	Fingerprint  string    `db:"fingerprint"   json:"fingerprint"`
	Outcome      string    `db:"outcome"       json:"outcome"`
	Reason       *string   `db:"reason"        json:"reason,omitempty"`
	PayloadBytes int64     `db:"payload_bytes" json:"payload_bytes"`
	ResultBytes  int64     `db:"result_bytes"  json:"result_bytes"`
	DurationMs   int64     `db:"duration_ms"   json:"duration_ms"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// ClientStats aggregates a client's job history.
type ClientStats struct {
	ClientID      uuid.UUID  `json:"client_id"`
	TotalJobs     int64      `json:"total_jobs"`
	Completed     int64      `json:"completed"`
	Cached        int64      `json:"cached"`
	Failed        int64      `json:"failed"`
	Rejected      int64      `json:"rejected"`
	SuccessRate   float64    `json:"success_rate"`
	AvgDurationMs float64    `json:"avg_duration_ms"`
	BytesIn       int64      `json:"bytes_in"`
	FirstJobAt    *time.Time `json:"first_job_at,omitempty"`
	LastJobAt     *time.Time `json:"last_job_at,omitempty"`
}
