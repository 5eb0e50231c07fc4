package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/colorgate/internal/api/middleware"
	"github.com/kiranshivaraju/colorgate/internal/api/response"
	"github.com/kiranshivaraju/colorgate/internal/store"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var validOutcomes = map[string]bool{
	models.OutcomeCached:    true,
	models.OutcomeCompleted: true,
	models.OutcomeFailed:    true,
	models.OutcomeRejected:  true,
}

// HistoryStore reads recorded job outcomes and their aggregates.
type HistoryStore interface {
	ListJobRecords(ctx context.Context, filter store.RecordFilter) ([]*models.JobRecord, int, error)
	ClientStats(ctx context.Context, clientID uuid.UUID, since time.Time) (*models.ClientStats, error)
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Query parameters: outcome, since (RFC3339), page, limit.
func NewListJobsHandler(s HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := mw.GetClientID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
			return
		}

		q := r.URL.Query()
		filter := store.RecordFilter{
			ClientID: clientID,
			Outcome:  q.Get("outcome"),
			Page:     1,
			Limit:    defaultHistoryLimit,
		}
		if filter.Outcome != "" && !validOutcomes[filter.Outcome] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"outcome must be one of cached, completed, failed, rejected", nil)
			return
		}
		if v := q.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = since
		}
		if v := q.Get("page"); v != "" {
			page, err := strconv.Atoi(v)
			if err != nil || page < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = page
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(limit, maxHistoryLimit)
		}

		records, total, err := s.ListJobRecords(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if records == nil {
			records = []*models.JobRecord{}
		}

		response.Collection(w, records, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats. An
// optional window parameter (a Go duration such as 24h) limits the
// aggregate to recent history.
func NewStatsHandler(s HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := mw.GetClientID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
			return
		}

		var since time.Time
		if v := r.URL.Query().Get("window"); v != "" {
			window, err := time.ParseDuration(v)
			if err != nil || window <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "window must be a positive duration", nil)
				return
			}
			since = time.Now().Add(-window)
		}

		st, err := s.ClientStats(r.Context(), clientID, since)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load stats", nil)
			return
		}
		response.JSON(w, st)
	}
}
