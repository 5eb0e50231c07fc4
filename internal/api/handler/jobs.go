package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/colorgate/internal/admission"
	mw "github.com/kiranshivaraju/colorgate/internal/api/middleware"
	"github.com/kiranshivaraju/colorgate/internal/api/response"
	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

// Response headers describing how a job was resolved.
const (
	HeaderOutcome     = "X-Job-Outcome"
	HeaderFingerprint = "X-Fingerprint"
	HeaderJobID       = "X-Job-ID"
)

// JobGate is the admission surface the job handlers depend on.
type JobGate interface {
	Submit(ctx context.Context, clientID string, payload []byte) admission.Outcome
	Do(ctx context.Context, clientID string, payload []byte) (admission.Result, error)
	Handle(id uuid.UUID) (*admission.Handle, error)
	Cancel(id uuid.UUID) error
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The request body is the raw image. With ?async=true an accepted job is
// answered with 202 and polled through GET /api/v1/jobs/{jobID}; otherwise
// the request waits for the result.
func NewSubmitJobHandler(g JobGate, maxPayloadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := mw.GetClientID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					"Image exceeds the maximum payload size", map[string]any{"max_bytes": maxPayloadBytes})
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body", nil)
			return
		}

		async := false
		if v := r.URL.Query().Get("async"); v != "" {
			async, err = strconv.ParseBool(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "async must be a boolean", nil)
				return
			}
		}

		if async {
			submitAsync(w, r, g, clientID.String(), payload)
			return
		}

		res, err := g.Do(r.Context(), clientID.String(), payload)
		if err != nil {
			if r.Context().Err() != nil {
				slog.Info("client disconnected while waiting for job",
					"client_id", clientID, "job_id", res.JobID, "fingerprint", res.Fingerprint)
				return
			}
			writeGateError(w, err)
			return
		}

		outcome := models.OutcomeCompleted
		if res.Cached {
			outcome = models.OutcomeCached
		}
		writeResult(w, outcome, res.Fingerprint, res.JobID, res.Value)
	}
}

func submitAsync(w http.ResponseWriter, r *http.Request, g JobGate, clientID string, payload []byte) {
	out := g.Submit(r.Context(), clientID, payload)
	switch out.Kind {
	case admission.KindCached:
		writeResult(w, models.OutcomeCached, out.Fingerprint, uuid.Nil, out.Value)
	case admission.KindRejected:
		writeGateError(w, &admission.RejectionError{Reason: out.Reason, RetryAfter: out.RetryAfter, Err: out.Err})
	default:
		id := out.Handle.ID()
		w.Header().Set("Location", "/api/v1/jobs/"+id.String())
		w.Header().Set(HeaderJobID, id.String())
		w.Header().Set(HeaderFingerprint, out.Fingerprint)
		response.Accepted(w, out.Handle.Status())
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// A completed job is answered with its image, and keeps being answered with it
// until the gate's retention sweep drops it; any other state is answered with
// the job status.
func NewGetJobHandler(g JobGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := ownedHandle(w, r, g)
		if !ok {
			return
		}

		st := h.Status()
		if st.Status == models.JobStatusCompleted {
			value, err := h.Wait(r.Context())
			if err == nil {
				writeResult(w, models.OutcomeCompleted, st.Fingerprint, h.ID(), value)
				return
			}
		}
		response.JSON(w, st)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewCancelJobHandler(g JobGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := ownedHandle(w, r, g)
		if !ok {
			return
		}
		if err := g.Cancel(h.ID()); err != nil {
			writeGateError(w, err)
			return
		}
		response.JSON(w, h.Status())
	}
}

// ownedHandle resolves the jobID path parameter to a handle owned by the
// caller. Jobs of other clients are reported as not found.
func ownedHandle(w http.ResponseWriter, r *http.Request, g JobGate) (*admission.Handle, bool) {
	clientID, ok := mw.GetClientID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
		return nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
		return nil, false
	}

	h, err := g.Handle(jobID)
	if err != nil || h.ClientID() != clientID.String() {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	return h, true
}

func writeResult(w http.ResponseWriter, outcome, fingerprint string, jobID uuid.UUID, value []byte) {
	w.Header().Set(HeaderOutcome, outcome)
	w.Header().Set(HeaderFingerprint, fingerprint)
	if jobID != uuid.Nil {
		w.Header().Set(HeaderJobID, jobID.String())
	}
	response.Image(w, value)
}

// writeGateError maps admission and transform errors to API errors.
func writeGateError(w http.ResponseWriter, err error) {
	details := map[string]any{"reason": admission.ReasonFor(err)}

	var rej *admission.RejectionError
	if errors.As(err, &rej) && rej.RetryAfter > 0 {
		secs := retryAfterSeconds(rej.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		details["retry_after_seconds"] = secs
	}

	switch {
	case errors.Is(err, admission.ErrInvalidPayload):
		response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Request body must contain an image", details)
	case errors.Is(err, admission.ErrRateLimited):
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many jobs in the current window", details)
	case errors.Is(err, admission.ErrOverloaded):
		response.Error(w, http.StatusServiceUnavailable, "OVERLOADED", "The server is at capacity, retry later", details)
	case errors.Is(err, admission.ErrClosed):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "The server is shutting down", details)
	case errors.Is(err, admission.ErrUnknownJob):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, admission.ErrCancelled):
		response.Error(w, http.StatusConflict, "JOB_CANCELLED", "The job was cancelled", details)
	case errors.Is(err, admission.ErrTimeout), errors.Is(err, transform.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "TRANSFORM_TIMEOUT", "The transform took too long and was cancelled", details)
	case errors.Is(err, transform.ErrUnavailable), errors.Is(err, transform.ErrInvalidResponse):
		response.Error(w, http.StatusBadGateway, "TRANSFORM_UNAVAILABLE", "The transform backend is not available", details)
	case errors.Is(err, transform.ErrBadInput), errors.Is(err, admission.ErrTransformFailure):
		response.Error(w, http.StatusUnprocessableEntity, "TRANSFORM_FAILED", "The image could not be transformed", details)
	default:
		slog.Error("unexpected job error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
