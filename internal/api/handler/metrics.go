package handler

import (
	"net/http"

	"github.com/kiranshivaraju/colorgate/internal/admission"
	"github.com/kiranshivaraju/colorgate/internal/api/response"
)

// SnapshotSource reports the gate's live counters.
type SnapshotSource interface {
	Snapshot() admission.Snapshot
}

// NewMetricsHandler returns an http.HandlerFunc for GET /api/v1/metrics.
func NewMetricsHandler(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, src.Snapshot())
	}
}
