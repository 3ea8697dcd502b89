package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/pcrbatch/internal/errors"
	"github.com/3leaps/pcrbatch/pkg/jobregistry"
)

// BatchSource exposes the live batch, usually a *batch.Manager.
type BatchSource interface {
	Snapshot() jobregistry.Snapshot
}

// BatchResponse is the body of /v1/batch.
type BatchResponse struct {
	jobregistry.Snapshot
	Progress jobregistry.Progress `json:"progress"`
}

// BatchHandler serves the current batch snapshot.
func BatchHandler(src BatchSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("no batch is running"))
			return
		}
		snap := src.Snapshot()
		apperrors.WriteJSON(w, http.StatusOK, BatchResponse{Snapshot: snap, Progress: snap.Progress()})
	}
}

// JobHandler serves one job record, addressed by the {jobID} route parameter.
func JobHandler(src BatchSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("no batch is running"))
			return
		}
		jobID := chi.URLParam(r, "jobID")
		for _, rec := range src.Snapshot().Jobs {
			if rec.JobID == jobID {
				apperrors.WriteJSON(w, http.StatusOK, rec)
				return
			}
		}
		respondWithError(w, r, apperrors.NewNotFound("job not found: "+jobID))
	}
}
