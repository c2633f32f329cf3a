package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goqueue/internal/errors"
	"github.com/3leaps/goqueue/pkg/record"
	"github.com/3leaps/goqueue/pkg/supervisor"
)

const maxWaitTimeout = 5 * time.Minute

// JobsHandler serves the /jobs resource.
type JobsHandler struct {
	Sup    *supervisor.Supervisor
	Logger *zap.Logger
}

type submitRequest struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

type listResponse struct {
	Jobs  []record.JobRecord `json:"jobs"`
	Count int                `json:"count"`
}

// List returns all job records, optionally filtered by ?status= and a
// ?match= glob applied to job ids.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" && !record.Status(statusFilter).Known() {
		respondWithError(w, r, apperrors.Validation("unknown status filter: "+statusFilter))
		return
	}
	match := r.URL.Query().Get("match")
	if match != "" {
		if !doublestar.ValidatePattern(match) {
			respondWithError(w, r, apperrors.Validation("invalid match pattern: "+match))
			return
		}
	}

	all := h.Sup.Store().List()
	jobs := make([]record.JobRecord, 0, len(all))
	for _, rec := range all {
		if statusFilter != "" && string(rec.Status) != statusFilter {
			continue
		}
		if match != "" {
			ok, _ := doublestar.Match(match, rec.JobID)
			if !ok {
				continue
			}
		}
		jobs = append(jobs, rec)
	}

	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Count: len(jobs)})
}

// Submit enqueues a new job and returns its record.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req submitRequest
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	if req.JobID == "" {
		respondWithError(w, r, apperrors.Validation("job_id is required"))
		return
	}
	if req.Type == "" {
		respondWithError(w, r, apperrors.Validation("type is required"))
		return
	}

	rec, err := h.Sup.Submit(req.Type, req.JobID, req.Params)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get returns one job record, including any result payload.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Sup.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Cancel requests cancellation and returns the record as it stands after
// the request; running jobs report their updated state only once they
// yield.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.Sup.Cancel(jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := h.Sup.Status(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// Delete removes a terminal job record.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Sup.Delete(chi.URLParam(r, "jobID")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Wait blocks until the job reaches a terminal state or the ?timeout=
// duration expires (default 30s).
func (h *JobsHandler) Wait(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondWithError(w, r, apperrors.Validation("invalid timeout: "+raw))
			return
		}
		timeout = d
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	rec, err := h.Sup.Await(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		if ctx.Err() != nil {
			writeJSON(w, http.StatusRequestTimeout, map[string]any{
				"error": map[string]any{
					"code":    "WAIT_TIMEOUT",
					"message": "job did not reach a terminal state within the wait timeout",
				},
			})
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Stats returns registry statistics.
func (h *JobsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sup.Store().Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
