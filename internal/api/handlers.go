package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/store"
)

type createJobRequest struct {
	Leads   []model.Lead     `json:"leads" validate:"required,min=1,max=5000,dive"`
	Options model.JobOptions `json:"options"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type cancelJobRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type listJobsQuery struct {
	Status string `validate:"omitempty,oneof=queued processing completed failed"`
	Limit  int    `validate:"min=0,max=500"`
}

type listJobsResponse struct {
	Jobs []model.Job `json:"jobs"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	jobID, err := h.svc.Enqueue(r.Context(), req.Leads, req.Options)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: jobID})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelJobRequest
	// The body is optional.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	snap, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := listJobsQuery{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if err := h.validator.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	list, err := h.svc.List(r.Context(), store.JobFilter{
		Status: model.JobStatus(q.Status),
		Limit:  q.Limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: list})
}
