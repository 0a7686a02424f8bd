package api

import (
	"encoding/json"
	"net/http"

	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/job"
	"github.com/workroom-io/workroom/ws"
)

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SubmitJobResponse acknowledges an accepted submission. Created is
// false when an idempotency key matched a live job; JobID then names
// the existing holder.
type SubmitJobResponse struct {
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
	Created bool       `json:"created"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Kind == "" {
		a.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.WorkspaceID != "" && !identity.AllowsWorkspace(req.WorkspaceID) {
		a.writeError(w, http.StatusForbidden, "workspace not permitted")
		return
	}

	j, created, err := a.node.SubmitJob(r.Context(), identity.UserID, req.WorkspaceID, req.IdempotencyKey, req.Kind, req.Payload)
	if err != nil {
		a.storeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:   j.ID.String(),
		Status:  j.Status,
		Created: created,
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := a.node.GetJob(r.Context(), identity.UserID, jobID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

// ListJobsResponse is the body of GET /v1/jobs.
type ListJobsResponse struct {
	Jobs   []*job.Job `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	opts := job.ListOpts{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
		Status: job.Status(r.URL.Query().Get("status")),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		a.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	jobs, err := a.node.ListJobs(r.Context(), identity.UserID, opts)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	a.writeJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:   jobs,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := a.node.CancelJob(r.Context(), identity.UserID, jobID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

// JobResultResponse is the body of GET /v1/jobs/{id}/result.
type JobResultResponse struct {
	JobID string `json:"job_id"`
	Body  string `json:"body"`
}

func (a *API) jobResult(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	rec, err := a.node.JobResult(r.Context(), identity.UserID, jobID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, JobResultResponse{
		JobID: rec.JobID,
		Body:  rec.Body,
	})
}
