package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/cache"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// retryAfter is advertised on 429 responses when a lane is full.
const retryAfter = 5 * time.Second

// JobSubmitter puts individual jobs on the backend.
type JobSubmitter interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (*gateway.SubmitResult, error)
}

// JobCanceller cancels jobs and batches.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// JobReader reads jobs. JobStatus may be served from a cache.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	JobStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
}

// JobLister pages through an owner's jobs.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

type submitJobRequest struct {
	Input          json.RawMessage `json:"input"`
	Lane           models.Lane     `json:"lane"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The Idempotency-Key header takes precedence over the body field.
func NewSubmitJobHandler(gw JobSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		var req submitJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = req.IdempotencyKey
		}

		res, err := gw.Submit(r.Context(), gateway.SubmitRequest{
			Input:          req.Input,
			Lane:           req.Lane,
			IdempotencyKey: key,
			OwnerID:        ownerID,
		})
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

// writeSubmitError maps submission failures onto HTTP statuses.
func writeSubmitError(w http.ResponseWriter, err error) {
	var backendErr *compute.BackendError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, admission.ErrUnknownLane):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, admission.ErrCapacityExceeded):
		response.RetryLater(w, retryAfter, "CAPACITY_EXCEEDED", "Lane is at capacity, retry later")
	case errors.Is(err, compute.ErrBackendUnavailable), errors.Is(err, compute.ErrBackendTimeout),
		errors.As(err, &backendErr):
		response.Error(w, http.StatusBadGateway, "BACKEND_UNAVAILABLE",
			"The compute backend did not accept the job", nil)
	default:
		slog.Error("submission failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// ownedJob loads a job and hides it from other owners.
func ownedJob(w http.ResponseWriter, r *http.Request, jobs JobReader, id, ownerID uuid.UUID) (*models.Job, bool) {
	job, err := jobs.GetJob(r.Context(), id)
	if err == nil && job.OwnerID == ownerID {
		return job, true
	}
	if err == nil || errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	slog.Error("failed to load job", "job_id", id, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
	return nil, false
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Terminal jobs never change, so their views are read through c for ttl.
func NewGetJobHandler(jobs JobReader, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		ctx := r.Context()

		status, err := jobs.JobStatus(ctx, id)
		if err == nil && status.IsTerminal() {
			if job := cachedJob(ctx, c, id); job != nil && job.OwnerID == ownerID {
				response.JSON(w, job)
				return
			}
		}

		job, ok := ownedJob(w, r, jobs, id, ownerID)
		if !ok {
			return
		}
		if job.Status.IsTerminal() {
			if data, err := json.Marshal(job); err == nil {
				if err := c.Set(ctx, cache.JobResultKey(id), data, ttl); err != nil {
					slog.Warn("failed to cache job view", "job_id", id, "error", err)
				}
			}
		}
		response.JSON(w, job)
	}
}

func cachedJob(ctx context.Context, c cache.Cache, id uuid.UUID) *models.Job {
	data, ok, err := c.Get(ctx, cache.JobResultKey(id))
	if err != nil {
		slog.Warn("job view cache read failed", "job_id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil
	}
	return &job
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(jobs JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		filter := store.JobFilter{OwnerID: ownerID}
		if s := q.Get("status"); s != "" {
			filter.Status = models.JobStatus(s)
			if !filter.Status.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status "+s, nil)
				return
			}
		}
		if k := q.Get("kind"); k != "" {
			filter.Kind = models.JobKind(k)
			switch filter.Kind {
			case models.KindIndividual, models.KindBatchParent, models.KindBatchChild:
			default:
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown kind "+k, nil)
				return
			}
		}
		filter.Page, filter.Limit = pagination(r)

		list, total, err := jobs.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("failed to list jobs", "owner_id", ownerID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.Collection(w, list, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. Cancelling a batch parent cancels its
// children.
func NewCancelJobHandler(jobs JobReader, gw JobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		if _, ok := ownedJob(w, r, jobs, id, ownerID); !ok {
			return
		}

		job, err := gw.Cancel(r.Context(), id)
		switch {
		case err == nil:
			response.JSON(w, job)
		case errors.Is(err, gateway.ErrAlreadyTerminal):
			response.Error(w, http.StatusConflict, "ALREADY_TERMINAL", "Job already finished", nil)
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		default:
			slog.Error("cancel failed", "job_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
		}
	}
}
