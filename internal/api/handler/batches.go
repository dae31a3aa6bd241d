package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/cache"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/objectstore"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// BatchSubmitter creates and shards batches.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, req gateway.BatchRequest) (*gateway.BatchSubmitResult, error)
}

// ProgressReader derives a batch's progress from its children.
type ProgressReader interface {
	Progress(ctx context.Context, batchID uuid.UUID) (*models.BatchProgress, error)
}

type submitBatchRequest struct {
	Items          []json.RawMessage `json:"items"`
	ParentInput    json.RawMessage   `json:"parent_input"`
	Lane           models.Lane       `json:"lane"`
	MaxConcurrent  int               `json:"max_concurrent"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// NewSubmitBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
// Shards that find no capacity stay pending and go out later, so a 202 may
// report fewer submitted shards than the batch has.
func NewSubmitBatchHandler(gw BatchSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		var req submitBatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = req.IdempotencyKey
		}

		res, err := gw.SubmitBatch(r.Context(), gateway.BatchRequest{
			ParentInput:    req.ParentInput,
			Items:          req.Items,
			Lane:           req.Lane,
			MaxConcurrent:  req.MaxConcurrent,
			OwnerID:        ownerID,
			IdempotencyKey: key,
		})
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

type batchView struct {
	*models.BatchProgress
	Summary *models.BatchSummary `json:"summary,omitempty"`
}

// NewGetBatchHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{batchID}. Once the batch is summarized the summary
// artifact is attached, read through c.
func NewGetBatchHandler(jobs JobReader, progress ProgressReader, objects objectstore.Store, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := requireOwner(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "batchID")
		if !ok {
			return
		}
		parent, ok := ownedJob(w, r, jobs, id, ownerID)
		if !ok {
			return
		}
		if parent.Kind != models.KindBatchParent {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Batch not found", nil)
			return
		}

		p, err := progress.Progress(r.Context(), id)
		if err != nil {
			slog.Error("failed to derive batch progress", "batch_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load batch", nil)
			return
		}
		view := batchView{BatchProgress: p}
		if p.SummaryGenerated {
			view.Summary = loadSummary(r.Context(), objects, c, ttl, id)
		}
		response.JSON(w, view)
	}
}

func loadSummary(ctx context.Context, objects objectstore.Store, c cache.Cache, ttl time.Duration, batchID uuid.UUID) *models.BatchSummary {
	data, ok, err := c.Get(ctx, cache.BatchSummaryKey(batchID))
	if err != nil {
		slog.Warn("batch summary cache read failed", "batch_id", batchID, "error", err)
	}
	if !ok {
		data, err = objects.Get(ctx, objectstore.BatchSummaryKey(batchID))
		if err != nil {
			if !errors.Is(err, objectstore.ErrNotFound) {
				slog.Warn("failed to read batch summary", "batch_id", batchID, "error", err)
			}
			return nil
		}
		if err := c.Set(ctx, cache.BatchSummaryKey(batchID), data, ttl); err != nil {
			slog.Warn("failed to cache batch summary", "batch_id", batchID, "error", err)
		}
	}
	var s models.BatchSummary
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("batch summary is not valid JSON", "batch_id", batchID, "error", err)
		return nil
	}
	return &s
}
