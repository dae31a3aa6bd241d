package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// BatchRequest describes a batch. An empty lane means bulk. MaxConcurrent
// caps the shards in flight at once; zero means no cap beyond the lane.
type BatchRequest struct {
	ParentInput    json.RawMessage
	Items          []json.RawMessage
	Lane           models.Lane
	MaxConcurrent  int
	OwnerID        uuid.UUID
	IdempotencyKey string
}

// BatchSubmitResult reports how much of a batch went out immediately. Shards
// not submitted stay pending and are resumed as capacity frees up.
type BatchSubmitResult struct {
	BatchID         uuid.UUID   `json:"batch_id"`
	ChildIDs        []uuid.UUID `json:"child_ids"`
	ShardSize       int         `json:"shard_size"`
	ShardCount      int         `json:"shard_count"`
	SubmittedShards int         `json:"submitted_shards"`
	CallIDs         []string    `json:"call_ids"`
	Deduplicated    bool        `json:"deduplicated"`
}

// SubmitBatch creates the parent and one child per item, partitions the
// children into shards and submits shards in order until the concurrency cap
// is reached or admission fails. Shards already submitted stay active when a
// later one fails.
//
// An idempotency key names the batch for as long as its parent is not
// terminal: a repeated request returns that batch, even when none of its
// shards were admitted yet.
func (g *Gateway) SubmitBatch(ctx context.Context, req BatchRequest) (*BatchSubmitResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: batch has no items", ErrInvalidRequest)
	}
	if req.MaxConcurrent < 0 {
		return nil, fmt.Errorf("%w: max_concurrent must not be negative", ErrInvalidRequest)
	}
	lane, parentInput, err := normalize(req.Lane, models.LaneBulk, req.ParentInput)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, len(req.Items))
	for i, it := range req.Items {
		if len(it) == 0 || !json.Valid(it) {
			return nil, fmt.Errorf("%w: item %d is not valid JSON", ErrInvalidRequest, i)
		}
		items[i] = it
	}

	if req.IdempotencyKey != "" {
		unlock, err := g.lockBatchKey(ctx, req.OwnerID.String()+"/"+req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		defer unlock()

		existing, err := g.jobs.GetActiveBatchByKey(ctx, req.OwnerID, req.IdempotencyKey)
		if err == nil {
			return g.existingBatch(ctx, existing.ID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up batch key: %w", err)
		}
	}

	size := max(g.estimator.ShardSize(lane, items), 1)
	shards := shardCount(len(items), size)
	maxConcurrent := req.MaxConcurrent
	if maxConcurrent == 0 || maxConcurrent > shards {
		maxConcurrent = shards
	}

	now := g.now()
	parent := &models.Job{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Kind:      models.KindBatchParent,
		Status:    models.JobStatusPending,
		Lane:      lane,
		Input:     parentInput,
		CreatedAt: now,
		UpdatedAt: now,
		BatchOptions: &models.BatchOptions{
			ShardSize:           size,
			ShardCount:          shards,
			MaxConcurrentShards: maxConcurrent,
		},
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		parent.IdempotencyKey = &key
	}

	all := make([]*models.Job, 0, len(items)+1)
	all = append(all, parent)
	children := make([]*models.Job, len(items))
	childIDs := make([]uuid.UUID, len(items))
	for i, it := range items {
		idx, shard := i, i/size
		children[i] = &models.Job{
			ID:            uuid.New(),
			OwnerID:       req.OwnerID,
			Kind:          models.KindBatchChild,
			Status:        models.JobStatusPending,
			Lane:          lane,
			Input:         it,
			BatchParentID: &parent.ID,
			BatchIndex:    &idx,
			ShardIndex:    &shard,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		childIDs[i] = children[i].ID
		all = append(all, children[i])
	}

	// Hold the children so the resume loop leaves them alone until this
	// call has tried its shards.
	g.claim(childIDs...)
	defer g.unclaim(childIDs...)

	if err := g.jobs.CreateJobs(ctx, all); err != nil {
		// Another node may have created the batch between lookup and insert.
		if errors.Is(err, store.ErrDuplicateKey) && req.IdempotencyKey != "" {
			if existing, lookupErr := g.jobs.GetActiveBatchByKey(ctx, req.OwnerID, req.IdempotencyKey); lookupErr == nil {
				return g.existingBatch(ctx, existing.ID)
			}
		}
		return nil, fmt.Errorf("creating batch jobs: %w", err)
	}

	res := &BatchSubmitResult{
		BatchID:    parent.ID,
		ChildIDs:   childIDs,
		ShardSize:  size,
		ShardCount: shards,
		CallIDs:    []string{},
	}
	for s := 0; s < shards && res.SubmittedShards < maxConcurrent; s++ {
		end := min((s+1)*size, len(children))
		callID, err := g.submitShard(ctx, parent, children[s*size:end], s, 1)
		if err != nil {
			slog.Warn("batch shard not submitted, leaving remaining shards pending",
				"batch_id", parent.ID,
				"shard_index", s,
				"shard_count", shards,
				"error", err,
			)
			break
		}
		res.SubmittedShards++
		res.CallIDs = append(res.CallIDs, callID)
	}

	if res.SubmittedShards > 0 {
		g.startParent(ctx, parent.ID)
	}
	slog.Info("batch submitted",
		"batch_id", parent.ID,
		"lane", lane,
		"children", len(children),
		"shard_count", shards,
		"submitted_shards", res.SubmittedShards,
	)
	return res, nil
}

func (g *Gateway) existingBatch(ctx context.Context, batchID uuid.UUID) (*BatchSubmitResult, error) {
	parent, err := g.jobs.GetJob(ctx, batchID)
	if err != nil {
		return nil, err
	}
	children, err := g.jobs.ListChildren(ctx, batchID)
	if err != nil {
		return nil, err
	}
	res := &BatchSubmitResult{BatchID: batchID, Deduplicated: true, CallIDs: []string{}}
	if parent.BatchOptions != nil {
		res.ShardSize = parent.BatchOptions.ShardSize
		res.ShardCount = parent.BatchOptions.ShardCount
	}
	seen := make(map[string]bool)
	for _, c := range children {
		res.ChildIDs = append(res.ChildIDs, c.ID)
		if c.ComputeCallID != nil && !seen[*c.ComputeCallID] {
			seen[*c.ComputeCallID] = true
			res.CallIDs = append(res.CallIDs, *c.ComputeCallID)
		}
	}
	res.SubmittedShards = len(res.CallIDs)
	return res, nil
}

// startParent moves a batch parent to running once any shard is out.
func (g *Gateway) startParent(ctx context.Context, batchID uuid.UUID) {
	err := g.jobs.UpdateJobStatus(ctx, batchID, models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		slog.Debug("batch parent not started", "batch_id", batchID, "error", err)
	}
}

type shardItem struct {
	JobID      string          `json:"job_id"`
	BatchIndex int             `json:"batch_index"`
	Input      json.RawMessage `json:"input"`
}

// submitShard admits and submits one shard covering children. Shards carry no
// idempotency key of their own; the batch key is resolved before any child
// exists.
func (g *Gateway) submitShard(ctx context.Context, parent *models.Job, children []*models.Job, shard int, attempt int) (string, error) {
	resv, _, err := g.admission.Reserve(ctx, parent.Lane, "")
	if err != nil {
		return "", err
	}

	items := make([]shardItem, len(children))
	ids := make([]uuid.UUID, len(children))
	for i, c := range children {
		idx := 0
		if c.BatchIndex != nil {
			idx = *c.BatchIndex
		}
		items[i] = shardItem{JobID: c.ID.String(), BatchIndex: idx, Input: c.Input}
		ids[i] = c.ID
	}
	params := map[string]any{
		"batch_id":     parent.ID.String(),
		"shard_index":  shard,
		"parent_input": parent.Input,
		"items":        items,
		"attempt":      attempt,
	}

	callID, err := g.backendSubmit(ctx, parent.ID.String(), params)
	if err != nil {
		resv.Cancel()
		slog.Warn("backend shard submit failed", "batch_id", parent.ID, "shard_index", shard, "error", err)
		return "", err
	}

	s := shard
	call := &models.ComputeCall{
		CallID:     callID,
		JobID:      parent.ID,
		JobIDs:     ids,
		OwnerID:    parent.OwnerID,
		BatchID:    &parent.ID,
		ShardIndex: &s,
	}
	if err := resv.Commit(call); err != nil {
		return "", err
	}

	for _, c := range children {
		g.advance(ctx, c.ID, callID, &s)
	}
	slog.Info("batch shard submitted",
		"batch_id", parent.ID,
		"shard_index", shard,
		"call_id", callID,
		"children", len(children),
		"attempt", attempt,
	)
	return callID, nil
}

// ResumePending submits work left pending: batch shards that were never
// admitted, honoring each batch's shard cap, and individual jobs whose retry
// was deferred for lack of capacity. It stops at the first capacity failure.
func (g *Gateway) ResumePending(ctx context.Context) error {
	pending, err := g.jobs.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}

	batches := make(map[uuid.UUID]map[int][]*models.Job)
	var order []uuid.UUID
	var retries []*models.Job
	for _, j := range pending {
		switch j.Kind {
		case models.KindBatchChild:
			shards, ok := batches[*j.BatchParentID]
			if !ok {
				shards = make(map[int][]*models.Job)
				batches[*j.BatchParentID] = shards
				order = append(order, *j.BatchParentID)
			}
			shard := 0
			if j.ShardIndex != nil {
				shard = *j.ShardIndex
			}
			shards[shard] = append(shards[shard], j)
		case models.KindIndividual:
			if j.RetryCount > 0 {
				retries = append(retries, j)
			}
		}
	}

	for _, batchID := range order {
		if err := g.resumeBatch(ctx, batchID, batches[batchID]); err != nil {
			if errors.Is(err, admission.ErrCapacityExceeded) {
				return nil
			}
			slog.Warn("failed to resume batch", "batch_id", batchID, "error", err)
		}
	}

	for _, j := range retries {
		if _, err := g.Resubmit(ctx, j.ID, j.RetryCount+1); err != nil {
			if errors.Is(err, admission.ErrCapacityExceeded) {
				return nil
			}
			if !errors.Is(err, ErrBusy) {
				slog.Warn("failed to resume deferred retry", "job_id", j.ID, "error", err)
			}
		}
	}
	return nil
}

func (g *Gateway) resumeBatch(ctx context.Context, batchID uuid.UUID, shards map[int][]*models.Job) error {
	parent, err := g.jobs.GetJob(ctx, batchID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}

	limit := 0
	if parent.BatchOptions != nil {
		limit = parent.BatchOptions.MaxConcurrentShards
	}
	active := 0
	for _, call := range g.admission.Active() {
		if call.BatchID != nil && *call.BatchID == batchID {
			active++
		}
	}

	indexes := make([]int, 0, len(shards))
	for s := range shards {
		indexes = append(indexes, s)
	}
	sort.Ints(indexes)

	submitted := 0
	for _, s := range indexes {
		if limit > 0 && active >= limit {
			break
		}
		children := shards[s]
		ids := make([]uuid.UUID, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		if !g.claim(ids...) {
			continue
		}
		attempt := children[0].RetryCount + 1
		_, err := g.submitShard(ctx, parent, children, s, attempt)
		g.unclaim(ids...)
		if err != nil {
			return err
		}
		active++
		submitted++
	}

	if submitted > 0 && parent.Status == models.JobStatusPending {
		g.startParent(ctx, batchID)
	}
	return nil
}

// lockBatchKey serializes batch submissions that share an idempotency key
// within this process. The returned func releases the key.
func (g *Gateway) lockBatchKey(ctx context.Context, key string) (func(), error) {
	for {
		g.mu.Lock()
		held, ok := g.batchKeys[key]
		if !ok {
			done := make(chan struct{})
			g.batchKeys[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.batchKeys, key)
				g.mu.Unlock()
				close(done)
			}, nil
		}
		g.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
