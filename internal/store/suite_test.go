package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behavior every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"JobCreateAndGet", testJobCreateAndGet},
		{"JobGetNotFound", testJobGetNotFound},
		{"JobRejectsInvalidKind", testJobRejectsInvalidKind},
		{"JobForwardTransitions", testJobForwardTransitions},
		{"JobInvalidTransition", testJobInvalidTransition},
		{"JobStatusConflict", testJobStatusConflict},
		{"JobUpdateNotFound", testJobUpdateNotFound},
		{"JobConcurrentCAS", testJobConcurrentCAS},
		{"JobResetForRetry", testJobResetForRetry},
		{"JobResetRejectsTerminal", testJobResetRejectsTerminal},
		{"JobCompletionClearsRetryError", testJobCompletionClearsRetryError},
		{"BatchChildrenOrdered", testBatchChildrenOrdered},
		{"CreateJobsAllOrNothing", testCreateJobsAllOrNothing},
		{"ActiveBatchKey", testActiveBatchKey},
		{"ListJobsByStatus", testListJobsByStatus},
		{"ListJobsFiltersAndPages", testListJobsFiltersAndPages},
		{"MilestonesOnce", testMilestonesOnce},
		{"SummaryFlagOnce", testSummaryFlagOnce},
		{"Subscriptions", testSubscriptions},
		{"SubscriptionDeliveryResults", testSubscriptionDeliveryResults},
		{"APIKeyLifecycle", testAPIKeyLifecycle},
		{"APIKeyDuplicateID", testAPIKeyDuplicateID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// --- fixtures ---

func newJob(owner uuid.UUID) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:        uuid.New(),
		OwnerID:   owner,
		Kind:      models.KindIndividual,
		Status:    models.JobStatusPending,
		Lane:      models.LaneInteractive,
		Input:     json.RawMessage(`{"smiles":"CCO"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newBatch(owner uuid.UUID, n int) (*models.Job, []*models.Job) {
	parent := newJob(owner)
	parent.Kind = models.KindBatchParent
	parent.Lane = models.LaneBulk
	parent.BatchOptions = &models.BatchOptions{ShardSize: 2, ShardCount: (n + 1) / 2, MaxConcurrentShards: 4}

	children := make([]*models.Job, n)
	for i := range children {
		c := newJob(owner)
		c.Kind = models.KindBatchChild
		c.Lane = models.LaneBulk
		c.BatchParentID = &parent.ID
		idx := i
		c.BatchIndex = &idx
		children[i] = c
	}
	return parent, children
}

// --- jobs ---

func testJobCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.KindIndividual, got.Kind)
	assert.JSONEq(t, `{"smiles":"CCO"}`, string(got.Input))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ComputeCallID)

	assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)
}

func testJobGetNotFound(t *testing.T, s store.Store) {
	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testJobRejectsInvalidKind(t *testing.T, s store.Store) {
	job := newJob(uuid.New())
	job.Kind = models.KindBatchChild
	err := s.CreateJob(context.Background(), job)
	assert.ErrorIs(t, err, models.ErrChildWithoutParent)
}

func testJobForwardTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusQueued,
		store.WithComputeCallID("call-1")))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.ComputeCallID)
	assert.Equal(t, "call-1", *got.ComputeCallID)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusFailed,
		store.WithErrorMessage("invalid SMILES"), store.WithErrorCategory(models.CategoryValidation)))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "invalid SMILES", *got.ErrorMessage)
	require.NotNil(t, got.ErrorCategory)
	assert.Equal(t, models.CategoryValidation, *got.ErrorCategory)
}

func testJobInvalidTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusCancelled))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled, models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusQueued)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func testJobStatusConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusQueued)
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func testJobUpdateNotFound(t *testing.T, s store.Store) {
	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusPending, models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testJobConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := models.JobStatusCompleted
			if i%2 == 0 {
				to = models.JobStatusFailed
			}
			if s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, to) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one terminal write wins")
}

func testJobResetForRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning,
		store.WithComputeCallID("call-7")))

	require.NoError(t, s.ResetForRetry(ctx, job.ID, models.JobStatusRunning,
		store.WithRetryCount(1), store.WithErrorMessage("timed out"), store.WithErrorCategory(models.CategoryTimeout)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ComputeCallID)
	assert.Nil(t, got.StartedAt)
	require.NotNil(t, got.ErrorCategory)
	assert.Equal(t, models.CategoryTimeout, *got.ErrorCategory)

	err = s.ResetForRetry(ctx, job.ID, models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrStatusConflict)
}

func testJobResetRejectsTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusCancelled))

	err := s.ResetForRetry(ctx, job.ID, models.JobStatusCancelled)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	err = s.ResetForRetry(ctx, job.ID, models.JobStatusPending)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func testJobCompletionClearsRetryError(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))
	require.NoError(t, s.ResetForRetry(ctx, job.ID, models.JobStatusRunning,
		store.WithRetryCount(1), store.WithErrorMessage("timed out"), store.WithErrorCategory(models.CategoryTimeout)))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted,
		store.WithResult(json.RawMessage(`{"score":0.9}`)), store.WithoutError()))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ErrorCategory)
	assert.JSONEq(t, `{"score":0.9}`, string(got.Result))
}

// --- batches ---

func testActiveBatchKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := uuid.New()
	key := "docking-run-7"

	_, err := s.GetActiveBatchByKey(ctx, owner, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	parent, children := newBatch(owner, 2)
	parent.IdempotencyKey = &key
	require.NoError(t, s.CreateJobs(ctx, append([]*models.Job{parent}, children...)))

	got, err := s.GetActiveBatchByKey(ctx, owner, key)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.ID)
	_, err = s.GetActiveBatchByKey(ctx, uuid.New(), key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	dup, dupChildren := newBatch(owner, 2)
	dup.IdempotencyKey = &key
	err = s.CreateJobs(ctx, append([]*models.Job{dup}, dupChildren...))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	_, err = s.GetJob(ctx, dupChildren[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Once the batch settles the key is free again.
	require.NoError(t, s.UpdateJobStatus(ctx, parent.ID, models.JobStatusPending, models.JobStatusCancelled))
	_, err = s.GetActiveBatchByKey(ctx, owner, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, s.CreateJobs(ctx, append([]*models.Job{dup}, dupChildren...)))
}

func testBatchChildrenOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	parent, children := newBatch(uuid.New(), 5)
	require.NoError(t, s.CreateJobs(ctx, append([]*models.Job{parent}, children...)))

	got, err := s.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, c := range got {
		require.NotNil(t, c.BatchIndex)
		assert.Equal(t, i, *c.BatchIndex)
		assert.Equal(t, parent.ID, *c.BatchParentID)
	}

	p, err := s.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, p.BatchOptions)
	assert.Equal(t, 2, p.BatchOptions.ShardSize)
}

func testCreateJobsAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	existing := newJob(uuid.New())
	require.NoError(t, s.CreateJob(ctx, existing))

	fresh := newJob(uuid.New())
	err := s.CreateJobs(ctx, []*models.Job{fresh, existing})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.GetJob(ctx, fresh.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListJobsByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := newJob(uuid.New()), newJob(uuid.New())
	require.NoError(t, s.CreateJobs(ctx, []*models.Job{a, b}))
	require.NoError(t, s.UpdateJobStatus(ctx, b.ID, models.JobStatusPending, models.JobStatusRunning))

	running, err := s.ListJobsByStatus(ctx, models.JobStatusRunning)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool, len(running))
	for _, j := range running {
		assert.Equal(t, models.JobStatusRunning, j.Status)
		ids[j.ID] = true
	}
	assert.True(t, ids[b.ID])
	assert.False(t, ids[a.ID])
}

func testListJobsFiltersAndPages(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		j := newJob(owner)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateJob(ctx, j))
	}
	require.NoError(t, s.CreateJob(ctx, newJob(uuid.New())))

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{OwnerID: owner, Limit: 2, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt), "newest first")

	jobs, _, err = s.ListJobs(ctx, store.JobFilter{OwnerID: owner, Limit: 2, Page: 3})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{OwnerID: owner, Status: models.JobStatusRunning})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func testMilestonesOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	parent, children := newBatch(uuid.New(), 2)
	require.NoError(t, s.CreateJobs(ctx, append([]*models.Job{parent}, children...)))

	added, err := s.AddMilestone(ctx, parent.ID, 50)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddMilestone(ctx, parent.ID, 50)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.AddMilestone(ctx, parent.ID, 25)
	require.NoError(t, err)

	got, err := s.GetMilestones(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50}, got)
}

func testSummaryFlagOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	parent, children := newBatch(uuid.New(), 1)
	require.NoError(t, s.CreateJobs(ctx, append([]*models.Job{parent}, children...)))

	done, err := s.IsSummaryGenerated(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, done)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.MarkSummaryGenerated(ctx, parent.ID); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	done, err = s.IsSummaryGenerated(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = s.MarkSummaryGenerated(ctx, children[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- subscriptions ---

func newSubscription(owner uuid.UUID, events ...string) *models.WebhookSubscription {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.WebhookSubscription{
		ID:         uuid.New(),
		OwnerID:    owner,
		URL:        "https://hooks.example.com/foldqueue",
		Secret:     "s3cret",
		Events:     events,
		Active:     true,
		RetryCount: 3,
		Timeout:    10 * time.Second,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := uuid.New()
	done := newSubscription(owner, models.EventJobCompleted, models.EventBatchCompleted)
	failed := newSubscription(owner, models.EventJobFailed)
	other := newSubscription(uuid.New(), models.EventJobCompleted)
	for _, sub := range []*models.WebhookSubscription{done, failed, other} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	got, err := s.GetSubscription(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.ElementsMatch(t, done.Events, got.Events)

	subs, err := s.ListSubscriptionsForEvent(ctx, owner, models.EventJobCompleted)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, done.ID, subs[0].ID)

	require.NoError(t, s.DeactivateSubscription(ctx, done.ID))
	subs, err = s.ListSubscriptionsForEvent(ctx, owner, models.EventJobCompleted)
	require.NoError(t, err)
	assert.Empty(t, subs)

	all, err := s.ListSubscriptions(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.DeleteSubscription(ctx, failed.ID, uuid.New()), store.ErrNotFound)
	require.NoError(t, s.DeleteSubscription(ctx, failed.ID, owner))
	_, err = s.GetSubscription(ctx, failed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSubscriptionDeliveryResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscription(uuid.New(), models.EventJobCompleted)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	require.NoError(t, s.RecordDeliveryResult(ctx, sub.ID, false))
	require.NoError(t, s.RecordDeliveryResult(ctx, sub.ID, false))
	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)

	require.NoError(t, s.RecordDeliveryResult(ctx, sub.ID, true))
	got, err = s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)

	assert.ErrorIs(t, s.RecordDeliveryResult(ctx, uuid.New(), true), store.ErrNotFound)
}

// --- api keys ---

func newAPIKey(owner uuid.UUID, prefix string) *models.APIKey {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      "key-" + prefix,
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: prefix,
		Scopes:    []string{"jobs:write", "jobs:read"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testAPIKeyLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := uuid.New()
	key := newAPIKey(owner, "fq_abcd")
	require.NoError(t, s.CreateAPIKey(ctx, key))
	require.NoError(t, s.CreateAPIKey(ctx, newAPIKey(owner, "fq_efgh")))

	keys, err := s.GetAPIKeyByPrefix(ctx, "fq_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "fq_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	listed, err := s.ListAPIKeys(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, owner))
	keys, err = s.GetAPIKeyByPrefix(ctx, "fq_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, owner), store.ErrNotFound)
}

func testAPIKeyDuplicateID(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := newAPIKey(uuid.New(), "fq_dup1")
	require.NoError(t, s.CreateAPIKey(ctx, key))

	dup := newAPIKey(key.OwnerID, "fq_dup2")
	dup.ID = key.ID
	assert.ErrorIs(t, s.CreateAPIKey(ctx, dup), store.ErrDuplicateKey)
}
