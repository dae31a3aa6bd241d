package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/compute/mock"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/objectstore"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/internal/tracker"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) named(name string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type failureRecorder struct {
	mu  sync.Mutex
	ecs []models.ErrorContext
}

func (f *failureRecorder) HandleFailure(_ context.Context, ec models.ErrorContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ecs = append(f.ecs, ec)
}

func (f *failureRecorder) all() []models.ErrorContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ErrorContext(nil), f.ecs...)
}

type resumeCounter struct{ n atomic.Int32 }

func (r *resumeCounter) ResumePending(context.Context) error {
	r.n.Add(1)
	return nil
}

// --- fixture ---

type fixture struct {
	tr      *tracker.Tracker
	gw      *gateway.Gateway
	jobs    *store.MemoryStore
	objects *objectstore.MemoryStore
	backend *mock.Backend
	adm     *admission.Controller
	events  *eventRecorder
}

func trackerConfig() config.TrackerConfig {
	return config.TrackerConfig{ScanInterval: time.Second, PollTimeout: time.Second, StaleThreshold: 3}
}

func newFixture(t *testing.T, p config.PolicyConfig, opts ...tracker.Option) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    store.NewMemoryStore(),
		objects: objectstore.NewMemoryStore(),
		backend: mock.New(),
		adm:     admission.New(p.Lanes),
		events:  &eventRecorder{},
	}
	f.tr = tracker.New(f.jobs, f.objects, f.backend, f.adm, f.events, trackerConfig(), p, opts...)
	f.gw = gateway.New(f.jobs, f.backend, f.adm, f.events,
		gateway.WithEstimator(gateway.FixedShardSize{N: 5}),
		gateway.WithBatchRecomputer(f.tr),
	)
	return f
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) submitBatch(t *testing.T, n int) *gateway.BatchSubmitResult {
	t.Helper()
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"ligand":%d}`, i))
	}
	res, err := f.gw.SubmitBatch(context.Background(), gateway.BatchRequest{Items: items, OwnerID: uuid.New()})
	require.NoError(t, err)
	return res
}

func shardPayload(items ...string) json.RawMessage {
	out := `{"items":[`
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return json.RawMessage(out + `]}`)
}

func ok(confidence float64) string {
	return fmt.Sprintf(`{"confidence":%g}`, confidence)
}

func completed(result json.RawMessage) compute.PollResult {
	return compute.PollResult{Status: compute.StatusCompleted, Result: result}
}

// --- individual jobs ---

func TestHandleUpdate_CompletesIndividualJob(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{OwnerID: uuid.New()})
	require.NoError(t, err)

	result := json.RawMessage(`{"pdb":"ATOM..."}`)
	require.NoError(t, f.tr.HandleUpdate(ctx, sub.CallID, completed(result)))

	job := f.job(t, sub.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, string(result), string(job.Result))
	assert.NotNil(t, job.CompletedAt)

	stored, err := f.objects.Get(ctx, objectstore.ResultKey(sub.JobID))
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(stored))
	meta, err := f.objects.Get(ctx, objectstore.ResultMetaKey(sub.JobID))
	require.NoError(t, err)
	assert.Contains(t, string(meta), sub.CallID)

	assert.Zero(t, f.adm.Usage(models.LaneInteractive))
	assert.Len(t, f.events.named(models.EventJobCompleted), 1)

	// A second terminal update for the same call is ignored.
	err = f.tr.HandleUpdate(ctx, sub.CallID, completed(result))
	assert.ErrorIs(t, err, tracker.ErrUnknownCall)
	assert.Len(t, f.events.named(models.EventJobCompleted), 1)
}

func TestHandleUpdate_RetriedJobCompletesWithoutStaleError(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{OwnerID: uuid.New()})
	require.NoError(t, err)

	_, released := f.adm.Complete(sub.CallID)
	require.True(t, released)
	require.NoError(t, f.jobs.ResetForRetry(ctx, sub.JobID, models.JobStatusRunning, store.WithRetryCount(1),
		store.WithErrorMessage("gpu out of memory"), store.WithErrorCategory(models.CategoryCompute)))
	callID, err := f.gw.Resubmit(ctx, sub.JobID, 2)
	require.NoError(t, err)
	require.NotNil(t, f.job(t, sub.JobID).ErrorMessage, "the last error stays visible while the retry runs")

	require.NoError(t, f.tr.HandleUpdate(ctx, callID, completed(json.RawMessage(`{"pdb":"ATOM..."}`))))

	job := f.job(t, sub.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.ErrorCategory)
}

func TestHandleUpdate_RunningKeepsCall(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	require.NoError(t, f.tr.HandleUpdate(ctx, sub.CallID, compute.PollResult{Status: compute.StatusRunning}))
	_, active := f.adm.Get(sub.CallID)
	assert.True(t, active)
	assert.Equal(t, models.JobStatusRunning, f.job(t, sub.JobID).Status)

	err = f.tr.HandleUpdate(ctx, sub.CallID, compute.PollResult{Status: "EXPLODED"})
	assert.ErrorIs(t, err, compute.ErrInvalidResponse)
}

func TestHandleUpdate_FailureGoesToRecovery(t *testing.T) {
	failures := &failureRecorder{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithFailureHandler(failures))
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	err = f.tr.HandleUpdate(ctx, sub.CallID, compute.PollResult{
		Status: compute.StatusFailed,
		Err:    errors.New("structure prediction timed out"),
	})
	require.NoError(t, err)

	ecs := failures.all()
	require.Len(t, ecs, 1)
	assert.Equal(t, sub.JobID, ecs[0].JobID)
	assert.Equal(t, models.KindIndividual, ecs[0].JobKind)
	assert.Equal(t, models.CategoryTimeout, ecs[0].Category)
	assert.Equal(t, 1, ecs[0].AttemptCount)
	assert.Zero(t, f.adm.Usage(models.LaneInteractive), "lane freed before recovery runs")
}

func TestHandleUpdate_NotFoundIsSystemError(t *testing.T) {
	failures := &failureRecorder{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithFailureHandler(failures))
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	f.backend.Forget(sub.CallID)
	f.tr.ScanOnce(ctx)

	ecs := failures.all()
	require.Len(t, ecs, 1)
	assert.Equal(t, models.CategorySystem, ecs[0].Category)
}

func TestHandleUpdate_StorageFailure(t *testing.T) {
	failures := &failureRecorder{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithFailureHandler(failures))
	f.objects.PutFunc = func(context.Context, string, []byte, string) error {
		return errors.New("disk full")
	}
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	require.NoError(t, f.tr.HandleUpdate(ctx, sub.CallID, completed(json.RawMessage(`{}`))))

	ecs := failures.all()
	require.Len(t, ecs, 1)
	assert.Equal(t, models.CategoryStorage, ecs[0].Category)
	assert.Equal(t, models.JobStatusRunning, f.job(t, sub.JobID).Status, "recovery decides the outcome")
}

func TestHandleUpdate_FallbackMarksFailed(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	err = f.tr.HandleUpdate(ctx, sub.CallID, compute.PollResult{
		Status: compute.StatusFailed,
		Err:    errors.New("invalid sequence"),
	})
	require.NoError(t, err)

	job := f.job(t, sub.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorCategory)
	assert.Equal(t, models.CategoryValidation, *job.ErrorCategory)
	assert.Equal(t, "invalid sequence", *job.ErrorMessage)
	assert.Len(t, f.events.named(models.EventJobFailed), 1)
}

// --- polling ---

func TestScanOnce_PollsUntilCompleted(t *testing.T) {
	resumer := &resumeCounter{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithResumer(resumer))
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	f.tr.ScanOnce(ctx)
	assert.Equal(t, models.JobStatusRunning, f.job(t, sub.JobID).Status)

	f.backend.Complete(sub.CallID, json.RawMessage(`{"done":true}`))
	f.tr.ScanOnce(ctx)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, sub.JobID).Status)
	assert.Equal(t, int32(2), resumer.n.Load())
}

func TestScanOnce_PushBackendIsNotPolled(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	var polls atomic.Int32
	f.backend.Push = true
	f.backend.PollFunc = func(context.Context, string) (compute.PollResult, error) {
		polls.Add(1)
		return compute.PollResult{Status: compute.StatusRunning}, nil
	}
	_, err := f.gw.Submit(context.Background(), gateway.SubmitRequest{})
	require.NoError(t, err)

	f.tr.ScanOnce(context.Background())
	assert.Zero(t, polls.Load())
}

func TestScanOnce_StaleCallEscalatesAsSystemError(t *testing.T) {
	failures := &failureRecorder{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithFailureHandler(failures))
	f.backend.PollFunc = func(context.Context, string) (compute.PollResult, error) {
		return compute.PollResult{}, compute.ErrBackendTimeout
	}
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	// Below the threshold a timed-out poll counts as running.
	f.tr.ScanOnce(ctx)
	f.tr.ScanOnce(ctx)
	call, active := f.adm.Get(sub.CallID)
	require.True(t, active)
	assert.Equal(t, 2, call.ConsecutiveTimeouts)
	assert.Empty(t, failures.all())

	f.tr.ScanOnce(ctx)
	_, active = f.adm.Get(sub.CallID)
	assert.False(t, active)
	ecs := failures.all()
	require.Len(t, ecs, 1)
	assert.Equal(t, models.CategorySystem, ecs[0].Category)
	assert.Zero(t, f.adm.Usage(models.LaneInteractive))
}

func TestScanOnce_SuccessfulPollResetsStreak(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	var fail atomic.Bool
	fail.Store(true)
	f.backend.PollFunc = func(context.Context, string) (compute.PollResult, error) {
		if fail.Load() {
			return compute.PollResult{}, compute.ErrBackendTimeout
		}
		return compute.PollResult{Status: compute.StatusRunning}, nil
	}
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	f.tr.ScanOnce(ctx)
	f.tr.ScanOnce(ctx)
	fail.Store(false)
	f.tr.ScanOnce(ctx)
	fail.Store(true)
	f.tr.ScanOnce(ctx)

	call, active := f.adm.Get(sub.CallID)
	require.True(t, active)
	assert.Equal(t, 1, call.ConsecutiveTimeouts)
}

// --- batches ---

func TestBatch_PartialCompletion(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 10)
	require.Len(t, res.CallIDs, 2)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0],
		completed(shardPayload(ok(0.91), ok(0.42), ok(0.77), ok(0.5), ok(0.63)))))

	p, err := f.tr.Progress(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.CompletedChildren)
	assert.Equal(t, 5, p.RunningChildren)
	assert.InDelta(t, 50.0, p.Percentage, 0.001)
	assert.Equal(t, []int{25, 50}, p.MilestonesReached)
	assert.NotNil(t, p.EstimatedCompletionSeconds)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[1], completed(shardPayload(
		ok(0.88), `{"error":"invalid ligand geometry"}`, ok(0.35), `{"error":"invalid ligand charge"}`, ok(0.97),
	))))

	parent := f.job(t, res.BatchID)
	assert.Equal(t, models.JobStatusPartiallyCompleted, parent.Status)

	p, err = f.tr.Progress(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 10, p.TotalChildren)
	assert.Equal(t, 8, p.CompletedChildren)
	assert.Equal(t, 2, p.FailedChildren)
	assert.Equal(t, 100.0, p.Percentage)
	assert.Equal(t, []int{25, 50, 75, 100}, p.MilestonesReached)
	assert.True(t, p.SummaryGenerated)
	assert.Nil(t, p.EstimatedCompletionSeconds)

	assert.Len(t, f.events.named(models.EventBatchCompleted), 1)
	assert.Len(t, f.events.named(models.EventBatchMilestone), 4)

	raw, err := f.objects.Get(ctx, objectstore.BatchSummaryKey(res.BatchID))
	require.NoError(t, err)
	var summary models.BatchSummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 8, summary.CompletedChildren)
	assert.Equal(t, 2, summary.FailedChildren)
	assert.InDelta(t, 0.8, summary.SuccessRate, 0.0001)
	assert.Equal(t, "confidence", summary.MetricKey)
	require.NotNil(t, summary.BestMetric)
	assert.InDelta(t, 0.97, *summary.BestMetric, 0.0001)
	assert.Equal(t, res.ChildIDs[9], *summary.BestJobID)
	require.Len(t, summary.FailureGroups, 2)
	for _, g := range summary.FailureGroups {
		assert.Equal(t, 1, g.Count)
		assert.Contains(t, g.SampleMessage, "invalid ligand")
	}

	// Recomputing a finished batch changes nothing.
	_, err = f.tr.RecomputeBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Len(t, f.events.named(models.EventBatchCompleted), 1)
	assert.Len(t, f.events.named(models.EventBatchMilestone), 4)
}

func TestBatch_StrictOutcomeFails(t *testing.T) {
	p := config.DefaultPolicy()
	p.BatchOutcome = config.OutcomeStrict
	f := newFixture(t, p)
	ctx := context.Background()
	res := f.submitBatch(t, 2)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0],
		completed(shardPayload(ok(0.9), `{"error":"invalid input"}`))))
	assert.Equal(t, models.JobStatusFailed, f.job(t, res.BatchID).Status)
	assert.Len(t, f.events.named(models.EventBatchCompleted), 1)
}

func TestBatch_AllCompleted(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 3)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0],
		completed(shardPayload(ok(0.1), ok(0.2), ok(0.3)))))
	assert.Equal(t, models.JobStatusCompleted, f.job(t, res.BatchID).Status)

	entries, err := f.objects.List(ctx, objectstore.BatchSummaryKey(res.BatchID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, objectstore.ContentTypeJSON, entries[0].ContentType)
	assert.Positive(t, entries[0].Size)
}

func TestBatch_SettledBatchReleasesLock(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 10)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0],
		completed(shardPayload(ok(0.1), ok(0.2), ok(0.3), ok(0.4), ok(0.5)))))
	assert.Equal(t, 1, f.tr.BatchLocks(), "a batch in progress keeps its lock")

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[1],
		completed(shardPayload(ok(0.6), ok(0.7), ok(0.8), ok(0.9), ok(0.95)))))
	assert.Equal(t, models.JobStatusCompleted, f.job(t, res.BatchID).Status)
	assert.Zero(t, f.tr.BatchLocks())

	// A late recompute of the settled batch fires nothing twice.
	p, err := f.tr.RecomputeBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.True(t, p.SummaryGenerated)
	assert.Zero(t, f.tr.BatchLocks())
	assert.Len(t, f.events.named(models.EventBatchCompleted), 1)
}

func TestBatch_MalformedShardResultFailsChildren(t *testing.T) {
	failures := &failureRecorder{}
	f := newFixture(t, config.DefaultPolicy(), tracker.WithFailureHandler(failures))
	ctx := context.Background()
	res := f.submitBatch(t, 3)

	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0], completed(shardPayload(ok(0.1)))))

	ecs := failures.all()
	require.Len(t, ecs, 3)
	for _, ec := range ecs {
		assert.Equal(t, models.KindBatchChild, ec.JobKind)
		assert.Equal(t, models.CategoryCompute, ec.Category)
	}
}

func TestBatch_CancelledChildStaysCancelled(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 3)

	_, err := f.gw.Cancel(ctx, res.ChildIDs[1])
	require.NoError(t, err)
	require.NoError(t, f.tr.HandleUpdate(ctx, res.CallIDs[0],
		completed(shardPayload(ok(0.1), ok(0.2), ok(0.3)))))

	assert.Equal(t, models.JobStatusCancelled, f.job(t, res.ChildIDs[1]).Status)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, res.ChildIDs[0]).Status)
	assert.Equal(t, models.JobStatusPartiallyCompleted, f.job(t, res.BatchID).Status)
}

func TestBatch_CancelledParentIsNotSummarized(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 2)

	_, err := f.gw.Cancel(ctx, res.BatchID)
	require.NoError(t, err)
	p, err := f.tr.RecomputeBatch(ctx, res.BatchID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCancelled, p.Status)
	assert.Equal(t, 2, p.FailedChildren)
	assert.Empty(t, f.events.named(models.EventBatchCompleted))
}

func TestRecomputeBatch_ConcurrentFiresOnce(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	res := f.submitBatch(t, 4)

	for _, id := range res.ChildIDs {
		require.NoError(t, f.jobs.UpdateJobStatus(ctx, id, models.JobStatusRunning, models.JobStatusCompleted,
			store.WithResult(json.RawMessage(`{"confidence":0.5}`))))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.tr.RecomputeBatch(ctx, res.BatchID)
			if assert.NoError(t, err) {
				assert.Equal(t, p.TotalChildren,
					p.CompletedChildren+p.FailedChildren+p.RunningChildren+p.PendingChildren)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, f.events.named(models.EventBatchMilestone), 4)
	assert.Len(t, f.events.named(models.EventBatchCompleted), 1)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, res.BatchID).Status)
}

func TestRecomputeBatch_RejectsNonBatch(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{})
	require.NoError(t, err)

	_, err = f.tr.RecomputeBatch(ctx, sub.JobID)
	assert.ErrorIs(t, err, tracker.ErrNotBatch)
	_, err = f.tr.RecomputeBatch(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- reconciliation ---

func TestReconcile_AdoptsInFlightCalls(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	sub, err := f.gw.Submit(ctx, gateway.SubmitRequest{IdempotencyKey: "k1"})
	require.NoError(t, err)
	batch := f.submitBatch(t, 7)

	// A restarted process starts with an empty registry.
	fresh := admission.New(config.DefaultPolicy().Lanes)
	tr := tracker.New(f.jobs, f.objects, f.backend, fresh, f.events, trackerConfig(), config.DefaultPolicy())

	n, err := tr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, fresh.Usage(models.LaneInteractive))
	assert.Equal(t, 2, fresh.Usage(models.LaneBulk))

	call, found := fresh.Lookup("k1")
	require.True(t, found)
	assert.Equal(t, sub.CallID, call.CallID)

	shard, found := fresh.Get(batch.CallIDs[1])
	require.True(t, found)
	assert.Equal(t, batch.BatchID, *shard.BatchID)
	assert.Len(t, shard.JobIDs, 2)

	n, err = tr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func (f *fixture) restarted() (*tracker.Tracker, *admission.Controller) {
	fresh := admission.New(config.DefaultPolicy().Lanes)
	return tracker.New(f.jobs, f.objects, f.backend, fresh, f.events, trackerConfig(), config.DefaultPolicy()), fresh
}

func TestReconcile_ShardResultsFollowBatchIndex(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	batch := f.submitBatch(t, 5)
	require.Len(t, batch.CallIDs, 1)

	tr, fresh := f.restarted()
	n, err := tr.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	shard, found := fresh.Get(batch.CallIDs[0])
	require.True(t, found)
	assert.Equal(t, batch.ChildIDs, shard.JobIDs)

	items := make([]string, 5)
	for i := range items {
		items[i] = fmt.Sprintf(`{"idx":%d}`, i)
	}
	require.NoError(t, tr.HandleUpdate(ctx, batch.CallIDs[0], completed(shardPayload(items...))))

	for i, id := range batch.ChildIDs {
		child := f.job(t, id)
		assert.Equal(t, models.JobStatusCompleted, child.Status)
		assert.JSONEq(t, items[i], string(child.Result), "child %d", i)
	}
	assert.Equal(t, models.JobStatusCompleted, f.job(t, batch.BatchID).Status)
}

func TestReconcile_CancelledChildStaysInAdoptedShard(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	batch := f.submitBatch(t, 5)
	_, err := f.gw.Cancel(ctx, batch.ChildIDs[0])
	require.NoError(t, err)

	tr, fresh := f.restarted()
	_, err = tr.Reconcile(ctx)
	require.NoError(t, err)
	shard, found := fresh.Get(batch.CallIDs[0])
	require.True(t, found)
	assert.Len(t, shard.JobIDs, 5)

	items := []string{ok(0.1), ok(0.2), ok(0.3), ok(0.4), ok(0.5)}
	require.NoError(t, tr.HandleUpdate(ctx, batch.CallIDs[0], completed(shardPayload(items...))))

	assert.Equal(t, models.JobStatusCancelled, f.job(t, batch.ChildIDs[0]).Status)
	for i := 1; i < 5; i++ {
		child := f.job(t, batch.ChildIDs[i])
		assert.Equal(t, models.JobStatusCompleted, child.Status)
		assert.JSONEq(t, items[i], string(child.Result))
	}

	p, err := tr.Progress(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartiallyCompleted, p.Status)
	assert.Equal(t, 4, p.CompletedChildren)
	assert.Equal(t, 1, p.FailedChildren)
}
