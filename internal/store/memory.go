package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// MemoryStore implements Store in process memory. It backs single-node runs
// without DATABASE_URL and the unit tests of every package above the store.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[uuid.UUID]*models.Job
	milestones map[uuid.UUID]map[int]bool
	summaries  map[uuid.UUID]bool
	subs       map[uuid.UUID]*models.WebhookSubscription
	keys       map[uuid.UUID]*models.APIKey
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[uuid.UUID]*models.Job),
		milestones: make(map[uuid.UUID]map[int]bool),
		summaries:  make(map[uuid.UUID]bool),
		subs:       make(map[uuid.UUID]*models.WebhookSubscription),
		keys:       make(map[uuid.UUID]*models.APIKey),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) CreateJobs(_ context.Context, jobs []*models.Job) error {
	seen := make(map[uuid.UUID]bool, len(jobs))
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("create jobs: %w", err)
		}
		if seen[j.ID] {
			return ErrDuplicateKey
		}
		seen[j.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return ErrDuplicateKey
		}
		if j.Kind == models.KindBatchParent && j.IdempotencyKey != nil &&
			s.activeBatchLocked(j.OwnerID, *j.IdempotencyKey) != nil {
			return ErrDuplicateKey
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (s *MemoryStore) GetActiveBatchByKey(_ context.Context, ownerID uuid.UUID, key string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j := s.activeBatchLocked(ownerID, key)
	if j == nil {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) activeBatchLocked(ownerID uuid.UUID, key string) *models.Job {
	for _, j := range s.jobs {
		if j.Kind == models.KindBatchParent && j.OwnerID == ownerID && !j.Status.IsTerminal() &&
			j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	params := collectParams(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.expectLocked(id, from)
	if err != nil {
		return err
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	params.apply(j)
	return nil
}

func (s *MemoryStore) ResetForRetry(_ context.Context, id uuid.UUID, from models.JobStatus, opts ...JobUpdateOption) error {
	if !models.CanResetForRetry(from) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.JobStatusPending)
	}
	params := collectParams(opts)
	params.ComputeCallID = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.expectLocked(id, from)
	if err != nil {
		return err
	}

	j.Status = models.JobStatusPending
	j.UpdatedAt = s.now()
	j.ComputeCallID = nil
	j.StartedAt = nil
	params.apply(j)
	return nil
}

func (s *MemoryStore) expectLocked(id uuid.UUID, from models.JobStatus) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, j.Status)
	}
	return j, nil
}

func (p *jobUpdateParams) apply(j *models.Job) {
	if p.ClearError {
		j.ErrorMessage = nil
		j.ErrorCategory = nil
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		j.ErrorMessage = &msg
	}
	if p.ErrorCategory != nil {
		cat := *p.ErrorCategory
		j.ErrorCategory = &cat
	}
	if p.Result != nil {
		j.Result = append([]byte(nil), p.Result...)
	}
	if p.ComputeCallID != nil {
		if *p.ComputeCallID == "" {
			j.ComputeCallID = nil
		} else {
			id := *p.ComputeCallID
			j.ComputeCallID = &id
		}
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	if p.ShardIndex != nil {
		i := *p.ShardIndex
		j.ShardIndex = &i
	}
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.selectJobs(func(j *models.Job) bool { return j.Status == status }, byCreated), nil
}

func (s *MemoryStore) ListChildren(_ context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	return s.selectJobs(func(j *models.Job) bool {
		return j.BatchParentID != nil && *j.BatchParentID == batchID
	}, byBatchIndex), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	all := s.selectJobs(func(j *models.Job) bool {
		if j.OwnerID != filter.OwnerID {
			return false
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			return false
		}
		return filter.Status == "" || j.Status == filter.Status
	}, func(a, b *models.Job) bool { return a.CreatedAt.After(b.CreatedAt) })

	limit, offset := filter.normalize()
	total := len(all)
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func byCreated(a, b *models.Job) bool { return a.CreatedAt.Before(b.CreatedAt) }

func byBatchIndex(a, b *models.Job) bool {
	if a.BatchIndex == nil || b.BatchIndex == nil {
		return a.BatchIndex != nil
	}
	return *a.BatchIndex < *b.BatchIndex
}

func (s *MemoryStore) selectJobs(match func(*models.Job) bool, less func(a, b *models.Job) bool) []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Job{}
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out
}

// --- Batch bookkeeping ---

func (s *MemoryStore) AddMilestone(_ context.Context, batchID uuid.UUID, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[batchID]; !ok {
		return false, ErrNotFound
	}
	set, ok := s.milestones[batchID]
	if !ok {
		set = make(map[int]bool)
		s.milestones[batchID] = set
	}
	if set[threshold] {
		return false, nil
	}
	set[threshold] = true
	return true, nil
}

func (s *MemoryStore) GetMilestones(_ context.Context, batchID uuid.UUID) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []int{}
	for m := range s.milestones[batchID] {
		out = append(out, m)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) MarkSummaryGenerated(_ context.Context, batchID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[batchID]
	if !ok || j.Kind != models.KindBatchParent {
		return false, ErrNotFound
	}
	if s.summaries[batchID] {
		return false, nil
	}
	s.summaries[batchID] = true
	return true, nil
}

func (s *MemoryStore) IsSummaryGenerated(_ context.Context, batchID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[batchID]
	if !ok || j.Kind != models.KindBatchParent {
		return false, ErrNotFound
	}
	return s.summaries[batchID], nil
}

// --- Webhook Subscriptions ---

func cloneSub(sub *models.WebhookSubscription) *models.WebhookSubscription {
	c := *sub
	c.Events = append([]string(nil), sub.Events...)
	return &c
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return ErrDuplicateKey
	}
	s.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSub(sub), nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, ownerID uuid.UUID) ([]*models.WebhookSubscription, error) {
	return s.selectSubs(func(sub *models.WebhookSubscription) bool { return sub.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListSubscriptionsForEvent(_ context.Context, ownerID uuid.UUID, event string) ([]*models.WebhookSubscription, error) {
	return s.selectSubs(func(sub *models.WebhookSubscription) bool {
		return sub.OwnerID == ownerID && sub.Wants(event)
	}), nil
}

func (s *MemoryStore) selectSubs(match func(*models.WebhookSubscription) bool) []*models.WebhookSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.WebhookSubscription{}
	for _, sub := range s.subs {
		if match(sub) {
			out = append(out, cloneSub(sub))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *MemoryStore) DeactivateSubscription(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Active = false
	sub.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordDeliveryResult(_ context.Context, id uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		sub.FailureCount = 0
	} else {
		sub.FailureCount++
	}
	sub.UpdatedAt = s.now()
	return nil
}

// --- API Keys ---

func cloneKey(k *models.APIKey) *models.APIKey {
	c := *k
	c.Scopes = append([]string(nil), k.Scopes...)
	return &c
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			out = append(out, cloneKey(k))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
