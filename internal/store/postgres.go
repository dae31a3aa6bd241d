package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, owner_id, kind, status, lane, input, result, batch_parent_id, batch_index, shard_index,
	batch_options, compute_call_id, idempotency_key, retry_count, error_message, error_category,
	created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.Lane, &j.Input, &j.Result,
		&j.BatchParentID, &j.BatchIndex, &j.ShardIndex, &j.BatchOptions, &j.ComputeCallID,
		&j.IdempotencyKey, &j.RetryCount, &j.ErrorMessage, &j.ErrorCategory,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const insertJob = `INSERT INTO jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func jobArgs(j *models.Job) []any {
	return []any{j.ID, j.OwnerID, j.Kind, j.Status, j.Lane, j.Input, j.Result,
		j.BatchParentID, j.BatchIndex, j.ShardIndex, j.BatchOptions, j.ComputeCallID,
		j.IdempotencyKey, j.RetryCount, j.ErrorMessage, j.ErrorCategory,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	_, err := s.pool.Exec(ctx, insertJob, jobArgs(job)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("create jobs: %w", err)
		}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, j := range jobs {
			batch.Queue(insertJob, jobArgs(j)...)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	params := collectParams(opts)

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, from, to, now}
	argIdx := 5

	if to == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = COALESCE(started_at, $%d)", argIdx)
		args = append(args, now)
		argIdx++
	}
	if to.IsTerminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	query, args = appendParams(query, args, argIdx, params)
	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusMiss(ctx, id, from)
	}
	return nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id uuid.UUID, from models.JobStatus, opts ...JobUpdateOption) error {
	if !models.CanResetForRetry(from) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.JobStatusPending)
	}
	params := collectParams(opts)
	params.ComputeCallID = nil

	query := `UPDATE jobs SET status = $3, updated_at = $4, compute_call_id = NULL, started_at = NULL`
	args := []any{id, from, models.JobStatusPending, time.Now().UTC()}
	query, args = appendParams(query, args, 5, params)
	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("reset job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusMiss(ctx, id, from)
	}
	return nil
}

func appendParams(query string, args []any, argIdx int, params *jobUpdateParams) (string, []any) {
	if params.ClearError && params.ErrorMessage == nil {
		query += ", error_message = NULL"
	}
	if params.ClearError && params.ErrorCategory == nil {
		query += ", error_category = NULL"
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ErrorCategory != nil {
		query += fmt.Sprintf(", error_category = $%d", argIdx)
		args = append(args, *params.ErrorCategory)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, params.Result)
		argIdx++
	}
	if params.ComputeCallID != nil {
		query += fmt.Sprintf(", compute_call_id = NULLIF($%d, '')", argIdx)
		args = append(args, *params.ComputeCallID)
		argIdx++
	}
	if params.RetryCount != nil {
		query += fmt.Sprintf(", retry_count = $%d", argIdx)
		args = append(args, *params.RetryCount)
		argIdx++
	}
	if params.ShardIndex != nil {
		query += fmt.Sprintf(", shard_index = $%d", argIdx)
		args = append(args, *params.ShardIndex)
	}
	return query, args
}

// statusMiss explains why a compare-and-set matched no rows.
func (s *PostgresStore) statusMiss(ctx context.Context, id uuid.UUID, expected models.JobStatus) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, expected, current)
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) GetActiveBatchByKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1 AND idempotency_key = $2 AND kind = 'batch_parent'
		AND status IN ('pending', 'queued', 'running')`, ownerID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch by key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_parent_id = $1 ORDER BY batch_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.normalize()
	dataQuery := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// --- Batch bookkeeping ---

func (s *PostgresStore) AddMilestone(ctx context.Context, batchID uuid.UUID, threshold int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batch_milestones (batch_id, threshold, reached_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (batch_id, threshold) DO NOTHING`, batchID, threshold)
	if err != nil {
		return false, fmt.Errorf("add milestone: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetMilestones(ctx context.Context, batchID uuid.UUID) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT threshold FROM batch_milestones WHERE batch_id = $1 ORDER BY threshold`, batchID)
	if err != nil {
		return nil, fmt.Errorf("get milestones: %w", err)
	}
	defer rows.Close()

	out := []int{}
	for rows.Next() {
		var m int
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSummaryGenerated(ctx context.Context, batchID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET summary_generated = TRUE, updated_at = NOW()
		 WHERE id = $1 AND kind = 'batch_parent' AND summary_generated = FALSE`, batchID)
	if err != nil {
		return false, fmt.Errorf("mark summary generated: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.IsSummaryGenerated(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) IsSummaryGenerated(ctx context.Context, batchID uuid.UUID) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx,
		`SELECT summary_generated FROM jobs WHERE id = $1 AND kind = 'batch_parent'`, batchID).Scan(&done)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get summary flag: %w", err)
	}
	return done, nil
}

// --- Webhook Subscriptions ---

const subscriptionColumns = `id, owner_id, url, secret, events, active, retry_count, timeout_ms, failure_count, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var timeoutMS int64
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &sub.Events, &sub.Active,
		&sub.RetryCount, &timeoutMS, &sub.FailureCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*models.WebhookSubscription, error) {
	defer rows.Close()

	subs := []*models.WebhookSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, sub.Events, sub.Active, sub.RetryCount,
		sub.Timeout.Milliseconds(), sub.FailureCount, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]*models.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) ListSubscriptionsForEvent(ctx context.Context, ownerID uuid.UUID, event string) ([]*models.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE owner_id = $1 AND active AND $2 = ANY(events) ORDER BY created_at`, ownerID, event)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordDeliveryResult(ctx context.Context, id uuid.UUID, success bool) error {
	query := `UPDATE webhook_subscriptions SET failure_count = failure_count + 1, updated_at = NOW() WHERE id = $1`
	if success {
		query = `UPDATE webhook_subscriptions SET failure_count = 0, updated_at = NOW() WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("record delivery result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
