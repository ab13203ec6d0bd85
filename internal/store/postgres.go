package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/screener/pkg/models"
)

const jobColumns = `id, user_id, status, created_at, started_at, completed_at, updated_at,
	strategy_id, strategy_name, universe_key, universe_name, parameters,
	results, result_summary, error_message,
	progress, stocks_processed, stocks_total, cancel_requested`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, classify("get api key by prefix", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return classify("update api key last used", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return classify("create api key", err)
	}
	return nil
}

// --- Screening Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ScreeningJob) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job: new jobs must be pending, got %s", job.Status)
	}
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if job.Parameters == nil {
		params = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO screening_jobs (id, user_id, status, created_at, updated_at,
		   strategy_id, strategy_name, universe_key, universe_name, parameters,
		   progress, stocks_processed, stocks_total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.UserID, string(job.Status), job.CreatedAt, job.UpdatedAt,
		job.StrategyID, job.StrategyName, job.UniverseKey, job.UniverseName, params,
		job.Progress, job.StocksProcessed, job.StocksTotal)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return classify("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ScreeningJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM screening_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get job", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.ScreeningJob, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM screening_jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, filter.limit())

	return s.queryJobs(ctx, "list jobs", query, args...)
}

// ListPending picks each user's queue head with DISTINCT ON so that one
// user's backlog cannot fill the scan window.
func (s *PostgresStore) ListPending(ctx context.Context, maxRunningPerUser, limit int) ([]*models.ScreeningJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryJobs(ctx, "list pending jobs",
		`SELECT `+jobColumns+` FROM (
			SELECT DISTINCT ON (user_id) `+jobColumns+` FROM screening_jobs
			 WHERE status = 'pending'
			   AND ($1::int = 0 OR user_id NOT IN (
				SELECT user_id FROM screening_jobs WHERE status = 'running'
				 GROUP BY user_id HAVING COUNT(*) >= $1::int))
			 ORDER BY user_id, created_at ASC, id
		 ) heads
		 ORDER BY created_at ASC, id LIMIT $2`, maxRunningPerUser, limit)
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*models.ScreeningJob, error) {
	return s.queryJobs(ctx, "list stale running jobs",
		`SELECT `+jobColumns+` FROM screening_jobs
		 WHERE status = 'running' AND updated_at < $1 ORDER BY updated_at ASC`, olderThan)
}

// UpdateJob locks the row, applies upd through ApplyUpdate, and writes the
// result back in the same transaction.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, upd JobUpdate) (*models.ScreeningJob, error) {
	var updated *models.ScreeningJob
	err := s.inTx(ctx, "update job", func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ApplyUpdate(job, upd, s.now()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimJob serialises claims with a transaction-scoped advisory lock so the
// running-count checks and the pending -> running write cannot interleave
// with another claimer.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, limits ClaimLimits) (*models.ScreeningJob, error) {
	var claimed *models.ScreeningJob
	err := s.inTx(ctx, "claim job", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('screening_jobs_claim'))`); err != nil {
			return classify("acquire claim lock", err)
		}

		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return fmt.Errorf("%w: job %s is %s", ErrConflict, job.ID, job.Status)
		}

		if limits.MaxPerUser > 0 {
			var n int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM screening_jobs WHERE status = 'running' AND user_id = $1`, job.UserID,
			).Scan(&n); err != nil {
				return classify("count user running jobs", err)
			}
			if n >= limits.MaxPerUser {
				return fmt.Errorf("%w: user %s has %d running", ErrUserLimitReached, job.UserID, n)
			}
		}
		if limits.MaxGlobal > 0 {
			var n int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM screening_jobs WHERE status = 'running'`,
			).Scan(&n); err != nil {
				return classify("count running jobs", err)
			}
			if n >= limits.MaxGlobal {
				return fmt.Errorf("%w: %d running", ErrGlobalLimitReached, n)
			}
		}

		if err := ApplyUpdate(job, NewJobUpdate(WithStatus(models.JobStatusRunning)), s.now()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DeleteJob removes a terminal job owned by userID. Jobs belonging to other
// users are reported as not found.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID, userID string) error {
	return s.inTx(ctx, "delete job", func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrNotFound
		}
		if !job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrConflict, job.ID, job.Status)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM screening_jobs WHERE id = $1`, id); err != nil {
			return classify("delete job", err)
		}
		return nil
	})
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.ScreeningJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var jobs []*models.ScreeningJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return jobs, nil
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin "+op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit "+op, err)
	}
	return nil
}

func lockJob(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ScreeningJob, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM screening_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("lock job", err)
	}
	return job, nil
}

func writeJob(ctx context.Context, tx pgx.Tx, job *models.ScreeningJob) error {
	var results, summary []byte
	var err error
	if job.Results != nil {
		if results, err = json.Marshal(job.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	if job.ResultSummary != nil {
		if summary, err = json.Marshal(job.ResultSummary); err != nil {
			return fmt.Errorf("marshal result summary: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE screening_jobs SET
		   status = $2, started_at = $3, completed_at = $4, updated_at = $5,
		   results = $6, result_summary = $7, error_message = $8,
		   progress = $9, stocks_processed = $10, stocks_total = $11, cancel_requested = $12
		 WHERE id = $1`,
		job.ID, string(job.Status), job.StartedAt, job.CompletedAt, job.UpdatedAt,
		results, summary, job.ErrorMessage,
		job.Progress, job.StocksProcessed, job.StocksTotal, job.CancelRequested)
	if err != nil {
		return classify("write job", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.ScreeningJob, error) {
	var (
		job                      models.ScreeningJob
		status                   string
		params, results, summary []byte
	)
	err := row.Scan(&job.ID, &job.UserID, &status, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
		&job.StrategyID, &job.StrategyName, &job.UniverseKey, &job.UniverseName, &params,
		&results, &summary, &job.ErrorMessage,
		&job.Progress, &job.StocksProcessed, &job.StocksTotal, &job.CancelRequested)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)

	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if len(summary) > 0 {
		var s models.ResultSummary
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
		job.ResultSummary = &s
	}
	return &job, nil
}

// classify wraps err with op, tagging connection-level failures that are
// safe to retry as ErrStoreUnavailable.
func classify(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
