package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/db"
	"github.com/sells-group/lead-scorer/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

// NewPostgresFromPool wraps an existing pool. The store does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: utcNow}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies pending migrations under an advisory lock so overlapping
// deploys do not race.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			zap.L().Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, createMigrationsTable); err != nil {
		return eris.Wrap(err, "postgres: create schema_migrations")
	}

	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: list applied migrations")
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan migration")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate migrations")
	}

	files, err := migrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range files {
		if applied[m.name] {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", m.name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, $2)",
			m.name, s.now().Format(time.RFC3339),
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", m.name)
		}
		zap.L().Info("postgres: migration applied", zap.String("file", m.name))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgJobColumns = `id, status, total, processed, COALESCE(error, ''), COALESCE(owner, ''), metadata, created_at, updated_at`

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var (
		j      model.Job
		status string
		meta   []byte
	)
	if err := row.Scan(&j.ID, &status, &j.Total, &j.Processed, &j.Error, &j.Owner, &meta, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal job metadata")
		}
	}
	return &j, nil
}

// CreateJob inserts the job header and bulk-loads its items with COPY in a
// single transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, leads []model.Lead, meta model.JobMetadata) (*model.Job, error) {
	id := uuid.New().String()
	now := s.now()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal job metadata")
	}

	rows := make([][]any, len(leads))
	for i, lead := range leads {
		payload, err := json.Marshal(lead)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal lead %d", i)
		}
		rows[i] = []any{id, i, payload, string(model.JobStatusQueued), now, now}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create job")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, status, total, processed, metadata, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $5, $6)`,
		id, string(model.JobStatusQueued), len(leads), metaJSON, now, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	if _, err := db.CopyFrom(ctx, tx, "job_items",
		[]string{"job_id", "idx", "payload", "status", "created_at", "updated_at"}, rows,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: copy job items")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create job")
	}

	return &model.Job{
		ID:        id,
		Status:    model.JobStatusQueued,
		Total:     len(leads),
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	limit := limitOrDefault(filter.Limit)
	if filter.Status != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			string(filter.Status), limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, owner string, staleBefore time.Time) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', owner = $2, updated_at = $3
		WHERE id = $1 AND (status = 'queued' OR (status = 'processing' AND updated_at <= $4))
		RETURNING `+pgJobColumns,
		jobID, owner, s.now(), staleBefore,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, owner string, staleBefore time.Time) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', owner = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' OR (status = 'processing' AND updated_at <= $3)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		owner, s.now(), staleBefore,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next job")
	}
	return j, nil
}

func (s *PostgresStore) Touch(ctx context.Context, jobID, owner string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET updated_at = $3 WHERE id = $1 AND owner = $2 AND status = 'processing'
		RETURNING `+pgJobColumns,
		jobID, owner, s.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflict("postgres: touch job", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: touch job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', error = NULL, updated_at = $3
		WHERE id = $1 AND owner = $2 AND status = 'processing' AND processed = total`,
		jobID, owner, s.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return conflict("postgres: complete job", jobID)
	}
	return nil
}

// FailJob marks the job failed and every unresolved item failed with the
// same reason.
func (s *PostgresStore) FailJob(ctx context.Context, jobID, owner, reason string) error {
	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin fail job")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $3, updated_at = $4
		WHERE id = $1 AND owner = $2 AND status = 'processing'`,
		jobID, owner, reason, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return conflict("postgres: fail job", jobID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE job_items SET status = 'failed', error = $2, updated_at = $3
		WHERE job_id = $1 AND status <> 'completed'`,
		jobID, reason, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: fail items of job %s", jobID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit fail job")
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID, reason string) (*model.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin cancel")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	j, err := scanPgJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock job %s", jobID)
	}
	if j.Status.Terminal() {
		return j, nil
	}

	applyCancel(j, reason, s.now())
	metaJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal job metadata")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, error = $3, metadata = $4, updated_at = $5 WHERE id = $1`,
		jobID, string(j.Status), errString(j.Error), metaJSON, j.UpdatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	if j.Status == model.JobStatusFailed {
		if _, err := tx.Exec(ctx,
			`UPDATE job_items SET status = 'failed', error = $2, updated_at = $3
			WHERE job_id = $1 AND status <> 'completed'`,
			jobID, j.Error, j.UpdatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: fail items of job %s", jobID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit cancel")
	}
	return j, nil
}

// applyCancel records the cancel request on j. A queued job has no worker
// to observe the flag, so it fails immediately.
func applyCancel(j *model.Job, reason string, now time.Time) {
	j.Metadata.CancelRequested = true
	j.Metadata.CancelReason = reason
	j.UpdatedAt = now
	if j.Status == model.JobStatusQueued {
		j.Status = model.JobStatusFailed
		j.Error = CancelledReason(reason)
	}
}

const pgItemColumns = `job_id, idx, payload, status, result, COALESCE(error, ''), created_at, updated_at`

func (s *PostgresStore) ListItems(ctx context.Context, jobID string) ([]model.JobItem, error) {
	return s.queryItems(ctx, `SELECT `+pgItemColumns+` FROM job_items WHERE job_id = $1 ORDER BY idx`, jobID)
}

func (s *PostgresStore) PendingItems(ctx context.Context, jobID string) ([]model.JobItem, error) {
	return s.queryItems(ctx, `SELECT `+pgItemColumns+` FROM job_items WHERE job_id = $1 AND result IS NULL ORDER BY idx`, jobID)
}

func (s *PostgresStore) queryItems(ctx context.Context, sql, jobID string) ([]model.JobItem, error) {
	rows, err := s.pool.Query(ctx, sql, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items of job %s", jobID)
	}
	defer rows.Close()

	var items []model.JobItem
	for rows.Next() {
		var (
			it              model.JobItem
			status          string
			payload, result []byte
		)
		if err := rows.Scan(&it.JobID, &it.Index, &payload, &status, &result, &it.Error, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it.Status = model.JobStatus(status)
		if err := decodeItem(&it, payload, result); err != nil {
			return nil, eris.Wrap(err, "postgres: decode item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func (s *PostgresStore) CompleteItem(ctx context.Context, jobID, owner string, index int, result *model.LeadResult) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal result")
	}
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin complete item")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE job_items SET status = 'completed', result = $3, error = $4, updated_at = $5
		WHERE job_id = $1 AND idx = $2 AND status <> 'completed'
		AND EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND owner = $6 AND status = 'processing')`,
		jobID, index, resultJSON, errString(result.Error), now, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete item %s/%d", jobID, index)
	}
	if tag.RowsAffected() == 0 {
		var held bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND owner = $2 AND status = 'processing')`,
			jobID, owner,
		).Scan(&held); err != nil {
			return false, eris.Wrapf(err, "postgres: check job owner %s", jobID)
		}
		if !held {
			return false, conflict("postgres: complete item", jobID)
		}
		return false, nil
	}
	tag, err = tx.Exec(ctx,
		`UPDATE jobs SET processed = processed + 1, updated_at = $2
		WHERE id = $1 AND owner = $3 AND status = 'processing' AND processed < total`,
		jobID, now, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: increment processed %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return false, conflict("postgres: increment processed", jobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit complete item")
	}
	return true, nil
}

func decodeItem(it *model.JobItem, payload, result []byte) error {
	if err := json.Unmarshal(payload, &it.Payload); err != nil {
		return eris.Wrap(err, "unmarshal payload")
	}
	if len(result) > 0 {
		it.Result = &model.LeadResult{}
		if err := json.Unmarshal(result, it.Result); err != nil {
			return eris.Wrap(err, "unmarshal result")
		}
	}
	return nil
}
