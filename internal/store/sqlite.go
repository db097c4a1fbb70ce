package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-scorer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so staleness comparisons stay numeric.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers, which makes every
	// conditional update a true compare-and-swap.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return eris.Wrap(err, "sqlite: create schema_migrations")
	}
	files, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range files {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, m.name,
		).Scan(&n); err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", m.name)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", m.name)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			m.name, s.now().Format(time.RFC3339),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", m.name)
		}
		zap.L().Debug("sqlite: migration applied", zap.String("file", m.name))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteJobColumns = `id, status, total, processed, COALESCE(error, ''), COALESCE(owner, ''), metadata, created_at, updated_at`

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var (
		j                model.Job
		status, meta     string
		created, updated int64
	)
	if err := row.Scan(&j.ID, &status, &j.Total, &j.Processed, &j.Error, &j.Owner, &meta, &created, &updated); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal job metadata")
		}
	}
	return &j, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, leads []model.Lead, meta model.JobMetadata) (*model.Job, error) {
	id := uuid.New().String()
	now := s.now()
	ms := now.UnixMilli()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal job metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create job")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, status, total, processed, metadata, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?, ?)`,
		id, string(model.JobStatusQueued), len(leads), string(metaJSON), ms, ms,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_items (job_id, idx, payload, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare item insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, lead := range leads {
		payload, err := json.Marshal(lead)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: marshal lead %d", i)
		}
		if _, err := stmt.ExecContext(ctx, id, i, string(payload), string(model.JobStatusQueued), ms, ms); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert item %d", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create job")
	}

	return &model.Job{
		ID:        id,
		Status:    model.JobStatusQueued,
		Total:     len(leads),
		Metadata:  meta,
		CreatedAt: time.UnixMilli(ms).UTC(),
		UpdatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID, owner string, staleBefore time.Time) (*model.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'processing', owner = ?, updated_at = ?
		WHERE id = ? AND (status = 'queued' OR (status = 'processing' AND updated_at <= ?))
		RETURNING `+sqliteJobColumns,
		owner, s.now().UnixMilli(), jobID, staleBefore.UnixMilli(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, owner string, staleBefore time.Time) (*model.Job, error) {
	stale := staleBefore.UnixMilli()
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'processing', owner = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' OR (status = 'processing' AND updated_at <= ?)
			ORDER BY created_at, rowid
			LIMIT 1
		) AND (status = 'queued' OR (status = 'processing' AND updated_at <= ?))
		RETURNING `+sqliteJobColumns,
		owner, s.now().UnixMilli(), stale, stale,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim next job")
	}
	return j, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, jobID, owner string) (*model.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE id = ? AND owner = ? AND status = 'processing'
		RETURNING `+sqliteJobColumns,
		s.now().UnixMilli(), jobID, owner,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflict("sqlite: touch job", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: touch job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', error = NULL, updated_at = ?
		WHERE id = ? AND owner = ? AND status = 'processing' AND processed = total`,
		s.now().UnixMilli(), jobID, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "sqlite: complete job", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, owner, reason string) error {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin fail job")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND status = 'processing'`,
		reason, now, jobID, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	if err := checkRowsAffected(res, "sqlite: fail job", jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_items SET status = 'failed', error = ?, updated_at = ? WHERE job_id = ? AND status <> 'completed'`,
		reason, now, jobID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: fail items of job %s", jobID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit fail job")
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID, reason string) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin cancel")
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load job %s", jobID)
	}
	if j.Status.Terminal() {
		return j, nil
	}

	applyCancel(j, reason, time.UnixMilli(s.now().UnixMilli()).UTC())
	metaJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal job metadata")
	}
	ms := j.UpdatedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(j.Status), errString(j.Error), string(metaJSON), ms, jobID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	if j.Status == model.JobStatusFailed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_items SET status = 'failed', error = ?, updated_at = ? WHERE job_id = ? AND status <> 'completed'`,
			j.Error, ms, jobID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: fail items of job %s", jobID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit cancel")
	}
	return j, nil
}

const sqliteItemColumns = `job_id, idx, payload, status, result, COALESCE(error, ''), created_at, updated_at`

func (s *SQLiteStore) ListItems(ctx context.Context, jobID string) ([]model.JobItem, error) {
	return s.queryItems(ctx, `SELECT `+sqliteItemColumns+` FROM job_items WHERE job_id = ? ORDER BY idx`, jobID)
}

func (s *SQLiteStore) PendingItems(ctx context.Context, jobID string) ([]model.JobItem, error) {
	return s.queryItems(ctx, `SELECT `+sqliteItemColumns+` FROM job_items WHERE job_id = ? AND result IS NULL ORDER BY idx`, jobID)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query, jobID string) ([]model.JobItem, error) {
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items of job %s", jobID)
	}
	defer rows.Close()

	var items []model.JobItem
	for rows.Next() {
		var (
			it               model.JobItem
			status, payload  string
			result           sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&it.JobID, &it.Index, &payload, &status, &result, &it.Error, &created, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		it.Status = model.JobStatus(status)
		it.CreatedAt = time.UnixMilli(created).UTC()
		it.UpdatedAt = time.UnixMilli(updated).UTC()
		var raw []byte
		if result.Valid {
			raw = []byte(result.String)
		}
		if err := decodeItem(&it, []byte(payload), raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, jobID, owner string, index int, result *model.LeadResult) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal result")
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin complete item")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE job_items SET status = 'completed', result = ?, error = ?, updated_at = ?
		WHERE job_id = ? AND idx = ? AND status <> 'completed'
		AND EXISTS (SELECT 1 FROM jobs WHERE id = ? AND owner = ? AND status = 'processing')`,
		string(resultJSON), errString(result.Error), now, jobID, index, jobID, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete item %s/%d", jobID, index)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var held int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = ? AND owner = ? AND status = 'processing'`,
			jobID, owner,
		).Scan(&held); err != nil {
			return false, eris.Wrapf(err, "sqlite: check job owner %s", jobID)
		}
		if held == 0 {
			return false, conflict("sqlite: complete item", jobID)
		}
		return false, nil
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE jobs SET processed = processed + 1, updated_at = ?
		WHERE id = ? AND owner = ? AND status = 'processing' AND processed < total`,
		now, jobID, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: increment processed %s", jobID)
	}
	if err := checkRowsAffected(res, "sqlite: increment processed", jobID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit complete item")
	}
	return true, nil
}

func checkRowsAffected(res sql.Result, action, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "%s: rows affected", action)
	}
	if n == 0 {
		return conflict(action, jobID)
	}
	return nil
}
