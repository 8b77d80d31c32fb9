package scribeq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MySQLStore implements JobStore against a MySQL database. Optimistic
// concurrency rides on the jobs.version column: every UPDATE carries
// `WHERE version = ?` and bumps it, so a racing replica's write simply
// matches zero rows.
type MySQLStore struct {
	db     *sql.DB
	dbName string
}

// NewMySQLStore wraps a user-provided *sql.DB. dbName is the schema the
// jobs and job_settings tables live in.
func NewMySQLStore(db *sql.DB, dbName string) *MySQLStore {
	return &MySQLStore{db: db, dbName: dbName}
}

// Schema is the DDL for the durable store. Applied out of band (migrations
// are the operator's concern); kept here so the column contract lives next
// to the queries that depend on it.
const Schema = `
CREATE TABLE IF NOT EXISTS job_settings (
  id          BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  model       VARCHAR(128)  NOT NULL,
  language    VARCHAR(16)   NOT NULL DEFAULT '',
  align_words BOOLEAN       NOT NULL DEFAULT FALSE,
  diarize     BOOLEAN       NOT NULL DEFAULT FALSE,
  asr_options TEXT          NOT NULL,
  complete    BOOLEAN       NOT NULL DEFAULT FALSE,
  created_at  DATETIME(6)   NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
  id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  owner_id        VARCHAR(64)     NOT NULL,
  settings_id     BIGINT UNSIGNED NOT NULL,
  state           VARCHAR(32)     NOT NULL,
  progress        DOUBLE          NOT NULL DEFAULT -1,
  assigned_runner VARCHAR(64)     NULL,
  assigned_at     DATETIME(6)     NULL,
  error_message   TEXT            NULL,
  transcript_ref  VARCHAR(255)    NULL,
  version         BIGINT UNSIGNED NOT NULL DEFAULT 1,
  created_at      DATETIME(6)     NOT NULL,
  finished_at     DATETIME(6)     NULL,
  KEY idx_jobs_state_created (state, created_at),
  KEY idx_jobs_owner (owner_id),
  KEY idx_jobs_runner (assigned_runner)
);
`

const jobColumns = `id, owner_id, settings_id, state, progress, assigned_runner, assigned_at, error_message, transcript_ref, version, created_at, finished_at`

func (s *MySQLStore) scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var stateStr string
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.SettingsID,
		&stateStr,
		&job.Progress,
		&job.AssignedRunner,
		&job.AssignedAt,
		&job.ErrorMessage,
		&job.TranscriptRef,
		&job.Version,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.State = JobState(stateStr)
	return &job, nil
}

func (s *MySQLStore) CreateSettings(ctx context.Context, set *Settings) (*Settings, error) {
	now := time.Now().UTC().Round(time.Microsecond)
	query := fmt.Sprintf("INSERT INTO %s.job_settings (model, language, align_words, diarize, asr_options, complete, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)", s.dbName)
	res, err := s.db.ExecContext(ctx, query, set.Model, set.Language, set.Align, set.Diarize, set.ASROptions, set.Complete, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert settings: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get lastInsertId: %w", err)
	}
	out := *set
	out.ID = uint64(id)
	out.CreatedAt = now
	return &out, nil
}

func (s *MySQLStore) GetSettings(ctx context.Context, id uint64) (*Settings, error) {
	query := fmt.Sprintf("SELECT id, model, language, align_words, diarize, asr_options, complete, created_at FROM %s.job_settings WHERE id = ?", s.dbName)
	row := s.db.QueryRowContext(ctx, query, id)
	var set Settings
	err := row.Scan(&set.ID, &set.Model, &set.Language, &set.Align, &set.Diarize, &set.ASROptions, &set.Complete, &set.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &set, nil
}

func (s *MySQLStore) FinalizeSettings(ctx context.Context, id uint64) error {
	query := fmt.Sprintf("UPDATE %s.job_settings SET complete = TRUE WHERE id = ?", s.dbName)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLStore) CreateJob(ctx context.Context, job *Job) (*Job, error) {
	now := time.Now().UTC().Round(time.Microsecond)
	query := fmt.Sprintf("INSERT INTO %s.jobs (owner_id, settings_id, state, progress, version, created_at) VALUES (?, ?, ?, ?, 1, ?)", s.dbName)
	res, err := s.db.ExecContext(ctx, query, job.OwnerID, job.SettingsID, string(job.State), ProgressUnknown, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get lastInsertId: %w", err)
	}
	out := *job
	out.ID = uint64(id)
	out.Progress = ProgressUnknown
	out.Version = 1
	out.CreatedAt = now
	return &out, nil
}

func (s *MySQLStore) GetJob(ctx context.Context, id uint64) (*Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.jobs WHERE id = ?", jobColumns, s.dbName)
	return s.scanJob(s.db.QueryRowContext(ctx, query, id))
}

func (s *MySQLStore) ListOwnerJobs(ctx context.Context, ownerID string) ([]*Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.jobs WHERE owner_id = ? ORDER BY created_at DESC, id DESC", jobColumns, s.dbName)
	return s.queryJobs(ctx, query, ownerID)
}

func (s *MySQLStore) ListPending(ctx context.Context, afterID uint64, limit int) ([]*Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.jobs WHERE state = ? AND id > ? ORDER BY created_at, id LIMIT %d", jobColumns, s.dbName, limit)
	return s.queryJobs(ctx, query, string(StatePendingRunner), afterID)
}

func (s *MySQLStore) ListHeld(ctx context.Context) ([]*Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.jobs WHERE state IN (?, ?, ?)", jobColumns, s.dbName)
	return s.queryJobs(ctx, query, string(StateRunnerAssigned), string(StateRunnerInProgress), string(StateAborting))
}

func (s *MySQLStore) JobsHeldBy(ctx context.Context, runnerID string) ([]*Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.jobs WHERE assigned_runner = ? AND state IN (?, ?, ?)", jobColumns, s.dbName)
	return s.queryJobs(ctx, query, runnerID, string(StateRunnerAssigned), string(StateRunnerInProgress), string(StateAborting))
}

func (s *MySQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob is the compare-and-set write every state transition goes
// through. A zero-row match means another replica moved the job first.
func (s *MySQLStore) UpdateJob(ctx context.Context, job *Job) error {
	query := fmt.Sprintf(`UPDATE %s.jobs
		SET
		  state = ?,
		  progress = ?,
		  assigned_runner = ?,
		  assigned_at = ?,
		  error_message = ?,
		  transcript_ref = ?,
		  finished_at = ?,
		  version = version + 1
		WHERE id = ? AND version = ?`, s.dbName)
	res, err := s.db.ExecContext(ctx, query,
		string(job.State),
		job.Progress,
		job.AssignedRunner,
		job.AssignedAt,
		job.ErrorMessage,
		job.TranscriptRef,
		job.FinishedAt,
		job.ID,
		job.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	job.Version++
	return nil
}

func (s *MySQLStore) DeleteJob(ctx context.Context, id uint64) error {
	query := fmt.Sprintf("DELETE FROM %s.jobs WHERE id = ?", s.dbName)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
