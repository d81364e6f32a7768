package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pressroom/pressroom/pkg/models"
)

// SQLiteStore implements the Store interface over an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, url, normalized_url, domain_key, render_mode, status, attempts, max_retries,
	navigation_timeout_seconds, job_timeout_seconds, max_domain_wait_seconds, metadata,
	error_code, error_message, deduplicated, submission_date, created_at, started_at, finished_at, artifact_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                              models.Job
		id                             string
		metadata, errCode, errMsg      sql.NullString
		artifactPath                   sql.NullString
		createdMs                      int64
		startedMs, finishedMs          sql.NullInt64
	)
	err := row.Scan(&id, &j.URL, &j.NormalizedURL, &j.DomainKey, &j.RenderMode, &j.Status,
		&j.Attempts, &j.MaxRetries, &j.NavigationTimeoutSeconds, &j.JobTimeoutSeconds,
		&j.MaxDomainWaitSeconds, &metadata, &errCode, &errMsg, &j.Deduplicated,
		&j.SubmissionDate, &createdMs, &startedMs, &finishedMs, &artifactPath)
	if err != nil {
		return nil, err
	}

	j.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", id, err)
	}
	if metadata.Valid {
		j.Metadata = []byte(metadata.String)
	}
	if errCode.Valid {
		j.ErrorCode = &errCode.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if artifactPath.Valid {
		j.ArtifactPath = &artifactPath.String
	}
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64).UTC()
		j.StartedAt = &t
	}
	if finishedMs.Valid {
		t := time.UnixMilli(finishedMs.Int64).UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

func (s *SQLiteStore) FindDedup(ctx context.Context, normalizedURL, submissionDate string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE normalized_url = ? AND submission_date = ?`,
		normalizedURL, submissionDate)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find dedup: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, job *models.Job) error {
	var metadata any
	if len(job.Metadata) > 0 {
		metadata = string(job.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, normalized_url, domain_key, render_mode, status, attempts, max_retries,
		   navigation_timeout_seconds, job_timeout_seconds, max_domain_wait_seconds, metadata,
		   deduplicated, submission_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.URL, job.NormalizedURL, job.DomainKey, job.RenderMode, job.Status,
		job.Attempts, job.MaxRetries, job.NavigationTimeoutSeconds, job.JobTimeoutSeconds,
		job.MaxDomainWaitSeconds, metadata, job.Deduplicated, job.SubmissionDate,
		job.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	locked, err := lockedDomains(ctx, tx)
	if err != nil {
		return nil, err
	}

	candidates, err := readyJobs(ctx, tx)
	if err != nil {
		return nil, err
	}

	var claimed *models.Job
	for _, job := range candidates {
		if locked[job.DomainKey] {
			if job.Status == models.JobStatusQueued {
				if _, err := tx.ExecContext(ctx,
					`UPDATE jobs SET status = ? WHERE id = ?`,
					models.JobStatusWaitingDomainLock, job.ID.String()); err != nil {
					return nil, fmt.Errorf("mark waiting: %w", err)
				}
			}
			continue
		}
		if claimed == nil {
			claimed = job
			// Keep scanning so every blocked queued job behind this one is
			// still demoted to waiting_domain_lock.
			locked[job.DomainKey] = true
		}
	}

	if claimed != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO domain_locks (domain_key, held_by_job_id, acquired_at) VALUES (?, ?, ?)`,
			claimed.DomainKey, claimed.ID.String(), now.UnixMilli()); err != nil {
			return nil, fmt.Errorf("acquire domain lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			models.JobStatusRunning, now.UnixMilli(), claimed.ID.String()); err != nil {
			return nil, fmt.Errorf("mark running: %w", err)
		}
		claimed.Status = models.JobStatusRunning
		started := now.UTC()
		claimed.StartedAt = &started
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func lockedDomains(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT domain_key FROM domain_locks`)
	if err != nil {
		return nil, fmt.Errorf("list domain locks: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan domain lock: %w", err)
		}
		locked[key] = true
	}
	return locked, rows.Err()
}

// readyJobs returns claimable jobs FIFO by created_at, then id for
// determinism.
func readyJobs(ctx context.Context, tx *sql.Tx) ([]*models.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?)
		 ORDER BY created_at, id`,
		models.JobStatusQueued, models.JobStatusWaitingDomainLock)
	if err != nil {
		return nil, fmt.Errorf("list ready jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) BumpAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`,
		id.String()).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump attempt: %w", err)
	}
	return attempts, nil
}

func (s *SQLiteStore) FinishJob(ctx context.Context, id uuid.UUID, now time.Time, result FinishResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback()

	var tag sql.Result
	if result.Succeeded {
		tag, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, artifact_path = ?, error_code = NULL, error_message = NULL
			 WHERE id = ? AND status NOT IN (?, ?)`,
			models.JobStatusSucceeded, now.UnixMilli(), result.ArtifactPath,
			id.String(), models.JobStatusSucceeded, models.JobStatusFailed)
	} else {
		tag, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, artifact_path = NULL, error_code = ?, error_message = ?
			 WHERE id = ? AND status NOT IN (?, ?)`,
			models.JobStatusFailed, now.UnixMilli(), result.ErrorCode, result.ErrorMessage,
			id.String(), models.JobStatusSucceeded, models.JobStatusFailed)
	}
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job rows: %w", err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finish job status: %w", err)
		}
		return ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM domain_locks WHERE held_by_job_id = ?`, id.String()); err != nil {
		return fmt.Errorf("release domain lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	tag, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL WHERE id = ? AND status = ?`,
		models.JobStatusQueued, id.String(), models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM domain_locks WHERE held_by_job_id = ?`, id.String()); err != nil {
		return fmt.Errorf("release domain lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SweepWaitTimeouts(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, max_domain_wait_seconds, created_at FROM jobs WHERE status = ?`,
		models.JobStatusWaitingDomainLock)
	if err != nil {
		return 0, fmt.Errorf("list waiting jobs: %w", err)
	}

	type expired struct {
		id   string
		wait int
	}
	var over []expired
	for rows.Next() {
		var (
			id        string
			wait      int
			createdMs int64
		)
		if err := rows.Scan(&id, &wait, &createdMs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan waiting job: %w", err)
		}
		if now.Sub(time.UnixMilli(createdMs)) > time.Duration(wait)*time.Second {
			over = append(over, expired{id: id, wait: wait})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range over {
		msg := fmt.Sprintf("exceeded max domain wait time: %ds", e.wait)
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_code = ?, error_message = ?, finished_at = ? WHERE id = ?`,
			models.JobStatusFailed, models.ErrCodeDomainWaitTimeout, msg, now.UnixMilli(), e.id); err != nil {
			return 0, fmt.Errorf("fail waiting job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return len(over), nil
}

func (s *SQLiteStore) RecoverStartup(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	// Locks held by jobs no longer running are dangling.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM domain_locks WHERE held_by_job_id NOT IN
		   (SELECT id FROM jobs WHERE status = ?)`,
		models.JobStatusRunning); err != nil {
		return 0, fmt.Errorf("release dangling locks: %w", err)
	}

	// A running job means the single worker crashed mid-render; its lock is
	// released and the job goes back to the queue.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM domain_locks WHERE held_by_job_id IN
		   (SELECT id FROM jobs WHERE status = ?)`,
		models.JobStatusRunning); err != nil {
		return 0, fmt.Errorf("release crashed-run locks: %w", err)
	}
	tag, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?`,
		models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue crashed jobs: %w", err)
	}
	affected, err := tag.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue crashed rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) GetDomainLock(ctx context.Context, domainKey string) (*models.DomainLock, error) {
	var (
		lock       models.DomainLock
		holder     string
		acquiredMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT domain_key, held_by_job_id, acquired_at FROM domain_locks WHERE domain_key = ?`,
		domainKey).Scan(&lock.DomainKey, &holder, &acquiredMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain lock: %w", err)
	}
	lock.HeldByJob, err = uuid.Parse(holder)
	if err != nil {
		return nil, fmt.Errorf("parse lock holder %q: %w", holder, err)
	}
	lock.AcquiredAt = time.UnixMilli(acquiredMs).UTC()
	return &lock, nil
}

func (s *SQLiteStore) ListStaleArtifacts(ctx context.Context, cutoff time.Time) ([]StaleArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_path FROM jobs
		 WHERE status = ? AND artifact_path IS NOT NULL AND finished_at <= ?`,
		models.JobStatusSucceeded, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stale artifacts: %w", err)
	}
	defer rows.Close()

	var stale []StaleArtifact
	for rows.Next() {
		var (
			id   string
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("scan stale artifact: %w", err)
		}
		jobID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse stale job id %q: %w", id, err)
		}
		stale = append(stale, StaleArtifact{JobID: jobID, ArtifactPath: path})
	}
	return stale, rows.Err()
}

func (s *SQLiteStore) ForgetArtifact(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET artifact_path = NULL WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("forget artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	var jobID any
	if hb.CurrentJobID != nil {
		jobID = *hb.CurrentJobID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_heartbeats (worker_id, last_heartbeat, state, current_job_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (worker_id) DO UPDATE SET
		   last_heartbeat = excluded.last_heartbeat,
		   state = excluded.state,
		   current_job_id = excluded.current_job_id`,
		hb.WorkerID, hb.LastHeartbeat.UnixMilli(), hb.State, jobID)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error) {
	var (
		hb     models.WorkerHeartbeat
		beatMs int64
		jobID  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT worker_id, last_heartbeat, state, current_job_id FROM worker_heartbeats WHERE worker_id = ?`,
		workerID).Scan(&hb.WorkerID, &beatMs, &hb.State, &jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	hb.LastHeartbeat = time.UnixMilli(beatMs).UTC()
	if jobID.Valid {
		hb.CurrentJobID = &jobID.String
	}
	return &hb, nil
}

// isUniqueViolation checks whether a modernc/sqlite error is a unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
