package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stratagen/internal/advice"

	_ "modernc.org/sqlite"
)

// SQLite is the durable Store implementation.
type SQLite struct {
	DBPath string
	db     *sql.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*SQLite, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	store := &SQLite{
		DBPath: absPath,
		db:     db,
	}

	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	correlation_id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	total_passes INTEGER NOT NULL,
	confidence TEXT NOT NULL,
	degraded INTEGER NOT NULL,
	result_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_profile_started ON runs(profile_id, started_at);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	scheduled_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	payload_json TEXT,
	result_json TEXT,
	lease_owner TEXT,
	lease_expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_type_scheduled ON jobs(type, scheduled_at);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS result_cache (
	profile_id TEXT PRIMARY KEY,
	result_json TEXT NOT NULL,
	stored_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("create state schema: %w", err)
	}
	return nil
}

// SaveRun inserts or replaces a run summary.
func (s *SQLite) SaveRun(run RunRecord) error {
	degraded := 0
	if run.Degraded {
		degraded = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO runs
			(correlation_id, profile_id, started_at, finished_at, total_passes, confidence, degraded, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.CorrelationID,
		run.ProfileID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.TotalPasses,
		run.Confidence,
		degraded,
		run.ResultJSON,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run summary by correlation id.
func (s *SQLite) GetRun(correlationID string) (RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT correlation_id, profile_id, started_at, finished_at, total_passes, confidence, degraded, result_json
		FROM runs
		WHERE correlation_id = ?
	`, correlationID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return RunRecord{}, fmt.Errorf("run %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *SQLite) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT correlation_id, profile_id, started_at, finished_at, total_passes, confidence, degraded, result_json
		FROM runs
		ORDER BY started_at DESC, correlation_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, serr := scanRun(rows)
		if serr != nil {
			return nil, fmt.Errorf("scan run: %w", serr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var run RunRecord
	var startedAt, finishedAt string
	var degraded int
	var resultJSON sql.NullString

	err := row.Scan(
		&run.CorrelationID, &run.ProfileID, &startedAt, &finishedAt,
		&run.TotalPasses, &run.Confidence, &degraded, &resultJSON,
	)
	if err != nil {
		return RunRecord{}, err
	}

	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
	run.Degraded = degraded != 0
	if resultJSON.Valid {
		run.ResultJSON = resultJSON.String
	}
	return run, nil
}

// EnqueueUnique enqueues a job if no job with the same type and scheduled_at
// exists. Returns (jobID, created, error); created is true if a new job was
// inserted.
func (s *SQLite) EnqueueUnique(jobType string, scheduledAt time.Time, payload any) (string, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	scheduledAtStr := scheduledAt.UTC().Format(time.RFC3339)
	jobID := fmt.Sprintf("%s_%s", jobType, scheduledAt.UTC().Format("2006-01-02T15:04:05"))

	var existingID string
	err = s.db.QueryRow(
		"SELECT id FROM jobs WHERE type = ? AND scheduled_at = ?",
		jobType, scheduledAtStr,
	).Scan(&existingID)

	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("check existing job: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, status, scheduled_at, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, jobType, JobQueued, scheduledAtStr, string(payloadJSON))

	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}

	return jobID, true, nil
}

// ClaimNext atomically claims the next runnable job: queued and due, or
// running with an expired lease.
func (s *SQLite) ClaimNext(now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowStr := now.UTC().Format(time.RFC3339)
	leaseExpiresAt := now.Add(leaseFor).UTC().Format(time.RFC3339)

	var jobID string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE (status = ? AND scheduled_at <= ?)
		   OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		ORDER BY scheduled_at ASC
		LIMIT 1
	`, JobQueued, nowStr, JobRunning, nowStr).Scan(&jobID)

	if err == sql.ErrNoRows {
		return nil, nil // No jobs available
	}
	if err != nil {
		return nil, fmt.Errorf("find next job: %w", err)
	}

	startedAt := now.UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		UPDATE jobs
		SET status = ?,
		    started_at = ?,
		    lease_owner = ?,
		    lease_expires_at = ?
		WHERE id = ?
	`, JobRunning, startedAt, leaseOwner, leaseExpiresAt, jobID)

	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetJob(jobID)
}

// GetJob retrieves a job by ID.
func (s *SQLite) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, type, status, scheduled_at, started_at, finished_at,
		       payload_json, result_json, lease_owner, lease_expires_at
		FROM jobs
		WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Succeed marks a job as succeeded.
func (s *SQLite) Succeed(jobID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	finishedAt := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		UPDATE jobs
		SET status = ?,
		    finished_at = ?,
		    result_json = ?
		WHERE id = ?
	`, JobSucceeded, finishedAt, string(resultJSON), jobID)

	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Fail marks a job as failed.
func (s *SQLite) Fail(jobID string, jobErr error) error {
	result := map[string]string{
		"error": jobErr.Error(),
	}
	resultJSON, _ := json.Marshal(result)

	finishedAt := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?,
		    finished_at = ?,
		    result_json = ?
		WHERE id = ?
	`, JobFailed, finishedAt, string(resultJSON), jobID)

	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobs returns up to limit jobs, most recently scheduled first.
func (s *SQLite) ListJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, type, status, scheduled_at, started_at, finished_at,
		       payload_json, result_json, lease_owner, lease_expires_at
		FROM jobs
		ORDER BY scheduled_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, serr := scanJob(rows)
		if serr != nil {
			return nil, fmt.Errorf("scan job: %w", serr)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var scheduledAt string
	var startedAt, finishedAt, leaseExpiresAt sql.NullString
	var payloadJSON, resultJSON, leaseOwner sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &scheduledAt,
		&startedAt, &finishedAt, &payloadJSON, &resultJSON,
		&leaseOwner, &leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		job.FinishedAt = &t
	}
	if leaseExpiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, leaseExpiresAt.String)
		job.LeaseExpiresAt = &t
	}
	if payloadJSON.Valid {
		job.PayloadJSON = payloadJSON.String
	}
	if resultJSON.Valid {
		job.ResultJSON = resultJSON.String
	}
	if leaseOwner.Valid {
		job.LeaseOwner = leaseOwner.String
	}

	return &job, nil
}

// GetKV retrieves a value from the key-value store. A missing key is an
// empty string, not an error.
func (s *SQLite) GetKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return value, nil
}

// SetKV sets a value in the key-value store.
func (s *SQLite) SetKV(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO kv (key, value)
		VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

// PutResult caches the latest advisory result for a profile.
func (s *SQLite) PutResult(profileID string, result advice.GenerationResult, now time.Time, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO result_cache (profile_id, result_json, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
	`,
		profileID,
		string(resultJSON),
		now.UTC().Format(time.RFC3339),
		now.Add(ttl).UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put cached result: %w", err)
	}
	return nil
}

// GetResult returns the cached result for a profile when one exists and has
// not expired as of now.
func (s *SQLite) GetResult(profileID string, now time.Time) (advice.GenerationResult, bool, error) {
	var resultJSON, expiresAt string
	err := s.db.QueryRow(
		"SELECT result_json, expires_at FROM result_cache WHERE profile_id = ?",
		profileID,
	).Scan(&resultJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return advice.GenerationResult{}, false, nil
	}
	if err != nil {
		return advice.GenerationResult{}, false, fmt.Errorf("get cached result: %w", err)
	}

	expiry, perr := time.Parse(time.RFC3339, expiresAt)
	if perr != nil {
		return advice.GenerationResult{}, false, fmt.Errorf("parse cache expiry %q: %w", expiresAt, perr)
	}
	if !now.UTC().Before(expiry) {
		return advice.GenerationResult{}, false, nil
	}

	var result advice.GenerationResult
	if uerr := json.Unmarshal([]byte(resultJSON), &result); uerr != nil {
		return advice.GenerationResult{}, false, fmt.Errorf("unmarshal cached result: %w", uerr)
	}
	return result, true, nil
}

// PruneExpiredResults deletes cache rows whose expiry has passed.
func (s *SQLite) PruneExpiredResults(now time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM result_cache WHERE expires_at <= ?",
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune cached results: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
