// Package store persists run summaries, the daemon job queue, scheduler
// state, and the TTL-bounded result cache. The SQLite implementation is
// the durable one; the in-memory implementation backs tests.
package store

import (
	"errors"
	"time"

	"stratagen/internal/advice"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses. These strings are stored; everything else dispatches on
// them through typed handler registration, never free-form switches.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// RunRecord summarizes one completed engine run.
type RunRecord struct {
	CorrelationID string
	ProfileID     string
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalPasses   int
	Confidence    string
	Degraded      bool
	ResultJSON    string
}

// Job is a queued, running, or completed daemon job.
type Job struct {
	ID             string
	Type           string
	Status         string
	ScheduledAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	PayloadJSON    string
	ResultJSON     string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// RunStore records and lists completed runs.
type RunStore interface {
	SaveRun(run RunRecord) error
	GetRun(correlationID string) (RunRecord, error)
	ListRuns(limit int) ([]RunRecord, error)
}

// JobQueue is the daemon work queue. ClaimNext also reclaims running jobs
// whose lease has expired, so a crashed worker never strands a job.
type JobQueue interface {
	EnqueueUnique(jobType string, scheduledAt time.Time, payload any) (string, bool, error)
	ClaimNext(now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error)
	GetJob(jobID string) (*Job, error)
	Succeed(jobID string, result any) error
	Fail(jobID string, jobErr error) error
	ListJobs(limit int) ([]Job, error)
}

// KV is small scheduler state: watermarks, watch hashes.
type KV interface {
	GetKV(key string) (string, error)
	SetKV(key, value string) error
}

// ResultCache holds the freshest advisory result per profile with a TTL.
// A successful PutResult is immediately visible to GetResult.
type ResultCache interface {
	PutResult(profileID string, result advice.GenerationResult, now time.Time, ttl time.Duration) error
	GetResult(profileID string, now time.Time) (advice.GenerationResult, bool, error)
	PruneExpiredResults(now time.Time) (int, error)
}

// Store is the full persistence surface. Consumers should accept the
// narrowest sub-interface that serves them.
type Store interface {
	RunStore
	JobQueue
	KV
	ResultCache
	Close() error
}
