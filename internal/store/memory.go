package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"stratagen/internal/advice"
)

// Memory is an in-process Store for tests and dry runs. Time never flows
// through it implicitly: every freshness decision takes now as an argument,
// so tests control the clock.
type Memory struct {
	mu    sync.Mutex
	runs  map[string]RunRecord
	jobs  map[string]*Job
	kv    map[string]string
	cache map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	result    advice.GenerationResult
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]RunRecord),
		jobs:  make(map[string]*Job),
		kv:    make(map[string]string),
		cache: make(map[string]memoryCacheEntry),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// SaveRun inserts or replaces a run summary.
func (m *Memory) SaveRun(run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.CorrelationID] = run
	return nil
}

// GetRun retrieves a run summary by correlation id.
func (m *Memory) GetRun(correlationID string) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[correlationID]
	if !ok {
		return RunRecord{}, fmt.Errorf("run %s: %w", correlationID, ErrNotFound)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (m *Memory) ListRuns(limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]RunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].CorrelationID > runs[j].CorrelationID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// EnqueueUnique enqueues a job if no job with the same type and scheduled
// time exists.
func (m *Memory) EnqueueUnique(jobType string, scheduledAt time.Time, payload any) (string, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	scheduled := scheduledAt.UTC()
	for _, job := range m.jobs {
		if job.Type == jobType && job.ScheduledAt.Equal(scheduled) {
			return job.ID, false, nil
		}
	}

	jobID := fmt.Sprintf("%s_%s", jobType, scheduled.Format("2006-01-02T15:04:05"))
	m.jobs[jobID] = &Job{
		ID:          jobID,
		Type:        jobType,
		Status:      JobQueued,
		ScheduledAt: scheduled,
		PayloadJSON: string(payloadJSON),
	}
	return jobID, true, nil
}

// ClaimNext claims the next runnable job: queued and due, or running with
// an expired lease.
func (m *Memory) ClaimNext(now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	var candidates []*Job
	for _, job := range m.jobs {
		switch job.Status {
		case JobQueued:
			if !job.ScheduledAt.After(now) {
				candidates = append(candidates, job)
			}
		case JobRunning:
			if job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now) {
				candidates = append(candidates, job)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ScheduledAt.Equal(candidates[j].ScheduledAt) {
			return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	job := candidates[0]
	started := now
	expires := now.Add(leaseFor)
	job.Status = JobRunning
	job.StartedAt = &started
	job.LeaseOwner = leaseOwner
	job.LeaseExpiresAt = &expires

	claimed := *job
	return &claimed, nil
}

// GetJob retrieves a job by ID.
func (m *Memory) GetJob(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

// Succeed marks a job as succeeded.
func (m *Memory) Succeed(jobID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	finished := time.Now().UTC()
	job.Status = JobSucceeded
	job.FinishedAt = &finished
	job.ResultJSON = string(resultJSON)
	return nil
}

// Fail marks a job as failed.
func (m *Memory) Fail(jobID string, jobErr error) error {
	resultJSON, _ := json.Marshal(map[string]string{"error": jobErr.Error()})

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	finished := time.Now().UTC()
	job.Status = JobFailed
	job.FinishedAt = &finished
	job.ResultJSON = string(resultJSON)
	return nil
}

// ListJobs returns up to limit jobs, most recently scheduled first.
func (m *Memory) ListJobs(limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ScheduledAt.After(jobs[j].ScheduledAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// GetKV retrieves a value; a missing key is an empty string, not an error.
func (m *Memory) GetKV(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

// SetKV sets a value.
func (m *Memory) SetKV(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

// PutResult caches the latest advisory result for a profile.
func (m *Memory) PutResult(profileID string, result advice.GenerationResult, now time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[profileID] = memoryCacheEntry{
		result:    result,
		expiresAt: now.UTC().Add(ttl),
	}
	return nil
}

// GetResult returns the cached result for a profile when fresh as of now.
func (m *Memory) GetResult(profileID string, now time.Time) (advice.GenerationResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[profileID]
	if !ok {
		return advice.GenerationResult{}, false, nil
	}
	if !now.UTC().Before(entry.expiresAt) {
		return advice.GenerationResult{}, false, nil
	}
	return entry.result, true, nil
}

// PruneExpiredResults deletes cache entries whose expiry has passed.
func (m *Memory) PruneExpiredResults(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	cutoff := now.UTC()
	for profileID, entry := range m.cache {
		if !entry.expiresAt.After(cutoff) {
			delete(m.cache, profileID)
			pruned++
		}
	}
	return pruned, nil
}
