// Package sched decides when recurring daemon jobs are due. The scheduler
// owns no clock: Tick(now) is its only time input, and a KV watermark makes
// catch-up after downtime deterministic.
package sched

import (
	"fmt"
	"sync"
	"time"
)

// Job types the scheduler enqueues. The daemon maps them onto handlers.
const (
	JobAdviseRun       = "advise_run"
	JobEvidenceRefresh = "evidence_refresh"
	JobRetentionSweep  = "retention_sweep"
	JobProfileWatch    = "profile_watch"
)

const watermarkKey = "scheduler_watermark"

// Backend is the slice of the store the scheduler needs.
type Backend interface {
	EnqueueUnique(jobType string, scheduledAt time.Time, payload any) (string, bool, error)
	GetKV(key string) (string, error)
	SetKV(key, value string) error
}

// Scheduler enqueues recurring jobs. It is pausable: while paused, Tick
// neither enqueues nor advances the watermark, so Resume catches up from
// where scheduling stopped.
type Scheduler struct {
	backend  Backend
	location *time.Location

	mu     sync.Mutex
	paused bool
}

// NewScheduler creates a scheduler with the given timezone location.
func NewScheduler(backend Backend, tzName string) (*Scheduler, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", tzName, err)
	}
	return &Scheduler{
		backend:  backend,
		location: loc,
	}, nil
}

// Pause stops scheduling until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables scheduling.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Paused reports whether the scheduler is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Tick enqueues every job slot that became due since the last watermark,
// then advances the watermark to now. The first tick only records the
// watermark; nothing from before the daemon existed is backfilled.
func (s *Scheduler) Tick(now time.Time) error {
	if s.Paused() {
		return nil
	}

	watermarkStr, err := s.backend.GetKV(watermarkKey)
	if err != nil {
		return fmt.Errorf("get scheduler watermark: %w", err)
	}

	var lastWatermark time.Time
	if watermarkStr != "" {
		lastWatermark, err = time.Parse(time.RFC3339, watermarkStr)
		if err != nil {
			return fmt.Errorf("parse watermark: %w", err)
		}
	}

	if lastWatermark.IsZero() {
		if err := s.backend.SetKV(watermarkKey, now.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("set initial watermark: %w", err)
		}
		return nil
	}

	// Evidence refresh daily at 01:30, ahead of the weekly advisory run.
	if err := s.scheduleDailyAt(lastWatermark, now, JobEvidenceRefresh, 1, 30); err != nil {
		return fmt.Errorf("schedule %s: %w", JobEvidenceRefresh, err)
	}

	// Advisory regeneration weekly Monday at 09:00.
	if err := s.scheduleWeeklyAt(lastWatermark, now, JobAdviseRun, time.Monday, 9, 0); err != nil {
		return fmt.Errorf("schedule %s: %w", JobAdviseRun, err)
	}

	// Retention sweep weekly Sunday at 03:00.
	if err := s.scheduleWeeklyAt(lastWatermark, now, JobRetentionSweep, time.Sunday, 3, 0); err != nil {
		return fmt.Errorf("schedule %s: %w", JobRetentionSweep, err)
	}

	// Profile watch every 30 minutes. Missed slots collapse into the
	// latest one; there is nothing to learn from a stack of stale watches.
	if err := s.scheduleLatestEvery(lastWatermark, now, JobProfileWatch, 30*time.Minute); err != nil {
		return fmt.Errorf("schedule %s: %w", JobProfileWatch, err)
	}

	if err := s.backend.SetKV(watermarkKey, now.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}

	return nil
}

// scheduleDailyAt schedules a job daily at the specified hour and minute.
// Slots on the watermark day itself are still considered; the
// after-watermark guard drops the ones that already passed.
func (s *Scheduler) scheduleDailyAt(lastWatermark, now time.Time, jobType string, hour, minute int) error {
	start := lastWatermark.In(s.location).Truncate(24 * time.Hour)

	for current := start; !current.After(now); current = current.Add(24 * time.Hour) {
		scheduledTime := time.Date(
			current.Year(), current.Month(), current.Day(),
			hour, minute, 0, 0, s.location,
		)

		if scheduledTime.After(lastWatermark) && !scheduledTime.After(now) {
			payload := map[string]any{
				"scheduled_time": scheduledTime.Format(time.RFC3339),
			}
			_, _, err := s.backend.EnqueueUnique(jobType, scheduledTime, payload)
			if err != nil {
				return fmt.Errorf("enqueue %s at %s: %w", jobType, scheduledTime, err)
			}
		}
	}

	return nil
}

// scheduleWeeklyAt schedules a job weekly on the specified weekday at hour
// and minute.
func (s *Scheduler) scheduleWeeklyAt(lastWatermark, now time.Time, jobType string, weekday time.Weekday, hour, minute int) error {
	start := lastWatermark.In(s.location).Truncate(24 * time.Hour)

	for start.Weekday() != weekday {
		start = start.Add(24 * time.Hour)
	}

	for current := start; !current.After(now); current = current.Add(7 * 24 * time.Hour) {
		scheduledTime := time.Date(
			current.Year(), current.Month(), current.Day(),
			hour, minute, 0, 0, s.location,
		)

		if scheduledTime.After(lastWatermark) && !scheduledTime.After(now) {
			payload := map[string]any{
				"scheduled_time": scheduledTime.Format(time.RFC3339),
			}
			_, _, err := s.backend.EnqueueUnique(jobType, scheduledTime, payload)
			if err != nil {
				return fmt.Errorf("enqueue %s at %s: %w", jobType, scheduledTime, err)
			}
		}
	}

	return nil
}

// scheduleLatestEvery enqueues only the most recent interval slot between
// the watermark and now.
func (s *Scheduler) scheduleLatestEvery(lastWatermark, now time.Time, jobType string, interval time.Duration) error {
	slot := now.UTC().Truncate(interval)
	if !slot.After(lastWatermark) || slot.After(now) {
		return nil
	}
	payload := map[string]any{
		"scheduled_time": slot.Format(time.RFC3339),
	}
	if _, _, err := s.backend.EnqueueUnique(jobType, slot, payload); err != nil {
		return fmt.Errorf("enqueue %s at %s: %w", jobType, slot, err)
	}
	return nil
}
