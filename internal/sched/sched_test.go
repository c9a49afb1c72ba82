package sched

import (
	"testing"
	"time"

	"stratagen/internal/store"
)

// Tuesday.
var base = time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s, err := NewScheduler(mem, "UTC")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s, mem
}

func countJobs(t *testing.T, mem *store.Memory, jobType string) int {
	t.Helper()
	jobs, err := mem.ListJobs(1000)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	count := 0
	for _, job := range jobs {
		if job.Type == jobType {
			count++
		}
	}
	return count
}

func TestFirstTickSetsWatermarkOnly(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	jobs, err := mem.ListJobs(100)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("first tick scheduled %d jobs, want 0", len(jobs))
	}

	wm, err := mem.GetKV(watermarkKey)
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if wm != base.Format(time.RFC3339) {
		t.Fatalf("watermark = %q, want %q", wm, base.Format(time.RFC3339))
	}
}

func TestDailyCadenceCatchUp(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := s.Tick(base.Add(23 * time.Hour)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 1 {
		t.Fatalf("evidence_refresh jobs = %d, want 1 (the 01:30 slot)", got)
	}

	// Two missed days later, both slots are backfilled.
	if err := s.Tick(base.Add(2*24*time.Hour + 12*time.Hour)); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 3 {
		t.Fatalf("evidence_refresh jobs = %d, want 3 after catch-up", got)
	}
}

func TestSameDaySlotNotMissed(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base.Add(time.Hour)); err != nil { // 01:00
		t.Fatalf("first tick: %v", err)
	}
	if err := s.Tick(base.Add(2 * time.Hour)); err != nil { // 02:00
		t.Fatalf("second tick: %v", err)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 1 {
		t.Fatalf("evidence_refresh jobs = %d, want 1 (01:30 falls on the watermark day)", got)
	}
}

func TestWeeklyCadences(t *testing.T) {
	s, mem := newTestScheduler(t)

	start := base.Add(9 * time.Hour) // Tuesday 09:00
	if err := s.Tick(start); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := s.Tick(start.Add(7 * 24 * time.Hour)); err != nil { // next Tuesday 09:00
		t.Fatalf("second tick: %v", err)
	}

	if got := countJobs(t, mem, JobAdviseRun); got != 1 {
		t.Fatalf("advise_run jobs = %d, want 1 (Monday 09:00)", got)
	}
	if got := countJobs(t, mem, JobRetentionSweep); got != 1 {
		t.Fatalf("retention_sweep jobs = %d, want 1 (Sunday 03:00)", got)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 7 {
		t.Fatalf("evidence_refresh jobs = %d, want 7 (one per missed day)", got)
	}
}

func TestProfileWatchCollapsesMissedSlots(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// Six hours of missed 30-minute slots yield exactly one watch job.
	if err := s.Tick(base.Add(6 * time.Hour)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := countJobs(t, mem, JobProfileWatch); got != 1 {
		t.Fatalf("profile_watch jobs = %d, want 1", got)
	}
}

func TestTickIdempotent(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	second := base.Add(24 * time.Hour)
	if err := s.Tick(second); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	before, err := mem.ListJobs(1000)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}

	if err := s.Tick(second); err != nil {
		t.Fatalf("repeat tick: %v", err)
	}
	after, err := mem.ListJobs(1000)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("repeat tick changed job count: %d -> %d", len(before), len(after))
	}
}

func TestPauseSkipsSchedulingAndWatermark(t *testing.T) {
	s, mem := newTestScheduler(t)

	if err := s.Tick(base); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	s.Pause()
	if !s.Paused() {
		t.Fatalf("Paused() = false after Pause")
	}
	if err := s.Tick(base.Add(24 * time.Hour)); err != nil {
		t.Fatalf("paused tick: %v", err)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 0 {
		t.Fatalf("paused tick scheduled %d jobs", got)
	}
	wm, _ := mem.GetKV(watermarkKey)
	if wm != base.Format(time.RFC3339) {
		t.Fatalf("paused tick advanced watermark to %q", wm)
	}

	s.Resume()
	if s.Paused() {
		t.Fatalf("Paused() = true after Resume")
	}
	if err := s.Tick(base.Add(24 * time.Hour)); err != nil {
		t.Fatalf("resumed tick: %v", err)
	}
	if got := countJobs(t, mem, JobEvidenceRefresh); got != 1 {
		t.Fatalf("resumed tick scheduled %d evidence_refresh jobs, want 1", got)
	}
}

func TestManualSource(t *testing.T) {
	src := NewManualSource()
	src.Emit(base)

	select {
	case got := <-src.Ticks():
		if !got.Equal(base) {
			t.Fatalf("tick = %v, want %v", got, base)
		}
	default:
		t.Fatalf("no tick delivered")
	}

	src.Stop()
	if _, ok := <-src.Ticks(); ok {
		t.Fatalf("channel open after Stop")
	}
}

func TestTickerSourceDelivers(t *testing.T) {
	src := NewTickerSource(5 * time.Millisecond)
	defer src.Stop()

	select {
	case <-src.Ticks():
	case <-time.After(time.Second):
		t.Fatalf("no tick within a second")
	}
}
