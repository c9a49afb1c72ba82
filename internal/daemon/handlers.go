package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stratagen/internal/advice"
	"stratagen/internal/engine"
	"stratagen/internal/evidence"
	"stratagen/internal/notify"
	"stratagen/internal/profile"
	"stratagen/internal/sched"
	"stratagen/internal/store"
)

// handleAdviseRun regenerates advisories for workspace profiles. A profile
// with a fresh cached result is skipped unless the payload forces a rerun,
// so a manual CLI run shortly before the scheduled slot is not repeated.
func (d *Daemon) handleAdviseRun(ctx context.Context, job *store.Job) (any, error) {
	var payload struct {
		ProfileID string `json:"profile_id"`
		Force     bool   `json:"force"`
		Preset    string `json:"preset"`
	}
	if job.PayloadJSON != "" && job.PayloadJSON != "{}" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}

	cfg := d.engineCfg
	if payload.Preset != "" {
		preset, err := engine.Preset(payload.Preset)
		if err != nil {
			return nil, fmt.Errorf("resolve preset: %w", err)
		}
		cfg = preset
	}

	catalog, err := profile.LoadFromDir(d.ws.ProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	ids := catalog.IDs()
	if payload.ProfileID != "" {
		if _, ok := catalog.Lookup(payload.ProfileID); !ok {
			return nil, fmt.Errorf("unknown profile: %s", payload.ProfileID)
		}
		ids = []string{payload.ProfileID}
	}

	buckets := d.evidenceForAdvise(ctx)

	advised := []string{}
	skipped := []string{}
	for _, id := range ids {
		if !payload.Force {
			_, fresh, cerr := d.store.GetResult(id, time.Now().UTC())
			if cerr != nil {
				return nil, fmt.Errorf("check cached result for %s: %w", id, cerr)
			}
			if fresh {
				skipped = append(skipped, id)
				continue
			}
		}

		record, _ := catalog.Lookup(id)
		result, rerr := d.adviseProfile(ctx, record.Profile, buckets, cfg)
		if rerr != nil {
			return nil, fmt.Errorf("advise %s: %w", id, rerr)
		}
		advised = append(advised, id)

		title, message := notify.FormatAdviseComplete(id,
			result.Generation.TotalPasses,
			string(result.Generation.Confidence),
			result.Generation.Degraded)
		_ = d.notifier.Send(title, message)
	}

	return map[string]any{
		"advised": advised,
		"skipped": skipped,
	}, nil
}

// adviseProfile runs the engine for one profile, then records the run and
// refreshes the cached result.
func (d *Daemon) adviseProfile(ctx context.Context, p profile.Profile, buckets evidence.Set, cfg engine.Config) (advice.GenerationResult, error) {
	correlationID := uuid.NewString()
	startedAt := time.Now().UTC()

	result, err := engine.Run(ctx, engine.Options{
		Profile:       p,
		Buckets:       buckets,
		Config:        cfg,
		CorrelationID: correlationID,
		Capability:    d.capability,
		ArtifactsDir:  d.ws.RunArtifactsDir(correlationID),
		Audit:         d.audit,
		Logger:        d.log,
	})
	if err != nil {
		return advice.GenerationResult{}, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return advice.GenerationResult{}, fmt.Errorf("marshal result: %w", err)
	}
	finishedAt := time.Now().UTC()

	if err := d.store.SaveRun(store.RunRecord{
		CorrelationID: result.Generation.CorrelationID,
		ProfileID:     p.ID,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		TotalPasses:   result.Generation.TotalPasses,
		Confidence:    string(result.Generation.Confidence),
		Degraded:      result.Generation.Degraded,
		ResultJSON:    string(resultJSON),
	}); err != nil {
		return advice.GenerationResult{}, fmt.Errorf("save run: %w", err)
	}

	if err := d.store.PutResult(p.ID, result, finishedAt, d.resultTTL); err != nil {
		return advice.GenerationResult{}, fmt.Errorf("cache result: %w", err)
	}
	return result, nil
}

// evidenceForAdvise loads the most recent snapshot. Before the first
// refresh has produced one, buckets are pulled straight from the providers
// through the TTL cache, so a fresh daemon does not advise evidence-blind;
// the cache's fetch timeout keeps a hung provider from stalling the job.
func (d *Daemon) evidenceForAdvise(ctx context.Context) evidence.Set {
	path, err := evidence.LatestSnapshotPath(d.ws.SnapshotsDir())
	if err == nil {
		snap, lerr := evidence.LoadSnapshot(path)
		if lerr != nil {
			d.log.Warn("evidence snapshot unreadable", zap.String("path", path), zap.Error(lerr))
			return evidence.Set{}
		}
		return snap.Set()
	}
	d.log.Debug("no evidence snapshot, collecting from providers", zap.Error(err))

	set, errs := d.evidence.Set(ctx)
	for _, cerr := range errs {
		d.log.Warn("evidence provider failed", zap.Error(cerr))
	}
	return set
}

// handleEvidenceRefresh collects evidence with the same provider layout as
// the CLI and writes a dated snapshot.
func (d *Daemon) handleEvidenceRefresh(ctx context.Context, job *store.Job) (any, error) {
	var payload struct {
		AsOf string `json:"as_of"`
	}
	if job.PayloadJSON != "" && job.PayloadJSON != "{}" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}

	asOf := time.Now().UTC()
	if payload.AsOf != "" {
		parsed, err := time.ParseInLocation("2006-01-02", payload.AsOf, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse as_of: %w", err)
		}
		asOf = parsed
	}

	providers := evidence.WorkspaceProviders(d.ws.EvidenceDir)
	set, errs := evidence.CollectAll(ctx, providers)

	snapshotPath := evidence.SnapshotPathForDate(d.ws.SnapshotsDir(), asOf)
	if err := evidence.WriteSnapshot(snapshotPath, evidence.SnapshotFromSet(set, asOf)); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	// Cached provider reads predate what was just collected.
	d.evidence.Purge()

	entryCount := 0
	for _, bucket := range set {
		entryCount += len(bucket.Entries)
	}

	result := map[string]any{
		"snapshot_path": snapshotPath,
		"bucket_count":  len(set),
		"entry_count":   entryCount,
	}
	if len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, cerr := range errs {
			messages = append(messages, cerr.Error())
		}
		result["provider_errors"] = messages
	}
	return result, nil
}

// handleRetentionSweep prunes old run artifact directories and expired
// cached results.
func (d *Daemon) handleRetentionSweep(ctx context.Context, job *store.Job) (any, error) {
	_ = ctx

	var payload struct {
		KeepRuns int `json:"keep_runs"`
	}
	if job.PayloadJSON != "" && job.PayloadJSON != "{}" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	keep := d.keepRuns
	if payload.KeepRuns > 0 {
		keep = payload.KeepRuns
	}

	removed, err := pruneRunDirs(filepath.Join(d.ws.ArtifactsDir, "runs"), keep)
	if err != nil {
		return nil, fmt.Errorf("prune run artifacts: %w", err)
	}

	pruned, err := d.store.PruneExpiredResults(time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("prune cached results: %w", err)
	}

	return map[string]any{
		"runs_removed": removed,
		"cache_pruned": pruned,
		"keep_runs":    keep,
	}, nil
}

// pruneRunDirs keeps the most recently modified keep directories under
// runsDir and removes the rest.
func pruneRunDirs(runsDir string, keep int) (int, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read runs dir: %w", err)
	}

	type runDir struct {
		path    string
		modTime time.Time
	}
	dirs := make([]runDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, ierr := entry.Info()
		if ierr != nil {
			return 0, fmt.Errorf("stat %s: %w", entry.Name(), ierr)
		}
		dirs = append(dirs, runDir{
			path:    filepath.Join(runsDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	if len(dirs) <= keep {
		return 0, nil
	}

	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].modTime.Equal(dirs[j].modTime) {
			return dirs[i].path > dirs[j].path
		}
		return dirs[i].modTime.After(dirs[j].modTime)
	})

	removed := 0
	for _, dir := range dirs[keep:] {
		if err := os.RemoveAll(dir.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", dir.path, err)
		}
		removed++
	}
	return removed, nil
}

// handleProfileWatch detects edits to workspace profiles between scheduled
// checks and queues a fresh advisory run when anything moved.
func (d *Daemon) handleProfileWatch(ctx context.Context, job *store.Job) (any, error) {
	_ = ctx
	_ = job

	changed, err := watchProfiles(d.store, d.ws.ProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("watch profiles: %w", err)
	}

	now := time.Now().UTC()
	result := map[string]any{
		"checked_at":    now.Format(time.RFC3339),
		"changes_count": len(changed),
	}
	if len(changed) == 0 {
		result["status"] = "no_changes"
		return result, nil
	}
	result["status"] = "changes_detected"
	result["changed"] = changed

	if err := d.audit.LogEvent("daemon", "profile_drift", map[string]any{
		"files": changed,
	}); err != nil {
		d.log.Warn("audit log failed", zap.Error(err))
	}
	title, message := notify.FormatProfileDrift(len(changed))
	_ = d.notifier.Send(title, message)

	if _, _, err := d.store.EnqueueUnique(sched.JobAdviseRun, now, map[string]any{
		"trigger": "profiles_changed",
		"files":   changed,
	}); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", sched.JobAdviseRun, err)
	}

	return result, nil
}
