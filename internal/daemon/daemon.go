// Package daemon runs scheduled advisory work in the background. It ticks
// the scheduler, claims queued jobs under a lease, and executes them with
// typed handlers registered per job type.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stratagen/internal/audit"
	"stratagen/internal/capability"
	"stratagen/internal/engine"
	"stratagen/internal/evidence"
	"stratagen/internal/notify"
	"stratagen/internal/sched"
	"stratagen/internal/store"
	"stratagen/internal/workspace"
)

// HandlerFunc executes one claimed job and returns its result payload.
type HandlerFunc func(ctx context.Context, job *store.Job) (any, error)

// Config holds daemon configuration. Workspace, Store and Capability are
// required; everything else defaults.
type Config struct {
	Workspace     *workspace.Workspace
	Store         store.Store
	Capability    capability.Capability
	Engine        engine.Config
	TimeZone      string
	LeaseOwner    string
	LeaseFor      time.Duration
	Ticks         sched.TickSource
	ResultTTL     time.Duration
	KeepRuns      int
	Notifications bool
	Logger        *zap.Logger
}

// Daemon is a long-running process that claims and executes jobs.
type Daemon struct {
	ws         *workspace.Workspace
	store      store.Store
	scheduler  *sched.Scheduler
	ticks      sched.TickSource
	handlers   map[string]HandlerFunc
	audit      *audit.Logger
	notifier   *notify.Notifier
	capability capability.Capability
	engineCfg  engine.Config
	evidence   *evidence.Cache
	leaseOwner string
	leaseFor   time.Duration
	resultTTL  time.Duration
	keepRuns   int
	log        *zap.Logger
}

// New wires a daemon with the built-in handler set.
func New(cfg Config) (*Daemon, error) {
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Capability == nil {
		return nil, fmt.Errorf("capability is required")
	}

	scheduler, err := sched.NewScheduler(cfg.Store, cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if cfg.LeaseOwner == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseOwner = fmt.Sprintf("daemon-%s-%d", hostname, os.Getpid())
	}
	if cfg.LeaseFor == 0 {
		cfg.LeaseFor = 30 * time.Second
	}
	if cfg.Ticks == nil {
		cfg.Ticks = sched.NewTickerSource(1 * time.Second)
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.KeepRuns == 0 {
		cfg.KeepRuns = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Engine.MaxPasses == 0 {
		cfg.Engine = engine.DefaultConfig()
	}

	d := &Daemon{
		ws:         cfg.Workspace,
		store:      cfg.Store,
		scheduler:  scheduler,
		ticks:      cfg.Ticks,
		audit:      audit.NewLogger(cfg.Workspace.AuditDBPath),
		notifier:   &notify.Notifier{Enabled: cfg.Notifications},
		capability: cfg.Capability,
		engineCfg:  cfg.Engine,
		evidence: evidence.NewCache(
			evidence.WorkspaceProviders(cfg.Workspace.EvidenceDir),
			evidence.CacheConfig{TTL: cfg.ResultTTL / 2},
		),
		leaseOwner: cfg.LeaseOwner,
		leaseFor:   cfg.LeaseFor,
		resultTTL:  cfg.ResultTTL,
		keepRuns:   cfg.KeepRuns,
		log:        cfg.Logger,
	}
	d.handlers = map[string]HandlerFunc{
		sched.JobAdviseRun:       d.handleAdviseRun,
		sched.JobEvidenceRefresh: d.handleEvidenceRefresh,
		sched.JobRetentionSweep:  d.handleRetentionSweep,
		sched.JobProfileWatch:    d.handleProfileWatch,
	}
	return d, nil
}

// RegisterHandler adds or replaces the handler for a job type.
func (d *Daemon) RegisterHandler(jobType string, handler HandlerFunc) {
	d.handlers[jobType] = handler
}

// Run drives the loop until the context is cancelled, a shutdown signal
// arrives, or the tick source closes. Each tick advances the schedule and
// claims at most one job.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	startPayload := map[string]any{
		"workspace":   d.ws.Root,
		"lease_owner": d.leaseOwner,
		"lease_for":   d.leaseFor.String(),
	}
	if err := d.audit.LogEvent("daemon", "daemon_started", startPayload); err != nil {
		d.log.Warn("audit log failed", zap.Error(err))
	}
	d.log.Info("daemon started",
		zap.String("workspace", d.ws.Root),
		zap.String("lease_owner", d.leaseOwner))

	defer d.ticks.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = d.audit.LogEvent("daemon", "daemon_stopped", map[string]any{"workspace": d.ws.Root})
			d.log.Info("daemon stopped")
			return nil

		case now, ok := <-d.ticks.Ticks():
			if !ok {
				_ = d.audit.LogEvent("daemon", "daemon_stopped", map[string]any{"workspace": d.ws.Root})
				d.log.Info("daemon stopped", zap.String("reason", "tick source closed"))
				return nil
			}
			if err := d.scheduler.Tick(now); err != nil {
				d.log.Warn("scheduler tick failed", zap.Error(err))
			}
			if err := d.claimAndExecute(ctx, now); err != nil {
				d.log.Warn("job execution failed", zap.Error(err))
			}
		}
	}
}

func (d *Daemon) claimAndExecute(ctx context.Context, now time.Time) error {
	job, err := d.store.ClaimNext(now, d.leaseOwner, d.leaseFor)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil
	}

	log := d.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	log.Info("job started")
	if err := d.audit.LogEvent("daemon", "job_started", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"payload":  job.PayloadJSON,
	}); err != nil {
		log.Warn("audit log failed", zap.Error(err))
	}

	handler, ok := d.handlers[job.Type]
	if !ok {
		return d.failJob(job, fmt.Errorf("no handler for job type: %s", job.Type))
	}

	result, execErr := handler(ctx, job)
	if execErr != nil {
		return d.failJob(job, execErr)
	}

	if err := d.store.Succeed(job.ID, result); err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	log.Info("job succeeded")
	_ = d.audit.LogEvent("daemon", "job_succeeded", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"result":   result,
	})
	return nil
}

func (d *Daemon) failJob(job *store.Job, jobErr error) error {
	_ = d.store.Fail(job.ID, jobErr)
	d.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Error(jobErr))
	_ = d.audit.LogEvent("daemon", "job_failed", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"error":    jobErr.Error(),
	})
	title, message := notify.FormatJobFailed(job.Type, jobErr)
	_ = d.notifier.Send(title, message)
	return jobErr
}
