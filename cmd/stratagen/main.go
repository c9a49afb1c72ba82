package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stratagen/internal/advice"
	"stratagen/internal/audit"
	"stratagen/internal/capability"
	"stratagen/internal/daemon"
	"stratagen/internal/engine"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
	"stratagen/internal/sched"
	"stratagen/internal/store"
	"stratagen/internal/workspace"
)

const appName = "stratagen"

// adviseResultTTL is how long a CLI-produced result stays fresh in the
// result cache before the daemon re-advises the profile.
const adviseResultTTL = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	flag.String("workspace", "", "Path to workspace root (or STRATAGEN_WORKSPACE)")
	flag.Bool("verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s: iterative strategy advisor\n\n", appName)
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [command] [flags]\n\n", appName)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  init      Initialize a new workspace")
		fmt.Fprintln(os.Stderr, "  profile   Validate and inspect client profiles")
		fmt.Fprintln(os.Stderr, "  evidence  Collect and inspect evidence snapshots")
		fmt.Fprintln(os.Stderr, "  advise    Generate and validate advisories")
		fmt.Fprintln(os.Stderr, "  runs      Inspect recorded advisory runs")
		fmt.Fprintln(os.Stderr, "  daemon    Manage the background daemon")
		fmt.Fprintln(os.Stderr, "  help      Show this help")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}

	workspacePath, verbose, remaining, err := extractGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if workspacePath == "" {
		workspacePath = os.Getenv("STRATAGEN_WORKSPACE")
	}

	log, err := newLogger(verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize logger:", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	args := remaining
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		flag.Usage()
		return
	}

	switch args[0] {
	case "init":
		if err := runInit(args[1:], workspacePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "profile":
		if err := runProfile(args[1:], workspacePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "evidence":
		if err := runEvidence(args[1:], workspacePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "advise":
		if err := runAdvise(args[1:], workspacePath, log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "runs":
		if err := runRuns(args[1:], workspacePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(args[1:], workspacePath, log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}

type workspaceOverrides struct {
	ProfilesDir  string
	EvidenceDir  string
	ArtifactsDir string
	AuditDB      string
}

type resolvedWorkspace struct {
	Workspace    *workspace.Workspace
	ProfilesDir  string
	EvidenceDir  string
	SnapshotsDir string
	ArtifactsDir string
	AuditDB      string
}

func resolveWorkspaceAndOverrides(root string, overrides workspaceOverrides) (*resolvedWorkspace, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("--workspace is required")
	}
	ws, err := workspace.Resolve(root)
	if err != nil {
		return nil, err
	}
	resolved := &resolvedWorkspace{Workspace: ws}
	resolved.ProfilesDir = ws.ProfilesDir
	resolved.EvidenceDir = ws.EvidenceDir
	resolved.ArtifactsDir = ws.ArtifactsDir
	resolved.AuditDB = ws.AuditDBPath

	if overrides.ProfilesDir != "" {
		resolved.ProfilesDir, err = ws.ResolvePath(overrides.ProfilesDir)
		if err != nil {
			return nil, fmt.Errorf("resolve --profiles-dir: %w", err)
		}
	}
	if overrides.EvidenceDir != "" {
		resolved.EvidenceDir, err = ws.ResolvePath(overrides.EvidenceDir)
		if err != nil {
			return nil, fmt.Errorf("resolve --evidence-dir: %w", err)
		}
	}
	if overrides.ArtifactsDir != "" {
		resolved.ArtifactsDir, err = ws.ResolvePath(overrides.ArtifactsDir)
		if err != nil {
			return nil, fmt.Errorf("resolve --artifacts-dir: %w", err)
		}
	}
	if overrides.AuditDB != "" {
		resolved.AuditDB, err = ws.ResolvePath(overrides.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("resolve --audit-db: %w", err)
		}
	}
	resolved.SnapshotsDir = filepath.Join(resolved.EvidenceDir, "snapshots")
	return resolved, nil
}

func extractGlobalFlags(args []string) (string, bool, []string, error) {
	var workspacePath string
	var verbose bool
	remaining := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--workspace" || arg == "-workspace":
			if i+1 >= len(args) {
				return "", false, nil, fmt.Errorf("--workspace requires a value")
			}
			workspacePath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--workspace="):
			workspacePath = strings.TrimPrefix(arg, "--workspace=")
		case strings.HasPrefix(arg, "-workspace="):
			workspacePath = strings.TrimPrefix(arg, "-workspace=")
		case arg == "--verbose" || arg == "-verbose":
			verbose = true
		default:
			remaining = append(remaining, arg)
		}
	}
	return workspacePath, verbose, remaining, nil
}

// newLogger builds the diagnostic logger. User-facing output goes to
// stdout/stderr via fmt; zap carries engine and daemon diagnostics, kept at
// warn unless --verbose raises it to debug.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

func buildCapability(ctx context.Context, name, model, advisorBin string) (capability.Capability, error) {
	switch name {
	case "mock":
		return &capability.Mock{}, nil
	case "gemini":
		gem, err := capability.NewGemini(ctx, model)
		if err != nil {
			return nil, err
		}
		return capability.NewBreaker(gem, capability.BreakerConfig{}), nil
	case "command":
		if advisorBin == "" {
			return nil, fmt.Errorf("--advisor is required for the command capability")
		}
		cmd := &capability.Command{Binary: advisorBin}
		return capability.NewBreaker(cmd, capability.BreakerConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown capability: %s", name)
	}
}

func runInit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	template := fs.String("template", "starter", "Workspace template (default: starter)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *template != "starter" {
		return fmt.Errorf("unknown template: %s", *template)
	}
	if strings.TrimSpace(workspacePath) == "" {
		return fmt.Errorf("--workspace is required")
	}

	root, err := workspace.ResolveRoot(workspacePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	ws, err := workspace.Resolve(root)
	if err != nil {
		return err
	}

	logger := audit.NewLogger(ws.AuditDBPath)
	startPayload := map[string]any{
		"workspace": ws.Root,
		"template":  *template,
	}
	if err := logger.LogEvent("cli", "workspace_init_started", startPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}
	var finishErr error
	defer func() {
		finishPayload := map[string]any{
			"workspace": ws.Root,
			"template":  *template,
		}
		if finishErr != nil {
			finishPayload["error"] = finishErr.Error()
		}
		_ = logger.LogEvent("cli", "workspace_init_finished", finishPayload)
	}()

	if err := ws.EnsureDirs(); err != nil {
		finishErr = err
		return finishErr
	}

	if err := writeFileIfMissing(filepath.Join(ws.ProfilesDir, "acme-store.yml"), starterProfileTemplate); err != nil {
		finishErr = err
		return finishErr
	}
	if err := writeFileIfMissing(filepath.Join(ws.EvidenceDir, "content-performance.yml"), starterContentTemplate); err != nil {
		finishErr = err
		return finishErr
	}
	if err := writeFileIfMissing(filepath.Join(ws.EvidenceDir, "strategic-constraints.yml"), starterConstraintsTemplate); err != nil {
		finishErr = err
		return finishErr
	}
	if err := writeFileIfMissing(filepath.Join(ws.EvidenceDir, "reports", "analytics-insights.json"), starterReportTemplate); err != nil {
		finishErr = err
		return finishErr
	}
	if err := writeFileIfMissing(filepath.Join(ws.Root, ".env"), starterEnvTemplate); err != nil {
		finishErr = err
		return finishErr
	}

	fmt.Fprintf(os.Stdout, "Initialized workspace: %s\n", ws.Root)
	fmt.Fprintln(os.Stdout, "Next steps:")
	fmt.Fprintf(os.Stdout, "  %s profile validate --workspace %s\n", appName, ws.Root)
	fmt.Fprintf(os.Stdout, "  %s evidence collect --workspace %s\n", appName, ws.Root)
	fmt.Fprintf(os.Stdout, "  %s advise run --workspace %s --capability mock\n", appName, ws.Root)
	return nil
}

func runProfile(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s profile: missing subcommand", appName)
	}

	switch args[0] {
	case "validate":
		return runProfileValidate(args[1:], workspacePath)
	case "show":
		return runProfileShow(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s profile: unknown subcommand %q", appName, args[0])
	}
}

func runProfileValidate(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("profile validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	profilesDir := fs.String("profiles-dir", "", "Path to profile YAML directory (default: <workspace>/profiles)")
	auditDB := fs.String("audit-db", "", "Path to audit SQLite DB (default: <workspace>/audit/events.db)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		ProfilesDir: *profilesDir,
		AuditDB:     *auditDB,
	})
	if err != nil {
		return err
	}
	if err := resolved.Workspace.EnsureDirs(); err != nil {
		return err
	}

	logger := audit.NewLogger(resolved.AuditDB)
	startPayload := map[string]any{
		"workspace":    resolved.Workspace.Root,
		"profiles_dir": resolved.ProfilesDir,
	}
	if err := logger.LogEvent("cli", "profile_validate_started", startPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	catalog, err := profile.LoadFromDir(resolved.ProfilesDir)
	if err != nil {
		finishPayload := map[string]any{
			"profiles_dir": resolved.ProfilesDir,
			"error":        err.Error(),
		}
		_ = logger.LogEvent("cli", "profile_validate_finished", finishPayload)

		var verrs profile.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintln(os.Stderr, "Profile validation failed:")
			for _, verr := range verrs {
				fmt.Fprintf(os.Stderr, "  %s\n", verr.Error())
			}
			return fmt.Errorf("%d validation issue(s)", len(verrs))
		}
		return err
	}

	ids := catalog.IDs()
	finishPayload := map[string]any{
		"profiles_dir":  resolved.ProfilesDir,
		"profile_count": len(ids),
		"profile_ids":   ids,
	}
	_ = logger.LogEvent("cli", "profile_validate_finished", finishPayload)

	if len(ids) == 0 {
		fmt.Fprintf(os.Stdout, "No profiles in %s\n", resolved.ProfilesDir)
		return nil
	}
	fmt.Fprintf(os.Stdout, "Validated %d profile(s):\n", len(ids))
	for _, id := range ids {
		rec, ok := catalog.Lookup(id)
		if !ok {
			continue
		}
		fmt.Fprintf(os.Stdout, "  %s  %s (%s, %s)\n", rec.Profile.ID, rec.Profile.Name, rec.Profile.Industry, rec.Profile.Maturity)
	}
	return nil
}

func runProfileShow(args []string, workspacePath string) error {
	idArg := ""
	remaining := args
	if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
		idArg = remaining[0]
		remaining = remaining[1:]
	}

	fs := flag.NewFlagSet("profile show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	profilesDir := fs.String("profiles-dir", "", "Path to profile YAML directory (default: <workspace>/profiles)")
	if err := fs.Parse(remaining); err != nil {
		return err
	}
	if idArg == "" {
		rest := fs.Args()
		if len(rest) == 0 {
			return fmt.Errorf("profile id is required")
		}
		idArg = rest[0]
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		ProfilesDir: *profilesDir,
	})
	if err != nil {
		return err
	}

	catalog, err := profile.LoadFromDir(resolved.ProfilesDir)
	if err != nil {
		return err
	}
	rec, ok := catalog.Lookup(idArg)
	if !ok {
		return fmt.Errorf("unknown profile: %s", idArg)
	}

	p := rec.Profile
	fmt.Fprintf(os.Stdout, "Profile: %s\n", p.ID)
	fmt.Fprintf(os.Stdout, "  Name:      %s\n", p.Name)
	fmt.Fprintf(os.Stdout, "  Industry:  %s\n", p.Industry)
	fmt.Fprintf(os.Stdout, "  Maturity:  %s\n", p.Maturity)
	fmt.Fprintln(os.Stdout, "  Goals:")
	for _, goal := range p.Goals {
		fmt.Fprintf(os.Stdout, "    - %s\n", goal)
	}
	fmt.Fprintln(os.Stdout, "  KPIs:")
	for _, kpi := range p.KPIs {
		fmt.Fprintf(os.Stdout, "    - %s\n", kpi)
	}
	if len(p.Stack) > 0 {
		fmt.Fprintf(os.Stdout, "  Stack:     %s\n", strings.Join(p.Stack, ", "))
	}
	if p.Notes != "" {
		fmt.Fprintf(os.Stdout, "  Notes:     %s\n", p.Notes)
	}
	fmt.Fprintf(os.Stdout, "  Source:    %s\n", rec.Source)
	return nil
}

func runEvidence(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s evidence: missing subcommand", appName)
	}

	switch args[0] {
	case "collect":
		return runEvidenceCollect(args[1:], workspacePath)
	case "status":
		return runEvidenceStatus(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s evidence: unknown subcommand %q", appName, args[0])
	}
}

func runEvidenceCollect(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("evidence collect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asOfStr := fs.String("as-of", "", "As-of date (YYYY-MM-DD, default: today UTC)")
	evidenceDir := fs.String("evidence-dir", "", "Path to evidence input directory (default: <workspace>/evidence)")
	auditDB := fs.String("audit-db", "", "Path to audit SQLite DB (default: <workspace>/audit/events.db)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		EvidenceDir: *evidenceDir,
		AuditDB:     *auditDB,
	})
	if err != nil {
		return err
	}
	if err := resolved.Workspace.EnsureDirs(); err != nil {
		return err
	}

	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	if *asOfStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *asOfStr, time.UTC)
		if err != nil {
			return fmt.Errorf("parse --as-of: %w", err)
		}
		asOf = parsed.UTC().Truncate(24 * time.Hour)
	}

	logger := audit.NewLogger(resolved.AuditDB)
	startPayload := map[string]any{
		"workspace":     resolved.Workspace.Root,
		"as_of":         asOf.Format("2006-01-02"),
		"evidence_dir":  resolved.EvidenceDir,
		"snapshots_dir": resolved.SnapshotsDir,
	}
	if err := logger.LogEvent("cli", "evidence_collect_started", startPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	providers := evidence.WorkspaceProviders(resolved.EvidenceDir)
	set, collectErrs := evidence.CollectAll(context.Background(), providers)
	for _, cerr := range collectErrs {
		fmt.Fprintf(os.Stderr, "provider warning: %v\n", cerr)
	}

	snapshot := evidence.SnapshotFromSet(set, asOf)
	snapshotPath := evidence.SnapshotPathForDate(resolved.SnapshotsDir, asOf)
	if err := evidence.WriteSnapshot(snapshotPath, snapshot); err != nil {
		finishPayload := map[string]any{
			"snapshot_path": snapshotPath,
			"error":         err.Error(),
		}
		_ = logger.LogEvent("cli", "evidence_collect_finished", finishPayload)
		return err
	}

	entryCount := 0
	for _, bucket := range snapshot.Buckets {
		entryCount += len(bucket.Entries)
	}
	finishPayload := map[string]any{
		"snapshot_path":   snapshotPath,
		"bucket_count":    len(snapshot.Buckets),
		"entry_count":     entryCount,
		"provider_errors": len(collectErrs),
	}
	_ = logger.LogEvent("cli", "evidence_collect_finished", finishPayload)

	fmt.Fprintf(os.Stdout, "Wrote snapshot: %s (%d buckets, %d entries)\n", snapshotPath, len(snapshot.Buckets), entryCount)
	return nil
}

func runEvidenceStatus(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("evidence status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	evidenceDir := fs.String("evidence-dir", "", "Path to evidence input directory (default: <workspace>/evidence)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		EvidenceDir: *evidenceDir,
	})
	if err != nil {
		return err
	}

	latest, err := evidence.LatestSnapshotPath(resolved.SnapshotsDir)
	if err != nil {
		fmt.Fprintf(os.Stdout, "No evidence snapshots in %s\n", resolved.SnapshotsDir)
		fmt.Fprintf(os.Stdout, "Run '%s evidence collect --workspace %s' to create one.\n", appName, resolved.Workspace.Root)
		return nil
	}
	snapshot, err := evidence.LoadSnapshot(latest)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Latest snapshot: %s\n", latest)
	fmt.Fprintf(os.Stdout, "As of: %s\n", snapshot.AsOf)
	entryCount := 0
	fmt.Fprintln(os.Stdout, "Buckets:")
	for _, bucket := range snapshot.Buckets {
		fmt.Fprintf(os.Stdout, "  %-22s %d entries\n", bucket.Name, len(bucket.Entries))
		entryCount += len(bucket.Entries)
	}
	if len(snapshot.Buckets) == 0 {
		fmt.Fprintln(os.Stdout, "  (none)")
	}
	fmt.Fprintf(os.Stdout, "Total: %d entries in %d buckets\n", entryCount, len(snapshot.Buckets))
	return nil
}

func runAdvise(args []string, workspacePath string, log *zap.Logger) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s advise: missing subcommand", appName)
	}

	switch args[0] {
	case "run":
		return runAdviseRun(args[1:], workspacePath, log)
	case "validate":
		return runAdviseValidate(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s advise: unknown subcommand %q", appName, args[0])
	}
}

func runAdviseRun(args []string, workspacePath string, log *zap.Logger) error {
	fs := flag.NewFlagSet("advise run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	profileID := fs.String("profile", "", "Profile ID to advise (default: all profiles)")
	capabilityName := fs.String("capability", "gemini", "Capability adapter (gemini, command, or mock)")
	model := fs.String("model", "", "Model for the gemini capability (default: "+capability.DefaultGeminiModel+")")
	advisorBin := fs.String("advisor", "", "Advisor executable for the command capability")
	preset := fs.String("preset", "", "Config preset (fast, high-quality, or comprehensive)")
	maxPasses := fs.Int("max-passes", 0, "Override maximum refinement passes")
	threshold := fs.Float64("threshold", 0, "Override quality threshold")
	strategy := fs.String("strategy", "", "Context selection strategy (deficit-first or declaration-order)")
	snapshotPath := fs.String("snapshot", "", "Evidence snapshot JSON to use (default: latest)")
	outPath := fs.String("out", "", "Also write the result JSON here (single profile only)")
	profilesDir := fs.String("profiles-dir", "", "Path to profile YAML directory (default: <workspace>/profiles)")
	auditDB := fs.String("audit-db", "", "Path to audit SQLite DB (default: <workspace>/audit/events.db)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		ProfilesDir: *profilesDir,
		AuditDB:     *auditDB,
	})
	if err != nil {
		return err
	}
	ws := resolved.Workspace
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	cfg, err := engine.Preset(*preset)
	if err != nil {
		return err
	}
	if *maxPasses > 0 {
		cfg.MaxPasses = *maxPasses
	}
	if *threshold > 0 {
		cfg.QualityThreshold = *threshold
	}
	if *strategy != "" {
		cfg.Strategy, err = engine.ParseSelectionStrategy(*strategy)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	adapter, err := buildCapability(ctx, *capabilityName, *model, *advisorBin)
	if err != nil {
		return err
	}

	catalog, err := profile.LoadFromDir(resolved.ProfilesDir)
	if err != nil {
		return err
	}
	var ids []string
	if *profileID != "" {
		if _, ok := catalog.Lookup(*profileID); !ok {
			return fmt.Errorf("unknown profile: %s", *profileID)
		}
		ids = []string{*profileID}
	} else {
		ids = catalog.IDs()
	}
	if len(ids) == 0 {
		return fmt.Errorf("no profiles in %s", resolved.ProfilesDir)
	}
	if *outPath != "" && len(ids) != 1 {
		return fmt.Errorf("--out requires a single profile (use --profile)")
	}

	buckets, bucketsNote, err := loadBuckets(ws, resolved.SnapshotsDir, *snapshotPath)
	if err != nil {
		return err
	}
	if bucketsNote != "" {
		fmt.Fprintln(os.Stderr, bucketsNote)
	}

	st, err := store.Open(ws.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	logger := audit.NewLogger(resolved.AuditDB)
	startPayload := map[string]any{
		"workspace":  ws.Root,
		"profiles":   ids,
		"capability": adapter.Name(),
		"max_passes": cfg.MaxPasses,
		"threshold":  cfg.QualityThreshold,
	}
	if err := logger.LogEvent("cli", "advise_run_started", startPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	for _, id := range ids {
		rec, _ := catalog.Lookup(id)
		correlationID := uuid.NewString()
		startedAt := time.Now().UTC()

		result, runErr := engine.Run(ctx, engine.Options{
			Profile:       rec.Profile,
			Buckets:       buckets,
			Config:        cfg,
			CorrelationID: correlationID,
			Capability:    adapter,
			ArtifactsDir:  ws.RunArtifactsDir(correlationID),
			Audit:         logger,
			Logger:        log,
		})
		if runErr != nil {
			finishPayload := map[string]any{
				"profile": id,
				"error":   runErr.Error(),
			}
			_ = logger.LogEvent("cli", "advise_run_finished", finishPayload)
			return fmt.Errorf("advise %s: %w", id, runErr)
		}

		finishedAt := time.Now().UTC()
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result for %s: %w", id, err)
		}
		if err := st.SaveRun(store.RunRecord{
			CorrelationID: result.Generation.CorrelationID,
			ProfileID:     id,
			StartedAt:     startedAt,
			FinishedAt:    finishedAt,
			TotalPasses:   result.Generation.TotalPasses,
			Confidence:    string(result.Generation.Confidence),
			Degraded:      result.Generation.Degraded,
			ResultJSON:    string(resultJSON),
		}); err != nil {
			return fmt.Errorf("save run for %s: %w", id, err)
		}
		if err := st.PutResult(id, result, finishedAt, adviseResultTTL); err != nil {
			return fmt.Errorf("cache result for %s: %w", id, err)
		}

		duration := time.Duration(result.Generation.DurationMS) * time.Millisecond
		fmt.Fprintf(os.Stdout, "Advised %s: confidence=%s passes=%d duration=%s\n",
			id, result.Generation.Confidence, result.Generation.TotalPasses, duration)
		fmt.Fprintf(os.Stdout, "  Result: %s\n", filepath.Join(ws.RunArtifactsDir(result.Generation.CorrelationID), "result.json"))
		if result.Generation.Degraded {
			fmt.Fprintln(os.Stdout, "  Degraded: fallback content, see data quality notes")
		}

		if *outPath != "" {
			absOut, err := ws.ResolvePath(*outPath)
			if err != nil {
				return fmt.Errorf("resolve --out: %w", err)
			}
			if err := advice.WriteResult(absOut, result); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "  Copy:   %s\n", absOut)
		}
	}

	finishPayload := map[string]any{
		"advised":    ids,
		"capability": adapter.Name(),
	}
	_ = logger.LogEvent("cli", "advise_run_finished", finishPayload)
	return nil
}

// loadBuckets resolves the evidence set for an advisory run. An explicit
// snapshot path must load; a missing latest snapshot degrades to an empty
// set with a note for the user.
func loadBuckets(ws *workspace.Workspace, snapshotsDir, explicit string) (evidence.Set, string, error) {
	if explicit != "" {
		abs, err := ws.ResolvePath(explicit)
		if err != nil {
			return nil, "", fmt.Errorf("resolve --snapshot: %w", err)
		}
		snapshot, err := evidence.LoadSnapshot(abs)
		if err != nil {
			return nil, "", err
		}
		return snapshot.Set(), "", nil
	}

	latest, err := evidence.LatestSnapshotPath(snapshotsDir)
	if err != nil {
		note := fmt.Sprintf("No evidence snapshot found; advising from profile data only. Run '%s evidence collect' to add evidence.", appName)
		return evidence.Set{}, note, nil
	}
	snapshot, err := evidence.LoadSnapshot(latest)
	if err != nil {
		return nil, "", err
	}
	return snapshot.Set(), "", nil
}

func runAdviseValidate(args []string, workspacePath string) error {
	resultArg := ""
	remaining := args
	if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
		resultArg = remaining[0]
		remaining = remaining[1:]
	}

	fs := flag.NewFlagSet("advise validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	auditDB := fs.String("audit-db", "", "Path to audit SQLite DB (default: <workspace>/audit/events.db)")
	if err := fs.Parse(remaining); err != nil {
		return err
	}
	if resultArg == "" {
		rest := fs.Args()
		if len(rest) == 0 {
			return fmt.Errorf("result path is required")
		}
		resultArg = rest[0]
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{
		AuditDB: *auditDB,
	})
	if err != nil {
		return err
	}
	absResult, err := resolved.Workspace.ResolvePath(resultArg)
	if err != nil {
		return fmt.Errorf("resolve result path: %w", err)
	}

	logger := audit.NewLogger(resolved.AuditDB)
	startPayload := map[string]any{
		"workspace": resolved.Workspace.Root,
		"result":    absResult,
	}
	if err := logger.LogEvent("cli", "advise_validate_started", startPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	ok, issues := advice.ValidateResultFileWithDetails(absResult)
	finishPayload := map[string]any{
		"result": absResult,
		"valid":  ok,
	}
	if len(issues) > 0 {
		finishPayload["issues"] = issues
	}
	_ = logger.LogEvent("cli", "advise_validate_finished", finishPayload)

	if ok {
		fmt.Fprintf(os.Stdout, "Result valid: %s\n", absResult)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Result invalid: %s\n", absResult)
	for _, issue := range issues {
		fmt.Fprintf(os.Stderr, "  %s\n", issue)
	}
	return fmt.Errorf("result failed validation with %d issue(s)", len(issues))
}

func runRuns(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s runs: missing subcommand", appName)
	}

	switch args[0] {
	case "list":
		return runRunsList(args[1:], workspacePath)
	case "show":
		return runRunsShow(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s runs: unknown subcommand %q", appName, args[0])
	}
}

func runRunsList(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("runs list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "Maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}

	st, err := store.Open(resolved.Workspace.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(*limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "Recent runs (%d):\n", len(runs))
	for _, run := range runs {
		degraded := ""
		if run.Degraded {
			degraded = " degraded"
		}
		fmt.Fprintf(os.Stdout, "  %s  %s  passes=%d confidence=%s%s  finished=%s\n",
			run.CorrelationID, run.ProfileID, run.TotalPasses, run.Confidence, degraded,
			run.FinishedAt.Format(time.RFC3339))
	}
	return nil
}

func runRunsShow(args []string, workspacePath string) error {
	idArg := ""
	remaining := args
	if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
		idArg = remaining[0]
		remaining = remaining[1:]
	}

	fs := flag.NewFlagSet("runs show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	full := fs.Bool("full", false, "Print the full result JSON")
	if err := fs.Parse(remaining); err != nil {
		return err
	}
	if idArg == "" {
		rest := fs.Args()
		if len(rest) == 0 {
			return fmt.Errorf("correlation id is required")
		}
		idArg = rest[0]
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}
	ws := resolved.Workspace

	st, err := store.Open(ws.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	run, err := st.GetRun(idArg)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Run: %s\n", run.CorrelationID)
	fmt.Fprintf(os.Stdout, "  Profile:    %s\n", run.ProfileID)
	fmt.Fprintf(os.Stdout, "  Started:    %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "  Finished:   %s\n", run.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "  Passes:     %d\n", run.TotalPasses)
	fmt.Fprintf(os.Stdout, "  Confidence: %s\n", run.Confidence)
	fmt.Fprintf(os.Stdout, "  Degraded:   %t\n", run.Degraded)

	artifactsDir := ws.RunArtifactsDir(run.CorrelationID)
	if _, statErr := os.Stat(artifactsDir); statErr == nil {
		fmt.Fprintf(os.Stdout, "  Artifacts:  %s\n", artifactsDir)
	}

	var result advice.GenerationResult
	if err := json.Unmarshal([]byte(run.ResultJSON), &result); err == nil && len(result.Recommendations) > 0 {
		fmt.Fprintf(os.Stdout, "  Title:      %s\n", result.Title)
		fmt.Fprintf(os.Stdout, "  Recommendations (%d):\n", len(result.Recommendations))
		for _, rec := range result.Recommendations {
			fmt.Fprintf(os.Stdout, "    [%s] %s (%s)\n", rec.Priority, rec.Title, rec.ID)
		}
	}

	if *full {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(run.ResultJSON), "", "  "); err != nil {
			fmt.Fprintln(os.Stdout, run.ResultJSON)
		} else {
			fmt.Fprintln(os.Stdout, pretty.String())
		}
	}
	return nil
}

func runDaemon(args []string, workspacePath string, log *zap.Logger) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s daemon: missing subcommand", appName)
	}

	switch args[0] {
	case "run":
		return runDaemonRun(args[1:], workspacePath, log)
	case "install":
		return runDaemonInstall(args[1:], workspacePath)
	case "uninstall":
		return runDaemonUninstall(args[1:], workspacePath)
	case "status":
		return runDaemonStatus(args[1:], workspacePath)
	case "jobs":
		return runDaemonJobs(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s daemon: unknown subcommand %q", appName, args[0])
	}
}

func runDaemonRun(args []string, workspacePath string, log *zap.Logger) error {
	fs := flag.NewFlagSet("daemon run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	pollInterval := fs.Duration("poll", 1*time.Second, "Poll interval for checking jobs")
	leaseDuration := fs.Duration("lease", 30*time.Second, "Lease duration for claimed jobs")
	tz := fs.String("tz", "UTC", "Timezone for scheduling")
	capabilityName := fs.String("capability", "gemini", "Capability adapter (gemini, command, or mock)")
	model := fs.String("model", "", "Model for the gemini capability (default: "+capability.DefaultGeminiModel+")")
	advisorBin := fs.String("advisor", "", "Advisor executable for the command capability")
	preset := fs.String("preset", "", "Config preset (fast, high-quality, or comprehensive)")
	resultTTL := fs.Duration("result-ttl", 24*time.Hour, "How long cached advisories stay fresh")
	keepRuns := fs.Int("keep-runs", 50, "Run artifact directories kept by the retention sweep")
	notifications := fs.Bool("notify", false, "Send desktop notifications on completion")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}
	if err := resolved.Workspace.EnsureDirs(); err != nil {
		return err
	}

	ctx := context.Background()
	adapter, err := buildCapability(ctx, *capabilityName, *model, *advisorBin)
	if err != nil {
		return err
	}
	engineCfg, err := engine.Preset(*preset)
	if err != nil {
		return err
	}

	st, err := store.Open(resolved.Workspace.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	d, err := daemon.New(daemon.Config{
		Workspace:     resolved.Workspace,
		Store:         st,
		Capability:    adapter,
		Engine:        engineCfg,
		TimeZone:      *tz,
		LeaseFor:      *leaseDuration,
		Ticks:         sched.NewTickerSource(*pollInterval),
		ResultTTL:     *resultTTL,
		KeepRuns:      *keepRuns,
		Notifications: *notifications,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Starting daemon for workspace: %s\n", resolved.Workspace.Root)
	fmt.Fprintf(os.Stdout, "Poll interval: %s, Lease: %s, Capability: %s\n", *pollInterval, *leaseDuration, adapter.Name())

	return d.Run(ctx)
}

func runDaemonInstall(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("daemon install", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	binaryPath := fs.String("binary", "", "Daemon binary path (default: current executable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}
	ws := resolved.Workspace
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	binary := *binaryPath
	if binary == "" {
		binary, err = os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}

	logger := audit.NewLogger(resolved.AuditDB)
	if err := logger.LogEvent("cli", "daemon_install_started", map[string]any{
		"workspace": ws.Root,
		"binary":    binary,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	if err := daemon.Install(ws, binary); err != nil {
		_ = logger.LogEvent("cli", "daemon_install_finished", map[string]any{"error": err.Error()})
		return err
	}
	if err := daemon.Start(ws); err != nil {
		_ = logger.LogEvent("cli", "daemon_install_finished", map[string]any{"error": err.Error()})
		return err
	}

	plistPath, err := daemon.PlistPath(ws.Root)
	if err != nil {
		return err
	}
	_ = logger.LogEvent("cli", "daemon_install_finished", map[string]any{
		"plist": plistPath,
	})

	fmt.Fprintf(os.Stdout, "Installed launch agent: %s\n", plistPath)
	fmt.Fprintf(os.Stdout, "Logs: %s\n", daemon.GetLogPath(ws))
	return nil
}

func runDaemonUninstall(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("daemon uninstall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}
	ws := resolved.Workspace

	logger := audit.NewLogger(resolved.AuditDB)
	if err := logger.LogEvent("cli", "daemon_uninstall_started", map[string]any{
		"workspace": ws.Root,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	if err := daemon.Stop(ws); err != nil {
		fmt.Fprintf(os.Stderr, "stop launch agent: %v\n", err)
	}
	if err := daemon.Uninstall(ws); err != nil {
		_ = logger.LogEvent("cli", "daemon_uninstall_finished", map[string]any{"error": err.Error()})
		return err
	}

	plistPath, err := daemon.PlistPath(ws.Root)
	if err != nil {
		return err
	}
	_ = logger.LogEvent("cli", "daemon_uninstall_finished", map[string]any{
		"plist": plistPath,
	})

	fmt.Fprintf(os.Stdout, "Removed launch agent: %s\n", plistPath)
	return nil
}

func runDaemonStatus(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("daemon status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}
	ws := resolved.Workspace

	running, err := daemon.IsRunning(ws)
	if err != nil {
		fmt.Fprintf(os.Stdout, "Launch agent: unknown (%v)\n", err)
	} else {
		fmt.Fprintf(os.Stdout, "Launch agent: running=%t label=%s\n", running, daemon.PlistLabel(ws.Root))
	}

	st, err := store.Open(ws.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	jobs, err := st.ListJobs(100)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	counts := map[string]int{}
	for _, job := range jobs {
		counts[job.Status]++
	}
	fmt.Fprintf(os.Stdout, "Jobs (last %d): %d queued, %d running, %d succeeded, %d failed\n",
		len(jobs), counts[store.JobQueued], counts[store.JobRunning], counts[store.JobSucceeded], counts[store.JobFailed])

	events, err := audit.NewLogger(resolved.AuditDB).Recent(5)
	if err != nil {
		return nil
	}
	if len(events) > 0 {
		fmt.Fprintln(os.Stdout, "Recent events:")
		for _, event := range events {
			fmt.Fprintf(os.Stdout, "  %s  %s  %s\n", event.TS.Format(time.RFC3339), event.Actor, event.Type)
		}
	}
	return nil
}

func runDaemonJobs(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("daemon jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "Maximum jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resolved, err := resolveWorkspaceAndOverrides(workspacePath, workspaceOverrides{})
	if err != nil {
		return err
	}

	st, err := store.Open(resolved.Workspace.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	jobs, err := st.ListJobs(*limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "No jobs recorded.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "Jobs (%d):\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(os.Stdout, "  %s [%s] status=%s scheduled=%s\n",
			job.ID, job.Type, job.Status, job.ScheduledAt.Format(time.RFC3339))
		if job.FinishedAt != nil {
			fmt.Fprintf(os.Stdout, "      finished=%s\n", job.FinishedAt.Format(time.RFC3339))
		}
		if job.ResultJSON != "" {
			fmt.Fprintf(os.Stdout, "      result: %s\n", job.ResultJSON)
		}
	}
	return nil
}

func writeFileIfMissing(path string, contents string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

const starterProfileTemplate = `profile_id: acme-store
name: Acme Store
industry: ecommerce
maturity_phase: intermediate
goals:
  - Grow organic revenue 20% this year
  - Reduce cart abandonment below 60%
kpis:
  - organic sessions
  - conversion rate
  - cart abandonment rate
stack:
  - ga4
  - klaviyo
  - shopify
notes: Seasonal peaks in Q4; email list growing 5% monthly.
`

const starterContentTemplate = `entries:
  - ref: content:blog-q2
    claim: Blog posts targeting comparison keywords convert 2x better than category pages.
    metric: conversion_rate
    value: 0.034
    period: 2026-Q2
    source: ga4
  - ref: content:video-demo
    claim: Product demo videos hold attention past 45 seconds on average.
    metric: avg_watch_seconds
    value: 52
    period: 2026-Q2
    source: youtube-analytics
`

const starterConstraintsTemplate = `entries:
  - ref: constraint:budget
    claim: Paid media budget is capped at current spend through Q3.
    source: planning
  - ref: constraint:team
    claim: One content writer and no dedicated designer until the next hire.
    source: planning
`

const starterReportTemplate = `{
  "entries": [
    {
      "ref": "analytics:organic-trend",
      "claim": "Organic sessions grew 8% quarter over quarter.",
      "metric": "organic_sessions_qoq",
      "value": 0.08,
      "period": "2026-Q2",
      "source": "ga4"
    }
  ]
}
`

const starterEnvTemplate = `# Environment overrides loaded at startup.
# GEMINI_API_KEY=your-key-here
# STRATAGEN_WORKSPACE=
# STRATAGEN_AUDIT_DB=
`
