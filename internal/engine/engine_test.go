package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stratagen/internal/advice"
	"stratagen/internal/capability"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
)

func testProfile() profile.Profile {
	return profile.Profile{
		ID:       "acme-store",
		Name:     "Acme Store",
		Industry: "ecommerce",
		Maturity: profile.MaturityIntermediate,
		Goals:    []string{"grow organic traffic", "improve conversion rate"},
		KPIs:     []string{"organic sessions", "conversion rate"},
		Stack:    []string{"GA4", "Shopify"},
	}
}

func scenarioAProfile() profile.Profile {
	return profile.Profile{
		ID:       "signup-growth",
		Name:     "Signup Growth",
		Industry: "saas",
		Maturity: profile.MaturityFoundational,
		Goals:    []string{"grow signups"},
		KPIs:     []string{"conversion rate"},
		Stack:    []string{"web-experimentation"},
	}
}

func allBuckets() evidence.Set {
	set := evidence.Set{}
	for i, name := range evidence.AllBucketNames {
		set[name] = evidence.Bucket{
			Name: name,
			Entries: []evidence.Entry{{
				Ref:    fmt.Sprintf("%s:e-%03d", name, i+1),
				Claim:  "Observed movement in a tracked metric",
				Source: "fixture",
			}},
		}
	}
	return set
}

func testConfig() Config {
	return Config{
		MaxPasses:        3,
		QualityThreshold: 4.0,
		CallTimeout:      time.Second,
		Minimums:         uniformMinimums(3.0),
		RequireEvidence:  true,
		EnableFallback:   true,
		Strategy:         StrategyDeficitFirst,
	}
}

func okDoc(title string) *advice.GenerationResult {
	return &advice.GenerationResult{
		SchemaVersion: advice.ResultSchemaVersion,
		Title:         title,
		Summary:       "Recommendations produced for a controller test.",
		Recommendations: []advice.Recommendation{{
			ID:        "REC-1",
			Title:     "Tighten the conversion funnel",
			Rationale: "The profile names conversion as a goal and the funnel is the shortest path to it.",
			Priority:  advice.PriorityHigh,
			KPIs:      []string{"conversion rate"},
			Evidence:  []string{},
		}},
	}
}

func scoreOf(v float64) *advice.QualityScore {
	s := &advice.QualityScore{Overall: v}
	for _, dim := range advice.AllDimensions {
		s.SetValue(dim, v)
	}
	return s
}

// stubCapability drives the controller with scripted behavior per stage.
// Nil functions fall back to a valid document / a 2.0 score / an unchanged
// copy of the input.
type stubCapability struct {
	generateFn func(capability.Invocation) capability.Result[*advice.GenerationResult]
	scoreFn    func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.QualityScore]
	refineFn   func(capability.Invocation, *advice.GenerationResult, *advice.QualityScore, []evidence.Bucket) capability.Result[*advice.GenerationResult]
	checkFn    func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.GenerationResult]

	generateCalls int
	scoreCalls    int
	refineCalls   int
	checkCalls    int
}

func (s *stubCapability) Name() string { return "stub" }

func (s *stubCapability) GenerateInitial(ctx context.Context, inv capability.Invocation) capability.Result[*advice.GenerationResult] {
	s.generateCalls++
	if s.generateFn != nil {
		return s.generateFn(inv)
	}
	return capability.Ok(okDoc("Initial revision"), 0)
}

func (s *stubCapability) ScoreQuality(ctx context.Context, inv capability.Invocation, result *advice.GenerationResult) capability.Result[*advice.QualityScore] {
	s.scoreCalls++
	if s.scoreFn != nil {
		return s.scoreFn(inv, result)
	}
	return capability.Ok(scoreOf(2.0), 0)
}

func (s *stubCapability) RefineWithContext(ctx context.Context, inv capability.Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) capability.Result[*advice.GenerationResult] {
	s.refineCalls++
	if s.refineFn != nil {
		return s.refineFn(inv, prev, score, added)
	}
	next := *prev
	return capability.Ok(&next, 0)
}

func (s *stubCapability) CheckConsistency(ctx context.Context, inv capability.Invocation, result *advice.GenerationResult) capability.Result[*advice.GenerationResult] {
	s.checkCalls++
	if s.checkFn != nil {
		return s.checkFn(inv, result)
	}
	next := *result
	return capability.Ok(&next, 0)
}

func scoreSequence(values ...float64) func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.QualityScore] {
	i := 0
	return func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.QualityScore] {
		v := values[len(values)-1]
		if i < len(values) {
			v = values[i]
		}
		i++
		return capability.Ok(scoreOf(v), 0)
	}
}

// recordingAudit captures audit events in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAudit) LogEvent(actor, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func TestRunScenarioAEmptyBuckets(t *testing.T) {
	final, err := Run(context.Background(), Options{
		Profile:    scenarioAProfile(),
		Buckets:    evidence.Set{},
		Config:     testConfig(),
		Capability: &capability.Mock{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := advice.ValidateResult(final); err != nil {
		t.Fatalf("final result invalid: %v", err)
	}
	if final.Generation.TotalPasses < 1 {
		t.Fatalf("total passes = %d, want >= 1", final.Generation.TotalPasses)
	}
	if len(final.Generation.ContextBucketsUsed) != 0 {
		t.Fatalf("context buckets used = %v, want empty", final.Generation.ContextBucketsUsed)
	}
	conf := final.Generation.Confidence
	if conf != advice.ConfidenceLow && conf != advice.ConfidenceMedium {
		t.Fatalf("confidence = %s, want low or medium", conf)
	}
	if !hasNote(final, "no context buckets were applied") {
		t.Fatalf("missing zero-bucket note: %v", final.Generation.DataQualityNotes)
	}
}

func TestRunScenarioBThresholdOnThirdMeasurement(t *testing.T) {
	stub := &stubCapability{scoreFn: scoreSequence(2.0, 3.2, 4.1)}
	cfg := testConfig()
	cfg.Minimums = uniformMinimums(3.5)

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Generation.TotalPasses != 3 {
		t.Fatalf("total passes = %d, want 3", final.Generation.TotalPasses)
	}
	if stub.scoreCalls != 3 {
		t.Fatalf("score calls = %d, want 3", stub.scoreCalls)
	}
	if stub.refineCalls != 2 {
		t.Fatalf("refine calls = %d, want 2", stub.refineCalls)
	}
	if final.Generation.FinalQuality == nil || final.Generation.FinalQuality.Overall != 4.1 {
		t.Fatalf("final quality = %+v, want overall 4.1", final.Generation.FinalQuality)
	}
	if final.Generation.Confidence != advice.ConfidenceHigh {
		t.Fatalf("confidence = %s, want high", final.Generation.Confidence)
	}
	if got := len(final.Generation.ContextBucketsUsed); got != 2 {
		t.Fatalf("buckets used = %v, want 2 distinct", final.Generation.ContextBucketsUsed)
	}
	seen := map[string]bool{}
	for _, name := range final.Generation.ContextBucketsUsed {
		if seen[name] {
			t.Fatalf("duplicate bucket name %q in %v", name, final.Generation.ContextBucketsUsed)
		}
		seen[name] = true
	}
}

func TestRunThresholdMetOnFirstPass(t *testing.T) {
	stub := &stubCapability{scoreFn: scoreSequence(4.5)}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1", final.Generation.TotalPasses)
	}
	if stub.refineCalls != 0 {
		t.Fatalf("refine calls = %d, want 0", stub.refineCalls)
	}
	if final.Generation.Confidence != advice.ConfidenceHigh {
		t.Fatalf("confidence = %s, want high", final.Generation.Confidence)
	}
}

func TestRunMaxPassesOneNeverRefines(t *testing.T) {
	stub := &stubCapability{scoreFn: scoreSequence(1.0)}
	cfg := testConfig()
	cfg.MaxPasses = 1

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1", final.Generation.TotalPasses)
	}
	if stub.refineCalls != 0 {
		t.Fatalf("refine calls = %d, want 0", stub.refineCalls)
	}
	if final.Generation.Confidence != advice.ConfidenceLow {
		t.Fatalf("confidence = %s, want low", final.Generation.Confidence)
	}
}

func TestRunBucketsNeverRepeatWhenThresholdUnreachable(t *testing.T) {
	stub := &stubCapability{scoreFn: scoreSequence(1.0)}
	cfg := testConfig()
	cfg.MaxPasses = 10

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Four distinct buckets: four refinements, then a context-exhausted
	// stop on the fifth measurement.
	if final.Generation.TotalPasses != 5 {
		t.Fatalf("total passes = %d, want 5", final.Generation.TotalPasses)
	}
	if stub.refineCalls != 4 {
		t.Fatalf("refine calls = %d, want 4", stub.refineCalls)
	}
	if got := len(final.Generation.ContextBucketsUsed); got != len(evidence.AllBucketNames) {
		t.Fatalf("buckets used = %v, want all %d", final.Generation.ContextBucketsUsed, len(evidence.AllBucketNames))
	}
	seen := map[string]bool{}
	for _, name := range final.Generation.ContextBucketsUsed {
		if seen[name] {
			t.Fatalf("duplicate bucket %q", name)
		}
		seen[name] = true
	}
}

func TestRunFallbackOnGenerationFailure(t *testing.T) {
	stub := &stubCapability{
		generateFn: func(capability.Invocation) capability.Result[*advice.GenerationResult] {
			return capability.Fail[*advice.GenerationResult](errors.New("model unavailable"), 0)
		},
	}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run with fallback enabled returned error: %v", err)
	}
	if !final.Generation.Degraded {
		t.Fatalf("expected degraded fallback result")
	}
	if err := advice.ValidateResult(final); err != nil {
		t.Fatalf("fallback result invalid: %v", err)
	}
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1", final.Generation.TotalPasses)
	}
	if final.Generation.Confidence != advice.ConfidenceLow {
		t.Fatalf("confidence = %s, want low", final.Generation.Confidence)
	}
	if !hasNote(final, "deterministic fallback used") {
		t.Fatalf("missing fallback note: %v", final.Generation.DataQualityNotes)
	}
	if len(final.Recommendations) == 0 || !strings.HasPrefix(final.Recommendations[0].ID, "FB-") {
		t.Fatalf("expected fallback recommendations, got %+v", final.Recommendations)
	}
}

func TestRunTypedErrorWithoutFallback(t *testing.T) {
	stub := &stubCapability{
		generateFn: func(capability.Invocation) capability.Result[*advice.GenerationResult] {
			return capability.Fail[*advice.GenerationResult](errors.New("model unavailable"), 0)
		},
	}
	cfg := testConfig()
	cfg.EnableFallback = false

	_, err := Run(context.Background(), Options{
		Profile:       testProfile(),
		Config:        cfg,
		CorrelationID: "run-err-001",
		Capability:    stub,
	})
	if err == nil {
		t.Fatalf("expected error with fallback disabled")
	}
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("error type = %T, want *engine.Error", err)
	}
	if engineErr.Stage != StateGenerating {
		t.Fatalf("stage = %s, want generating", engineErr.Stage)
	}
	if engineErr.CorrelationID != "run-err-001" {
		t.Fatalf("correlation id = %q, want run-err-001", engineErr.CorrelationID)
	}
	if !engineErr.Recoverable {
		t.Fatalf("generation failure should be recoverable")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("error does not carry the cause: %v", err)
	}
}

func TestRunScoringFailureKeepsResult(t *testing.T) {
	stub := &stubCapability{
		scoreFn: func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.QualityScore] {
			return capability.Fail[*advice.QualityScore](errors.New("scorer offline"), 0)
		},
	}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("scoring failure must not error the run: %v", err)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the generated revision", final.Title)
	}
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1 (no measured pass)", final.Generation.TotalPasses)
	}
	if final.Generation.FinalQuality != nil {
		t.Fatalf("final quality should be nil with no measured pass")
	}
	if !hasNote(final, "scorer offline") {
		t.Fatalf("missing error note: %v", final.Generation.DataQualityNotes)
	}
}

func TestRunScoringFailureOnSecondPass(t *testing.T) {
	calls := 0
	stub := &stubCapability{
		scoreFn: func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.QualityScore] {
			calls++
			if calls == 2 {
				return capability.Fail[*advice.QualityScore](errors.New("scorer offline"), 0)
			}
			return capability.Ok(scoreOf(2.0), 0)
		},
	}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Pass 2 never produced a PassRecord, so only the first measured pass
	// counts, while its refinement's bucket remains recorded.
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1", final.Generation.TotalPasses)
	}
	if got := len(final.Generation.ContextBucketsUsed); got != 1 {
		t.Fatalf("buckets used = %v, want the pass-1 bucket", final.Generation.ContextBucketsUsed)
	}
	if stub.refineCalls != 1 {
		t.Fatalf("refine calls = %d, want 1", stub.refineCalls)
	}
}

func TestRunRefinementFailureKeepsCurrent(t *testing.T) {
	stub := &stubCapability{
		scoreFn: scoreSequence(2.0),
		refineFn: func(capability.Invocation, *advice.GenerationResult, *advice.QualityScore, []evidence.Bucket) capability.Result[*advice.GenerationResult] {
			return capability.Fail[*advice.GenerationResult](errors.New("refiner offline"), 0)
		},
	}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("refinement failure must not error the run: %v", err)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the pre-refinement revision", final.Title)
	}
	if len(final.Generation.ContextBucketsUsed) != 0 {
		t.Fatalf("failed refinement must not consume a bucket: %v", final.Generation.ContextBucketsUsed)
	}
	if !hasNote(final, "refiner offline") {
		t.Fatalf("missing error note: %v", final.Generation.DataQualityNotes)
	}
}

func TestRunInvalidRefinementPayloadKeepsCurrent(t *testing.T) {
	stub := &stubCapability{
		scoreFn: scoreSequence(2.0),
		refineFn: func(capability.Invocation, *advice.GenerationResult, *advice.QualityScore, []evidence.Bucket) capability.Result[*advice.GenerationResult] {
			return capability.Ok(&advice.GenerationResult{SchemaVersion: advice.ResultSchemaVersion}, 0)
		},
	}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the pre-refinement revision", final.Title)
	}
	if !hasNote(final, "invalid refinement payload") {
		t.Fatalf("missing invalid-payload note: %v", final.Generation.DataQualityNotes)
	}
}

func TestRunConsistencyCheckReplacesResult(t *testing.T) {
	stub := &stubCapability{
		scoreFn: scoreSequence(4.5),
		checkFn: func(_ capability.Invocation, result *advice.GenerationResult) capability.Result[*advice.GenerationResult] {
			next := *result
			next.Title = "Checked revision"
			return capability.Ok(&next, 0)
		},
	}
	cfg := testConfig()
	cfg.EnableConsistencyCheck = true

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.checkCalls != 1 {
		t.Fatalf("check calls = %d, want 1", stub.checkCalls)
	}
	if final.Title != "Checked revision" {
		t.Fatalf("result title = %q, want the checked revision", final.Title)
	}
}

func TestRunConsistencyFailureKeepsPreCheckResult(t *testing.T) {
	stub := &stubCapability{
		scoreFn: scoreSequence(4.5),
		checkFn: func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.GenerationResult] {
			return capability.Fail[*advice.GenerationResult](errors.New("checker offline"), 0)
		},
	}
	cfg := testConfig()
	cfg.EnableConsistencyCheck = true

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("consistency failure must not error the run: %v", err)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the pre-check revision", final.Title)
	}
	if !hasNote(final, "checker offline") {
		t.Fatalf("missing error note: %v", final.Generation.DataQualityNotes)
	}
}

func TestRunConsistencyInvalidPayloadKeepsPreCheckResult(t *testing.T) {
	stub := &stubCapability{
		scoreFn: scoreSequence(4.5),
		checkFn: func(capability.Invocation, *advice.GenerationResult) capability.Result[*advice.GenerationResult] {
			return capability.Ok(&advice.GenerationResult{SchemaVersion: advice.ResultSchemaVersion}, 0)
		},
	}
	cfg := testConfig()
	cfg.EnableConsistencyCheck = true

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the pre-check revision", final.Title)
	}
}

func TestRunBudgetCheckedAtPassBoundary(t *testing.T) {
	stub := &stubCapability{}
	cfg := testConfig()
	cfg.Timeout = time.Nanosecond

	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     cfg,
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("budget exhaustion must not error the run: %v", err)
	}
	if stub.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1 (generation precedes the boundary check)", stub.generateCalls)
	}
	if stub.scoreCalls != 0 {
		t.Fatalf("score calls = %d, want 0 after budget exhaustion", stub.scoreCalls)
	}
	if final.Generation.TotalPasses != 1 {
		t.Fatalf("total passes = %d, want 1", final.Generation.TotalPasses)
	}
}

func TestRunCancellationCheckedAtPassBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubCapability{}
	final, err := Run(ctx, Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("cancellation must not error the run: %v", err)
	}
	if stub.scoreCalls != 0 {
		t.Fatalf("score calls = %d, want 0 after cancellation", stub.scoreCalls)
	}
	if final.Title != "Initial revision" {
		t.Fatalf("result title = %q, want the generated revision", final.Title)
	}
}

func TestRunGuidanceAndEvidenceReachRefinement(t *testing.T) {
	var guidance [][]string
	var evidenceLens []int
	stub := &stubCapability{
		scoreFn: scoreSequence(1.0, 1.0, 4.5),
		refineFn: func(inv capability.Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) capability.Result[*advice.GenerationResult] {
			guidance = append(guidance, inv.Guidance)
			evidenceLens = append(evidenceLens, len(inv.Evidence))
			if len(added) != 1 {
				t.Errorf("added buckets = %d, want 1", len(added))
			}
			next := *prev
			return capability.Ok(&next, 0)
		},
	}
	_, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(guidance) != 2 {
		t.Fatalf("refine calls = %d, want 2", len(guidance))
	}
	for i, g := range guidance {
		if len(g) == 0 {
			t.Fatalf("refinement %d received no gate guidance", i+1)
		}
	}
	if evidenceLens[0] != 0 || evidenceLens[1] != 1 {
		t.Fatalf("accumulated evidence per refinement = %v, want [0 1]", evidenceLens)
	}
}

func TestRunAssignsCorrelationID(t *testing.T) {
	stub := &stubCapability{scoreFn: scoreSequence(4.5)}
	final, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Config:     testConfig(),
		Capability: stub,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(final.Generation.CorrelationID) != 36 {
		t.Fatalf("correlation id %q does not look like a uuid", final.Generation.CorrelationID)
	}
	if final.Generation.GeneratedAt == "" {
		t.Fatalf("generated_at not stamped")
	}
	if _, perr := time.Parse(time.RFC3339, final.Generation.GeneratedAt); perr != nil {
		t.Fatalf("generated_at %q not RFC3339: %v", final.Generation.GeneratedAt, perr)
	}
}

func TestRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	mock := &capability.Mock{ScriptedScores: []float64{2.0, 4.5}}

	final, err := Run(context.Background(), Options{
		Profile:      testProfile(),
		Buckets:      allBuckets(),
		Config:       testConfig(),
		Capability:   mock,
		ArtifactsDir: dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Generation.TotalPasses != 2 {
		t.Fatalf("total passes = %d, want 2", final.Generation.TotalPasses)
	}

	for _, name := range []string{"revision-01.json", "revision-02.json", "changes.diff", "passes.json", "result.json"} {
		if _, serr := os.Stat(filepath.Join(dir, name)); serr != nil {
			t.Fatalf("missing artifact %s: %v", name, serr)
		}
	}

	data, rerr := os.ReadFile(filepath.Join(dir, "passes.json"))
	if rerr != nil {
		t.Fatalf("read passes.json: %v", rerr)
	}
	var history []advice.PassRecord
	if uerr := json.Unmarshal(data, &history); uerr != nil {
		t.Fatalf("parse passes.json: %v", uerr)
	}
	if len(history) != 2 {
		t.Fatalf("passes.json records = %d, want 2", len(history))
	}
	if history[0].Score.Overall != 2.0 {
		t.Fatalf("pass 1 overall = %.2f, want 2.0", history[0].Score.Overall)
	}

	loaded, lerr := advice.LoadResult(filepath.Join(dir, "result.json"))
	if lerr != nil {
		t.Fatalf("load result.json: %v", lerr)
	}
	if loaded.Generation.CorrelationID != final.Generation.CorrelationID {
		t.Fatalf("result.json correlation id mismatch")
	}
}

func TestRunEmitsAuditEvents(t *testing.T) {
	audit := &recordingAudit{}
	stub := &stubCapability{scoreFn: scoreSequence(2.0, 4.5)}

	_, err := Run(context.Background(), Options{
		Profile:    testProfile(),
		Buckets:    allBuckets(),
		Config:     testConfig(),
		Capability: stub,
		Audit:      audit,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	counts := map[string]int{}
	for _, event := range audit.events {
		counts[event]++
	}
	if counts["run_started"] != 1 || counts["run_finished"] != 1 {
		t.Fatalf("run event counts = %v", counts)
	}
	if counts["pass_started"] != 2 || counts["pass_finished"] != 2 {
		t.Fatalf("pass event counts = %v", counts)
	}
}

func TestRunConcurrentInvocationsAreIsolated(t *testing.T) {
	buckets := allBuckets()
	var wg sync.WaitGroup
	results := make([]advice.GenerationResult, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Run(context.Background(), Options{
				Profile:       testProfile(),
				Buckets:       buckets,
				Config:        testConfig(),
				CorrelationID: fmt.Sprintf("run-%03d", i),
				Capability:    &capability.Mock{ScriptedScores: []float64{2.0, 4.5}},
			})
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if want := fmt.Sprintf("run-%03d", i); results[i].Generation.CorrelationID != want {
			t.Fatalf("run %d correlation id = %q, want %q", i, results[i].Generation.CorrelationID, want)
		}
		if results[i].Generation.TotalPasses != 2 {
			t.Fatalf("run %d total passes = %d, want 2", i, results[i].Generation.TotalPasses)
		}
	}
}

func TestSelectContextDeficitOrder(t *testing.T) {
	cfg := testConfig()
	score := advice.QualityScore{Specificity: 2.9, StackAlignment: 1.0, MaturityFit: 4.0, MeasurementRigor: 2.5, Actionability: 4.0}
	buckets := allBuckets()
	used := map[evidence.BucketName]bool{}

	// Deficits rank stack-alignment (2.0), then measurement-rigor (0.5),
	// then specificity (0.1).
	want := []evidence.BucketName{
		evidence.BucketExperienceTactics,
		evidence.BucketAnalyticsInsights,
		evidence.BucketContentPerformance,
	}
	for i, expected := range want {
		added := selectContext(score, buckets, used, cfg)
		if len(added) != 1 {
			t.Fatalf("step %d: selected %d buckets, want 1", i+1, len(added))
		}
		if added[0].Name != expected {
			t.Fatalf("step %d: selected %s, want %s", i+1, added[0].Name, expected)
		}
		used[added[0].Name] = true
	}
	if added := selectContext(score, buckets, used, cfg); len(added) != 0 {
		t.Fatalf("expected exhausted selection, got %v", added[0].Name)
	}
}

func TestSelectContextTieBreaksByBucketOrder(t *testing.T) {
	cfg := testConfig()
	score := *scoreOf(2.0)
	buckets := allBuckets()
	used := map[evidence.BucketName]bool{}

	// All five dimensions tie at deficit 1.0, so the mapped buckets win in
	// declaration order.
	want := []evidence.BucketName{
		evidence.BucketContentPerformance,
		evidence.BucketAnalyticsInsights,
		evidence.BucketExperienceTactics,
		evidence.BucketStrategicConstraints,
	}
	for i, expected := range want {
		added := selectContext(score, buckets, used, cfg)
		if len(added) != 1 || added[0].Name != expected {
			t.Fatalf("step %d: got %v, want %s", i+1, added, expected)
		}
		used[added[0].Name] = true
	}
}

func TestSelectContextEmptyWhenNoDeficit(t *testing.T) {
	cfg := testConfig()
	if added := selectContext(*scoreOf(5.0), allBuckets(), map[evidence.BucketName]bool{}, cfg); len(added) != 0 {
		t.Fatalf("no deficient dimension should select nothing, got %v", added)
	}
}

func TestSelectContextSkipsAbsentBuckets(t *testing.T) {
	cfg := testConfig()
	score := advice.QualityScore{Specificity: 1.0, StackAlignment: 2.0, MaturityFit: 5, MeasurementRigor: 5, Actionability: 5}
	buckets := evidence.Set{
		evidence.BucketExperienceTactics: {Name: evidence.BucketExperienceTactics},
	}
	added := selectContext(score, buckets, map[evidence.BucketName]bool{}, cfg)
	if len(added) != 1 || added[0].Name != evidence.BucketExperienceTactics {
		t.Fatalf("got %v, want experience-tactics (content-performance absent)", added)
	}
}

func TestSelectContextDeclarationOrderStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyDeclarationOrder
	used := map[evidence.BucketName]bool{evidence.BucketContentPerformance: true}

	added := selectContext(*scoreOf(5.0), allBuckets(), used, cfg)
	if len(added) != 1 || added[0].Name != evidence.BucketAnalyticsInsights {
		t.Fatalf("got %v, want analytics-insights", added)
	}
}

func TestConfidenceBoundariesExact(t *testing.T) {
	cases := []struct {
		overall float64
		want    advice.Confidence
	}{
		{4.0, advice.ConfidenceHigh},
		{4.5, advice.ConfidenceHigh},
		{3.999, advice.ConfidenceMedium},
		{3.0, advice.ConfidenceMedium},
		{2.999, advice.ConfidenceLow},
		{0, advice.ConfidenceLow},
	}
	for _, tc := range cases {
		if got := confidenceFor(tc.overall); got != tc.want {
			t.Fatalf("confidenceFor(%v) = %s, want %s", tc.overall, got, tc.want)
		}
	}
}

func TestFinalizeAggregatesBucketsFirstUseOrder(t *testing.T) {
	ec := newExecutionContext(testConfig(), "run-fin-001", time.Now().Add(-2*time.Second))
	ec.History = []advice.PassRecord{
		{Pass: 1, Score: *scoreOf(2.0), ContextsAdded: []string{"experience-tactics"}},
		{Pass: 2, Score: *scoreOf(3.4), ContextsAdded: []string{"analytics-insights", "experience-tactics"}},
	}

	final := finalize(*okDoc("Doc"), ec, time.Now())
	want := []string{"experience-tactics", "analytics-insights"}
	if len(final.Generation.ContextBucketsUsed) != len(want) {
		t.Fatalf("buckets used = %v, want %v", final.Generation.ContextBucketsUsed, want)
	}
	for i := range want {
		if final.Generation.ContextBucketsUsed[i] != want[i] {
			t.Fatalf("buckets used = %v, want %v", final.Generation.ContextBucketsUsed, want)
		}
	}
	if final.Generation.TotalPasses != 2 {
		t.Fatalf("total passes = %d, want 2", final.Generation.TotalPasses)
	}
	if final.Generation.FinalQuality == nil || final.Generation.FinalQuality.Overall != 3.4 {
		t.Fatalf("final quality = %+v, want last score", final.Generation.FinalQuality)
	}
	if final.Generation.Confidence != advice.ConfidenceMedium {
		t.Fatalf("confidence = %s, want medium", final.Generation.Confidence)
	}
	if final.Generation.DurationMS < 2000 {
		t.Fatalf("duration = %dms, want >= 2000", final.Generation.DurationMS)
	}
	if final.Generation.CorrelationID != "run-fin-001" {
		t.Fatalf("correlation id = %q", final.Generation.CorrelationID)
	}
}

func TestFallbackIsPureAndValid(t *testing.T) {
	p := testProfile()
	first := Fallback(p)
	second := Fallback(p)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("fallback is not deterministic")
	}
	if err := advice.ValidateResult(first); err != nil {
		t.Fatalf("fallback result invalid: %v", err)
	}
	if !first.Generation.Degraded {
		t.Fatalf("fallback result must be marked degraded")
	}
	if !strings.Contains(first.Summary, "without model assistance") {
		t.Fatalf("fallback summary must say it is degraded: %q", first.Summary)
	}
}

func TestPresets(t *testing.T) {
	fast, err := Preset("fast")
	if err != nil {
		t.Fatalf("Preset(fast): %v", err)
	}
	if fast.MaxPasses != 1 || fast.QualityThreshold != 3.0 {
		t.Fatalf("fast preset = %+v", fast)
	}

	hq, err := Preset("high-quality")
	if err != nil {
		t.Fatalf("Preset(high-quality): %v", err)
	}
	def := DefaultConfig()
	if hq.MaxPasses != def.MaxPasses || hq.QualityThreshold != def.QualityThreshold {
		t.Fatalf("high-quality preset diverges from DefaultConfig")
	}

	comp, err := Preset("comprehensive")
	if err != nil {
		t.Fatalf("Preset(comprehensive): %v", err)
	}
	if !comp.EnableConsistencyCheck || comp.MaxPasses != 5 {
		t.Fatalf("comprehensive preset = %+v", comp)
	}

	if _, err := Preset("turbo"); err == nil {
		t.Fatalf("unknown preset should error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.MaxPasses = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("max passes 0 should be rejected")
	}

	bad = cfg
	bad.QualityThreshold = 5.5
	if err := bad.Validate(); err == nil {
		t.Fatalf("threshold 5.5 should be rejected")
	}

	bad = cfg
	bad.Strategy = SelectionStrategy("random")
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown strategy should be rejected")
	}

	if _, err := ParseSelectionStrategy("declaration-order"); err != nil {
		t.Fatalf("declaration-order should parse: %v", err)
	}
	if _, err := ParseSelectionStrategy("chaotic"); err == nil {
		t.Fatalf("unknown strategy should not parse")
	}
}

func hasNote(result advice.GenerationResult, fragment string) bool {
	for _, note := range result.Generation.DataQualityNotes {
		if strings.Contains(note, fragment) {
			return true
		}
	}
	return false
}
