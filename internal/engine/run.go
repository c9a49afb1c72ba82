package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stratagen/internal/advice"
	"stratagen/internal/capability"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
	"stratagen/internal/quality"
)

// AuditLogger receives engine audit events; *audit.Logger satisfies it.
// A nil logger disables auditing.
type AuditLogger interface {
	LogEvent(actor string, eventType string, payload any) error
}

const auditActor = "engine"

// Options wires one run. Profile and Capability are required. Buckets may
// be nil or empty, which forces base-only generation. A fully zero Config
// is replaced with DefaultConfig; CorrelationID is assigned when empty.
type Options struct {
	Profile       profile.Profile
	Buckets       evidence.Set
	Config        Config
	CorrelationID string
	Capability    capability.Capability
	ArtifactsDir  string
	Audit         AuditLogger
	Logger        *zap.Logger
}

// Run drives the full pass loop for one profile: initial generation, then
// score / gate / select / refine until the threshold is met, passes or
// context run out, or a capability fails. With fallback enabled the call
// always returns a structurally valid result and a nil error; threshold
// misses and budget exhaustion surface through confidence and data-quality
// notes, never as errors.
func Run(ctx context.Context, opts Options) (result advice.GenerationResult, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capability == nil {
		return advice.GenerationResult{}, errors.New("capability is required")
	}

	cfg := opts.Config
	if cfg.MaxPasses <= 0 && cfg.QualityThreshold == 0 && cfg.Strategy == "" {
		cfg = DefaultConfig()
	}
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = 1
	}

	ec := newExecutionContext(cfg, opts.CorrelationID, time.Now())
	log := logger.With(zap.String("correlation_id", ec.CorrelationID), zap.String("profile_id", opts.Profile.ID))

	artifacts, aerr := newArtifactWriter(opts.ArtifactsDir)
	if aerr != nil {
		log.Warn("artifacts disabled", zap.Error(aerr))
	}

	// A panic escaping the loop is a fatal failure, not a crash: it becomes
	// a fallback result or a typed error at this barrier.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause := fmt.Errorf("panic: %v", r)
		log.Error("run panicked", zap.Any("panic", r), zap.String("state", ec.State.String()))
		ec.recordError(ec.State, cause)
		if cfg.EnableFallback {
			result, err = finishFallback(opts, ec, cause, artifacts, log), nil
			return
		}
		result = advice.GenerationResult{}
		err = &Error{Stage: ec.State, CorrelationID: ec.CorrelationID, Recoverable: false, cause: cause}
	}()

	auditEvent(opts.Audit, "run_started", map[string]any{
		"correlation_id": ec.CorrelationID,
		"profile_id":     opts.Profile.ID,
		"capability":     opts.Capability.Name(),
		"max_passes":     cfg.MaxPasses,
		"threshold":      cfg.QualityThreshold,
	})

	given := []evidence.Bucket{}
	used := make(map[evidence.BucketName]bool)

	baseInv := func() capability.Invocation {
		return capability.Invocation{
			CorrelationID: ec.CorrelationID,
			Pass:          ec.Pass,
			ArtifactsDir:  opts.ArtifactsDir,
			Profile:       opts.Profile,
			Evidence:      given,
		}
	}

	ec.State = StateGenerating
	genCtx, cancelGen := callContext(ctx, cfg.CallTimeout)
	genRes := opts.Capability.GenerateInitial(genCtx, baseInv())
	cancelGen()
	if genRes.Success {
		if verr := advice.ValidateResult(*genRes.Payload); verr != nil {
			genRes = capability.Fail[*advice.GenerationResult](fmt.Errorf("invalid generation payload: %w", verr), genRes.Duration)
		}
	}
	if !genRes.Success {
		cause := genRes.Failure()
		if cause == nil {
			cause = errors.New("generation failed")
		}
		ec.recordError(StateGenerating, cause)
		log.Warn("initial generation failed", zap.Error(cause))
		if cfg.EnableFallback {
			return finishFallback(opts, ec, fmt.Errorf("initial generation failed: %w", cause), artifacts, log), nil
		}
		return advice.GenerationResult{}, &Error{Stage: StateGenerating, CorrelationID: ec.CorrelationID, Recoverable: true, cause: cause}
	}
	current := genRes.Payload
	log.Info("initial generation complete",
		zap.Int("recommendations", len(current.Recommendations)),
		zap.Duration("took", genRes.Duration))
	if werr := artifacts.writeRevision(*current); werr != nil {
		log.Warn("write revision artifact", zap.Error(werr))
	}

	reqs := quality.Requirements{Minimums: cfg.Minimums, RequireEvidence: cfg.RequireEvidence}
	stop := ""

	passFinished := func(outcome string, overall float64, names []string) {
		payload := map[string]any{
			"correlation_id": ec.CorrelationID,
			"pass":           ec.Pass,
			"outcome":        outcome,
		}
		if overall >= 0 {
			payload["overall"] = overall
		}
		if len(names) > 0 {
			payload["contexts_added"] = names
		}
		auditEvent(opts.Audit, "pass_finished", payload)
	}

	for ec.Pass <= cfg.MaxPasses {
		// Budget and cancellation are checked at pass boundaries only;
		// both are ordinary exits, not errors.
		if cerr := ctx.Err(); cerr != nil {
			log.Warn("run cancelled at pass boundary", zap.Int("pass", ec.Pass), zap.Error(cerr))
			stop = "cancelled"
			break
		}
		if cfg.Timeout > 0 && time.Since(ec.StartedAt) >= cfg.Timeout {
			log.Warn("time budget exhausted at pass boundary", zap.Int("pass", ec.Pass))
			stop = "budget-exhausted"
			break
		}

		auditEvent(opts.Audit, "pass_started", map[string]any{
			"correlation_id": ec.CorrelationID,
			"pass":           ec.Pass,
		})
		passStart := time.Now()

		ec.State = StateScoring
		scoreCtx, cancelScore := callContext(ctx, cfg.CallTimeout)
		scoreRes := opts.Capability.ScoreQuality(scoreCtx, baseInv(), current)
		cancelScore()
		if scoreRes.Success {
			if verr := advice.ValidateScore(*scoreRes.Payload); verr != nil {
				scoreRes = capability.Fail[*advice.QualityScore](fmt.Errorf("invalid score payload: %w", verr), scoreRes.Duration)
			}
		}
		if !scoreRes.Success {
			ec.recordError(StateScoring, scoreRes.Failure())
			log.Warn("scoring failed, stopping", zap.Int("pass", ec.Pass), zap.String("err", scoreRes.Err))
			stop = "scoring-failed"
			passFinished(stop, -1, nil)
			break
		}
		score := *scoreRes.Payload
		ec.History = append(ec.History, advice.PassRecord{
			Pass:          ec.Pass,
			Score:         score,
			ContextsAdded: []string{},
			DurationMS:    time.Since(passStart).Milliseconds(),
		})
		recIdx := len(ec.History) - 1
		log.Info("pass scored", zap.Int("pass", ec.Pass), zap.Float64("overall", score.Overall))

		if score.Overall >= cfg.QualityThreshold {
			stop = "threshold-met"
			passFinished(stop, score.Overall, nil)
			break
		}
		if ec.Pass == cfg.MaxPasses {
			stop = "passes-exhausted"
			passFinished(stop, score.Overall, nil)
			break
		}

		ec.State = StateSelectingContext
		added := selectContext(score, opts.Buckets, used, cfg)
		if len(added) == 0 {
			stop = "context-exhausted"
			passFinished(stop, score.Overall, nil)
			break
		}

		report := quality.ValidateRequirements(*current, score, reqs)
		guidance := append(append([]string{}, report.Violations...), quality.SuggestImprovements(score)...)

		ec.State = StateRefining
		refInv := baseInv()
		refInv.Guidance = guidance
		refCtx, cancelRef := callContext(ctx, cfg.CallTimeout)
		refRes := opts.Capability.RefineWithContext(refCtx, refInv, current, &score, added)
		cancelRef()
		if refRes.Success {
			if verr := advice.ValidateResult(*refRes.Payload); verr != nil {
				refRes = capability.Fail[*advice.GenerationResult](fmt.Errorf("invalid refinement payload: %w", verr), refRes.Duration)
			}
		}
		if !refRes.Success {
			ec.recordError(StateRefining, refRes.Failure())
			log.Warn("refinement failed, keeping current revision", zap.Int("pass", ec.Pass), zap.String("err", refRes.Err))
			stop = "refinement-failed"
			passFinished(stop, score.Overall, nil)
			break
		}
		current = refRes.Payload

		names := make([]string, 0, len(added))
		for _, bucket := range added {
			used[bucket.Name] = true
			names = append(names, bucket.Name.String())
			given = append(given, bucket)
		}
		ec.History[recIdx].ContextsAdded = names
		ec.History[recIdx].DurationMS = time.Since(passStart).Milliseconds()
		if werr := artifacts.writeRevision(*current); werr != nil {
			log.Warn("write revision artifact", zap.Error(werr))
		}
		log.Info("pass refined", zap.Int("pass", ec.Pass), zap.Strings("contexts_added", names))
		passFinished("refined", score.Overall, names)
		ec.Pass++
	}

	if cfg.EnableConsistencyCheck {
		ec.State = StateConsistencyChecking
		conCtx, cancelCon := callContext(ctx, cfg.CallTimeout)
		conRes := opts.Capability.CheckConsistency(conCtx, baseInv(), current)
		cancelCon()
		switch {
		case !conRes.Success:
			ec.recordError(StateConsistencyChecking, conRes.Failure())
			log.Warn("consistency check failed, keeping pre-check result", zap.String("err", conRes.Err))
		default:
			if verr := advice.ValidateResult(*conRes.Payload); verr != nil {
				ec.recordError(StateConsistencyChecking, fmt.Errorf("invalid consistency payload: %w", verr))
				log.Warn("consistency check returned an invalid document, keeping pre-check result", zap.Error(verr))
			} else {
				current = conRes.Payload
			}
		}
	}

	final := finalize(*current, ec, time.Now())
	ec.State = StateFinalized

	if werr := artifacts.writePasses(ec.History); werr != nil {
		log.Warn("write passes artifact", zap.Error(werr))
	}
	if werr := artifacts.writeResult(final); werr != nil {
		log.Warn("write result artifact", zap.Error(werr))
	}

	log.Info("run finished",
		zap.Int("total_passes", final.Generation.TotalPasses),
		zap.String("confidence", string(final.Generation.Confidence)),
		zap.String("stop", stop),
		zap.Int64("duration_ms", final.Generation.DurationMS))
	auditEvent(opts.Audit, "run_finished", map[string]any{
		"correlation_id": ec.CorrelationID,
		"profile_id":     opts.Profile.ID,
		"total_passes":   final.Generation.TotalPasses,
		"confidence":     string(final.Generation.Confidence),
		"stop":           stop,
		"degraded":       final.Generation.Degraded,
	})
	return final, nil
}

// finishFallback synthesizes, finalizes, and records the degraded result
// used when generation fails outright or a panic escapes the loop.
func finishFallback(opts Options, ec *ExecutionContext, cause error, artifacts *artifactWriter, log *zap.Logger) advice.GenerationResult {
	fb := Fallback(opts.Profile)
	fb.Generation.DataQualityNotes = append(fb.Generation.DataQualityNotes,
		fmt.Sprintf("deterministic fallback used: %v", cause))
	final := finalize(fb, ec, time.Now())
	ec.State = StateFallbackFinalized

	if werr := artifacts.writeResult(final); werr != nil {
		log.Warn("write result artifact", zap.Error(werr))
	}
	log.Info("run finished with fallback", zap.String("cause", cause.Error()))
	auditEvent(opts.Audit, "run_finished", map[string]any{
		"correlation_id": ec.CorrelationID,
		"profile_id":     opts.Profile.ID,
		"total_passes":   final.Generation.TotalPasses,
		"confidence":     string(final.Generation.Confidence),
		"stop":           "fallback",
		"degraded":       true,
	})
	return final
}

func auditEvent(a AuditLogger, eventType string, payload map[string]any) {
	if a == nil {
		return
	}
	_ = a.LogEvent(auditActor, eventType, payload)
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
