package capability

import (
	"context"
	"errors"
	"time"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
)

// Invocation carries the per-call inputs shared by every capability
// operation. Evidence holds the buckets already given to the capability in
// earlier passes of the same run, in declaration order. Guidance carries
// the quality gate's violations and improvement suggestions for refinement
// calls; capabilities treat the strings as opaque prompt material.
type Invocation struct {
	CorrelationID string
	Pass          int
	ArtifactsDir  string
	Profile       profile.Profile
	Evidence      []evidence.Bucket
	Guidance      []string
}

// Result wraps a capability response. Duration covers the full call
// including any transport. A failed call carries Err and a zero Payload.
type Result[T any] struct {
	Success  bool
	Payload  T
	Err      string
	Duration time.Duration
}

// Ok builds a successful result.
func Ok[T any](payload T, d time.Duration) Result[T] {
	return Result[T]{Success: true, Payload: payload, Duration: d}
}

// Fail builds a failed result from err.
func Fail[T any](err error, d time.Duration) Result[T] {
	var zero T
	return Result[T]{Success: false, Payload: zero, Err: err.Error(), Duration: d}
}

// Failure returns the result's error, or nil for a successful result.
func (r Result[T]) Failure() error {
	if r.Success || r.Err == "" {
		return nil
	}
	return errors.New(r.Err)
}

// Capability is the generation backend driven by the pass loop. Every
// method returns an envelope, never an error: the caller decides from
// Success whether the stage failed. CheckConsistency returns the checked
// document, possibly with contradictions resolved; the caller discards the
// output and keeps its own copy when the call fails.
type Capability interface {
	Name() string
	GenerateInitial(ctx context.Context, inv Invocation) Result[*advice.GenerationResult]
	ScoreQuality(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.QualityScore]
	RefineWithContext(ctx context.Context, inv Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) Result[*advice.GenerationResult]
	CheckConsistency(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.GenerationResult]
}
