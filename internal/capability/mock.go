package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
	"stratagen/internal/profile"
	"stratagen/internal/quality"
)

// Mock is a deterministic, offline capability used for end-to-end testing of
// the pass loop. Generation and refinement derive entirely from the profile
// and the evidence handed in, so repeated runs produce identical documents.
//
// Scoring uses the heuristic scorer unless ScriptedScores is set, in which
// case call N returns the Nth value across every dimension (the last value
// repeats once the script runs out). The Fail fields force individual stages
// to fail for failure-path tests.
type Mock struct {
	ScriptedScores     []float64
	FailGenerate       bool
	FailScore          bool
	FailScoreOnCall    int
	FailRefine         bool
	FailConsistency    bool
	ConsistencyRewrite *advice.GenerationResult

	mu         sync.Mutex
	scoreCalls int
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) GenerateInitial(ctx context.Context, inv Invocation) Result[*advice.GenerationResult] {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	if m.FailGenerate {
		return Fail[*advice.GenerationResult](errors.New("mock: generation failed"), time.Since(start))
	}
	return Ok(buildInitial(inv.Profile), time.Since(start))
}

func (m *Mock) ScoreQuality(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.QualityScore] {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Fail[*advice.QualityScore](err, time.Since(start))
	}
	m.mu.Lock()
	m.scoreCalls++
	call := m.scoreCalls
	m.mu.Unlock()

	if m.FailScore || (m.FailScoreOnCall > 0 && call == m.FailScoreOnCall) {
		return Fail[*advice.QualityScore](fmt.Errorf("mock: scoring call %d failed", call), time.Since(start))
	}
	if len(m.ScriptedScores) > 0 {
		idx := call - 1
		if idx >= len(m.ScriptedScores) {
			idx = len(m.ScriptedScores) - 1
		}
		value := m.ScriptedScores[idx]
		score := &advice.QualityScore{Overall: value}
		for _, dim := range advice.AllDimensions {
			score.SetValue(dim, value)
		}
		return Ok(score, time.Since(start))
	}
	score := quality.HeuristicScore(*result, inv.Profile)
	return Ok(&score, time.Since(start))
}

func (m *Mock) RefineWithContext(ctx context.Context, inv Invocation, prev *advice.GenerationResult, score *advice.QualityScore, added []evidence.Bucket) Result[*advice.GenerationResult] {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	if m.FailRefine {
		return Fail[*advice.GenerationResult](errors.New("mock: refinement failed"), time.Since(start))
	}

	next := cloneResult(prev)
	refs := bucketRefs(added)
	p := inv.Profile
	for i := range next.Recommendations {
		rec := &next.Recommendations[i]
		if len(refs) > 0 {
			rec.Evidence = appendMissing(rec.Evidence, refs[i%len(refs)])
		}
		if rec.Timeline == "" {
			rec.Timeline = timelineFor(p.Maturity)
		}
		if rec.ExpectedImpact == "" && len(rec.KPIs) > 0 {
			rec.ExpectedImpact = fmt.Sprintf("Projected to lift %s within 90 days.", rec.KPIs[0])
		}
		if len(rec.StackRefs) == 0 && len(p.Stack) > 0 && hasBucket(added, evidence.BucketExperienceTactics) {
			rec.StackRefs = []string{p.Stack[i%len(p.Stack)]}
		}
	}
	for _, bucket := range added {
		next.Summary += fmt.Sprintf(" Refined with %s evidence.", bucket.Name)
	}
	return Ok(next, time.Since(start))
}

func (m *Mock) CheckConsistency(ctx context.Context, inv Invocation, result *advice.GenerationResult) Result[*advice.GenerationResult] {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Fail[*advice.GenerationResult](err, time.Since(start))
	}
	if m.FailConsistency {
		return Fail[*advice.GenerationResult](errors.New("mock: consistency check failed"), time.Since(start))
	}
	if m.ConsistencyRewrite != nil {
		return Ok(cloneResult(m.ConsistencyRewrite), time.Since(start))
	}
	return Ok(cloneResult(result), time.Since(start))
}

func buildInitial(p profile.Profile) *advice.GenerationResult {
	goals := p.Goals
	if len(goals) > 3 {
		goals = goals[:3]
	}
	if len(goals) == 0 {
		goals = []string{"establish a measurement baseline"}
	}

	recs := make([]advice.Recommendation, 0, len(goals))
	for i, goal := range goals {
		priority := advice.PriorityMedium
		if i == 0 {
			priority = advice.PriorityHigh
		}
		kpis := []string{}
		if len(p.KPIs) > 0 {
			kpis = append(kpis, p.KPIs[i%len(p.KPIs)])
		}
		rec := advice.Recommendation{
			ID:        fmt.Sprintf("REC-%d", i+1),
			Title:     fmt.Sprintf("Focus effort on: %s", goal),
			Rationale: fmt.Sprintf("The %s profile for %s names %q as a stated goal, and the current %s phase leaves room to move it.", p.Industry, p.Name, goal, p.Maturity),
			Priority:  priority,
			KPIs:      kpis,
			Evidence:  []string{},
		}
		if i == 0 {
			rec.Timeline = "next 30 days"
		}
		recs = append(recs, rec)
	}

	return &advice.GenerationResult{
		SchemaVersion:   advice.ResultSchemaVersion,
		Title:           fmt.Sprintf("Strategy recommendations for %s", p.Name),
		Summary:         fmt.Sprintf("Initial %s-phase recommendations for %s covering %d goal(s).", p.Maturity, p.Name, len(goals)),
		Recommendations: recs,
	}
}

func cloneResult(in *advice.GenerationResult) *advice.GenerationResult {
	out := *in
	out.Recommendations = make([]advice.Recommendation, len(in.Recommendations))
	for i, rec := range in.Recommendations {
		rec.KPIs = append([]string(nil), rec.KPIs...)
		rec.StackRefs = append([]string(nil), rec.StackRefs...)
		rec.Evidence = append([]string(nil), rec.Evidence...)
		out.Recommendations[i] = rec
	}
	out.Generation.FinalQuality = nil
	out.Generation.ContextBucketsUsed = append([]string(nil), in.Generation.ContextBucketsUsed...)
	out.Generation.DataQualityNotes = append([]string(nil), in.Generation.DataQualityNotes...)
	return &out
}

func bucketRefs(buckets []evidence.Bucket) []string {
	var refs []string
	for _, bucket := range buckets {
		for _, entry := range bucket.Entries {
			if entry.Ref != "" {
				refs = append(refs, entry.Ref)
			}
		}
	}
	return refs
}

func appendMissing(list []string, value string) []string {
	for _, have := range list {
		if strings.EqualFold(have, value) {
			return list
		}
	}
	return append(list, value)
}

func hasBucket(buckets []evidence.Bucket, name evidence.BucketName) bool {
	for _, bucket := range buckets {
		if bucket.Name == name {
			return true
		}
	}
	return false
}

func timelineFor(phase profile.MaturityPhase) string {
	switch phase {
	case profile.MaturityFoundational:
		return "next 30 days"
	case profile.MaturityIntermediate:
		return "next 60 days"
	default:
		return "next quarter"
	}
}
