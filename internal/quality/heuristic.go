package quality

import (
	"fmt"
	"math"
	"strings"

	"stratagen/internal/advice"
	"stratagen/internal/profile"
)

// Phrases that mark boilerplate advice. Any hit costs specificity.
var genericIndicators = []string{
	"generic recommendation",
	"standard practice",
	"general suggestion",
	"typical approach",
	"common strategy",
	"industry best practice",
	"placeholder",
}

// Phrases that mark advice grounded in the organization's own data.
var groundedIndicators = []string{
	"based on your data",
	"your current performance",
	"from your analytics",
	"your audience behavior",
	"data-driven",
}

// Recommendation-count guidance per maturity phase. More tactics than an
// organization can absorb reads as a poor maturity fit.
func recommendationCap(phase profile.MaturityPhase) int {
	switch phase {
	case profile.MaturityFoundational:
		return 3
	case profile.MaturityIntermediate:
		return 5
	case profile.MaturityAdvanced, profile.MaturityOptimized:
		return 8
	}
	return 5
}

// HeuristicScore rates a result against a profile without any external call.
// It is deterministic: the same result and profile always produce the same
// score. The offline capabilities use it as their scoring backend.
func HeuristicScore(result advice.GenerationResult, p profile.Profile) advice.QualityScore {
	recs := result.Recommendations
	if len(recs) == 0 {
		return advice.QualityScore{
			Specificity:      1,
			StackAlignment:   1,
			MaturityFit:      1,
			MeasurementRigor: 1,
			Actionability:    1,
			Overall:          1,
			Issues:           []string{"no recommendations"},
		}
	}

	var issues []string
	text := strings.ToLower(collectText(result))

	generic := containsAny(text, genericIndicators)
	grounded := containsAny(text, groundedIndicators)

	var withEvidence, withKPIs, withTimeline, withImpact, withStackRef, quantified int
	for _, rec := range recs {
		if len(rec.Evidence) > 0 {
			withEvidence++
		}
		if len(rec.KPIs) > 0 {
			withKPIs++
		}
		if strings.TrimSpace(rec.Timeline) != "" {
			withTimeline++
		}
		if strings.TrimSpace(rec.ExpectedImpact) != "" {
			withImpact++
			if containsDigit(rec.ExpectedImpact) {
				quantified++
			}
		}
		if refsStack(rec.StackRefs, p.Stack) {
			withStackRef++
		}
	}

	n := float64(len(recs))
	evidenceFrac := float64(withEvidence) / n

	specificity := 2.5
	if generic {
		specificity -= 1.5
		issues = append(issues, "generic phrasing detected")
	}
	if grounded {
		specificity += 0.5
	}
	specificity += 2.0 * evidenceFrac
	if withEvidence < len(recs) {
		issues = append(issues, fmt.Sprintf("%d of %d recommendations cite no evidence", len(recs)-withEvidence, len(recs)))
	}

	stackAlignment := 3.0
	if len(p.Stack) > 0 {
		stackAlignment = 1.5 + 3.5*float64(withStackRef)/n
		if withStackRef == 0 {
			issues = append(issues, "no recommendation references the configured stack")
		}
	}

	maturityFit := 3.0
	if limit := recommendationCap(p.Maturity); len(recs) > limit {
		maturityFit -= 1.5
		issues = append(issues, fmt.Sprintf("recommendation count %d exceeds %s guidance of %d", len(recs), p.Maturity, limit))
	} else {
		maturityFit += 0.5
	}
	if evidenceFrac > 0.5 {
		maturityFit += 0.5
	}

	measurementRigor := 1.0 + 2.5*float64(withKPIs)/n
	if quantified > 0 {
		measurementRigor += 0.75
	}
	if withImpact == len(recs) {
		measurementRigor += 0.75
	}
	if withKPIs < len(recs) {
		issues = append(issues, fmt.Sprintf("%d of %d recommendations name no kpi", len(recs)-withKPIs, len(recs)))
	}

	actionability := 1.5 + 2.0*float64(withTimeline)/n
	if len(recs) >= 2 {
		actionability += 0.5
	}
	if allRationalesSubstantial(recs) {
		actionability += 0.5
	}

	score := advice.QualityScore{
		Specificity:      clamp(specificity),
		StackAlignment:   clamp(stackAlignment),
		MaturityFit:      clamp(maturityFit),
		MeasurementRigor: clamp(measurementRigor),
		Actionability:    clamp(actionability),
		Issues:           issues,
	}
	score.Overall = Overall(score)
	return score
}

// Overall computes the rounded mean of the five dimensions.
func Overall(score advice.QualityScore) float64 {
	var sum float64
	for _, d := range advice.AllDimensions {
		sum += score.Value(d)
	}
	return round2(sum / float64(len(advice.AllDimensions)))
}

func collectText(result advice.GenerationResult) string {
	var b strings.Builder
	b.WriteString(result.Title)
	b.WriteString("\n")
	b.WriteString(result.Summary)
	for _, rec := range result.Recommendations {
		b.WriteString("\n")
		b.WriteString(rec.Title)
		b.WriteString("\n")
		b.WriteString(rec.Rationale)
	}
	return b.String()
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func refsStack(refs, stack []string) bool {
	for _, ref := range refs {
		for _, component := range stack {
			if strings.EqualFold(strings.TrimSpace(ref), strings.TrimSpace(component)) {
				return true
			}
		}
	}
	return false
}

func allRationalesSubstantial(recs []advice.Recommendation) bool {
	for _, rec := range recs {
		if len(strings.TrimSpace(rec.Rationale)) < 40 {
			return false
		}
	}
	return true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return round2(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
