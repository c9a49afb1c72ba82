package quality

import (
	"fmt"

	"stratagen/internal/advice"
)

// suggestBelow is the score under which a dimension earns an improvement
// suggestion for the next refinement pass.
const suggestBelow = 3.5

// Requirements configures the quality gate.
type Requirements struct {
	// Minimums maps dimensions to the lowest acceptable score. Dimensions
	// absent from the map are not checked.
	Minimums map[advice.Dimension]float64

	// RequireEvidence additionally demands that every recommendation cites
	// at least one evidence ref.
	RequireEvidence bool
}

// Report is the outcome of a gate check.
type Report struct {
	Valid      bool
	Violations []string
}

// ValidateRequirements checks a scored result against the configured gate.
// It is side-effect free and usable outside the engine loop.
func ValidateRequirements(result advice.GenerationResult, score advice.QualityScore, reqs Requirements) Report {
	var violations []string

	for _, d := range advice.AllDimensions {
		min, ok := reqs.Minimums[d]
		if !ok {
			continue
		}
		if v := score.Value(d); v < min {
			violations = append(violations, fmt.Sprintf("%s score %.2f below minimum %.2f", d, v, min))
		}
	}

	if reqs.RequireEvidence {
		for i, rec := range result.Recommendations {
			if len(rec.Evidence) == 0 {
				violations = append(violations, fmt.Sprintf("recommendations[%d] (%s) cites no evidence", i, rec.ID))
			}
		}
	}

	return Report{
		Valid:      len(violations) == 0,
		Violations: violations,
	}
}

// SuggestImprovements returns one suggestion per dimension scoring below 3.5,
// in fixed dimension order. The engine hands these verbatim to the refinement
// capability as prompt guidance.
func SuggestImprovements(score advice.QualityScore) []string {
	var suggestions []string
	for _, d := range advice.AllDimensions {
		if score.Value(d) >= suggestBelow {
			continue
		}
		suggestions = append(suggestions, suggestionFor(d))
	}
	return suggestions
}

func suggestionFor(d advice.Dimension) string {
	switch d {
	case advice.DimSpecificity:
		return "Replace generic language with concrete, profile-specific detail and cite evidence refs for each claim"
	case advice.DimStackAlignment:
		return "Tie recommendations to the organization's configured stack components via stack_refs"
	case advice.DimMaturityFit:
		return "Match tactics to the profile's maturity phase and stage advanced tactics behind prerequisites"
	case advice.DimMeasurementRigor:
		return "Attach measurable KPIs and a quantified expected impact to every recommendation"
	case advice.DimActionability:
		return "Give every recommendation a timeline and a concrete first step"
	}
	return fmt.Sprintf("Improve the %s dimension", d)
}
