package engine

import (
	"fmt"

	"stratagen/internal/advice"
	"stratagen/internal/profile"
)

// Fallback builds a minimally valid result from the profile alone. It makes
// no external calls and cannot fail; the output is marked degraded and the
// summary says so, so callers never mistake it for model output.
func Fallback(p profile.Profile) advice.GenerationResult {
	goals := p.Goals
	if len(goals) > 3 {
		goals = goals[:3]
	}
	if len(goals) == 0 {
		goals = []string{"establish a measurement baseline"}
	}

	recs := make([]advice.Recommendation, 0, len(goals))
	for i, goal := range goals {
		kpis := []string{}
		if len(p.KPIs) > 0 {
			kpis = append(kpis, p.KPIs[i%len(p.KPIs)])
		}
		recs = append(recs, advice.Recommendation{
			ID:        fmt.Sprintf("FB-%d", i+1),
			Title:     fmt.Sprintf("Baseline plan: %s", goal),
			Rationale: fmt.Sprintf("Standing %s-phase recommendation derived from the %s profile without model assistance; targets the stated goal %q.", p.Maturity, p.Industry, goal),
			Priority:  advice.PriorityMedium,
			Timeline:  "next 30 days",
			KPIs:      kpis,
			Evidence:  []string{},
		})
	}

	return advice.GenerationResult{
		SchemaVersion:   advice.ResultSchemaVersion,
		Title:           fmt.Sprintf("Baseline recommendations for %s", p.Name),
		Summary:         fmt.Sprintf("Degraded fallback output for %s, generated from the profile template without model assistance. Review before acting.", p.Name),
		Recommendations: recs,
		Generation:      advice.Meta{Degraded: true},
	}
}
