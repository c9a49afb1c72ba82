package engine

import (
	"fmt"
	"strings"
	"time"

	"stratagen/internal/advice"
)

// confidenceFor maps the last measured overall score onto the confidence
// label. The bands are exact at the boundaries.
func confidenceFor(overall float64) advice.Confidence {
	switch {
	case overall >= 4.0:
		return advice.ConfidenceHigh
	case overall >= 3.0:
		return advice.ConfidenceMedium
	default:
		return advice.ConfidenceLow
	}
}

// finalize stamps the generation metadata onto the result: confidence from
// the last measured score, aggregated bucket usage in first-use order,
// compiled data-quality notes, pass count, duration, and correlation id.
// Notes already present on the result (the fallback reason) are kept.
func finalize(result advice.GenerationResult, ec *ExecutionContext, finishedAt time.Time) advice.GenerationResult {
	meta := result.Generation

	meta.TotalPasses = len(ec.History)
	if meta.TotalPasses < 1 {
		meta.TotalPasses = 1
	}
	meta.ContextBucketsUsed = bucketsUsed(ec.History)

	if len(ec.History) > 0 {
		last := ec.History[len(ec.History)-1].Score
		meta.FinalQuality = &last
		meta.Confidence = confidenceFor(last.Overall)
	} else {
		meta.FinalQuality = nil
		meta.Confidence = advice.ConfidenceLow
	}

	if len(ec.Errors) > 0 {
		meta.DataQualityNotes = append(meta.DataQualityNotes,
			fmt.Sprintf("%d error(s) recorded during generation: %s", len(ec.Errors), strings.Join(ec.Errors, "; ")))
	}
	if meta.Confidence == advice.ConfidenceLow {
		meta.DataQualityNotes = append(meta.DataQualityNotes, "confidence is low; treat these recommendations as directional")
	}
	if len(meta.ContextBucketsUsed) == 0 {
		meta.DataQualityNotes = append(meta.DataQualityNotes, "no context buckets were applied; output rests on the profile alone")
	}

	meta.DurationMS = finishedAt.Sub(ec.StartedAt).Milliseconds()
	meta.CorrelationID = ec.CorrelationID
	meta.GeneratedAt = finishedAt.UTC().Format(time.RFC3339)

	result.Generation = meta
	return result
}

// bucketsUsed aggregates bucket names across all passes, deduplicated,
// preserving first-use order.
func bucketsUsed(history []advice.PassRecord) []string {
	used := []string{}
	seen := make(map[string]bool)
	for _, record := range history {
		for _, name := range record.ContextsAdded {
			if seen[name] {
				continue
			}
			seen[name] = true
			used = append(used, name)
		}
	}
	return used
}
