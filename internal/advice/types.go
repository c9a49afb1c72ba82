package advice

import (
	"fmt"
	"strings"
)

// ResultSchemaVersion is the schema_version stamped on every generation result.
const ResultSchemaVersion = "1.0"

// Priority ranks a recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority converts the wire string form into a priority.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.TrimSpace(value)) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return Priority(value), fmt.Errorf("invalid priority %q (expected high, medium, or low)", value)
	}
}

// Confidence labels how much trust the engine places in a finished result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Dimension identifies one of the five fixed quality axes.
// The declaration order is the canonical tie-break order everywhere
// dimensions are ranked.
type Dimension int

const (
	DimSpecificity Dimension = iota
	DimStackAlignment
	DimMaturityFit
	DimMeasurementRigor
	DimActionability
)

// AllDimensions lists every dimension in declaration order.
var AllDimensions = []Dimension{
	DimSpecificity,
	DimStackAlignment,
	DimMaturityFit,
	DimMeasurementRigor,
	DimActionability,
}

func (d Dimension) String() string {
	switch d {
	case DimSpecificity:
		return "specificity"
	case DimStackAlignment:
		return "stack_alignment"
	case DimMaturityFit:
		return "maturity_fit"
	case DimMeasurementRigor:
		return "measurement_rigor"
	case DimActionability:
		return "actionability"
	}
	return fmt.Sprintf("Dimension(%d)", int(d))
}

// QualityScore is one scoring pass over a result. Scores are fresh each
// pass and never merged with earlier passes. All values live in [0, 5].
type QualityScore struct {
	Specificity      float64  `json:"specificity"`
	StackAlignment   float64  `json:"stack_alignment"`
	MaturityFit      float64  `json:"maturity_fit"`
	MeasurementRigor float64  `json:"measurement_rigor"`
	Actionability    float64  `json:"actionability"`
	Overall          float64  `json:"overall"`
	Issues           []string `json:"issues,omitempty"`
}

// Value returns the score for a single dimension.
func (s QualityScore) Value(d Dimension) float64 {
	switch d {
	case DimSpecificity:
		return s.Specificity
	case DimStackAlignment:
		return s.StackAlignment
	case DimMaturityFit:
		return s.MaturityFit
	case DimMeasurementRigor:
		return s.MeasurementRigor
	case DimActionability:
		return s.Actionability
	}
	return 0
}

// SetValue assigns the score for a single dimension.
func (s *QualityScore) SetValue(d Dimension, v float64) {
	switch d {
	case DimSpecificity:
		s.Specificity = v
	case DimStackAlignment:
		s.StackAlignment = v
	case DimMaturityFit:
		s.MaturityFit = v
	case DimMeasurementRigor:
		s.MeasurementRigor = v
	case DimActionability:
		s.Actionability = v
	}
}

// Recommendation is a single strategic recommendation inside a result.
type Recommendation struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Rationale      string   `json:"rationale"`
	Priority       Priority `json:"priority"`
	Timeline       string   `json:"timeline,omitempty"`
	KPIs           []string `json:"kpis"`
	StackRefs      []string `json:"stack_refs,omitempty"`
	Evidence       []string `json:"evidence"`
	ExpectedImpact string   `json:"expected_impact,omitempty"`
}

// Meta is the generation block stamped onto a finalized result.
type Meta struct {
	TotalPasses        int           `json:"total_passes"`
	FinalQuality       *QualityScore `json:"final_quality,omitempty"`
	ContextBucketsUsed []string      `json:"context_buckets_used"`
	DurationMS         int64         `json:"duration_ms"`
	Confidence         Confidence    `json:"confidence"`
	DataQualityNotes   []string      `json:"data_quality_notes,omitempty"`
	CorrelationID      string        `json:"correlation_id"`
	Degraded           bool          `json:"degraded,omitempty"`
	GeneratedAt        string        `json:"generated_at"`
}

// GenerationResult is a complete advisory output. Each refinement pass
// replaces the whole result; nothing patches a result in place.
type GenerationResult struct {
	SchemaVersion   string           `json:"schema_version"`
	Title           string           `json:"title"`
	Summary         string           `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	Generation      Meta             `json:"generation"`
}

// PassRecord captures one completed measurement inside a run. Score is the
// quality measured at the start of the pass, before any refinement the pass
// performed.
type PassRecord struct {
	Pass          int          `json:"pass"`
	Score         QualityScore `json:"score"`
	ContextsAdded []string     `json:"contexts_added"`
	DurationMS    int64        `json:"duration_ms"`
}
