package advice

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ParseModelResult strictly parses JSON produced by a generation capability.
// - Requires schema_version == "1.0"
// - Requires title, summary, and recommendations
// - Rejects any unknown/extra top-level fields (a generation block is tolerated
//   so refinement can round-trip finalized results)
func ParseModelResult(data []byte) (GenerationResult, error) {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return GenerationResult{}, fmt.Errorf("parse result json: %w", err)
	}

	allowedFields := map[string]bool{
		"schema_version":  true,
		"title":           true,
		"summary":         true,
		"recommendations": true,
		"generation":      true,
	}

	var extraFields []string
	for field := range rawMap {
		if !allowedFields[field] {
			extraFields = append(extraFields, field)
		}
	}
	if len(extraFields) > 0 {
		sort.Strings(extraFields)
		return GenerationResult{}, fmt.Errorf("result contains disallowed fields: %v", extraFields)
	}

	requiredFields := []string{"schema_version", "title", "summary", "recommendations"}
	for _, field := range requiredFields {
		if _, ok := rawMap[field]; !ok {
			return GenerationResult{}, fmt.Errorf("missing required field: %s", field)
		}
	}

	var result GenerationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return GenerationResult{}, fmt.Errorf("parse result structure: %w", err)
	}

	if err := ValidateResult(result); err != nil {
		return GenerationResult{}, err
	}
	return result, nil
}

// ValidateResult checks the structural rules every result must satisfy,
// finalized or not.
func ValidateResult(result GenerationResult) error {
	if result.SchemaVersion != ResultSchemaVersion {
		return fmt.Errorf("schema_version must be %q, got: %q", ResultSchemaVersion, result.SchemaVersion)
	}
	if strings.TrimSpace(result.Title) == "" {
		return fmt.Errorf("title must be a non-empty string")
	}
	if strings.TrimSpace(result.Summary) == "" {
		return fmt.Errorf("summary must be a non-empty string")
	}
	if result.Recommendations == nil {
		return fmt.Errorf("recommendations must be an array (can be empty)")
	}

	seen := make(map[string]struct{}, len(result.Recommendations))
	for i, rec := range result.Recommendations {
		if err := validateRecommendation(rec); err != nil {
			return fmt.Errorf("recommendations[%d]: %w", i, err)
		}
		if rec.ID != "" {
			if _, dup := seen[rec.ID]; dup {
				return fmt.Errorf("recommendations[%d]: duplicate id %q", i, rec.ID)
			}
			seen[rec.ID] = struct{}{}
		}
	}

	if used := result.Generation.ContextBucketsUsed; used != nil {
		bucketSeen := make(map[string]struct{}, len(used))
		for _, name := range used {
			if _, dup := bucketSeen[name]; dup {
				return fmt.Errorf("generation.context_buckets_used contains duplicate %q", name)
			}
			bucketSeen[name] = struct{}{}
		}
	}

	return nil
}

func validateRecommendation(rec Recommendation) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(rec.Rationale) == "" {
		return fmt.Errorf("rationale is required")
	}
	if _, err := ParsePriority(string(rec.Priority)); err != nil {
		return err
	}
	if rec.KPIs == nil {
		return fmt.Errorf("kpis must be an array of strings (can be empty)")
	}
	if rec.Evidence == nil {
		return fmt.Errorf("evidence must be an array of strings (can be empty)")
	}
	return nil
}

// ValidateScore checks that every dimension and the overall score sit in [0, 5].
func ValidateScore(score QualityScore) error {
	for _, d := range AllDimensions {
		v := score.Value(d)
		if v < 0 || v > 5 {
			return fmt.Errorf("%s score %.2f out of range [0, 5]", d, v)
		}
	}
	if score.Overall < 0 || score.Overall > 5 {
		return fmt.Errorf("overall score %.2f out of range [0, 5]", score.Overall)
	}
	return nil
}

// ValidateResultFile validates a result.json on disk.
func ValidateResultFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read result.json: %w", err)
	}
	if _, err := ParseModelResult(data); err != nil {
		return err
	}
	return nil
}

// ValidateResultFileWithDetails reports validation problems as a list,
// for callers that print a checklist instead of failing fast.
func ValidateResultFileWithDetails(path string) (bool, []string) {
	if err := ValidateResultFile(path); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}
