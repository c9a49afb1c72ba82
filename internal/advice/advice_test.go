package advice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validResult() GenerationResult {
	return GenerationResult{
		SchemaVersion: ResultSchemaVersion,
		Title:         "Growth strategy for Acme Retail",
		Summary:       "Three initiatives targeting conversion rate and checkout flow.",
		Recommendations: []Recommendation{
			{
				ID:        "REC-1",
				Title:     "Run checkout A/B test",
				Rationale: "Checkout abandonment is 12 points above the vertical median.",
				Priority:  PriorityHigh,
				Timeline:  "30 days",
				KPIs:      []string{"conversion_rate"},
				Evidence:  []string{"content-performance:cp-001"},
			},
		},
	}
}

func TestParseModelResultValid(t *testing.T) {
	data, err := json.Marshal(validResult())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	result, err := ParseModelResult(data)
	if err != nil {
		t.Fatalf("ParseModelResult() failed for valid result: %v", err)
	}
	if len(result.Recommendations) != 1 || result.Recommendations[0].ID != "REC-1" {
		t.Fatalf("unexpected recommendations %+v", result.Recommendations)
	}
}

func TestParseModelResultExtraFields(t *testing.T) {
	raw := map[string]any{
		"schema_version":  ResultSchemaVersion,
		"title":           "t",
		"summary":         "s",
		"recommendations": []any{},
		"extra_field":     "should not be here",
	}
	data, _ := json.Marshal(raw)

	if _, err := ParseModelResult(data); err == nil {
		t.Error("ParseModelResult() should fail for extra fields")
	}
}

func TestParseModelResultMissingFields(t *testing.T) {
	raw := map[string]any{
		"schema_version": ResultSchemaVersion,
		"title":          "t",
	}
	data, _ := json.Marshal(raw)

	_, err := ParseModelResult(data)
	if err == nil {
		t.Fatal("ParseModelResult() should fail for missing fields")
	}
	if !strings.Contains(err.Error(), "missing required field") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateResultWrongSchemaVersion(t *testing.T) {
	result := validResult()
	result.SchemaVersion = "2.0"
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for wrong schema_version")
	}
}

func TestValidateResultBadPriority(t *testing.T) {
	result := validResult()
	result.Recommendations[0].Priority = "urgent"
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for invalid priority")
	}
}

func TestValidateResultDuplicateRecommendationID(t *testing.T) {
	result := validResult()
	result.Recommendations = append(result.Recommendations, result.Recommendations[0])
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for duplicate recommendation ids")
	}
}

func TestValidateResultDuplicateBucketName(t *testing.T) {
	result := validResult()
	result.Generation.ContextBucketsUsed = []string{"analytics-insights", "analytics-insights"}
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for duplicate bucket names")
	}
}

func TestValidateResultNilArrays(t *testing.T) {
	result := validResult()
	result.Recommendations[0].KPIs = nil
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for nil kpis")
	}

	result = validResult()
	result.Recommendations[0].Evidence = nil
	if err := ValidateResult(result); err == nil {
		t.Error("ValidateResult() should fail for nil evidence")
	}
}

func TestValidateScoreRange(t *testing.T) {
	score := QualityScore{Specificity: 3, StackAlignment: 3, MaturityFit: 3, MeasurementRigor: 3, Actionability: 3, Overall: 3}
	if err := ValidateScore(score); err != nil {
		t.Fatalf("ValidateScore() failed for in-range score: %v", err)
	}

	score.MeasurementRigor = 5.1
	if err := ValidateScore(score); err == nil {
		t.Error("ValidateScore() should fail for out-of-range dimension")
	}

	score.MeasurementRigor = 3
	score.Overall = -0.1
	if err := ValidateScore(score); err == nil {
		t.Error("ValidateScore() should fail for out-of-range overall")
	}
}

func TestScoreValueRoundTrip(t *testing.T) {
	var score QualityScore
	for i, d := range AllDimensions {
		score.SetValue(d, float64(i)+0.5)
	}
	for i, d := range AllDimensions {
		if got, want := score.Value(d), float64(i)+0.5; got != want {
			t.Fatalf("Value(%s) = %v, want %v", d, got, want)
		}
	}
}

func TestWriteAndLoadResult(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "runs", "result.json")

	want := validResult()
	if err := WriteResult(path, want); err != nil {
		t.Fatalf("write result: %v", err)
	}

	got, err := LoadResult(path)
	if err != nil {
		t.Fatalf("load result: %v", err)
	}
	if got.Title != want.Title || len(got.Recommendations) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, ent := range entries {
		if strings.Contains(ent.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", ent.Name())
		}
	}
}

func TestValidateResultFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "result.json")

	data, _ := json.MarshalIndent(validResult(), "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write result file: %v", err)
	}

	if err := ValidateResultFile(path); err != nil {
		t.Errorf("ValidateResultFile() failed for valid file: %v", err)
	}

	ok, problems := ValidateResultFileWithDetails(path)
	if !ok || len(problems) != 0 {
		t.Fatalf("expected clean report, got ok=%v problems=%v", ok, problems)
	}
}

func TestRenderRevisionDiff(t *testing.T) {
	prev := validResult()
	next := validResult()
	next.Summary = "Four initiatives targeting conversion rate and checkout flow."

	diff, err := RenderRevisionDiff(prev, next, "revision-001.json", "revision-002.json")
	if err != nil {
		t.Fatalf("render diff: %v", err)
	}
	if !strings.Contains(diff, "revision-001.json") || !strings.Contains(diff, "Four initiatives") {
		t.Fatalf("unexpected diff output:\n%s", diff)
	}

	same, err := RenderRevisionDiff(prev, prev, "a", "b")
	if err != nil {
		t.Fatalf("render identical diff: %v", err)
	}
	if same != "" {
		t.Fatalf("expected empty diff for identical revisions, got:\n%s", same)
	}
}
