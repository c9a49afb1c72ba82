package advice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// RenderRevisionDiff renders a unified diff between two result revisions.
// Results are compared in their canonical indented JSON form. Returns an
// empty string when the revisions are identical.
func RenderRevisionDiff(prev, next GenerationResult, fromLabel, toLabel string) (string, error) {
	oldBytes, err := canonicalJSON(prev)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", fromLabel, err)
	}
	newBytes, err := canonicalJSON(next)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", toLabel, err)
	}

	diff := difflib.UnifiedDiff{
		A:        strings.Split(string(oldBytes), "\n"),
		B:        strings.Split(string(newBytes), "\n"),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	}
	diffText, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff %s against %s: %w", fromLabel, toLabel, err)
	}
	if strings.TrimSpace(diffText) == "" {
		return "", nil
	}
	return diffText, nil
}

func canonicalJSON(result GenerationResult) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
