package advice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteResult writes a result as indented JSON with an atomic rename.
func WriteResult(path string, result GenerationResult) error {
	if path == "" {
		return fmt.Errorf("result path is required")
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure result dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp result: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename result: %w", err)
	}
	return nil
}

// LoadResult reads and validates a result.json from disk.
func LoadResult(path string) (GenerationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("read result: %w", err)
	}
	var result GenerationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return GenerationResult{}, fmt.Errorf("parse result json: %w", err)
	}
	if err := ValidateResult(result); err != nil {
		return GenerationResult{}, err
	}
	return result, nil
}
