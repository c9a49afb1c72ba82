package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"stratagen/internal/advice"
)

// artifactWriter persists per-run debugging artifacts: numbered revision
// snapshots, a cumulative unified diff, the pass history, and the final
// result. A nil writer (no artifacts dir configured) discards everything.
type artifactWriter struct {
	dir      string
	rev      int
	previous *advice.GenerationResult
}

func newArtifactWriter(dir string) (*artifactWriter, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &artifactWriter{dir: dir}, nil
}

// writeRevision snapshots one revision and appends its diff against the
// previous revision to changes.diff.
func (w *artifactWriter) writeRevision(result advice.GenerationResult) error {
	if w == nil {
		return nil
	}
	w.rev++
	name := fmt.Sprintf("revision-%02d.json", w.rev)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write revision: %w", err)
	}
	if w.previous != nil {
		diff, err := advice.RenderRevisionDiff(*w.previous, result, fmt.Sprintf("revision-%02d.json", w.rev-1), name)
		if err != nil {
			return fmt.Errorf("render revision diff: %w", err)
		}
		if diff != "" {
			if err := appendFile(filepath.Join(w.dir, "changes.diff"), diff); err != nil {
				return err
			}
		}
	}
	prev := result
	w.previous = &prev
	return nil
}

// writePasses records the full pass history as passes.json.
func (w *artifactWriter) writePasses(history []advice.PassRecord) error {
	if w == nil {
		return nil
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pass history: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(w.dir, "passes.json"), data, 0o644); err != nil {
		return fmt.Errorf("write passes.json: %w", err)
	}
	return nil
}

// writeResult writes the finalized result atomically as result.json.
func (w *artifactWriter) writeResult(result advice.GenerationResult) error {
	if w == nil {
		return nil
	}
	return advice.WriteResult(filepath.Join(w.dir, "result.json"), result)
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}
