// Package harness provides helpers for integration tests that exercise the
// compiled stratagen binary end to end.
package harness

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	buildPath string
	buildErr  error
)

// RepoRoot locates the module root by walking up from this source file.
func RepoRoot(t *testing.T) string {
	t.Helper()
	root, err := repoRoot()
	if err != nil {
		t.Fatalf("locate repo root: %v", err)
	}
	return root
}

func repoRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("cannot determine caller location")
	}
	// harness/build.go -> harness -> integration -> module root.
	root := filepath.Dir(filepath.Dir(filepath.Dir(file)))
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		return "", fmt.Errorf("repo root %s missing go.mod: %w", root, err)
	}
	return root, nil
}

// BuildBinary compiles the stratagen CLI once per test process and returns
// the path to the built binary. Subsequent calls reuse the first build.
func BuildBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		root, err := repoRoot()
		if err != nil {
			buildErr = err
			return
		}
		dir, err := os.MkdirTemp("", "stratagen-bin-")
		if err != nil {
			buildErr = fmt.Errorf("create build dir: %w", err)
			return
		}
		outPath := filepath.Join(dir, "stratagen")
		cmd := exec.Command("go", "build", "-o", outPath, "./cmd/stratagen")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build ./cmd/stratagen: %v\n%s", err, out)
			return
		}
		buildPath = outPath
	})
	if buildErr != nil {
		t.Fatalf("build binary: %v", buildErr)
	}
	return buildPath
}
