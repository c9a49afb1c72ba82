package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace defines workspace-relative paths for stratagen operations.
type Workspace struct {
	Root         string
	ProfilesDir  string
	EvidenceDir  string
	ArtifactsDir string
	AuditDir     string
	LogsDir      string
	AuditDBPath  string
	StateDBPath  string
}

// Resolve expands and validates the workspace root, ensuring it exists.
func Resolve(root string) (*Workspace, error) {
	abs, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}
	return newWorkspace(abs), nil
}

// ResolveRoot resolves the workspace root without requiring it to exist.
func ResolveRoot(root string) (string, error) {
	return resolveRoot(root)
}

// EnsureDirs creates the standard workspace directories.
func (w *Workspace) EnsureDirs() error {
	if w == nil {
		return fmt.Errorf("workspace is nil")
	}
	dirs := []string{
		w.ProfilesDir,
		w.EvidenceDir,
		filepath.Join(w.EvidenceDir, "snapshots"),
		w.ArtifactsDir,
		filepath.Join(w.ArtifactsDir, "runs"),
		w.AuditDir,
		w.LogsDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// RunArtifactsDir returns the artifact directory for one run.
func (w *Workspace) RunArtifactsDir(correlationID string) string {
	return filepath.Join(w.ArtifactsDir, "runs", correlationID)
}

// SnapshotsDir returns the evidence snapshot directory.
func (w *Workspace) SnapshotsDir() string {
	return filepath.Join(w.EvidenceDir, "snapshots")
}

// ResolvePath returns an absolute path, resolving relative paths from the
// workspace root.
func (w *Workspace) ResolvePath(path string) (string, error) {
	if w == nil {
		return "", fmt.Errorf("workspace is nil")
	}
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Abs(filepath.Join(w.Root, expanded))
}

func newWorkspace(root string) *Workspace {
	return &Workspace{
		Root:         root,
		ProfilesDir:  filepath.Join(root, "profiles"),
		EvidenceDir:  filepath.Join(root, "evidence"),
		ArtifactsDir: filepath.Join(root, "artifacts"),
		AuditDir:     filepath.Join(root, "audit"),
		LogsDir:      filepath.Join(root, "logs"),
		AuditDBPath:  filepath.Join(root, "audit", "events.db"),
		StateDBPath:  filepath.Join(root, "audit", "state.db"),
	}
}

func resolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("workspace root is required")
	}
	expanded, err := expandHome(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return "", fmt.Errorf("unsupported home expansion: %s", path)
}
