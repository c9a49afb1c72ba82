package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"stratagen/internal/store"
)

const profileWatchStateKey = "profile_watch_state"

// watchState is the per-file fingerprint kept between watch passes.
type watchState struct {
	Path     string `json:"path"`
	ModTime  string `json:"mod_time"`
	Hash     string `json:"hash"`
	LastSeen string `json:"last_seen"`
}

// watchProfiles compares the profile directory against the fingerprints
// from the previous pass and returns the paths that changed. The first
// pass seeds the baseline and reports nothing; drift needs something to
// drift from.
func watchProfiles(kv store.KV, profilesDir string) ([]string, error) {
	current, err := fingerprintDir(profilesDir)
	if err != nil {
		return nil, err
	}

	stateJSON, err := kv.GetKV(profileWatchStateKey)
	if err != nil {
		return nil, fmt.Errorf("get watch state: %w", err)
	}

	newStateJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal watch state: %w", err)
	}

	if stateJSON == "" {
		if err := kv.SetKV(profileWatchStateKey, string(newStateJSON)); err != nil {
			return nil, fmt.Errorf("save watch state: %w", err)
		}
		return nil, nil
	}

	var previous map[string]watchState
	if err := json.Unmarshal([]byte(stateJSON), &previous); err != nil {
		return nil, fmt.Errorf("parse watch state: %w", err)
	}

	var changed []string
	for path, state := range current {
		prev, seen := previous[path]
		if !seen || prev.Hash != state.Hash {
			changed = append(changed, path)
		}
	}
	for path := range previous {
		if _, exists := current[path]; !exists {
			changed = append(changed, path+" (deleted)")
		}
	}
	sort.Strings(changed)

	if err := kv.SetKV(profileWatchStateKey, string(newStateJSON)); err != nil {
		return nil, fmt.Errorf("save watch state: %w", err)
	}
	return changed, nil
}

// fingerprintDir hashes every profile YAML under dir.
func fingerprintDir(dir string) (map[string]watchState, error) {
	files := make(map[string]watchState)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}

		hash, herr := hashFile(path)
		if herr != nil {
			return fmt.Errorf("hash %s: %w", path, herr)
		}
		files[path] = watchState{
			Path:     path,
			ModTime:  info.ModTime().UTC().Format(time.RFC3339),
			Hash:     hash,
			LastSeen: time.Now().UTC().Format(time.RFC3339),
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// hashFile computes the SHA-256 of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
