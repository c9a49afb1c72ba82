package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const SnapshotSchemaVersion = 1

// Snapshot is a dated, canonical record of collected buckets.
type Snapshot struct {
	SchemaVersion int      `json:"schema_version"`
	AsOf          string   `json:"as_of"`
	Buckets       []Bucket `json:"buckets"`
}

// Set converts a snapshot back into the engine's bucket set form.
func (s *Snapshot) Set() Set {
	set := make(Set, len(s.Buckets))
	for _, bucket := range s.Buckets {
		if len(bucket.Entries) == 0 {
			continue
		}
		set[bucket.Name] = bucket
	}
	return set
}

// SnapshotFromSet builds a snapshot with buckets in declaration order.
func SnapshotFromSet(set Set, asOf time.Time) Snapshot {
	snap := Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		AsOf:          asOf.UTC().Format("2006-01-02"),
	}
	for _, name := range AllBucketNames {
		bucket, ok := set[name]
		if !ok {
			continue
		}
		bucket.Entries = CanonicalizeEntries(bucket.Entries)
		if len(bucket.Entries) == 0 {
			continue
		}
		snap.Buckets = append(snap.Buckets, bucket)
	}
	return snap
}

func WriteSnapshot(path string, snapshot Snapshot) error {
	if path == "" {
		return fmt.Errorf("snapshot path is required")
	}
	if snapshot.AsOf == "" {
		return fmt.Errorf("snapshot as_of is required")
	}
	snapshot.SchemaVersion = SnapshotSchemaVersion
	for i := range snapshot.Buckets {
		snapshot.Buckets[i].Entries = CanonicalizeEntries(snapshot.Buckets[i].Entries)
	}
	sort.SliceStable(snapshot.Buckets, func(i, j int) bool {
		return bucketRank(snapshot.Buckets[i].Name) < bucketRank(snapshot.Buckets[j].Name)
	})

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
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
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema_version %d", snap.SchemaVersion)
	}
	if snap.AsOf == "" {
		return nil, fmt.Errorf("snapshot missing as_of")
	}
	for i := range snap.Buckets {
		if _, err := ParseBucketName(string(snap.Buckets[i].Name)); err != nil {
			return nil, fmt.Errorf("snapshot bucket %d: %w", i, err)
		}
		snap.Buckets[i].Entries = CanonicalizeEntries(snap.Buckets[i].Entries)
	}
	return &snap, nil
}

func SnapshotPathForDate(dir string, asOf time.Time) string {
	date := asOf.UTC().Format("2006-01-02")
	return filepath.Join(dir, date+".json")
}

func LatestSnapshotPath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read snapshots dir: %w", err)
	}
	var candidates []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		// YYYY-MM-DD.json compares lexicographically in chronological order.
		candidates = append(candidates, filepath.Join(dir, name))
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no snapshots found in %s", dir)
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

func bucketRank(name BucketName) int {
	for i, candidate := range AllBucketNames {
		if candidate == name {
			return i
		}
	}
	return len(AllBucketNames)
}
