package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBucketNameRoundTrip(t *testing.T) {
	for _, name := range AllBucketNames {
		parsed, err := ParseBucketName(name.String())
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if parsed != name {
			t.Fatalf("round trip %s: got %s", name, parsed)
		}
	}
	if _, err := ParseBucketName("unknown-bucket"); err == nil {
		t.Fatalf("expected error for unknown bucket")
	}
}

func TestCanonicalizeEntries(t *testing.T) {
	entries := []Entry{
		{Ref: "b-2", Claim: "second", Source: "s"},
		{Ref: " a-1 ", Claim: " first ", Source: "s"},
		{Ref: "a-1", Claim: "duplicate", Source: "s"},
		{Ref: "", Claim: "no ref", Source: "s"},
	}
	out := CanonicalizeEntries(entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d: %#v", len(out), out)
	}
	if out[0].Ref != "a-1" || out[1].Ref != "b-2" {
		t.Fatalf("entries not sorted by ref: %#v", out)
	}
	if out[0].Claim != "first" {
		t.Fatalf("first occurrence should win, got %q", out[0].Claim)
	}
}

func TestFileProviderCollect_MissingFile(t *testing.T) {
	t.Parallel()

	p := &FileProvider{
		Path:       filepath.Join(t.TempDir(), "missing.yml"),
		BucketName: BucketContentPerformance,
	}

	entries, err := p.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries, got %#v", entries)
	}
}

func TestFileProviderCollect_BothShapes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	wrapped := filepath.Join(dir, "wrapped.yml")
	if err := os.WriteFile(wrapped, []byte(`
entries:
  - ref: cp-001
    claim: Landing page bounce rate is 61%
    metric: bounce_rate
    value: 61
    period: 30d
`), 0o644); err != nil {
		t.Fatalf("write wrapped: %v", err)
	}

	bare := filepath.Join(dir, "bare.yml")
	if err := os.WriteFile(bare, []byte(`
- ref: cp-002
  claim: Hero video drives 2.3x engagement
`), 0o644); err != nil {
		t.Fatalf("write bare: %v", err)
	}

	for _, path := range []string{wrapped, bare} {
		p := &FileProvider{Path: path, BucketName: BucketContentPerformance}
		entries, err := p.Collect(context.Background())
		if err != nil {
			t.Fatalf("Collect %s: %v", path, err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry from %s, got %d", path, len(entries))
		}
		if entries[0].Source == "" {
			t.Fatalf("source should default to provider name")
		}
	}
}

func TestReportProviderCollect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "analytics_report.json")
	if err := os.WriteFile(path, []byte(`{
  "entries": [
    {"ref": "ai-001", "claim": "Mobile sessions convert at half the desktop rate", "metric": "conversion_rate", "value": 1.2, "period": "30d"}
  ]
}`), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	p := &ReportProvider{ReportPath: path, BucketName: BucketAnalyticsInsights}
	entries, err := p.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].Ref != "ai-001" {
		t.Fatalf("unexpected entries %#v", entries)
	}
}

type stubProvider struct {
	bucket   BucketName
	entries  []Entry
	err      error
	collects int
}

func (p *stubProvider) Name() string       { return "stub:" + string(p.bucket) }
func (p *stubProvider) Bucket() BucketName { return p.bucket }
func (p *stubProvider) Collect(ctx context.Context) ([]Entry, error) {
	p.collects++
	if p.err != nil {
		return nil, p.err
	}
	return p.entries, nil
}

func TestCollectAllPartialFailure(t *testing.T) {
	good := &stubProvider{
		bucket:  BucketAnalyticsInsights,
		entries: []Entry{{Ref: "ai-001", Claim: "c", Source: "s"}},
	}
	bad := &stubProvider{
		bucket: BucketContentPerformance,
		err:    fmt.Errorf("upstream down"),
	}

	set, errs := CollectAll(context.Background(), []Provider{good, bad})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if len(set) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(set))
	}
	if _, ok := set[BucketAnalyticsInsights]; !ok {
		t.Fatalf("expected analytics bucket present")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	set := Set{
		BucketAnalyticsInsights: {
			Name:    BucketAnalyticsInsights,
			Entries: []Entry{{Ref: "ai-001", Claim: "c", Source: "s"}},
		},
		BucketContentPerformance: {
			Name:    BucketContentPerformance,
			Entries: []Entry{{Ref: "cp-001", Claim: "c", Source: "s"}},
		},
	}

	asOf := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	snap := SnapshotFromSet(set, asOf)
	if len(snap.Buckets) != 2 || snap.Buckets[0].Name != BucketContentPerformance {
		t.Fatalf("buckets should follow declaration order: %#v", snap.Buckets)
	}

	path := SnapshotPathForDate(dir, asOf)
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	loaded, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.AsOf != "2026-02-03" {
		t.Fatalf("unexpected as_of %q", loaded.AsOf)
	}
	back := loaded.Set()
	if len(back) != 2 {
		t.Fatalf("expected 2 buckets after round trip, got %d", len(back))
	}
}

func TestLoadSnapshotRejectsUnknownBucket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-02-03.json")
	if err := os.WriteFile(path, []byte(`{
  "schema_version": 1,
  "as_of": "2026-02-03",
  "buckets": [{"name": "mystery-bucket", "entries": [{"ref": "x", "claim": "c", "source": "s"}]}]
}`), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := LoadSnapshot(path); err == nil {
		t.Fatalf("expected error for unknown bucket name")
	}
}

func TestLatestSnapshotPath(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2026-01-01.json", "2026-02-01.json", "2026-01-15.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	latest, err := LatestSnapshotPath(dir)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if filepath.Base(latest) != "2026-02-01.json" {
		t.Fatalf("expected 2026-02-01.json, got %s", latest)
	}
}

func TestCacheHitAvoidsRefetch(t *testing.T) {
	provider := &stubProvider{
		bucket:  BucketAnalyticsInsights,
		entries: []Entry{{Ref: "ai-001", Claim: "c", Source: "s"}},
	}
	cache := NewCache([]Provider{provider}, CacheConfig{TTL: time.Minute})

	ctx := context.Background()
	if _, err := cache.Bucket(ctx, BucketAnalyticsInsights); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, err := cache.Bucket(ctx, BucketAnalyticsInsights); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if provider.collects != 1 {
		t.Fatalf("expected 1 provider fetch, got %d", provider.collects)
	}

	cache.Invalidate(BucketAnalyticsInsights)
	if _, err := cache.Bucket(ctx, BucketAnalyticsInsights); err != nil {
		t.Fatalf("post-invalidate lookup: %v", err)
	}
	if provider.collects != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", provider.collects)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	provider := &stubProvider{
		bucket:  BucketContentPerformance,
		entries: []Entry{{Ref: "cp-001", Claim: "c", Source: "s"}},
	}
	cache := NewCache([]Provider{provider}, CacheConfig{TTL: 10 * time.Millisecond})

	ctx := context.Background()
	if _, err := cache.Bucket(ctx, BucketContentPerformance); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := cache.Bucket(ctx, BucketContentPerformance); err != nil {
		t.Fatalf("post-expiry lookup: %v", err)
	}
	if provider.collects != 2 {
		t.Fatalf("expected refetch after ttl expiry, got %d", provider.collects)
	}
}

func TestCacheUnknownBucket(t *testing.T) {
	cache := NewCache(nil, CacheConfig{})
	if _, err := cache.Bucket(context.Background(), BucketStrategicConstraints); err == nil {
		t.Fatalf("expected error for bucket without provider")
	}
}

func TestCacheMergesProvidersPerBucket(t *testing.T) {
	// The workspace layout feeds each bucket from two providers (file and
	// report); a lookup must merge both.
	file := &stubProvider{
		bucket:  BucketContentPerformance,
		entries: []Entry{{Ref: "cp-file", Claim: "c", Source: "s"}},
	}
	report := &stubProvider{
		bucket:  BucketContentPerformance,
		entries: []Entry{{Ref: "cp-report", Claim: "c", Source: "s"}},
	}
	cache := NewCache([]Provider{file, report}, CacheConfig{TTL: time.Minute})

	bucket, err := cache.Bucket(context.Background(), BucketContentPerformance)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(bucket.Entries) != 2 {
		t.Fatalf("expected merged entries from both providers, got %#v", bucket.Entries)
	}
	if bucket.Entries[0].Ref != "cp-file" || bucket.Entries[1].Ref != "cp-report" {
		t.Fatalf("expected canonical ref order, got %#v", bucket.Entries)
	}
	if file.collects != 1 || report.collects != 1 {
		t.Fatalf("expected one fetch per provider, got %d/%d", file.collects, report.collects)
	}
}

func TestCachePartialProviderFailure(t *testing.T) {
	good := &stubProvider{
		bucket:  BucketAnalyticsInsights,
		entries: []Entry{{Ref: "ai-001", Claim: "c", Source: "s"}},
	}
	bad := &stubProvider{
		bucket: BucketAnalyticsInsights,
		err:    fmt.Errorf("upstream down"),
	}
	cache := NewCache([]Provider{good, bad}, CacheConfig{TTL: time.Minute})

	bucket, err := cache.Bucket(context.Background(), BucketAnalyticsInsights)
	if err != nil {
		t.Fatalf("lookup with one failing provider: %v", err)
	}
	if len(bucket.Entries) != 1 || bucket.Entries[0].Ref != "ai-001" {
		t.Fatalf("expected surviving provider's entries, got %#v", bucket.Entries)
	}

	// All providers failing is an error.
	broken := NewCache([]Provider{
		&stubProvider{bucket: BucketAnalyticsInsights, err: fmt.Errorf("upstream down")},
	}, CacheConfig{})
	if _, err := broken.Bucket(context.Background(), BucketAnalyticsInsights); err == nil {
		t.Fatalf("expected error when every provider fails")
	}
}

func TestSetNamesAndRefs(t *testing.T) {
	set := Set{
		BucketStrategicConstraints: {
			Name:    BucketStrategicConstraints,
			Entries: []Entry{{Ref: "sc-001", Claim: "c", Source: "s"}},
		},
		BucketContentPerformance: {
			Name:    BucketContentPerformance,
			Entries: []Entry{{Ref: "cp-001", Claim: "c", Source: "s"}},
		},
	}
	names := set.Names()
	if len(names) != 2 || names[0] != BucketContentPerformance || names[1] != BucketStrategicConstraints {
		t.Fatalf("names should follow declaration order, got %v", names)
	}
	refs := set.Refs()
	if len(refs) != 2 || refs[0] != "cp-001" {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestWorkspaceProvidersLayout(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "content-performance.yml"), []byte(`
entries:
  - ref: cp-001
    claim: Organic traffic fell 12% quarter over quarter
`), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "reports"), 0o755); err != nil {
		t.Fatalf("mkdir reports: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "reports", "analytics-insights.json"),
		[]byte(`{"entries":[{"ref":"ai-001","claim":"Checkout funnel drops at step 2","source":"ga4"}]}`), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	providers := WorkspaceProviders(dir)
	if want := len(AllBucketNames) * 2; len(providers) != want {
		t.Fatalf("provider count = %d, want %d", len(providers), want)
	}

	set, errs := CollectAll(context.Background(), providers)
	if len(errs) != 0 {
		t.Fatalf("unexpected collect errors: %v", errs)
	}
	if len(set) != 2 {
		t.Fatalf("bucket count = %d, want 2", len(set))
	}
	if _, ok := set[BucketContentPerformance]; !ok {
		t.Fatalf("missing content-performance bucket")
	}
	if bucket, ok := set[BucketAnalyticsInsights]; !ok || bucket.Entries[0].Source != "ga4" {
		t.Fatalf("analytics-insights bucket = %+v", bucket)
	}
}
