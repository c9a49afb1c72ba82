package evidence

import (
	"fmt"
	"sort"
	"strings"
)

// BucketName identifies one of the fixed context buckets. The declaration
// order of AllBucketNames is the canonical tie-break order wherever buckets
// are ranked.
type BucketName string

const (
	BucketContentPerformance   BucketName = "content-performance"
	BucketAnalyticsInsights    BucketName = "analytics-insights"
	BucketExperienceTactics    BucketName = "experience-tactics"
	BucketStrategicConstraints BucketName = "strategic-constraints"
)

// AllBucketNames lists every bucket in declaration order.
var AllBucketNames = []BucketName{
	BucketContentPerformance,
	BucketAnalyticsInsights,
	BucketExperienceTactics,
	BucketStrategicConstraints,
}

func (n BucketName) String() string {
	return string(n)
}

// ParseBucketName converts the wire string form into a bucket name.
func ParseBucketName(value string) (BucketName, error) {
	switch BucketName(strings.TrimSpace(value)) {
	case BucketContentPerformance:
		return BucketContentPerformance, nil
	case BucketAnalyticsInsights:
		return BucketAnalyticsInsights, nil
	case BucketExperienceTactics:
		return BucketExperienceTactics, nil
	case BucketStrategicConstraints:
		return BucketStrategicConstraints, nil
	default:
		return BucketName(value), fmt.Errorf("invalid bucket name %q (expected content-performance, analytics-insights, experience-tactics, or strategic-constraints)", value)
	}
}

// Entry is a single piece of contextual evidence. Ref is the citation handle
// recommendations use (for example "analytics-insights:ai-003").
type Entry struct {
	Ref    string  `json:"ref" yaml:"ref"`
	Claim  string  `json:"claim" yaml:"claim"`
	Metric string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Value  float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Period string  `json:"period,omitempty" yaml:"period,omitempty"`
	Source string  `json:"source" yaml:"source"`
}

// Bucket groups entries under one bucket name. Buckets are read-only once
// loaded; the engine never mutates them.
type Bucket struct {
	Name    BucketName `json:"name" yaml:"name"`
	Entries []Entry    `json:"entries" yaml:"entries"`
}

// Set is the full bucket collection handed to the engine. Missing buckets
// simply have no key.
type Set map[BucketName]Bucket

// Names returns the bucket names present in the set, in declaration order.
func (s Set) Names() []BucketName {
	var names []BucketName
	for _, name := range AllBucketNames {
		if _, ok := s[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Buckets returns the buckets present in the set, in declaration order.
func (s Set) Buckets() []Bucket {
	var buckets []Bucket
	for _, name := range AllBucketNames {
		if bucket, ok := s[name]; ok {
			buckets = append(buckets, bucket)
		}
	}
	return buckets
}

// Refs returns every entry ref in the set, sorted.
func (s Set) Refs() []string {
	var refs []string
	for _, bucket := range s {
		for _, entry := range bucket.Entries {
			if entry.Ref != "" {
				refs = append(refs, entry.Ref)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// CanonicalizeEntries sorts entries by ref and drops empty or duplicate refs,
// keeping output deterministic across providers.
func CanonicalizeEntries(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry.Ref = strings.TrimSpace(entry.Ref)
		entry.Claim = strings.TrimSpace(entry.Claim)
		if entry.Ref == "" {
			continue
		}
		if _, ok := seen[entry.Ref]; ok {
			continue
		}
		seen[entry.Ref] = struct{}{}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Ref < out[j].Ref
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
