package engine

import (
	"sort"

	"stratagen/internal/advice"
	"stratagen/internal/evidence"
)

// dimensionBucket is the fixed mapping from quality dimension to the bucket
// most likely to improve it.
var dimensionBucket = map[advice.Dimension]evidence.BucketName{
	advice.DimSpecificity:      evidence.BucketContentPerformance,
	advice.DimStackAlignment:   evidence.BucketExperienceTactics,
	advice.DimMaturityFit:      evidence.BucketExperienceTactics,
	advice.DimMeasurementRigor: evidence.BucketAnalyticsInsights,
	advice.DimActionability:    evidence.BucketStrategicConstraints,
}

// selectContext picks the next unused bucket for refinement. Under
// deficit-first, dimensions below their configured minimum are ranked by
// distance, largest first, ties broken by the declaration order of the
// mapped bucket names, and the first unused mapped bucket present in the
// set wins. Under declaration-order the scores are ignored and the fixed
// bucket order is walked directly. Empty means refinement has nothing left
// to add. A consumed bucket is never returned again.
func selectContext(score advice.QualityScore, buckets evidence.Set, used map[evidence.BucketName]bool, cfg Config) []evidence.Bucket {
	if cfg.Strategy == StrategyDeclarationOrder {
		for _, name := range evidence.AllBucketNames {
			if used[name] {
				continue
			}
			if bucket, ok := buckets[name]; ok {
				return []evidence.Bucket{bucket}
			}
		}
		return nil
	}

	type deficit struct {
		dim    advice.Dimension
		amount float64
	}
	var ranked []deficit
	for _, dim := range advice.AllDimensions {
		floor, ok := cfg.Minimums[dim]
		if !ok {
			continue
		}
		if value := score.Value(dim); value < floor {
			ranked = append(ranked, deficit{dim: dim, amount: floor - value})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].amount != ranked[j].amount {
			return ranked[i].amount > ranked[j].amount
		}
		return bucketOrder(dimensionBucket[ranked[i].dim]) < bucketOrder(dimensionBucket[ranked[j].dim])
	})
	for _, d := range ranked {
		name := dimensionBucket[d.dim]
		if used[name] {
			continue
		}
		if bucket, ok := buckets[name]; ok {
			return []evidence.Bucket{bucket}
		}
	}
	return nil
}

func bucketOrder(name evidence.BucketName) int {
	for i, candidate := range evidence.AllBucketNames {
		if candidate == name {
			return i
		}
	}
	return len(evidence.AllBucketNames)
}
