package engine

import (
	"fmt"
	"strings"
	"time"

	"stratagen/internal/advice"
)

// SelectionStrategy picks how the context selector chooses the next bucket.
type SelectionStrategy string

const (
	// StrategyDeficitFirst ranks dimensions below their configured minimum
	// by distance and takes the first unused mapped bucket.
	StrategyDeficitFirst SelectionStrategy = "deficit-first"
	// StrategyDeclarationOrder walks the fixed bucket declaration order,
	// ignoring scores.
	StrategyDeclarationOrder SelectionStrategy = "declaration-order"
)

// ParseSelectionStrategy converts the wire string form into a strategy.
func ParseSelectionStrategy(value string) (SelectionStrategy, error) {
	switch SelectionStrategy(strings.TrimSpace(value)) {
	case StrategyDeficitFirst:
		return StrategyDeficitFirst, nil
	case StrategyDeclarationOrder:
		return StrategyDeclarationOrder, nil
	default:
		return SelectionStrategy(value), fmt.Errorf("invalid selection strategy %q (expected deficit-first or declaration-order)", value)
	}
}

// Config bounds a single run. Timeout is the overall wall-clock budget,
// checked only at pass boundaries; CallTimeout bounds each individual
// capability call. A zero Timeout or CallTimeout disables that bound.
type Config struct {
	MaxPasses              int
	QualityThreshold       float64
	Timeout                time.Duration
	CallTimeout            time.Duration
	Minimums               map[advice.Dimension]float64
	RequireEvidence        bool
	EnableFallback         bool
	EnableConsistencyCheck bool
	Strategy               SelectionStrategy
}

// DefaultConfig is the high-quality preset.
func DefaultConfig() Config {
	return Config{
		MaxPasses:        3,
		QualityThreshold: 4.0,
		Timeout:          5 * time.Minute,
		CallTimeout:      60 * time.Second,
		Minimums:         uniformMinimums(3.0),
		RequireEvidence:  true,
		EnableFallback:   true,
		Strategy:         StrategyDeficitFirst,
	}
}

// Preset returns a named configuration. The empty name maps to
// high-quality.
func Preset(name string) (Config, error) {
	switch strings.TrimSpace(name) {
	case "fast":
		return Config{
			MaxPasses:        1,
			QualityThreshold: 3.0,
			Timeout:          time.Minute,
			CallTimeout:      30 * time.Second,
			Minimums:         uniformMinimums(2.5),
			EnableFallback:   true,
			Strategy:         StrategyDeficitFirst,
		}, nil
	case "high-quality", "":
		return DefaultConfig(), nil
	case "comprehensive":
		return Config{
			MaxPasses:              5,
			QualityThreshold:       4.5,
			Timeout:                10 * time.Minute,
			CallTimeout:            90 * time.Second,
			Minimums:               uniformMinimums(3.5),
			RequireEvidence:        true,
			EnableFallback:         true,
			EnableConsistencyCheck: true,
			Strategy:               StrategyDeficitFirst,
		}, nil
	default:
		return Config{}, fmt.Errorf("unknown preset %q (expected fast, high-quality, or comprehensive)", name)
	}
}

// Validate reports configuration errors the caller should fix before
// running.
func (c Config) Validate() error {
	if c.MaxPasses < 1 {
		return fmt.Errorf("max passes must be at least 1, got %d", c.MaxPasses)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 5 {
		return fmt.Errorf("quality threshold out of range [0,5]: %.2f", c.QualityThreshold)
	}
	for dim, floor := range c.Minimums {
		if floor < 0 || floor > 5 {
			return fmt.Errorf("minimum for %s out of range [0,5]: %.2f", dim, floor)
		}
	}
	if c.Strategy != "" {
		if _, err := ParseSelectionStrategy(string(c.Strategy)); err != nil {
			return err
		}
	}
	return nil
}

func uniformMinimums(floor float64) map[advice.Dimension]float64 {
	mins := make(map[advice.Dimension]float64, len(advice.AllDimensions))
	for _, dim := range advice.AllDimensions {
		mins[dim] = floor
	}
	return mins
}
