package profile

import (
	"fmt"
	"sort"
	"strings"
)

// MaturityPhase is the ordered maturity ladder for an organization profile.
// Phases compare with < and >: Foundational is the lowest, Optimized the highest.
type MaturityPhase int

const (
	MaturityFoundational MaturityPhase = iota
	MaturityIntermediate
	MaturityAdvanced
	MaturityOptimized
)

// AllMaturityPhases lists every phase in ascending order.
var AllMaturityPhases = []MaturityPhase{
	MaturityFoundational,
	MaturityIntermediate,
	MaturityAdvanced,
	MaturityOptimized,
}

func (p MaturityPhase) String() string {
	switch p {
	case MaturityFoundational:
		return "foundational"
	case MaturityIntermediate:
		return "intermediate"
	case MaturityAdvanced:
		return "advanced"
	case MaturityOptimized:
		return "optimized"
	}
	return fmt.Sprintf("MaturityPhase(%d)", int(p))
}

// ParseMaturityPhase converts the YAML string form into a phase.
func ParseMaturityPhase(value string) (MaturityPhase, error) {
	switch strings.TrimSpace(value) {
	case "foundational":
		return MaturityFoundational, nil
	case "intermediate":
		return MaturityIntermediate, nil
	case "advanced":
		return MaturityAdvanced, nil
	case "optimized":
		return MaturityOptimized, nil
	default:
		return MaturityFoundational, fmt.Errorf("invalid maturity_phase %q (expected foundational, intermediate, advanced, or optimized)", value)
	}
}

// Profile is a normalized organization profile loaded from YAML.
// It is read-only input for the advisory engine; nothing mutates it after load.
type Profile struct {
	ID       string
	Name     string
	Industry string
	Maturity MaturityPhase
	Goals    []string
	KPIs     []string
	Stack    []string
	Notes    string
	Source   string
}

// ProfileRecord maps a profile id to its normalized data and source file.
type ProfileRecord struct {
	Profile Profile
	Source  string
}

// Catalog is the in-memory collection of loaded profiles.
type Catalog struct {
	Profiles []Profile

	byID map[string]ProfileRecord
}

// Lookup returns the profile record for the given id, if present.
func (c *Catalog) Lookup(id string) (ProfileRecord, bool) {
	if c == nil {
		return ProfileRecord{}, false
	}
	rec, ok := c.byID[id]
	return rec, ok
}

// IDs returns all profile ids in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
