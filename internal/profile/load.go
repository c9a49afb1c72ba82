package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadFromDir loads and validates all profile YAML files from the provided directory.
// Each file holds one profile; ids must be unique across the directory.
func LoadFromDir(profilesDir string) (*Catalog, error) {
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	files, err := filepath.Glob(filepath.Join(profilesDir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("scan profiles dir: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no profile YAML files found in %s", profilesDir)
	}
	sort.Strings(files)

	var profiles []Profile
	var vErrs ValidationErrors

	for _, path := range files {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}
		p, parseErr := ParseAndValidate(data, path)
		if parseErr != nil {
			if ve, ok := parseErr.(ValidationErrors); ok {
				vErrs = append(vErrs, ve...)
				continue
			}
			return nil, parseErr
		}
		profiles = append(profiles, p)
	}

	if len(vErrs) > 0 {
		return nil, vErrs
	}

	duplicateErrs := validateUniqueIDs(profiles)
	if len(duplicateErrs) > 0 {
		return nil, duplicateErrs
	}

	return buildCatalog(profiles), nil
}

// LoadFile loads and validates a single profile YAML file.
func LoadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseAndValidate(data, path)
}

func validateUniqueIDs(profiles []Profile) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]string)
	for _, p := range profiles {
		if origin, exists := seen[p.ID]; exists {
			errs = append(errs, ValidationError{
				File:    p.Source,
				Field:   "profile_id",
				Message: fmt.Sprintf("profile_id %q already defined in %s", p.ID, origin),
			})
			continue
		}
		seen[p.ID] = p.Source
	}

	return errs
}

func buildCatalog(profiles []Profile) *Catalog {
	catalog := &Catalog{
		Profiles: profiles,
		byID:     make(map[string]ProfileRecord),
	}
	for _, p := range profiles {
		catalog.byID[p.ID] = ProfileRecord{
			Profile: p,
			Source:  p.Source,
		}
	}
	return catalog
}
