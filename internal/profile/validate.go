package profile

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type rawProfile struct {
	ID       string   `yaml:"profile_id"`
	Name     string   `yaml:"name"`
	Industry string   `yaml:"industry"`
	Maturity string   `yaml:"maturity_phase"`
	Goals    []string `yaml:"goals"`
	KPIs     []string `yaml:"kpis"`
	Stack    []string `yaml:"stack"`
	Notes    string   `yaml:"notes"`
}

// ValidationError captures a single field-specific validation issue.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple validation problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// ParseAndValidate unmarshals and validates a YAML profile document.
func ParseAndValidate(data []byte, source string) (Profile, error) {
	var raw rawProfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Profile{}, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}
	return validateRawProfile(raw, source)
}

func validateRawProfile(raw rawProfile, source string) (Profile, error) {
	var errs ValidationErrors

	if strings.TrimSpace(raw.ID) == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "profile_id",
			Message: "profile_id is required",
		})
	}
	if strings.TrimSpace(raw.Name) == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "name",
			Message: "name is required",
		})
	}
	if strings.TrimSpace(raw.Industry) == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "industry",
			Message: "industry is required",
		})
	}

	var maturity MaturityPhase
	if strings.TrimSpace(raw.Maturity) == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "maturity_phase",
			Message: "maturity_phase is required",
		})
	} else {
		parsed, parseErr := ParseMaturityPhase(raw.Maturity)
		if parseErr != nil {
			errs = append(errs, ValidationError{
				File:    source,
				Field:   "maturity_phase",
				Message: parseErr.Error(),
			})
		} else {
			maturity = parsed
		}
	}

	if len(raw.Goals) == 0 {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "goals",
			Message: "must contain at least one goal",
		})
	}
	errs = append(errs, validateStringList(raw.Goals, "goals", source)...)

	if len(raw.KPIs) == 0 {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "kpis",
			Message: "must contain at least one kpi",
		})
	}
	errs = append(errs, validateStringList(raw.KPIs, "kpis", source)...)

	// Stack is optional; entries must still be non-empty when present.
	errs = append(errs, validateStringList(raw.Stack, "stack", source)...)

	if len(errs) > 0 {
		return Profile{}, errs
	}

	return Profile{
		ID:       strings.TrimSpace(raw.ID),
		Name:     strings.TrimSpace(raw.Name),
		Industry: strings.TrimSpace(raw.Industry),
		Maturity: maturity,
		Goals:    trimStringList(raw.Goals),
		KPIs:     trimStringList(raw.KPIs),
		Stack:    trimStringList(raw.Stack),
		Notes:    strings.TrimSpace(raw.Notes),
		Source:   source,
	}, nil
}

func validateStringList(values []string, field, source string) ValidationErrors {
	var errs ValidationErrors
	for i, v := range values {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, ValidationError{
				File:    source,
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "entries cannot be empty",
			})
		}
	}
	return errs
}

func trimStringList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
