package dsl

import (
	"fmt"
	"math"
)

// Validate checks the rule's structure: a known operator, min and max for
// "between" (which takes no comparison field), a value for everything else.
func (r FilterRule) Validate() error {
	if errs := validateRule(r, "filter"); len(errs) > 0 {
		return configErr("%s", errs[0])
	}
	return nil
}

// Validate checks the formula's function-specific parameters.
func (f RankingFormula) Validate() error {
	if errs := validateFormula(f, "ranking"); len(errs) > 0 {
		return configErr("%s", errs[0])
	}
	return nil
}

// ValidateFilters checks every rule and returns human-readable problems.
func ValidateFilters(rules []FilterRule) []string {
	var errs []string
	for i, r := range rules {
		errs = append(errs, validateRule(r, fmt.Sprintf("filters[%d]", i))...)
	}
	return errs
}

// ValidateRanking checks every formula and returns human-readable problems.
func ValidateRanking(formulas []RankingFormula) []string {
	var errs []string
	for i, f := range formulas {
		errs = append(errs, validateFormula(f, fmt.Sprintf("ranking[%d]", i))...)
	}
	return errs
}

func validateRule(r FilterRule, path string) []string {
	var errs []string

	if r.Indicator == "" {
		errs = append(errs, fmt.Sprintf("%s: missing indicator", path))
	}
	if !r.Comparison.Valid() {
		errs = append(errs, fmt.Sprintf("%s: unknown comparison %q", path, r.Comparison))
		return errs
	}

	if r.Comparison == Between {
		if r.Min == nil || r.Max == nil {
			errs = append(errs, fmt.Sprintf("%s: between requires both min and max", path))
		} else if *r.Min > *r.Max {
			errs = append(errs, fmt.Sprintf("%s: between min %g exceeds max %g", path, *r.Min, *r.Max))
		}
		if r.ComparisonField != "" {
			errs = append(errs, fmt.Sprintf("%s: comparison_field is not supported with between", path))
		}
		return errs
	}

	if r.Value == nil {
		errs = append(errs, fmt.Sprintf("%s: %s requires value", path, r.Comparison))
	}
	return errs
}

func validateFormula(f RankingFormula, path string) []string {
	var errs []string

	if f.Indicator == "" {
		errs = append(errs, fmt.Sprintf("%s: missing indicator", path))
	}
	if f.Weight < 0 || math.IsNaN(f.Weight) {
		errs = append(errs, fmt.Sprintf("%s: weight must be >= 0", path))
	}

	switch f.Function {
	case Gaussian:
		if f.Center == nil || f.Sigma == nil {
			errs = append(errs, fmt.Sprintf("%s: gaussian requires center and sigma", path))
		} else if *f.Sigma <= 0 {
			errs = append(errs, fmt.Sprintf("%s: gaussian sigma must be > 0", path))
		}
	case LogRatio:
		if f.Denominator == "" {
			errs = append(errs, fmt.Sprintf("%s: log_ratio requires denominator", path))
		}
		if f.Max == nil || *f.Max <= 1 {
			errs = append(errs, fmt.Sprintf("%s: log_ratio requires max > 1", path))
		}
	case Linear:
	default:
		errs = append(errs, fmt.Sprintf("%s: unknown function %q", path, f.Function))
	}
	return errs
}
