// Package dsl defines the declarative rule language signal strategies are
// written in: filter rules that keep or drop candidate rows, and ranking
// formulas that score the survivors.
//
// Rules are plain JSON/YAML objects. Decoding validates them, so a strategy
// file with a malformed rule never reaches the evaluator. The compiler turns
// each FilterRule into a Predicate closure over types.Row.
package dsl

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Comparison is the operator of a FilterRule.
type Comparison string

const (
	LessThan    Comparison = "<"
	GreaterThan Comparison = ">"
	Equal       Comparison = "=="
	Between     Comparison = "between"
)

// Valid reports whether c is a known operator.
func (c Comparison) Valid() bool {
	switch c {
	case LessThan, GreaterThan, Equal, Between:
		return true
	}
	return false
}

// ScoreFunc is the normalisation function of a RankingFormula.
type ScoreFunc string

const (
	Gaussian ScoreFunc = "gaussian"
	LogRatio ScoreFunc = "log_ratio"
	Linear   ScoreFunc = "linear"
)

// Valid reports whether f is a known scoring function.
func (f ScoreFunc) Valid() bool {
	switch f {
	case Gaussian, LogRatio, Linear:
		return true
	}
	return false
}

// FilterRule is a single predicate over one indicator column.
//
// For "between" the row passes when Min <= x <= Max. For the other operators
// the right-hand side is Value, or Value * row[ComparisonField] when a
// comparison field is set.
type FilterRule struct {
	Indicator       string     `json:"indicator" yaml:"indicator"`
	Comparison      Comparison `json:"comparison" yaml:"comparison"`
	Value           *float64   `json:"value,omitempty" yaml:"value,omitempty"`
	Min             *float64   `json:"min,omitempty" yaml:"min,omitempty"`
	Max             *float64   `json:"max,omitempty" yaml:"max,omitempty"`
	ComparisonField string     `json:"comparison_field,omitempty" yaml:"comparison_field,omitempty"`
	Note            string     `json:"note,omitempty" yaml:"note,omitempty"`
}

// RankingFormula scores one indicator into [0,1].
type RankingFormula struct {
	Indicator   string    `json:"indicator" yaml:"indicator"`
	Function    ScoreFunc `json:"function" yaml:"function"`
	Weight      float64   `json:"weight" yaml:"weight"`
	Center      *float64  `json:"center,omitempty" yaml:"center,omitempty"`
	Sigma       *float64  `json:"sigma,omitempty" yaml:"sigma,omitempty"`
	Denominator string    `json:"denominator,omitempty" yaml:"denominator,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
}

// Columns returns the row columns the rule reads.
func (r FilterRule) Columns() []string {
	if r.ComparisonField != "" {
		return []string{r.Indicator, r.ComparisonField}
	}
	return []string{r.Indicator}
}

// Columns returns the row columns the formula reads.
func (f RankingFormula) Columns() []string {
	if f.Denominator != "" {
		return []string{f.Indicator, f.Denominator}
	}
	return []string{f.Indicator}
}

// UnmarshalJSON decodes and validates a filter rule.
func (r *FilterRule) UnmarshalJSON(data []byte) error {
	type plain FilterRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	rule := FilterRule(p)
	if err := rule.Validate(); err != nil {
		return err
	}
	*r = rule
	return nil
}

// UnmarshalYAML decodes and validates a filter rule.
func (r *FilterRule) UnmarshalYAML(node *yaml.Node) error {
	type plain FilterRule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	rule := FilterRule(p)
	if err := rule.Validate(); err != nil {
		return err
	}
	*r = rule
	return nil
}

// UnmarshalJSON decodes and validates a ranking formula.
func (f *RankingFormula) UnmarshalJSON(data []byte) error {
	type plain RankingFormula
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	formula := RankingFormula(p)
	if err := formula.Validate(); err != nil {
		return err
	}
	*f = formula
	return nil
}

// UnmarshalYAML decodes and validates a ranking formula.
func (f *RankingFormula) UnmarshalYAML(node *yaml.Node) error {
	type plain RankingFormula
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	formula := RankingFormula(p)
	if err := formula.Validate(); err != nil {
		return err
	}
	*f = formula
	return nil
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrConfig, fmt.Sprintf(format, args...))
}
