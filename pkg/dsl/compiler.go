package dsl

import (
	"fmt"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Predicate reports whether a row passes a rule. Rows with a null in a
// referenced column never pass.
type Predicate func(row types.Row) bool

// Compile turns filter rules into predicates, in the same order.
func Compile(rules []FilterRule) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(rules))
	for i, rule := range rules {
		p, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("filter[%d]: %w", i, err)
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// compileRule dispatches on the Comparison to build a Predicate.
func compileRule(rule FilterRule) (Predicate, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	col := rule.Indicator

	if rule.Comparison == Between {
		lo, hi := *rule.Min, *rule.Max
		return func(row types.Row) bool {
			v, ok := row.Get(col)
			return ok && v >= lo && v <= hi
		}, nil
	}

	rhs := resolveRHS(rule)

	switch rule.Comparison {
	case GreaterThan:
		return func(row types.Row) bool {
			v, ok := row.Get(col)
			r, rok := rhs(row)
			return ok && rok && v > r
		}, nil
	case LessThan:
		return func(row types.Row) bool {
			v, ok := row.Get(col)
			r, rok := rhs(row)
			return ok && rok && v < r
		}, nil
	case Equal:
		return func(row types.Row) bool {
			v, ok := row.Get(col)
			r, rok := rhs(row)
			return ok && rok && v == r
		}, nil
	default:
		return nil, configErr("unsupported comparison %q", rule.Comparison)
	}
}

// resolveRHS returns the right-hand side of a non-between rule: the constant
// value, or value times the comparison field.
func resolveRHS(rule FilterRule) func(types.Row) (float64, bool) {
	base := *rule.Value
	if rule.ComparisonField == "" {
		return func(types.Row) (float64, bool) { return base, true }
	}
	field := rule.ComparisonField
	return func(row types.Row) (float64, bool) {
		f, ok := row.Get(field)
		if !ok {
			return 0, false
		}
		return base * f, true
	}
}
