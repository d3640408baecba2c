package dsl

import "sort"

// RequiredColumns collects every indicator column referenced by the rules and
// formulas, plus any extra columns the caller always needs. The result is sorted.
func RequiredColumns(filters []FilterRule, ranking []RankingFormula, extra ...string) []string {
	seen := make(map[string]bool)
	for _, col := range extra {
		seen[col] = true
	}
	for _, r := range filters {
		for _, col := range r.Columns() {
			seen[col] = true
		}
	}
	for _, f := range ranking {
		for _, col := range f.Columns() {
			seen[col] = true
		}
	}

	cols := make([]string, 0, len(seen))
	for col := range seen {
		if col != "" {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}
