// Package signals turns a day's indicator table into ranked end-of-day
// signals and validates them against the next session's open.
package signals

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Default end-of-day thresholds applied before any strategy filter.
const (
	MinClose     = 5.0
	MinVolume    = 1_000_000.0
	MinATRPct    = 0.015
	MinOpenPrice = 1.00
	MinEarlyVol  = 0.01
	MaxGapPct    = 0.05

	// absorbs float error so a gap of exactly MaxGapPct passes
	gapTolerance = 1e-12
)

// Apply keeps rows that pass every rule, evaluated in list order and
// AND-combined. An empty rule list returns rows unchanged. A rule that
// references a column none of the rows carry is a configuration error.
func Apply(rows []types.Row, rules []dsl.FilterRule, logger *slog.Logger) ([]types.Row, error) {
	if len(rules) == 0 || len(rows) == 0 {
		return rows, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkColumns(rows, rules); err != nil {
		return nil, err
	}
	preds, err := dsl.Compile(rules)
	if err != nil {
		return nil, err
	}

	mask := make([]bool, len(rows))
	for i := range mask {
		mask[i] = true
	}
	for ri, pred := range preds {
		removed := 0
		for i, r := range rows {
			if mask[i] && !pred(r) {
				mask[i] = false
				removed++
			}
		}
		logger.Debug("Filter rule applied",
			"rule", ri,
			"indicator", rules[ri].Indicator,
			"comparison", rules[ri].Comparison,
			"removed", removed,
		)
	}

	out := make([]types.Row, 0, len(rows))
	for i, r := range rows {
		if mask[i] {
			out = append(out, r)
		}
	}
	return out, nil
}

// checkColumns treats a column as present when at least one row carries it,
// even with a null value.
func checkColumns(rows []types.Row, rules []dsl.FilterRule) error {
	for _, rule := range rules {
		if !anyHas(rows, rule.Indicator) {
			return fmt.Errorf("%w: missing indicator column %q", types.ErrConfig, rule.Indicator)
		}
		if rule.ComparisonField != "" && !anyHas(rows, rule.ComparisonField) {
			return fmt.Errorf("%w: missing comparison field %q", types.ErrConfig, rule.ComparisonField)
		}
	}
	return nil
}

func anyHas(rows []types.Row, col string) bool {
	for _, r := range rows {
		if r.Values.Has(col) {
			return true
		}
	}
	return false
}

// DropIncomplete removes rows with a null in any of the given columns.
func DropIncomplete(rows []types.Row, cols []string) []types.Row {
	out := make([]types.Row, 0, len(rows))
next:
	for _, r := range rows {
		for _, col := range cols {
			if _, ok := r.Get(col); !ok {
				continue next
			}
		}
		out = append(out, r)
	}
	return out
}

// ApplyDefaultEOD drops incomplete rows, then enforces the price floor,
// minimum volume and minimum ATR as a fraction of close.
func ApplyDefaultEOD(rows []types.Row, required []string) []types.Row {
	rows = DropIncomplete(rows, required)
	out := make([]types.Row, 0, len(rows))
	for _, r := range rows {
		if len(eodFailures(r)) == 0 {
			out = append(out, r)
		}
	}
	return out
}

func eodFailures(r types.Row) []string {
	var failed []string
	closePx, _ := r.Get("close")
	volume, _ := r.Get("volume")
	atr, _ := r.Get("atr_14")

	if !(closePx >= MinClose) {
		failed = append(failed, "min_close")
	}
	if !(volume >= MinVolume) {
		failed = append(failed, "min_volume")
	}
	if closePx <= 0 || !(atr/closePx >= MinATRPct) {
		failed = append(failed, "min_atr_pct")
	}
	return failed
}

// OpenFailures returns the codes of the default at-open rules a row fails.
// The row must carry next_open and close; early_volume and avg_vol_20d are
// checked only when checkEarlyVolume is set.
func OpenFailures(r types.Row, checkEarlyVolume bool) []string {
	var failed []string
	nextOpen, _ := r.Get("next_open")
	closePx, cok := r.Get("close")

	if !(nextOpen >= MinOpenPrice) {
		failed = append(failed, "min_open_price")
	}
	if checkEarlyVolume {
		early, eok := r.Get("early_volume")
		avg, aok := r.Get("avg_vol_20d")
		if !eok || !aok || !(early >= MinEarlyVol*avg) {
			failed = append(failed, "min_early_volume")
		}
	}
	if !cok || closePx <= 0 {
		failed = append(failed, "max_gap")
	} else if gap := math.Abs(nextOpen/closePx - 1); gap > MaxGapPct+gapTolerance {
		failed = append(failed, "max_gap")
	}
	return failed
}
