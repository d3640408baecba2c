package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Quote is the next session's opening data for one security. A nil NextOpen
// means the session has not opened yet.
type Quote struct {
	NextOpen    *float64
	EarlyVolume *float64
}

// ValidateSignal checks one signal against the next open: the default open
// rules first, then the strategy's validate_at_open_filters. Strategy rules
// see the next open under both "next_open" and "open". Without an early
// volume in q, rules that read early_volume are not applied.
func ValidateSignal(sig types.EODSignal, ind types.IndicatorRow, q Quote, s *strategy.SignalStrategy, checkEarlyVolume bool) (types.OpenValidation, error) {
	out := types.OpenValidation{SignalID: sig.ID}
	if q.NextOpen == nil {
		return out, nil
	}
	out.NextOpen = q.NextOpen

	values := make(types.IndicatorRow, len(ind)+3)
	for k, v := range ind {
		values[k] = v
	}
	values["next_open"] = *q.NextOpen
	values["open"] = *q.NextOpen
	if q.EarlyVolume != nil {
		values[earlyVolumeColumn] = *q.EarlyVolume
	}
	row := types.Row{SecurityID: sig.SecurityID, Date: sig.SignalDate, Values: values}

	required := s.RequiredOpenColumns()
	var (
		rules []dsl.FilterRule
		index []int // position of rules[i] in the strategy's list
	)
	for i, rule := range s.ValidateAtOpenFilters {
		if q.EarlyVolume == nil && readsColumn(rule, earlyVolumeColumn) {
			continue
		}
		rules = append(rules, rule)
		index = append(index, i)
	}
	if q.EarlyVolume == nil {
		required = slices.DeleteFunc(slices.Clone(required), func(c string) bool { return c == earlyVolumeColumn })
	}

	var failures []string
	if len(DropIncomplete([]types.Row{row}, required)) == 0 {
		failures = append(failures, "incomplete_row")
	}
	failures = append(failures, OpenFailures(row, checkEarlyVolume)...)

	if len(rules) > 0 {
		if err := checkColumns([]types.Row{row}, rules); err != nil {
			return out, fmt.Errorf("strategy %s at-open filters: %w", s.StrategyID, err)
		}
		preds, err := dsl.Compile(rules)
		if err != nil {
			return out, fmt.Errorf("strategy %s at-open filters: %w", s.StrategyID, err)
		}
		for i, pred := range preds {
			if !pred(row) {
				failures = append(failures, fmt.Sprintf("filter[%d]:%s", index[i], rules[i].Indicator))
			}
		}
	}

	passed := len(failures) == 0
	out.Validated = &passed
	out.Failures = failures
	return out, nil
}

const earlyVolumeColumn = "early_volume"

func readsColumn(rule dsl.FilterRule, col string) bool {
	return rule.Indicator == col || rule.ComparisonField == col
}

// ValidatorStore is what the validator reads from and writes to.
type ValidatorStore interface {
	persistence.SignalSource
	persistence.IndicatorFeed
	persistence.BarFeed
	persistence.SignalSink
}

// StrategyLookup resolves a signal strategy by id.
type StrategyLookup interface {
	Get(id string) (*strategy.SignalStrategy, error)
}

// ValidationCounts summarises one validation pass.
type ValidationCounts struct {
	Passed  int
	Failed  int
	Pending int
}

// Validator replays at-open validation from stored daily bars: the next
// open is the open of the first bar after the signal date. Intraday early
// volume is not stored, so that rule is not applied.
type Validator struct {
	store      ValidatorStore
	strategies StrategyLookup
	logger     *slog.Logger
}

// NewValidator creates a historic at-open validator.
func NewValidator(store ValidatorStore, strategies StrategyLookup, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, strategies: strategies, logger: logger}
}

// ValidateDay validates every undetermined signal dated day and stores the outcomes.
func (v *Validator) ValidateDay(ctx context.Context, day time.Time) (ValidationCounts, error) {
	var counts ValidationCounts
	day = types.Day(day)

	sigs, err := v.store.UnvalidatedSignals(ctx, day)
	if err != nil {
		return counts, fmt.Errorf("loading signals for %s: %w", day.Format(types.DateLayout), err)
	}
	if len(sigs) == 0 {
		return counts, nil
	}

	results := make([]types.OpenValidation, 0, len(sigs))
	for _, sig := range sigs {
		s, err := v.strategies.Get(sig.StrategyID)
		if err != nil {
			v.logger.Warn("Signal references unknown strategy", "signal_id", sig.ID, "strategy", sig.StrategyID)
			counts.Pending++
			continue
		}

		ind, err := v.store.IndicatorsFor(ctx, sig.SecurityID, sig.SignalDate)
		if errors.Is(err, persistence.ErrNotFound) {
			ind = types.IndicatorRow{}
		} else if err != nil {
			return counts, fmt.Errorf("loading indicators for security %d: %w", sig.SecurityID, err)
		}

		bars, err := v.store.BarsAfter(ctx, sig.SecurityID, sig.SignalDate, 1)
		if err != nil {
			return counts, fmt.Errorf("loading next bar for security %d: %w", sig.SecurityID, err)
		}
		var q Quote
		if len(bars) > 0 {
			open := bars[0].Open
			q.NextOpen = &open
		}

		res, err := ValidateSignal(sig, ind, q, s, false)
		if err != nil {
			return counts, err
		}
		switch {
		case res.Validated == nil:
			counts.Pending++
			continue
		case *res.Validated:
			counts.Passed++
		default:
			counts.Failed++
		}
		results = append(results, res)
	}

	if len(results) > 0 {
		if err := v.store.SaveValidations(ctx, results); err != nil {
			return counts, fmt.Errorf("saving validations: %w", err)
		}
	}
	v.logger.Info("Signals validated at open",
		"date", day.Format(types.DateLayout),
		"passed", counts.Passed,
		"failed", counts.Failed,
		"pending", counts.Pending,
	)
	return counts, nil
}

// ValidateRange validates every calendar day in [start, end].
func (v *Validator) ValidateRange(ctx context.Context, start, end time.Time) (ValidationCounts, error) {
	var total ValidationCounts
	for day := types.Day(start); !day.After(types.Day(end)); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		c, err := v.ValidateDay(ctx, day)
		total.Passed += c.Passed
		total.Failed += c.Failed
		total.Pending += c.Pending
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
