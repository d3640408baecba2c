package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

func openIndicators() types.IndicatorRow {
	return types.IndicatorRow{"close": 100, "volume": 2e6, "avg_vol_20d": 1e6, "atr_14": 2, "rsi_14": 60}
}

func TestValidateSignalPendingWithoutOpen(t *testing.T) {
	res, err := ValidateSignal(types.EODSignal{ID: 7}, openIndicators(), Quote{}, momentum(), true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Validated != nil || res.SignalID != 7 {
		t.Errorf("expected undetermined result, got %+v", res)
	}
}

func TestValidateSignalDefaultsAndStrategyRules(t *testing.T) {
	s := momentum()
	s.ValidateAtOpenFilters = []dsl.FilterRule{
		{Indicator: "open", Comparison: dsl.GreaterThan, Value: floatPtr(1.0), ComparisonField: "close"},
	}

	res, err := ValidateSignal(types.EODSignal{ID: 1}, openIndicators(),
		Quote{NextOpen: floatPtr(101), EarlyVolume: floatPtr(20_000)}, s, true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Validated == nil || !*res.Validated {
		t.Fatalf("expected pass, got %+v", res)
	}
	if *res.NextOpen != 101 {
		t.Errorf("next open = %v", *res.NextOpen)
	}

	res, err = ValidateSignal(types.EODSignal{ID: 2}, openIndicators(),
		Quote{NextOpen: floatPtr(99), EarlyVolume: floatPtr(5_000)}, s, true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Validated == nil || *res.Validated {
		t.Fatalf("expected failure, got %+v", res)
	}
	want := []string{"min_early_volume", "filter[0]:open"}
	if len(res.Failures) != len(want) || res.Failures[0] != want[0] || res.Failures[1] != want[1] {
		t.Errorf("failures = %v, want %v", res.Failures, want)
	}
}

func TestValidateSignalWithoutEarlyVolumeSkipsThoseRules(t *testing.T) {
	s := momentum()
	s.ValidateAtOpenFilters = []dsl.FilterRule{
		{Indicator: "early_volume", Comparison: dsl.GreaterThan, Value: floatPtr(0.02), ComparisonField: "avg_vol_20d"},
		{Indicator: "open", Comparison: dsl.GreaterThan, Value: floatPtr(1.0), ComparisonField: "close"},
	}

	res, err := ValidateSignal(types.EODSignal{ID: 3}, openIndicators(), Quote{NextOpen: floatPtr(101)}, s, false)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Validated == nil || !*res.Validated {
		t.Fatalf("expected pass, got %+v", res)
	}

	res, err = ValidateSignal(types.EODSignal{ID: 4}, openIndicators(), Quote{NextOpen: floatPtr(99)}, s, false)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Validated == nil || *res.Validated {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0] != "filter[1]:open" {
		t.Errorf("failures = %v, want [filter[1]:open]", res.Failures)
	}
}

func TestValidateSignalUnknownColumn(t *testing.T) {
	s := momentum()
	s.ValidateAtOpenFilters = []dsl.FilterRule{
		{Indicator: "premarket_high", Comparison: dsl.GreaterThan, Value: floatPtr(1)},
	}
	_, err := ValidateSignal(types.EODSignal{ID: 1}, openIndicators(), Quote{NextOpen: floatPtr(100)}, s, false)
	if !errors.Is(err, types.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidatorValidateDay(t *testing.T) {
	next := pickDay.AddDate(0, 0, 1)
	store := &fakeStore{
		rows: map[string][]types.Row{dayKey(pickDay): {
			{SecurityID: 1, Values: openIndicators()},
			{SecurityID: 2, Values: openIndicators()},
		}},
		bars: map[int64][]types.Bar{
			1: {{Date: next, Open: 102, High: 104, Low: 101, Close: 103}},
			2: {{Date: next, Open: 110, High: 111, Low: 108, Close: 109}},
		},
		signals: []types.EODSignal{
			{ID: 1, SignalDate: pickDay, StrategyID: "momentum", SecurityID: 1},
			{ID: 2, SignalDate: pickDay, StrategyID: "momentum", SecurityID: 2},
			{ID: 3, SignalDate: pickDay, StrategyID: "momentum", SecurityID: 3},
		},
	}
	reg, err := strategy.NewRegistry(momentum())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	v := NewValidator(store, reg, newTestLogger())
	counts, err := v.ValidateDay(context.Background(), pickDay)
	if err != nil {
		t.Fatalf("validate day: %v", err)
	}
	if counts.Passed != 1 || counts.Failed != 1 || counts.Pending != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if len(store.validations) != 2 {
		t.Fatalf("expected 2 stored validations, got %d", len(store.validations))
	}
	if store.validations[1].Failures[0] != "max_gap" {
		t.Errorf("expected max_gap failure, got %v", store.validations[1].Failures)
	}
}
