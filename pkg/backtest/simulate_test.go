package backtest

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

var signalDate = date(2024, 3, 4)

func signalStrategy(id string) *strategy.SignalStrategy {
	return &strategy.SignalStrategy{StrategyID: id, Name: id, Active: true, MaxSignalsPerDay: 5}
}

func atrExecution(id string, stop, target float64, maxHold int) *strategy.ExecutionStrategy {
	return &strategy.ExecutionStrategy{
		StrategyID: id,
		Version:    1,
		Active:     true,
		Entry:      strategy.EntryConfig{Mode: strategy.ImmediateAtOpen},
		Exit: strategy.ExitConfig{
			StopOffset:   strategy.Offset{Unit: strategy.UnitATR, Multiple: stop},
			TargetOffset: strategy.Offset{Unit: strategy.UnitATR, Multiple: target},
		},
		MaxHoldDays:          maxHold,
		ConservativeIntrabar: true,
		ConservativeGap:      true,
	}
}

// forwardBars builds the bars after signalDate from [open, high, low, close].
func forwardBars(ohlc ...[4]float64) []types.Bar {
	bars := make([]types.Bar, len(ohlc))
	for i, q := range ohlc {
		bars[i] = types.Bar{Date: signalDate.AddDate(0, 0, i+1), Open: q[0], High: q[1], Low: q[2], Close: q[3], Volume: 2e6}
	}
	return bars
}

// targetOnBarTwo is the reference scenario: entry 100, ATR 2, stop 98,
// target 104 reached on the second bar.
var targetOnBarTwo = [][4]float64{
	{100, 101, 99, 100.5},
	{101, 104.5, 100, 104},
}

func testPair(es *strategy.ExecutionStrategy) Pair {
	return Pair{RunID: uuid.New(), Signal: signalStrategy("momentum"), Execution: es}
}

func TestSimulateTargetOnSecondBar(t *testing.T) {
	p := testPair(atrExecution("atr_1_2", 1, 2, 5))
	sig := types.EODSignal{ID: 9, SignalDate: signalDate, StrategyID: "momentum", SecurityID: 1}

	tr, err := Simulate(p, sig, types.IndicatorRow{"atr_14": 2}, forwardBars(targetOnBarTwo...))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if tr.EntryPrice != 100 || tr.StopPrice != 98 || tr.TargetPrice != 104 || tr.ATRUsed != 2 {
		t.Errorf("levels = %s", tr)
	}
	if tr.ExitReason != types.ExitTarget || tr.ExitPrice != 104 || tr.BarsHeld != 2 {
		t.Errorf("exit = %s", tr)
	}
	if math.Abs(tr.PnLPercent-4) > 1e-9 || math.Abs(tr.RMultiple-2) > 1e-9 {
		t.Errorf("pnl %v R %v, want 4 and 2", tr.PnLPercent, tr.RMultiple)
	}
	if tr.RunID != p.RunID || tr.EODSignalID != 9 || tr.SignalStrategyID != "momentum" || tr.ExecutionStrategyID != "atr_1_2" {
		t.Errorf("identity = %+v", tr)
	}
	if !tr.EntryDate.Equal(signalDate.AddDate(0, 0, 1)) || !tr.ExitDate.Equal(signalDate.AddDate(0, 0, 2)) {
		t.Errorf("dates = %s .. %s", tr.EntryDate, tr.ExitDate)
	}
}

func TestSimulateWaitTriggerExitsFromEntryBar(t *testing.T) {
	es := atrExecution("dip", 1, 2, 5)
	es.Entry = strategy.EntryConfig{Mode: strategy.PercentUnderOpen, PercentBelowOpen: 0.02, ValidForBars: 3}
	bars := forwardBars(
		[4]float64{100, 101, 99, 100},
		[4]float64{100, 100.5, 97, 99}, // fills at 98, stop 96, target 102
		[4]float64{99, 102.5, 98.5, 102},
	)

	tr, err := Simulate(testPair(es), types.EODSignal{ID: 1, SignalDate: signalDate}, types.IndicatorRow{"atr_14": 2}, bars)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if tr.EntryReason != types.EntryWaitTrigger || tr.EntryPrice != 98 || tr.BarsWaited != 1 {
		t.Errorf("entry = %s waited=%d", tr, tr.BarsWaited)
	}
	if tr.ExitReason != types.ExitTarget || tr.ExitPrice != 102 || tr.BarsHeld != 2 {
		t.Errorf("exit = %s held=%d", tr, tr.BarsHeld)
	}
}

func TestSimulateSkips(t *testing.T) {
	neverFills := atrExecution("never", 1, 2, 5)
	neverFills.Entry = strategy.EntryConfig{Mode: strategy.PercentUnderOpen, PercentBelowOpen: 0.5, ValidForBars: 2}

	cases := []struct {
		name string
		es   *strategy.ExecutionStrategy
		ind  types.IndicatorRow
		bars []types.Bar
		want types.SkipReason
	}{
		{"null atr", atrExecution("a", 1, 2, 5), types.IndicatorRow{"atr_14": math.NaN()}, forwardBars(targetOnBarTwo...), types.SkipMissingATR},
		{"no atr column", atrExecution("a", 1, 2, 5), types.IndicatorRow{}, forwardBars(targetOnBarTwo...), types.SkipMissingATR},
		{"zero atr", atrExecution("a", 1, 2, 5), types.IndicatorRow{"atr_14": 0}, forwardBars(targetOnBarTwo...), types.SkipMissingATR},
		{"no bars", atrExecution("a", 1, 2, 5), types.IndicatorRow{"atr_14": 2}, nil, types.SkipNoForwardBars},
		{"no entry", neverFills, types.IndicatorRow{"atr_14": 2}, forwardBars(targetOnBarTwo...), types.SkipNoEntry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Simulate(testPair(tc.es), types.EODSignal{ID: 1, SignalDate: signalDate}, tc.ind, tc.bars)
			var se *SkipError
			if !errors.As(err, &se) {
				t.Fatalf("expected SkipError, got %v", err)
			}
			if se.Reason != tc.want {
				t.Errorf("reason = %s, want %s", se.Reason, tc.want)
			}
			if !errors.Is(err, types.ErrDataQuality) {
				t.Error("skip errors must wrap ErrDataQuality")
			}
		})
	}
}
