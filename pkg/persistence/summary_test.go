package persistence

import (
	"math"
	"testing"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

func TestSummarizeEmpty(t *testing.T) {
	if got := Summarize(nil, nil); len(got) != 0 {
		t.Errorf("expected no groups, got %d", len(got))
	}
}

func TestSummarizeGroupsByExecutionStrategy(t *testing.T) {
	trades := []types.BacktestTrade{
		{ExecutionStrategyID: "b", PnLPercent: 4, RMultiple: 2, BarsHeld: 2, ExitReason: types.ExitTarget},
		{ExecutionStrategyID: "b", PnLPercent: -2, RMultiple: -1, BarsHeld: 1, ExitReason: types.ExitStop},
		{ExecutionStrategyID: "a", PnLPercent: 1, RMultiple: 0.5, BarsHeld: 5, ExitReason: types.ExitTimeStop},
	}
	skipped := []types.SkippedTrade{
		{ExecutionStrategyID: "b", Reason: types.SkipNoEntry},
		{ExecutionStrategyID: "c", Reason: types.SkipMissingATR},
	}

	got := Summarize(trades, skipped)
	if len(got) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(got))
	}
	if got[0].ExecutionStrategyID != "a" || got[1].ExecutionStrategyID != "b" || got[2].ExecutionStrategyID != "c" {
		t.Errorf("groups not sorted: %s %s %s", got[0].ExecutionStrategyID, got[1].ExecutionStrategyID, got[2].ExecutionStrategyID)
	}

	b := got[1]
	if b.NumTrades != 2 || b.NumSkipped != 1 || b.Wins != 1 {
		t.Errorf("counts = %+v", b)
	}
	if b.WinRate != 0.5 || b.PnLMean != 1 || b.RMean != 0.5 || b.BarsHeldAvg != 1.5 {
		t.Errorf("stats = %+v", b)
	}
	if b.PnLStd != 3 {
		t.Errorf("pnl std = %v, want 3", b.PnLStd)
	}
	if b.MaxProfit != 4 || b.MaxDrawdown != -2 {
		t.Errorf("extremes = %v / %v", b.MaxProfit, b.MaxDrawdown)
	}
	if b.ByExit[types.ExitTarget] != 1 || b.ByExit[types.ExitStop] != 1 || b.BySkip[types.SkipNoEntry] != 1 {
		t.Errorf("breakdown = %v %v", b.ByExit, b.BySkip)
	}

	c := got[2]
	if c.NumTrades != 0 || c.WinRate != 0 || c.BySkip[types.SkipMissingATR] != 1 {
		t.Errorf("skip-only group = %+v", c)
	}
}

func TestStddev(t *testing.T) {
	if stddev([]float64{5}) != 0 {
		t.Error("single value should have zero deviation")
	}
	if got := stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9}); math.Abs(got-2) > 1e-12 {
		t.Errorf("stddev = %v, want 2", got)
	}
	if mean(nil) != 0 {
		t.Error("mean of nothing should be 0")
	}
}
