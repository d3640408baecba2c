package export

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

func TestWriteRunReadBack(t *testing.T) {
	dir := t.TempDir()
	runID := uuid.New()
	signal := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	trades := []types.BacktestTrade{{
		RunID: runID, EODSignalID: 7, SignalStrategyID: "momentum", ExecutionStrategyID: "atr_1_2",
		SecurityID: 1, SignalDate: signal, EntryDate: signal.AddDate(0, 0, 1), ExitDate: signal.AddDate(0, 0, 2),
		EntryReason: types.EntryImmediateAtOpen, ExitReason: types.ExitTarget,
		EntryPrice: 100, ExitPrice: 104, StopPrice: 98, TargetPrice: 104, ATRUsed: 2,
		PnLPercent: 4, RMultiple: 2, BarsHeld: 2,
	}}
	skipped := []types.SkippedTrade{{
		RunID: runID, EODSignalID: 8, SignalStrategyID: "momentum", ExecutionStrategyID: "atr_1_2",
		SecurityID: 2, SignalDate: signal, Reason: types.SkipNoEntry, Detail: "PERCENT_UNDER_OPEN did not trigger",
	}}

	if err := WriteRun(dir, runID, trades, skipped); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadTrades(dir, runID)
	if err != nil {
		t.Fatalf("read trades: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(got))
	}
	tr := got[0]
	if tr.RunID != runID || tr.ExitReason != types.ExitTarget || tr.RMultiple != 2 || tr.BarsHeld != 2 {
		t.Errorf("trade = %s", tr)
	}
	if !tr.ExitDate.Equal(signal.AddDate(0, 0, 2)) {
		t.Errorf("exit date = %v", tr.ExitDate)
	}

	sk, err := ReadSkipped(dir, runID)
	if err != nil {
		t.Fatalf("read skipped: %v", err)
	}
	if len(sk) != 1 || sk[0].Reason != types.SkipNoEntry || sk[0].SecurityID != 2 {
		t.Errorf("skipped = %+v", sk)
	}
}

func TestReadTradesMissingRun(t *testing.T) {
	if _, err := ReadTrades(t.TempDir(), uuid.New()); err == nil {
		t.Error("expected error for a run that was never exported")
	}
}
