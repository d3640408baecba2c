package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

var d0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second migration must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return s
}

func seedBars(t *testing.T, s *SQLiteStore, securityID int64, n int) {
	t.Helper()
	bars := make([]types.Bar, n)
	for i := range bars {
		p := 100 + float64(i)
		bars[i] = types.Bar{Date: d0.AddDate(0, 0, i), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 2e6}
	}
	if err := s.SaveBars(context.Background(), securityID, bars); err != nil {
		t.Fatalf("save bars: %v", err)
	}
}

func TestSQLiteIndicatorsJoinOHLCV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBars(t, s, 1, 3)
	seedBars(t, s, 2, 3)
	if err := s.SaveIndicators(ctx, 1, d0, types.IndicatorRow{"atr_14": 2, "rsi_14": math.NaN()}); err != nil {
		t.Fatalf("save indicators: %v", err)
	}
	if err := s.SaveIndicators(ctx, 2, d0, types.IndicatorRow{"atr_14": 3}); err != nil {
		t.Fatalf("save indicators: %v", err)
	}

	rows, err := s.IndicatorsOn(ctx, d0, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("indicators on: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	r := rows[0]
	if r.SecurityID != 1 || r.OHLCVDailyID == 0 || !r.Date.Equal(d0) {
		t.Errorf("unexpected row identity %+v", r)
	}
	if v, ok := r.Get("close"); !ok || v != 100.5 {
		t.Errorf("close = %v, %v", v, ok)
	}
	if !r.Values.Has("rsi_14") {
		t.Error("null column should still be present")
	}
	if _, ok := r.Get("rsi_14"); ok {
		t.Error("null column should not yield a value")
	}

	ind, err := s.IndicatorsFor(ctx, 2, d0)
	if err != nil {
		t.Fatalf("indicators for: %v", err)
	}
	if v, _ := ind.Get("atr_14"); v != 3 {
		t.Errorf("atr_14 = %v, want 3", v)
	}
	if _, err := s.IndicatorsFor(ctx, 2, d0.AddDate(0, 0, 1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteIndicatorColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.IndicatorColumns(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on an empty table, got %v", err)
	}

	if err := s.SaveIndicators(ctx, 1, d0, types.IndicatorRow{"atr_14": 2, "rsi_14": math.NaN()}); err != nil {
		t.Fatalf("save indicators: %v", err)
	}
	if err := s.SaveIndicators(ctx, 2, d0, types.IndicatorRow{"atr_14": 3, "sma_50": 90}); err != nil {
		t.Fatalf("save indicators: %v", err)
	}

	cols, err := s.IndicatorColumns(ctx)
	if err != nil {
		t.Fatalf("indicator columns: %v", err)
	}
	want := []string{"atr_14", "close", "high", "low", "open", "rsi_14", "sma_50", "volume"}
	if strings.Join(cols, ",") != strings.Join(want, ",") {
		t.Errorf("columns = %v, want %v", cols, want)
	}
}

func TestSQLiteBarsAfter(t *testing.T) {
	s := newTestStore(t)
	seedBars(t, s, 1, 5)

	bars, err := s.BarsAfter(context.Background(), 1, d0.AddDate(0, 0, 1), 2)
	if err != nil {
		t.Fatalf("bars after: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if !bars[0].Date.Equal(d0.AddDate(0, 0, 2)) || bars[0].Open != 102 {
		t.Errorf("first bar = %+v, want the bar strictly after the signal date", bars[0])
	}
	if !bars[1].Date.After(bars[0].Date) {
		t.Error("bars must be in ascending date order")
	}
}

func TestSQLiteSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EarliestSnapshot(ctx, "S&P 500"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty table, got %v", err)
	}
	if err := s.SaveSnapshot(ctx, "S&P 500", d0, []int64{1, 2}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "S&P 500", d0.AddDate(0, 1, 0), []int64{2, 3}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	earliest, err := s.EarliestSnapshot(ctx, "S&P 500")
	if err != nil || !earliest.Equal(d0) {
		t.Fatalf("earliest = %v, %v", earliest, err)
	}

	ids, err := s.ConstituentsOn(ctx, "S&P 500", d0.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("constituents: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("constituents = %v, want [1 2]", ids)
	}
	ids, err = s.ConstituentsOn(ctx, "S&P 500", d0.AddDate(0, 2, 0))
	if err != nil {
		t.Fatalf("constituents: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Errorf("constituents = %v, want [2 3]", ids)
	}
	if _, err := s.ConstituentsOn(ctx, "S&P 500", d0.AddDate(0, 0, -1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before the first snapshot, got %v", err)
	}
}

func TestSQLiteSignalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sigs := []types.EODSignal{
		{SignalDate: d0, StrategyID: "momentum", StrategyName: "Momentum", SecurityID: 1, OHLCVDailyID: 10, Score: 0.9},
		{SignalDate: d0, StrategyID: "momentum", StrategyName: "Momentum", SecurityID: 2, OHLCVDailyID: 11, Score: 0.4},
		{SignalDate: d0.AddDate(0, 0, 1), StrategyID: "momentum", StrategyName: "Momentum", SecurityID: 1, OHLCVDailyID: 12, Score: 0.7},
	}
	n, err := s.SaveSignals(ctx, sigs)
	if err != nil || n != 3 {
		t.Fatalf("save signals: n=%d err=%v", n, err)
	}
	n, err = s.SaveSignals(ctx, sigs[:1])
	if err != nil || n != 0 {
		t.Fatalf("duplicate signal inserted: n=%d err=%v", n, err)
	}

	pending, err := s.UnvalidatedSignals(ctx, d0)
	if err != nil {
		t.Fatalf("unvalidated: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending signals, got %d", len(pending))
	}

	pass, fail := true, false
	open := 101.0
	if err := s.SaveValidations(ctx, []types.OpenValidation{
		{SignalID: pending[0].ID, Validated: &pass, NextOpen: &open},
		{SignalID: pending[1].ID, Validated: &fail, NextOpen: &open, Failures: []string{"max_gap"}},
	}); err != nil {
		t.Fatalf("save validations: %v", err)
	}

	validated, err := s.ValidatedSignals(ctx, "momentum", d0, d0.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("validated: %v", err)
	}
	if len(validated) != 1 || validated[0].SecurityID != 1 || !validated[0].Validated() {
		t.Fatalf("validated = %+v", validated)
	}
	if validated[0].NextOpenPrice == nil || *validated[0].NextOpenPrice != 101 {
		t.Errorf("next open = %v", validated[0].NextOpenPrice)
	}

	// End of range is exclusive.
	validated, err = s.ValidatedSignals(ctx, "momentum", d0.AddDate(0, 0, -1), d0)
	if err != nil {
		t.Fatalf("validated: %v", err)
	}
	if len(validated) != 0 {
		t.Errorf("expected no signals before %s, got %d", d0.Format(types.DateLayout), len(validated))
	}

	pending, err = s.UnvalidatedSignals(ctx, d0)
	if err != nil {
		t.Fatalf("unvalidated: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending signals, got %d", len(pending))
	}
}

func TestSQLiteTradesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := types.BacktestRun{RunID: uuid.New(), StartedAt: time.Now(), StrategyID: "momentum", Config: []byte(`{"a":1}`)}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("re-save run: %v", err)
	}

	trade := types.BacktestTrade{
		RunID: run.RunID, EODSignalID: 1, SignalStrategyID: "momentum", ExecutionStrategyID: "atr_1_2",
		SecurityID: 1, SignalDate: d0, EntryDate: d0.AddDate(0, 0, 1), ExitDate: d0.AddDate(0, 0, 2),
		EntryReason: types.EntryImmediateAtOpen, ExitReason: types.ExitTarget,
		EntryPrice: 100, ExitPrice: 104, StopPrice: 98, TargetPrice: 104, ATRUsed: 2,
		PnLPercent: 4, RMultiple: 2, BarsHeld: 2,
	}
	other := trade
	other.ExecutionStrategyID = "atr_2_4"

	n, err := s.SaveTrades(ctx, []types.BacktestTrade{trade, other})
	if err != nil || n != 2 {
		t.Fatalf("first save: n=%d err=%v", n, err)
	}
	n, err = s.SaveTrades(ctx, []types.BacktestTrade{trade, other})
	if err != nil || n != 0 {
		t.Fatalf("second save: n=%d err=%v", n, err)
	}

	skip := types.SkippedTrade{
		RunID: run.RunID, EODSignalID: 2, SignalStrategyID: "momentum", ExecutionStrategyID: "atr_1_2",
		SecurityID: 2, SignalDate: d0, Reason: types.SkipMissingATR, Detail: "atr_14 is null",
	}
	for i, want := range []int{1, 0} {
		n, err := s.SaveSkipped(ctx, []types.SkippedTrade{skip})
		if err != nil || n != want {
			t.Fatalf("skip save %d: n=%d err=%v", i, n, err)
		}
	}

	stored, err := s.Trades(ctx, run.RunID)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(stored))
	}
	got := stored[0]
	if got.ExecutionStrategyID != "atr_1_2" || got.ExitReason != types.ExitTarget || got.RMultiple != 2 || !got.ExitDate.Equal(trade.ExitDate) {
		t.Errorf("round trip mismatch: %s", got)
	}

	skips, err := s.Skipped(ctx, run.RunID)
	if err != nil {
		t.Fatalf("skipped: %v", err)
	}
	if len(skips) != 1 || skips[0].Reason != types.SkipMissingATR {
		t.Errorf("skipped = %+v", skips)
	}
}
