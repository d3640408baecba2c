// Package export writes a backtest run's trades to Parquet files for
// offline analysis:
//
//	<dir>/<run_id>/trades.parquet
//	<dir>/<run_id>/skipped.parquet
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// TradeRecord is the Parquet schema for one trade.
type TradeRecord struct {
	RunID               string  `parquet:"run_id"`
	EODSignalID         int64   `parquet:"eod_signal_id"`
	SignalStrategyID    string  `parquet:"signal_strategy_id"`
	ExecutionStrategyID string  `parquet:"execution_strategy_id"`
	SecurityID          int64   `parquet:"security_id"`
	SignalDate          int64   `parquet:"signal_date,timestamp(millisecond)"` // Unix ms
	EntryDate           int64   `parquet:"entry_date,timestamp(millisecond)"`
	ExitDate            int64   `parquet:"exit_date,timestamp(millisecond)"`
	EntryReason         string  `parquet:"entry_reason"`
	ExitReason          string  `parquet:"exit_reason"`
	EntryPrice          float64 `parquet:"entry_price"`
	ExitPrice           float64 `parquet:"exit_price"`
	StopPrice           float64 `parquet:"stop_price"`
	TargetPrice         float64 `parquet:"target_price"`
	ATRUsed             float64 `parquet:"atr_used"`
	PnLPercent          float64 `parquet:"pnl_percent"`
	RMultiple           float64 `parquet:"r_multiple"`
	BarsWaited          int32   `parquet:"bars_waited"`
	BarsHeld            int32   `parquet:"bars_held"`
}

// SkippedRecord is the Parquet schema for one skipped signal.
type SkippedRecord struct {
	RunID               string `parquet:"run_id"`
	EODSignalID         int64  `parquet:"eod_signal_id"`
	SignalStrategyID    string `parquet:"signal_strategy_id"`
	ExecutionStrategyID string `parquet:"execution_strategy_id"`
	SecurityID          int64  `parquet:"security_id"`
	SignalDate          int64  `parquet:"signal_date,timestamp(millisecond)"`
	Reason              string `parquet:"reason"`
	Detail              string `parquet:"detail"`
}

// RunDir returns the directory a run is exported to.
func RunDir(dir string, runID uuid.UUID) string {
	return filepath.Join(dir, runID.String())
}

// WriteRun writes a run's trades and skipped signals, replacing any earlier
// export of the same run.
func WriteRun(dir string, runID uuid.UUID, trades []types.BacktestTrade, skipped []types.SkippedTrade) error {
	tr := make([]TradeRecord, len(trades))
	for i, t := range trades {
		tr[i] = TradeRecord{
			RunID:               t.RunID.String(),
			EODSignalID:         t.EODSignalID,
			SignalStrategyID:    t.SignalStrategyID,
			ExecutionStrategyID: t.ExecutionStrategyID,
			SecurityID:          t.SecurityID,
			SignalDate:          t.SignalDate.UnixMilli(),
			EntryDate:           t.EntryDate.UnixMilli(),
			ExitDate:            t.ExitDate.UnixMilli(),
			EntryReason:         string(t.EntryReason),
			ExitReason:          string(t.ExitReason),
			EntryPrice:          t.EntryPrice,
			ExitPrice:           t.ExitPrice,
			StopPrice:           t.StopPrice,
			TargetPrice:         t.TargetPrice,
			ATRUsed:             t.ATRUsed,
			PnLPercent:          t.PnLPercent,
			RMultiple:           t.RMultiple,
			BarsWaited:          int32(t.BarsWaited),
			BarsHeld:            int32(t.BarsHeld),
		}
	}
	sk := make([]SkippedRecord, len(skipped))
	for i, s := range skipped {
		sk[i] = SkippedRecord{
			RunID:               s.RunID.String(),
			EODSignalID:         s.EODSignalID,
			SignalStrategyID:    s.SignalStrategyID,
			ExecutionStrategyID: s.ExecutionStrategyID,
			SecurityID:          s.SecurityID,
			SignalDate:          s.SignalDate.UnixMilli(),
			Reason:              string(s.Reason),
			Detail:              s.Detail,
		}
	}

	base := RunDir(dir, runID)
	if err := writeParquetFile(filepath.Join(base, "trades.parquet"), tr); err != nil {
		return fmt.Errorf("writing trades for run %s: %w", runID, err)
	}
	if err := writeParquetFile(filepath.Join(base, "skipped.parquet"), sk); err != nil {
		return fmt.Errorf("writing skipped trades for run %s: %w", runID, err)
	}
	return nil
}

// ReadTrades reads the trades exported for a run.
func ReadTrades(dir string, runID uuid.UUID) ([]types.BacktestTrade, error) {
	records, err := readParquetFile[TradeRecord](filepath.Join(RunDir(dir, runID), "trades.parquet"))
	if err != nil {
		return nil, fmt.Errorf("reading trades for run %s: %w", runID, err)
	}
	out := make([]types.BacktestTrade, len(records))
	for i, r := range records {
		id, err := uuid.Parse(r.RunID)
		if err != nil {
			return nil, fmt.Errorf("parsing run id %q: %w", r.RunID, err)
		}
		out[i] = types.BacktestTrade{
			RunID:               id,
			EODSignalID:         r.EODSignalID,
			SignalStrategyID:    r.SignalStrategyID,
			ExecutionStrategyID: r.ExecutionStrategyID,
			SecurityID:          r.SecurityID,
			SignalDate:          fromMillis(r.SignalDate),
			EntryDate:           fromMillis(r.EntryDate),
			ExitDate:            fromMillis(r.ExitDate),
			EntryReason:         types.EntryReason(r.EntryReason),
			ExitReason:          types.ExitReason(r.ExitReason),
			EntryPrice:          r.EntryPrice,
			ExitPrice:           r.ExitPrice,
			StopPrice:           r.StopPrice,
			TargetPrice:         r.TargetPrice,
			ATRUsed:             r.ATRUsed,
			PnLPercent:          r.PnLPercent,
			RMultiple:           r.RMultiple,
			BarsWaited:          int(r.BarsWaited),
			BarsHeld:            int(r.BarsHeld),
		}
	}
	return out, nil
}

// ReadSkipped reads the skipped signals exported for a run.
func ReadSkipped(dir string, runID uuid.UUID) ([]types.SkippedTrade, error) {
	records, err := readParquetFile[SkippedRecord](filepath.Join(RunDir(dir, runID), "skipped.parquet"))
	if err != nil {
		return nil, fmt.Errorf("reading skipped trades for run %s: %w", runID, err)
	}
	out := make([]types.SkippedTrade, len(records))
	for i, r := range records {
		out[i] = types.SkippedTrade{
			RunID:               runID,
			EODSignalID:         r.EODSignalID,
			SignalStrategyID:    r.SignalStrategyID,
			ExecutionStrategyID: r.ExecutionStrategyID,
			SecurityID:          r.SecurityID,
			SignalDate:          fromMillis(r.SignalDate),
			Reason:              types.SkipReason(r.Reason),
			Detail:              r.Detail,
		}
	}
	return out, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}
