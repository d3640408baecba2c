package backtest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/execution"
	"github.com/matthew-holman/strategy-runner/pkg/exits"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// ATRColumn is the indicator column stops and targets are sized from.
const ATRColumn = "atr_14"

// SkipError reports why a signal produced no trade. It wraps
// types.ErrDataQuality.
type SkipError struct {
	Reason types.SkipReason
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("skipped: %s", e.Reason)
	}
	return fmt.Sprintf("skipped: %s: %s", e.Reason, e.Detail)
}

func (e *SkipError) Unwrap() error { return types.ErrDataQuality }

func skip(reason types.SkipReason, format string, args ...any) error {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Pair identifies what a trade is simulated under.
type Pair struct {
	RunID     uuid.UUID
	Signal    *strategy.SignalStrategy
	Execution *strategy.ExecutionStrategy
}

// Simulate turns one validated signal into a trade. ind is the signal day's
// indicator row and bars are the bars strictly after the signal date, in
// order. A signal that cannot be traded returns a *SkipError.
func Simulate(p Pair, sig types.EODSignal, ind types.IndicatorRow, bars []types.Bar) (types.BacktestTrade, error) {
	atr, ok := ind.Get(ATRColumn)
	if !ok {
		return types.BacktestTrade{}, skip(types.SkipMissingATR, "%s is null", ATRColumn)
	}
	if len(bars) == 0 {
		return types.BacktestTrade{}, skip(types.SkipNoForwardBars, "no bars after %s", sig.SignalDate.Format(types.DateLayout))
	}

	es := p.Execution
	entry, ok := execution.ResolveEntry(bars, es.Entry)
	if !ok {
		return types.BacktestTrade{}, skip(types.SkipNoEntry, "%s did not trigger", es.Entry.Mode)
	}

	bounds, err := execution.ResolveBounds(entry.Price, atr, es.Exit)
	if err != nil {
		if errors.Is(err, execution.ErrInvalidATR) {
			return types.BacktestTrade{}, skip(types.SkipMissingATR, "%s = %v", ATRColumn, atr)
		}
		return types.BacktestTrade{}, err
	}

	exit, err := exits.Decide(bars[entry.BarsWaited:], bounds, exits.Policy{
		MaxHoldDays:          es.MaxHoldDays,
		ConservativeIntrabar: es.ConservativeIntrabar,
		ConservativeGap:      es.ConservativeGap,
	})
	if err != nil {
		if errors.Is(err, exits.ErrNoBars) {
			return types.BacktestTrade{}, skip(types.SkipNoForwardBars, "no bars from entry")
		}
		return types.BacktestTrade{}, err
	}

	out := execution.ComputeOutcome(entry.Price, exit.ExitPrice, bounds.StopPrice)
	return types.BacktestTrade{
		RunID:               p.RunID,
		EODSignalID:         sig.ID,
		SignalStrategyID:    p.Signal.StrategyID,
		ExecutionStrategyID: es.StrategyID,
		SecurityID:          sig.SecurityID,
		SignalDate:          sig.SignalDate,
		EntryDate:           entry.EntryDate,
		ExitDate:            exit.ExitDate,
		EntryReason:         entry.Reason,
		ExitReason:          exit.Reason,
		EntryPrice:          entry.Price,
		ExitPrice:           exit.ExitPrice,
		StopPrice:           bounds.StopPrice,
		TargetPrice:         bounds.TargetPrice,
		ATRUsed:             bounds.ATRUsed,
		PnLPercent:          out.PnLPercent,
		RMultiple:           out.RMultiple,
		BarsWaited:          entry.BarsWaited,
		BarsHeld:            exit.BarsHeld,
	}, nil
}

// skipped builds the record persisted for a SkipError.
func skipped(p Pair, sig types.EODSignal, se *SkipError) types.SkippedTrade {
	return types.SkippedTrade{
		RunID:               p.RunID,
		EODSignalID:         sig.ID,
		SignalStrategyID:    p.Signal.StrategyID,
		ExecutionStrategyID: p.Execution.StrategyID,
		SecurityID:          sig.SecurityID,
		SignalDate:          sig.SignalDate,
		Reason:              se.Reason,
		Detail:              se.Detail,
	}
}
