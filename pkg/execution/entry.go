// Package execution resolves how a validated signal becomes a trade: the
// entry fill, the ATR-based stop and target, and the trade's outcome.
package execution

import (
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// ResolveEntry finds the entry fill in the forward bars, which start at the
// first session after the signal date. It reports false when no entry occurs.
func ResolveEntry(bars []types.Bar, cfg strategy.EntryConfig) (types.EntryEvent, bool) {
	if len(bars) == 0 {
		return types.EntryEvent{}, false
	}

	switch cfg.Mode {
	case strategy.ImmediateAtOpen:
		return types.EntryEvent{
			EntryDate:  bars[0].Date,
			Price:      bars[0].Open,
			Reason:     types.EntryImmediateAtOpen,
			BarsWaited: 0,
		}, true

	case strategy.PercentUnderOpen:
		if cfg.PercentBelowOpen <= 0 || cfg.ValidForBars < 1 {
			return types.EntryEvent{}, false
		}
		window := min(cfg.ValidForBars, len(bars))
		for i := 0; i < window; i++ {
			limit := bars[i].Open * (1 - cfg.PercentBelowOpen)
			if bars[i].Low <= limit {
				// Limit order: never filled better than the limit.
				return types.EntryEvent{
					EntryDate:  bars[i].Date,
					Price:      limit,
					Reason:     types.EntryWaitTrigger,
					BarsWaited: i,
				}, true
			}
		}
		return types.EntryEvent{}, false

	default:
		return types.EntryEvent{}, false
	}
}
