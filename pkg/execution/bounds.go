package execution

import (
	"fmt"
	"math"

	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// ErrInvalidATR is returned when the signal-date ATR is missing, NaN or not positive.
var ErrInvalidATR = fmt.Errorf("%w: invalid ATR", types.ErrDataQuality)

// ResolveBounds computes absolute stop and target prices for a long entry.
func ResolveBounds(entryPrice, atr float64, cfg strategy.ExitConfig) (types.TradeBounds, error) {
	if math.IsNaN(atr) || math.IsInf(atr, 0) || atr <= 0 {
		return types.TradeBounds{}, fmt.Errorf("%w: %v", ErrInvalidATR, atr)
	}
	if cfg.StopOffset.Unit != strategy.UnitATR || cfg.TargetOffset.Unit != strategy.UnitATR {
		return types.TradeBounds{}, fmt.Errorf("%w: unsupported offset unit", types.ErrConfig)
	}
	return types.TradeBounds{
		StopPrice:   entryPrice - cfg.StopOffset.Multiple*atr,
		TargetPrice: entryPrice + cfg.TargetOffset.Multiple*atr,
		ATRUsed:     atr,
	}, nil
}
