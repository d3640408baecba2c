package persistence

import (
	"math"
	"sort"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Summary holds run statistics for one execution strategy.
type Summary struct {
	ExecutionStrategyID string

	NumTrades  int
	NumSkipped int
	ByExit     map[types.ExitReason]int
	BySkip     map[types.SkipReason]int

	Wins        int
	WinRate     float64 // fraction of trades with pnl > 0
	PnLMean     float64 // percent
	PnLStd      float64
	RMean       float64
	MaxProfit   float64
	MaxDrawdown float64 // most negative pnl percent, 0 when no losing trade
	BarsHeldAvg float64
}

// Summarize groups a run's trades and skips by execution strategy and
// computes per-group statistics. Groups are returned sorted by id.
func Summarize(trades []types.BacktestTrade, skipped []types.SkippedTrade) []Summary {
	groups := make(map[string]*Summary)
	group := func(id string) *Summary {
		s, ok := groups[id]
		if !ok {
			s = &Summary{
				ExecutionStrategyID: id,
				ByExit:              make(map[types.ExitReason]int),
				BySkip:              make(map[types.SkipReason]int),
			}
			groups[id] = s
		}
		return s
	}

	pnls := make(map[string][]float64)
	rs := make(map[string][]float64)
	held := make(map[string][]float64)
	for _, t := range trades {
		s := group(t.ExecutionStrategyID)
		s.NumTrades++
		s.ByExit[t.ExitReason]++
		if t.PnLPercent > 0 {
			s.Wins++
		}
		if t.PnLPercent > s.MaxProfit {
			s.MaxProfit = t.PnLPercent
		}
		if t.PnLPercent < s.MaxDrawdown {
			s.MaxDrawdown = t.PnLPercent
		}
		pnls[t.ExecutionStrategyID] = append(pnls[t.ExecutionStrategyID], t.PnLPercent)
		rs[t.ExecutionStrategyID] = append(rs[t.ExecutionStrategyID], t.RMultiple)
		held[t.ExecutionStrategyID] = append(held[t.ExecutionStrategyID], float64(t.BarsHeld))
	}
	for _, sk := range skipped {
		s := group(sk.ExecutionStrategyID)
		s.NumSkipped++
		s.BySkip[sk.Reason]++
	}

	out := make([]Summary, 0, len(groups))
	for id, s := range groups {
		if s.NumTrades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.NumTrades)
		}
		s.PnLMean = mean(pnls[id])
		s.PnLStd = stddev(pnls[id])
		s.RMean = mean(rs[id])
		s.BarsHeldAvg = mean(held[id])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionStrategyID < out[j].ExecutionStrategyID })
	return out
}

// mean computes the arithmetic mean of a float64 slice.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev computes the population standard deviation. Returns 0 for fewer than 2 values.
func stddev(values []float64) float64 {
	n := len(values)
	if n <= 1 {
		return 0
	}
	m := mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n))
}
