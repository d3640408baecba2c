package signals

import (
	"fmt"
	"math"
	"sort"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Ranked is a candidate row with its composite score in [0,1].
type Ranked struct {
	types.Row
	Score float64
}

// linearEpsilon is the spread below which a linear series counts as constant.
const linearEpsilon = 1e-8

// Rank scores rows with the weighted mean of the formulas' components,
// sorts by descending score (ties keep input order) and keeps the first topN.
// topN <= 0 keeps every row.
func Rank(rows []types.Row, formulas []dsl.RankingFormula, topN int) ([]Ranked, error) {
	scores := make([]float64, len(rows))
	totalWeight := 0.0

	for _, f := range formulas {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if len(rows) > 0 && !anyHas(rows, f.Indicator) {
			return nil, fmt.Errorf("%w: missing indicator column %q for ranking", types.ErrConfig, f.Indicator)
		}

		var comp []float64
		switch f.Function {
		case dsl.Gaussian:
			comp = gaussianScores(rows, f.Indicator, *f.Center, *f.Sigma)
		case dsl.LogRatio:
			if len(rows) > 0 && !anyHas(rows, f.Denominator) {
				return nil, fmt.Errorf("%w: missing denominator column %q for log_ratio", types.ErrConfig, f.Denominator)
			}
			comp = logRatioScores(rows, f.Indicator, f.Denominator, *f.Max)
		case dsl.Linear:
			comp = linearScores(rows, f.Indicator)
		default:
			return nil, fmt.Errorf("%w: unsupported ranking function %q", types.ErrConfig, f.Function)
		}

		for i := range scores {
			scores[i] += f.Weight * comp[i]
		}
		totalWeight += f.Weight
	}

	ranked := make([]Ranked, len(rows))
	for i, r := range rows {
		s := scores[i]
		if totalWeight > 0 {
			s /= totalWeight
		}
		ranked[i] = Ranked{Row: r, Score: clamp01(s)}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

func gaussianScores(rows []types.Row, col string, center, sigma float64) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		x, ok := r.Get(col)
		if !ok {
			continue
		}
		d := x - center
		out[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
	}
	return out
}

// logRatioScores maps log(num/den) from [0, log(maxRatio)] onto [0,1].
// A ratio at or below 1x, or one that cannot be computed, scores 0.
func logRatioScores(rows []types.Row, num, den string, maxRatio float64) []float64 {
	out := make([]float64, len(rows))
	maxLog := math.Log(maxRatio)
	for i, r := range rows {
		n, nok := r.Get(num)
		d, dok := r.Get(den)
		if !nok || !dok || d == 0 {
			continue
		}
		ratio := n / d
		if math.IsInf(ratio, 0) || math.IsNaN(ratio) || ratio <= 0 {
			continue
		}
		out[i] = math.Min(math.Max(math.Log(ratio), 0), maxLog) / maxLog
	}
	return out
}

// linearScores min-max normalises over the candidate set. A constant or
// all-null series scores 0 everywhere.
func linearScores(rows []types.Row, col string) []float64 {
	out := make([]float64, len(rows))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		if x, ok := r.Get(col); ok {
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
	}
	spread := hi - lo
	if math.IsInf(lo, 0) || math.Abs(spread) <= linearEpsilon {
		return out
	}
	for i, r := range rows {
		if x, ok := r.Get(col); ok {
			out[i] = (x - lo) / spread
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
