package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// PickerStore is what the picker reads from and writes to.
type PickerStore interface {
	persistence.SnapshotSource
	persistence.IndicatorFeed
	persistence.SignalSink
}

// Picker generates end-of-day signals for one index universe.
type Picker struct {
	store  PickerStore
	index  string
	logger *slog.Logger
}

// NewPicker creates a picker over the constituents of index.
func NewPicker(store PickerStore, index string, logger *slog.Logger) *Picker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Picker{store: store, index: index, logger: logger}
}

// Pick filters and ranks the day's universe with s. It returns no signals
// and no error when the day has no indicator rows (non-trading day).
func (p *Picker) Pick(ctx context.Context, s *strategy.SignalStrategy, day time.Time) ([]types.EODSignal, error) {
	day = types.Day(day)
	ids, err := p.store.ConstituentsOn(ctx, p.index, day)
	if err != nil {
		return nil, fmt.Errorf("loading %s constituents for %s: %w", p.index, day.Format(types.DateLayout), err)
	}

	rows, err := p.store.IndicatorsOn(ctx, day, ids)
	if err != nil {
		return nil, fmt.Errorf("loading indicators for %s: %w", day.Format(types.DateLayout), err)
	}
	if len(rows) == 0 {
		p.logger.Info("No indicator rows, skipping day", "strategy", s.StrategyID, "date", day.Format(types.DateLayout))
		return nil, nil
	}

	base := ApplyDefaultEOD(rows, s.RequiredEODColumns())
	p.logger.Info("Default filters applied",
		"strategy", s.StrategyID,
		"date", day.Format(types.DateLayout),
		"removed", len(rows)-len(base),
	)

	filtered, err := Apply(base, s.SignalFilters, p.logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s filters: %w", s.StrategyID, err)
	}

	ranked, err := Rank(filtered, s.Ranking, s.MaxSignalsPerDay)
	if err != nil {
		return nil, fmt.Errorf("strategy %s ranking: %w", s.StrategyID, err)
	}

	out := make([]types.EODSignal, 0, len(ranked))
	seen := make(map[int64]bool, len(ranked))
	for _, r := range ranked {
		if seen[r.SecurityID] {
			continue
		}
		seen[r.SecurityID] = true
		out = append(out, types.EODSignal{
			SignalDate:   day,
			StrategyID:   s.StrategyID,
			StrategyName: s.Name,
			SecurityID:   r.SecurityID,
			OHLCVDailyID: r.OHLCVDailyID,
			Score:        r.Score,
		})
	}

	p.logger.Info("Signals picked",
		"strategy", s.StrategyID,
		"date", day.Format(types.DateLayout),
		"candidates", len(filtered),
		"signals", len(out),
	)
	return out, nil
}

// Run picks and persists the day's signals for every strategy given,
// returning the number of signals stored.
func (p *Picker) Run(ctx context.Context, strategies []*strategy.SignalStrategy, day time.Time) (int, error) {
	total := 0
	for _, s := range strategies {
		sigs, err := p.Pick(ctx, s, day)
		if err != nil {
			return total, err
		}
		if len(sigs) == 0 {
			continue
		}
		n, err := p.store.SaveSignals(ctx, sigs)
		if err != nil {
			return total, fmt.Errorf("saving signals for %s: %w", s.StrategyID, err)
		}
		total += n
	}
	return total, nil
}

// RunRange picks signals for every calendar day in [start, end]. Days without
// indicator rows are skipped by Pick.
func (p *Picker) RunRange(ctx context.Context, strategies []*strategy.SignalStrategy, start, end time.Time) (int, error) {
	total := 0
	for day := types.Day(start); !day.After(types.Day(end)); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.Run(ctx, strategies, day)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
