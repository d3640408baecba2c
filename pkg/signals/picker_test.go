package signals

import (
	"context"
	"testing"
	"time"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// fakeStore is an in-memory PickerStore and ValidatorStore.
type fakeStore struct {
	constituents []int64
	rows         map[string][]types.Row // by date
	bars         map[int64][]types.Bar
	signals      []types.EODSignal
	validations  []types.OpenValidation
}

func dayKey(t time.Time) string { return t.Format(types.DateLayout) }

func (f *fakeStore) ConstituentsOn(_ context.Context, _ string, _ time.Time) ([]int64, error) {
	if f.constituents == nil {
		return nil, persistence.ErrNotFound
	}
	return f.constituents, nil
}

func (f *fakeStore) EarliestSnapshot(context.Context, string) (time.Time, error) {
	return time.Time{}, persistence.ErrNotFound
}

func (f *fakeStore) IndicatorsOn(_ context.Context, day time.Time, ids []int64) ([]types.Row, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []types.Row
	for _, r := range f.rows[dayKey(day)] {
		if want[r.SecurityID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) IndicatorsFor(_ context.Context, id int64, day time.Time) (types.IndicatorRow, error) {
	for _, r := range f.rows[dayKey(day)] {
		if r.SecurityID == id {
			return r.Values, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (f *fakeStore) BarsAfter(_ context.Context, id int64, after time.Time, limit int) ([]types.Bar, error) {
	var out []types.Bar
	for _, b := range f.bars[id] {
		if b.Date.After(after) && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveSignals(_ context.Context, sigs []types.EODSignal) (int, error) {
	for _, s := range sigs {
		s.ID = int64(len(f.signals) + 1)
		f.signals = append(f.signals, s)
	}
	return len(sigs), nil
}

func (f *fakeStore) SaveValidations(_ context.Context, res []types.OpenValidation) error {
	f.validations = append(f.validations, res...)
	return nil
}

func (f *fakeStore) ValidatedSignals(context.Context, string, time.Time, time.Time) ([]types.EODSignal, error) {
	return nil, nil
}

func (f *fakeStore) UnvalidatedSignals(_ context.Context, day time.Time) ([]types.EODSignal, error) {
	var out []types.EODSignal
	for _, s := range f.signals {
		if s.SignalDate.Equal(day) && s.ValidatedAtOpen == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

var pickDay = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func candidate(id int64, close, volume, atr, rsi float64) types.Row {
	return types.Row{
		SecurityID:   id,
		Date:         pickDay,
		OHLCVDailyID: 1000 + id,
		Values: types.IndicatorRow{
			"close": close, "volume": volume, "avg_vol_20d": 2e6, "atr_14": atr, "rsi_14": rsi,
		},
	}
}

func momentum() *strategy.SignalStrategy {
	return &strategy.SignalStrategy{
		StrategyID: "momentum",
		Name:       "Momentum",
		Active:     true,
		SignalFilters: []dsl.FilterRule{
			{Indicator: "rsi_14", Comparison: dsl.Between, Min: floatPtr(40), Max: floatPtr(80)},
		},
		Ranking: []dsl.RankingFormula{
			{Indicator: "rsi_14", Function: dsl.Gaussian, Weight: 1, Center: floatPtr(60), Sigma: floatPtr(10)},
		},
		MaxSignalsPerDay: 2,
	}
}

func TestPickerPick(t *testing.T) {
	store := &fakeStore{
		constituents: []int64{1, 2, 3, 4, 5},
		rows: map[string][]types.Row{dayKey(pickDay): {
			candidate(1, 100, 2e6, 2, 60),  // best
			candidate(2, 100, 2e6, 2, 70),  // second
			candidate(3, 100, 2e6, 2, 45),  // third, cut by top-N
			candidate(4, 3, 2e6, 2, 60),    // price floor
			candidate(5, 100, 2e6, 2, 90),  // strategy filter
			candidate(6, 100, 2e6, 2, 60),  // not a constituent
		}},
	}
	p := NewPicker(store, "SP500", newTestLogger())

	sigs, err := p.Pick(context.Background(), momentum(), pickDay)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(sigs))
	}
	if sigs[0].SecurityID != 1 || sigs[1].SecurityID != 2 {
		t.Errorf("unexpected order: %d, %d", sigs[0].SecurityID, sigs[1].SecurityID)
	}
	if sigs[0].Score != 1 || sigs[0].OHLCVDailyID != 1001 || sigs[0].StrategyName != "Momentum" {
		t.Errorf("unexpected signal %+v", sigs[0])
	}
}

func TestPickerRunSkipsEmptyDays(t *testing.T) {
	store := &fakeStore{
		constituents: []int64{1},
		rows:         map[string][]types.Row{dayKey(pickDay): {candidate(1, 100, 2e6, 2, 60)}},
	}
	p := NewPicker(store, "SP500", newTestLogger())

	n, err := p.RunRange(context.Background(), []*strategy.SignalStrategy{momentum()}, pickDay.AddDate(0, 0, -2), pickDay)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 || len(store.signals) != 1 {
		t.Fatalf("expected 1 stored signal, got n=%d stored=%d", n, len(store.signals))
	}
}

func TestPickerMissingSnapshot(t *testing.T) {
	p := NewPicker(&fakeStore{}, "SP500", newTestLogger())
	if _, err := p.Pick(context.Background(), momentum(), pickDay); err == nil {
		t.Fatal("expected error without a constituent snapshot")
	}
}
