package exits

import (
	"errors"
	"testing"
	"time"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

var start = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// makeBars builds daily bars from [open, high, low, close] quadruples.
func makeBars(ohlc ...[4]float64) []types.Bar {
	bars := make([]types.Bar, len(ohlc))
	for i, q := range ohlc {
		bars[i] = types.Bar{
			Date:  start.AddDate(0, 0, i),
			Open:  q[0],
			High:  q[1],
			Low:   q[2],
			Close: q[3],
		}
	}
	return bars
}

var bounds = types.TradeBounds{StopPrice: 98, TargetPrice: 104, ATRUsed: 2}

func conservative(maxHold int) Policy {
	return Policy{MaxHoldDays: maxHold, ConservativeIntrabar: true, ConservativeGap: true}
}

func TestGapDownFillsAtOpen(t *testing.T) {
	ev, err := Decide(makeBars([4]float64{97, 99, 96, 98}), bounds, conservative(5))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 97 || ev.BarsHeld != 1 {
		t.Errorf("got %+v, want stop at open 97 on bar 1", ev)
	}
}

func TestGapDownBeatsTargetOnEntryBar(t *testing.T) {
	ev, err := Decide(makeBars([4]float64{97, 105, 96, 100}), bounds, conservative(5))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 97 || ev.BarsHeld != 1 {
		t.Errorf("got %+v, want stop at open 97 although high reached target", ev)
	}

	policy := conservative(5)
	policy.ConservativeIntrabar = false
	ev, err = Decide(makeBars([4]float64{97, 105, 96, 100}), bounds, policy)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 97 {
		t.Errorf("optimistic tie-break must not override the gap: got %+v", ev)
	}
}

func TestGapUpFillsAtOpen(t *testing.T) {
	ev, err := Decide(makeBars([4]float64{105, 106, 104.5, 105}), bounds, conservative(5))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitTarget || ev.ExitPrice != 105 {
		t.Errorf("got %+v, want target at open 105", ev)
	}
}

func TestGapRuleOnlyOnEntryBar(t *testing.T) {
	ev, err := Decide(makeBars(
		[4]float64{100, 101, 99, 100},
		[4]float64{97, 99, 96, 98},
	), bounds, conservative(5))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 98 || ev.BarsHeld != 2 {
		t.Errorf("got %+v, want stop at level 98 on bar 2", ev)
	}
}

func TestGapRuleDisabled(t *testing.T) {
	policy := conservative(5)
	policy.ConservativeGap = false
	ev, err := Decide(makeBars([4]float64{97, 99, 96, 98}), bounds, policy)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 98 {
		t.Errorf("got %+v, want stop at level 98", ev)
	}
}

func TestIntrabarTieBreak(t *testing.T) {
	bars := makeBars([4]float64{100, 105, 97, 101})

	ev, err := Decide(bars, bounds, conservative(5))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitStop || ev.ExitPrice != 98 {
		t.Errorf("conservative: got %+v, want stop at 98", ev)
	}

	policy := conservative(5)
	policy.ConservativeIntrabar = false
	ev, err = Decide(bars, bounds, policy)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitTarget || ev.ExitPrice != 104 {
		t.Errorf("optimistic: got %+v, want target at 104", ev)
	}
}

func TestTimeStop(t *testing.T) {
	ev, err := Decide(makeBars(
		[4]float64{100, 101, 99, 100.5},
		[4]float64{100.5, 102, 99.5, 101},
		[4]float64{101, 103, 100, 102.5},
		[4]float64{102.5, 110, 102, 109},
	), bounds, conservative(3))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitTimeStop || ev.BarsHeld != 3 || ev.ExitPrice != 102.5 {
		t.Errorf("got %+v, want time stop on bar 3 at 102.5", ev)
	}
	if !ev.ExitDate.Equal(start.AddDate(0, 0, 2)) {
		t.Errorf("exit date = %v", ev.ExitDate)
	}
}

func TestExhaustedWindowClosesAtLastBar(t *testing.T) {
	ev, err := Decide(makeBars(
		[4]float64{100, 101, 99, 100.5},
		[4]float64{100.5, 102, 99.5, 101.25},
	), bounds, conservative(10))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if ev.Reason != types.ExitTimeStop || ev.BarsHeld != 2 || ev.ExitPrice != 101.25 {
		t.Errorf("got %+v, want fallback at last close", ev)
	}
}

func TestNoBars(t *testing.T) {
	_, err := Decide(nil, bounds, conservative(3))
	if !errors.Is(err, ErrNoBars) || !errors.Is(err, types.ErrDataQuality) {
		t.Fatalf("expected ErrNoBars, got %v", err)
	}
}

func TestCheckIncrementsBarsHeld(t *testing.T) {
	em := NewExitManager(bounds, conservative(0))
	for i, bar := range makeBars([4]float64{100, 101, 99, 100}, [4]float64{100, 101, 99, 100}) {
		if _, done := em.Check(bar); done {
			t.Fatalf("unexpected exit on bar %d", i)
		}
	}
	if em.BarsHeld != 2 {
		t.Errorf("BarsHeld = %d, want 2", em.BarsHeld)
	}
}
