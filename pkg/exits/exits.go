// Package exits implements exit management for a long position.
//
// The ExitManager walks forward bars from the entry bar and closes the trade
// on the first stop, target or time stop. Daily bars carry no intrabar
// ordering, so a bar that touches both levels is resolved by policy.
package exits

import (
	"fmt"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// ErrNoBars is returned when there is no bar to exit on.
var ErrNoBars = fmt.Errorf("%w: no bars from entry", types.ErrDataQuality)

// Policy controls exit resolution.
type Policy struct {
	MaxHoldDays int

	// ConservativeIntrabar resolves a bar touching both stop and target as a
	// stop. When false the target wins.
	ConservativeIntrabar bool

	// ConservativeGap fills at the entry bar's open when it opens through the
	// stop or the target.
	ConservativeGap bool
}

// ExitManager manages exit logic for a single trade.
// Call Check() each bar, starting with the entry bar.
type ExitManager struct {
	Bounds types.TradeBounds
	Policy Policy

	BarsHeld int
	last     types.Bar
}

// NewExitManager creates a new ExitManager for a trade entry.
func NewExitManager(bounds types.TradeBounds, policy Policy) *ExitManager {
	return &ExitManager{Bounds: bounds, Policy: policy}
}

// Check evaluates the next bar. It returns the exit and true when the trade closes on it.
func (em *ExitManager) Check(bar types.Bar) (types.ExitEvent, bool) {
	em.BarsHeld++
	em.last = bar
	stop, target := em.Bounds.StopPrice, em.Bounds.TargetPrice

	// 1. Gap through a level on the entry bar fills at the open.
	if em.BarsHeld == 1 && em.Policy.ConservativeGap {
		if bar.Open <= stop {
			return em.exit(bar, bar.Open, types.ExitStop), true
		}
		if bar.Open >= target {
			return em.exit(bar, bar.Open, types.ExitTarget), true
		}
	}

	hitStop := bar.Low <= stop
	hitTarget := bar.High >= target

	// 2. Both levels inside one bar.
	if hitStop && hitTarget {
		if em.Policy.ConservativeIntrabar {
			return em.exit(bar, stop, types.ExitStop), true
		}
		return em.exit(bar, target, types.ExitTarget), true
	}

	// 3. Single level.
	if hitStop {
		return em.exit(bar, stop, types.ExitStop), true
	}
	if hitTarget {
		return em.exit(bar, target, types.ExitTarget), true
	}

	// 4. Time stop
	if em.Policy.MaxHoldDays > 0 && em.BarsHeld >= em.Policy.MaxHoldDays {
		return em.exit(bar, bar.Close, types.ExitTimeStop), true
	}

	return types.ExitEvent{}, false
}

// Close force-closes at the last checked bar's close as a time stop.
func (em *ExitManager) Close() (types.ExitEvent, error) {
	if em.BarsHeld == 0 {
		return types.ExitEvent{}, ErrNoBars
	}
	return em.exit(em.last, em.last.Close, types.ExitTimeStop), nil
}

func (em *ExitManager) exit(bar types.Bar, price float64, reason types.ExitReason) types.ExitEvent {
	return types.ExitEvent{
		ExitDate:  bar.Date,
		ExitPrice: price,
		Reason:    reason,
		BarsHeld:  em.BarsHeld,
	}
}

// Decide walks bars, which start at the entry bar, and returns the exit.
// If the window runs out before any exit, the trade closes at the last bar's
// close as a time stop.
func Decide(bars []types.Bar, bounds types.TradeBounds, policy Policy) (types.ExitEvent, error) {
	if len(bars) == 0 {
		return types.ExitEvent{}, ErrNoBars
	}
	em := NewExitManager(bounds, policy)
	for _, bar := range bars {
		if ev, done := em.Check(bar); done {
			return ev, nil
		}
	}
	return em.Close()
}
