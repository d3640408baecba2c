// Package types defines the core records shared by the signal and backtest
// packages:
//   - Bar = one daily OHLCV candle from ohlcv_daily
//   - IndicatorRow = indicator values for one security on one day, keyed by column
//   - Row = a candidate (security, day) with its indicator row
//   - EODSignal, BacktestRun, BacktestTrade, SkippedTrade = persisted records
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrConfig marks configuration errors: bad strategy files, unknown
// comparison operators, indicator columns that do not exist. Fatal at load.
var ErrConfig = errors.New("configuration error")

// ErrDataQuality marks per-signal data problems (missing ATR, no forward
// bars). The orchestrator records a SkippedTrade and moves on.
var ErrDataQuality = errors.New("data quality")

// DateLayout is the calendar date format used in files and the SQLite backend.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// Bar represents a single daily OHLCV bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// IndicatorRow holds indicator values for one security on one day, keyed by column.
// Missing values are represented by NaN (math.NaN()).
type IndicatorRow map[string]float64

// Get returns the value for a given column.
// Returns (value, true) if present and finite; (NaN, false) if missing or NaN.
func (r IndicatorRow) Get(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}

// Has reports whether the column exists in the row, even with a null value.
func (r IndicatorRow) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Row is one candidate security on one day.
type Row struct {
	SecurityID   int64
	Date         time.Time
	OHLCVDailyID int64
	Values       IndicatorRow
}

// Get is shorthand for r.Values.Get.
func (r Row) Get(key string) (float64, bool) {
	return r.Values.Get(key)
}

// EODSignal is a ranked candidate persisted by the picker and consumed by
// the backtest once validated at the next open.
type EODSignal struct {
	ID                      int64
	SignalDate              time.Time
	StrategyID              string
	StrategyName            string
	SecurityID              int64
	OHLCVDailyID            int64
	Score                   float64
	ValidatedAtOpen         *bool
	NextOpenPrice           *float64
	ValidatedAtOpenFailures []string
}

// Validated reports whether the signal passed at-open validation.
func (s EODSignal) Validated() bool {
	return s.ValidatedAtOpen != nil && *s.ValidatedAtOpen
}

// EntryReason records how a trade was entered.
type EntryReason string

const (
	EntryImmediateAtOpen EntryReason = "immediate_at_open"
	EntryWaitTrigger     EntryReason = "wait_trigger"
)

// EntryEvent is the result of entry resolution.
type EntryEvent struct {
	EntryDate  time.Time
	Price      float64
	Reason     EntryReason
	BarsWaited int
}

// TradeBounds are the absolute stop and target prices for a trade.
type TradeBounds struct {
	StopPrice   float64
	TargetPrice float64
	ATRUsed     float64
}

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitStop     ExitReason = "stop"
	ExitTarget   ExitReason = "target"
	ExitTimeStop ExitReason = "time_stop"
)

// ExitEvent is the result of exit resolution. BarsHeld counts the entry bar as 1.
type ExitEvent struct {
	ExitDate  time.Time
	ExitPrice float64
	Reason    ExitReason
	BarsHeld  int
}

// BacktestRun ties a set of trades to the exact strategy configuration that
// produced them.
type BacktestRun struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	StrategyID string
	Config     json.RawMessage
}

// BacktestTrade is one simulated round trip. Unique on
// (RunID, EODSignalID, ExecutionStrategyID) and never updated once written.
type BacktestTrade struct {
	RunID               uuid.UUID
	EODSignalID         int64
	SignalStrategyID    string
	ExecutionStrategyID string
	SecurityID          int64
	SignalDate          time.Time
	EntryDate           time.Time
	ExitDate            time.Time
	EntryReason         EntryReason
	ExitReason          ExitReason
	EntryPrice          float64
	ExitPrice           float64
	StopPrice           float64
	TargetPrice         float64
	ATRUsed             float64
	PnLPercent          float64
	RMultiple           float64
	BarsWaited          int
	BarsHeld            int
}

// String returns a human-readable representation of the trade.
func (t BacktestTrade) String() string {
	return fmt.Sprintf(
		"signal=%d exec=%s security=%d entry=%s@%.4f exit=%s@%.4f pnl=%.2f%% R=%.2f reason=%s",
		t.EODSignalID, t.ExecutionStrategyID, t.SecurityID,
		t.EntryDate.Format(DateLayout), t.EntryPrice,
		t.ExitDate.Format(DateLayout), t.ExitPrice,
		t.PnLPercent, t.RMultiple, t.ExitReason,
	)
}

// SkipReason explains why a validated signal produced no trade.
type SkipReason string

const (
	SkipMissingATR    SkipReason = "missing_atr"
	SkipNoForwardBars SkipReason = "no_forward_bars"
	SkipNoEntry       SkipReason = "no_entry"
)

// SkippedTrade records a signal that could not be simulated under one
// execution strategy. Shares the BacktestTrade uniqueness key.
type SkippedTrade struct {
	RunID               uuid.UUID
	EODSignalID         int64
	SignalStrategyID    string
	ExecutionStrategyID string
	SecurityID          int64
	SignalDate          time.Time
	Reason              SkipReason
	Detail              string
}

// OpenValidation is the outcome of checking a signal against the next
// session's open. Validated is nil when the open is not yet known.
type OpenValidation struct {
	SignalID  int64
	Validated *bool
	NextOpen  *float64
	Failures  []string
}
