package persistence

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// IndicatorFeed serves the per-security, per-day indicator table joined with
// the day's OHLCV columns (open, high, low, close, volume).
type IndicatorFeed interface {
	// IndicatorsFor returns one security's row on date, or ErrNotFound.
	IndicatorsFor(ctx context.Context, securityID int64, date time.Time) (types.IndicatorRow, error)

	// IndicatorsOn returns the rows for the given securities on date.
	IndicatorsOn(ctx context.Context, date time.Time, securityIDs []int64) ([]types.Row, error)
}

// ColumnSource lists the columns an IndicatorFeed row can carry.
type ColumnSource interface {
	// IndicatorColumns returns the stored indicator columns plus the OHLCV
	// columns, sorted. ErrNotFound means no indicator columns are stored yet.
	IndicatorColumns(ctx context.Context) ([]string, error)
}

// ohlcvColumns are merged into every indicator row.
var ohlcvColumns = []string{"open", "high", "low", "close", "volume"}

// withOHLCV adds the OHLCV columns to cols and returns them sorted and unique.
func withOHLCV(cols []string) []string {
	out := append(slices.Clone(cols), ohlcvColumns...)
	slices.Sort(out)
	return slices.Compact(out)
}

// BarFeed serves daily bars.
type BarFeed interface {
	// BarsAfter returns up to limit bars dated strictly after the given day,
	// in ascending date order.
	BarsAfter(ctx context.Context, securityID int64, after time.Time, limit int) ([]types.Bar, error)
}

// SnapshotSource serves index constituent snapshots.
type SnapshotSource interface {
	// EarliestSnapshot returns the date of the first snapshot for index, or ErrNotFound.
	EarliestSnapshot(ctx context.Context, index string) (time.Time, error)

	// ConstituentsOn returns the security ids of the latest snapshot taken on
	// or before date, or ErrNotFound.
	ConstituentsOn(ctx context.Context, index string, date time.Time) ([]int64, error)
}

// SignalSource reads end-of-day signals.
type SignalSource interface {
	// ValidatedSignals returns signals of one strategy that passed at-open
	// validation with start <= signal_date < end, ordered by date then id.
	ValidatedSignals(ctx context.Context, strategyID string, start, end time.Time) ([]types.EODSignal, error)

	// UnvalidatedSignals returns signals dated on day whose validation is still undetermined.
	UnvalidatedSignals(ctx context.Context, day time.Time) ([]types.EODSignal, error)
}

// SignalSink writes end-of-day signals and their at-open outcome.
type SignalSink interface {
	// SaveSignals inserts signals, ignoring rows already stored for the same
	// (signal_date, strategy_id, security_id). Returns the number inserted.
	SaveSignals(ctx context.Context, signals []types.EODSignal) (int, error)

	// SaveValidations records at-open outcomes.
	SaveValidations(ctx context.Context, results []types.OpenValidation) error
}

// RunSink writes backtest run records.
type RunSink interface {
	SaveRun(ctx context.Context, run types.BacktestRun) error
}

// TradeSink writes backtest results. Both methods are idempotent on
// (run_id, eod_signal_id, execution_strategy_id) and return the number of
// rows newly inserted.
type TradeSink interface {
	SaveTrades(ctx context.Context, trades []types.BacktestTrade) (int, error)
	SaveSkipped(ctx context.Context, skipped []types.SkippedTrade) (int, error)
}

// TradeSource reads back the results of one run.
type TradeSource interface {
	Trades(ctx context.Context, runID uuid.UUID) ([]types.BacktestTrade, error)
	Skipped(ctx context.Context, runID uuid.UUID) ([]types.SkippedTrade, error)
}

// Store is the full backend used by the binaries. Implemented by Client
// (Postgres via pgx) and SQLiteStore (local file via modernc.org/sqlite).
type Store interface {
	IndicatorFeed
	ColumnSource
	BarFeed
	SnapshotSource
	SignalSource
	SignalSink
	RunSink
	TradeSink
	TradeSource

	// Migrate creates the tables this service owns when they do not exist.
	Migrate(ctx context.Context) error

	io.Closer
}
