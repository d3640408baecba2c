package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

var _ Store = (*Client)(nil)

// Client is the Postgres backend. It reads the tables maintained by the
// ingestion and indicator pipelines and owns the backtest tables.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient wraps an established connection pool.
func NewClient(pool *pgxpool.Pool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{pool: pool, logger: logger}
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	c.pool.Close()
	c.logger.Info("Database connection pool closed")
	return nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS backtest_run (
	run_id               UUID PRIMARY KEY,
	started_at           TIMESTAMPTZ NOT NULL,
	strategy_id          TEXT NOT NULL,
	backtest_config_data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_backtest_run_strategy_id ON backtest_run (strategy_id);

CREATE TABLE IF NOT EXISTS backtest_trade (
	id                    BIGSERIAL PRIMARY KEY,
	run_id                UUID NOT NULL REFERENCES backtest_run (run_id),
	eod_signal_id         BIGINT NOT NULL,
	signal_strategy_id    TEXT NOT NULL,
	execution_strategy_id TEXT NOT NULL,
	security_id           BIGINT NOT NULL,
	signal_date           DATE NOT NULL,
	entry_date            DATE NOT NULL,
	exit_date             DATE NOT NULL,
	entry_reason          TEXT NOT NULL,
	exit_reason           TEXT NOT NULL,
	entry_price           DOUBLE PRECISION NOT NULL,
	exit_price            DOUBLE PRECISION NOT NULL,
	stop_price            DOUBLE PRECISION NOT NULL,
	target_price          DOUBLE PRECISION NOT NULL,
	atr_used              DOUBLE PRECISION NOT NULL,
	pnl_percent           DOUBLE PRECISION NOT NULL,
	r_multiple            DOUBLE PRECISION NOT NULL,
	bars_waited           INTEGER NOT NULL,
	bars_held             INTEGER NOT NULL,
	CONSTRAINT uq_backtest_trade_run_signal_execution UNIQUE (run_id, eod_signal_id, execution_strategy_id)
);
CREATE INDEX IF NOT EXISTS ix_backtest_trade_entry_date ON backtest_trade (entry_date);

CREATE TABLE IF NOT EXISTS backtest_skipped_trade (
	id                    BIGSERIAL PRIMARY KEY,
	run_id                UUID NOT NULL REFERENCES backtest_run (run_id),
	eod_signal_id         BIGINT NOT NULL,
	signal_strategy_id    TEXT NOT NULL,
	execution_strategy_id TEXT NOT NULL,
	security_id           BIGINT NOT NULL,
	signal_date           DATE NOT NULL,
	reason                TEXT NOT NULL,
	detail                TEXT NOT NULL DEFAULT '',
	CONSTRAINT uq_backtest_skipped_run_signal_execution UNIQUE (run_id, eod_signal_id, execution_strategy_id)
);
`

// Migrate creates the backtest tables when they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("creating backtest tables: %w", err)
	}
	return nil
}

const combinedSelect = `
SELECT o.id AS ohlcv_daily_id, o.open, o.high, o.low, o.close, o.volume, ti.*
FROM technical_indicator ti
JOIN ohlcv_daily o
  ON o.security_id = ti.security_id AND o.candle_date = ti.measurement_date`

// IndicatorsOn returns the indicator rows joined with OHLCV for the given securities on date.
func (c *Client) IndicatorsOn(ctx context.Context, date time.Time, securityIDs []int64) ([]types.Row, error) {
	if len(securityIDs) == 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx,
		combinedSelect+` WHERE ti.measurement_date = $1 AND ti.security_id = ANY($2)
		 ORDER BY ti.security_id`,
		date, securityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying indicators: %w", err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		r, err := scanCombined(rows)
		if err != nil {
			return nil, err
		}
		r.Date = types.Day(date)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndicatorsFor returns one security's indicator row on date.
func (c *Client) IndicatorsFor(ctx context.Context, securityID int64, date time.Time) (types.IndicatorRow, error) {
	rows, err := c.pool.Query(ctx,
		combinedSelect+` WHERE ti.measurement_date = $1 AND ti.security_id = $2`,
		date, securityID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying indicators: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying indicators: %w", err)
		}
		return nil, ErrNotFound
	}
	r, err := scanCombined(rows)
	if err != nil {
		return nil, err
	}
	return r.Values, nil
}

// scanCombined maps every numeric column of the current row into an
// IndicatorRow. NULLs become NaN; non-numeric columns are ignored.
func scanCombined(rows pgx.Rows) (types.Row, error) {
	values, err := rows.Values()
	if err != nil {
		return types.Row{}, fmt.Errorf("reading indicator row: %w", err)
	}

	r := types.Row{Values: make(types.IndicatorRow, len(values))}
	for i, fd := range rows.FieldDescriptions() {
		name := fd.Name
		switch name {
		case "created_at", "updated_at", "measurement_date":
			continue
		}
		v, ok := toFloat(values[i])
		if !ok {
			continue
		}
		switch name {
		case "security_id":
			r.SecurityID = int64(v)
		case "ohlcv_daily_id":
			r.OHLCVDailyID = int64(v)
		default:
			r.Values[name] = v
		}
	}
	return r, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return math.NaN(), true
		}
		return f.Float64, true
	default:
		return 0, false
	}
}

// IndicatorColumns lists the value columns of technical_indicator.
func (c *Client) IndicatorColumns(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = 'technical_indicator'
		   AND column_name NOT IN ('id', 'security_id', 'measurement_date')`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying indicator columns: %w", err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning indicator columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, ErrNotFound
	}
	return withOHLCV(cols), nil
}

// BarsAfter returns up to limit bars dated strictly after the given day.
func (c *Client) BarsAfter(ctx context.Context, securityID int64, after time.Time, limit int) ([]types.Bar, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT candle_date, open::float8, high::float8, low::float8, close::float8, volume::float8
		 FROM ohlcv_daily
		 WHERE security_id = $1 AND candle_date > $2
		 ORDER BY candle_date ASC
		 LIMIT $3`,
		securityID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bars for security %d: %w", securityID, err)
	}
	defer rows.Close()

	bars := make([]types.Bar, 0, limit)
	for rows.Next() {
		var b types.Bar
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// EarliestSnapshot returns the first snapshot date for the index.
func (c *Client) EarliestSnapshot(ctx context.Context, index string) (time.Time, error) {
	var d pgtype.Date
	err := c.pool.QueryRow(ctx,
		`SELECT MIN(snapshot_date) FROM stock_index_snapshot WHERE index_name = $1`,
		index,
	).Scan(&d)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying earliest snapshot: %w", err)
	}
	if !d.Valid {
		return time.Time{}, ErrNotFound
	}
	return d.Time, nil
}

// ConstituentsOn returns the members of the latest snapshot on or before date.
func (c *Client) ConstituentsOn(ctx context.Context, index string, date time.Time) ([]int64, error) {
	var snapshotID int64
	err := c.pool.QueryRow(ctx,
		`SELECT id FROM stock_index_snapshot
		 WHERE index_name = $1 AND snapshot_date <= $2
		 ORDER BY snapshot_date DESC, id DESC
		 LIMIT 1`,
		index, date,
	).Scan(&snapshotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	rows, err := c.pool.Query(ctx,
		`SELECT security_id FROM stock_index_constituent WHERE snapshot_id = $1 ORDER BY security_id`,
		snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying constituents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning constituents: %w", err)
	}
	return ids, nil
}

const signalColumns = `id, signal_date, strategy_id, strategy_name, security_id, ohlcv_daily_id,
	score, validated_at_open, next_open_price::float8, validated_at_open_failures`

func (c *Client) querySignals(ctx context.Context, sql string, args ...any) ([]types.EODSignal, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	defer rows.Close()

	var out []types.EODSignal
	for rows.Next() {
		var s types.EODSignal
		if err := rows.Scan(
			&s.ID, &s.SignalDate, &s.StrategyID, &s.StrategyName, &s.SecurityID, &s.OHLCVDailyID,
			&s.Score, &s.ValidatedAtOpen, &s.NextOpenPrice, &s.ValidatedAtOpenFailures,
		); err != nil {
			return nil, fmt.Errorf("scanning signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ValidatedSignals returns validated signals of one strategy with start <= signal_date < end.
func (c *Client) ValidatedSignals(ctx context.Context, strategyID string, start, end time.Time) ([]types.EODSignal, error) {
	return c.querySignals(ctx,
		`SELECT `+signalColumns+` FROM eod_signal
		 WHERE strategy_id = $1 AND validated_at_open = true
		   AND signal_date >= $2 AND signal_date < $3
		 ORDER BY signal_date, id`,
		strategyID, start, end,
	)
}

// UnvalidatedSignals returns signals dated day that have not been validated yet.
func (c *Client) UnvalidatedSignals(ctx context.Context, day time.Time) ([]types.EODSignal, error) {
	return c.querySignals(ctx,
		`SELECT `+signalColumns+` FROM eod_signal
		 WHERE signal_date = $1 AND validated_at_open IS NULL
		 ORDER BY strategy_id, id`,
		day,
	)
}

// SaveSignals inserts signals. Uses ON CONFLICT DO NOTHING on the
// per-day, per-strategy, per-security constraint.
func (c *Client) SaveSignals(ctx context.Context, signals []types.EODSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range signals {
		batch.Queue(
			`INSERT INTO eod_signal
				(signal_date, strategy_id, strategy_name, security_id, ohlcv_daily_id, score)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT ON CONSTRAINT uq_one_result_per_strategy_and_security DO NOTHING`,
			s.SignalDate, s.StrategyID, s.StrategyName, s.SecurityID, s.OHLCVDailyID, s.Score,
		)
	}
	n, err := c.execBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("saving signals: %w", err)
	}
	c.logger.Info("Saved signals", "inserted", n, "total", len(signals))
	return n, nil
}

// SaveValidations records at-open outcomes on their signals.
func (c *Client) SaveValidations(ctx context.Context, results []types.OpenValidation) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		failures := r.Failures
		if failures == nil {
			failures = []string{}
		}
		batch.Queue(
			`UPDATE eod_signal
			 SET validated_at_open = $2, next_open_price = $3, validated_at_open_failures = $4
			 WHERE id = $1`,
			r.SignalID, r.Validated, r.NextOpen, failures,
		)
	}
	if _, err := c.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("saving validations: %w", err)
	}
	return nil
}

// SaveRun inserts a backtest run. Re-saving the same run is a no-op.
func (c *Client) SaveRun(ctx context.Context, run types.BacktestRun) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO backtest_run (run_id, started_at, strategy_id, backtest_config_data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.StartedAt, run.StrategyID, []byte(run.Config),
	)
	if err != nil {
		return fmt.Errorf("inserting backtest run: %w", err)
	}
	return nil
}

// SaveTrades inserts a chunk of trades in one transaction. Rows already
// present for the same (run_id, eod_signal_id, execution_strategy_id) are
// left untouched.
func (c *Client) SaveTrades(ctx context.Context, trades []types.BacktestTrade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(
			`INSERT INTO backtest_trade
				(run_id, eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
				 signal_date, entry_date, exit_date, entry_reason, exit_reason,
				 entry_price, exit_price, stop_price, target_price, atr_used,
				 pnl_percent, r_multiple, bars_waited, bars_held)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			 ON CONFLICT ON CONSTRAINT uq_backtest_trade_run_signal_execution DO NOTHING`,
			t.RunID, t.EODSignalID, t.SignalStrategyID, t.ExecutionStrategyID, t.SecurityID,
			t.SignalDate, t.EntryDate, t.ExitDate, string(t.EntryReason), string(t.ExitReason),
			t.EntryPrice, t.ExitPrice, t.StopPrice, t.TargetPrice, t.ATRUsed,
			t.PnLPercent, t.RMultiple, t.BarsWaited, t.BarsHeld,
		)
	}
	n, err := c.execBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("saving trades: %w", err)
	}
	c.logger.Info("Saved trade records", "inserted", n, "total", len(trades))
	return n, nil
}

// SaveSkipped inserts skipped-signal records, idempotent like SaveTrades.
func (c *Client) SaveSkipped(ctx context.Context, skipped []types.SkippedTrade) (int, error) {
	if len(skipped) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range skipped {
		batch.Queue(
			`INSERT INTO backtest_skipped_trade
				(run_id, eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
				 signal_date, reason, detail)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT ON CONSTRAINT uq_backtest_skipped_run_signal_execution DO NOTHING`,
			s.RunID, s.EODSignalID, s.SignalStrategyID, s.ExecutionStrategyID, s.SecurityID,
			s.SignalDate, string(s.Reason), s.Detail,
		)
	}
	n, err := c.execBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("saving skipped trades: %w", err)
	}
	return n, nil
}

// Trades returns every trade of a run ordered by signal date, signal and execution strategy.
func (c *Client) Trades(ctx context.Context, runID uuid.UUID) ([]types.BacktestTrade, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
		        signal_date, entry_date, exit_date, entry_reason, exit_reason,
		        entry_price, exit_price, stop_price, target_price, atr_used,
		        pnl_percent, r_multiple, bars_waited, bars_held
		 FROM backtest_trade WHERE run_id = $1
		 ORDER BY signal_date, eod_signal_id, execution_strategy_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestTrade
	for rows.Next() {
		t := types.BacktestTrade{RunID: runID}
		var entryReason, exitReason string
		if err := rows.Scan(
			&t.EODSignalID, &t.SignalStrategyID, &t.ExecutionStrategyID, &t.SecurityID,
			&t.SignalDate, &t.EntryDate, &t.ExitDate, &entryReason, &exitReason,
			&t.EntryPrice, &t.ExitPrice, &t.StopPrice, &t.TargetPrice, &t.ATRUsed,
			&t.PnLPercent, &t.RMultiple, &t.BarsWaited, &t.BarsHeld,
		); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.EntryReason = types.EntryReason(entryReason)
		t.ExitReason = types.ExitReason(exitReason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Skipped returns every skipped record of a run.
func (c *Client) Skipped(ctx context.Context, runID uuid.UUID) ([]types.SkippedTrade, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
		        signal_date, reason, detail
		 FROM backtest_skipped_trade WHERE run_id = $1
		 ORDER BY signal_date, eod_signal_id, execution_strategy_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying skipped trades: %w", err)
	}
	defer rows.Close()

	var out []types.SkippedTrade
	for rows.Next() {
		sk := types.SkippedTrade{RunID: runID}
		var reason string
		if err := rows.Scan(
			&sk.EODSignalID, &sk.SignalStrategyID, &sk.ExecutionStrategyID, &sk.SecurityID,
			&sk.SignalDate, &reason, &sk.Detail,
		); err != nil {
			return nil, fmt.Errorf("scanning skipped trade: %w", err)
		}
		sk.Reason = types.SkipReason(reason)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// execBatch runs a batch inside one transaction and returns the total rows affected.
func (c *Client) execBatch(ctx context.Context, batch *pgx.Batch) (int, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	affected := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("batch statement %d: %w", i, err)
		}
		affected += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return affected, nil
}
