package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/pkg/types"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a single SQLite file. It carries the whole
// schema, including the tables that Postgres deployments get from the
// ingestion pipeline, so it serves local research runs and tests.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ohlcv_daily (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	security_id INTEGER NOT NULL,
	candle_date TEXT NOT NULL,
	open        REAL NOT NULL,
	high        REAL NOT NULL,
	low         REAL NOT NULL,
	close       REAL NOT NULL,
	volume      REAL NOT NULL,
	UNIQUE (candle_date, security_id)
);

CREATE TABLE IF NOT EXISTS technical_indicator (
	security_id      INTEGER NOT NULL,
	measurement_date TEXT NOT NULL,
	indicator_values TEXT NOT NULL,
	PRIMARY KEY (security_id, measurement_date)
);

CREATE TABLE IF NOT EXISTS stock_index_snapshot (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	index_name    TEXT NOT NULL,
	snapshot_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_index_constituent (
	snapshot_id INTEGER NOT NULL REFERENCES stock_index_snapshot (id),
	index_name  TEXT NOT NULL,
	security_id INTEGER NOT NULL,
	UNIQUE (snapshot_id, security_id)
);

CREATE TABLE IF NOT EXISTS eod_signal (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_date                TEXT NOT NULL,
	strategy_id                TEXT NOT NULL,
	strategy_name              TEXT NOT NULL,
	security_id                INTEGER NOT NULL,
	ohlcv_daily_id             INTEGER NOT NULL,
	score                      REAL NOT NULL,
	validated_at_open          INTEGER,
	next_open_price            REAL,
	validated_at_open_failures TEXT NOT NULL DEFAULT '[]',
	UNIQUE (signal_date, strategy_id, security_id)
);

CREATE TABLE IF NOT EXISTS backtest_run (
	run_id               TEXT PRIMARY KEY,
	started_at           TEXT NOT NULL,
	strategy_id          TEXT NOT NULL,
	backtest_config_data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_trade (
	run_id                TEXT NOT NULL REFERENCES backtest_run (run_id),
	eod_signal_id         INTEGER NOT NULL,
	signal_strategy_id    TEXT NOT NULL,
	execution_strategy_id TEXT NOT NULL,
	security_id           INTEGER NOT NULL,
	signal_date           TEXT NOT NULL,
	entry_date            TEXT NOT NULL,
	exit_date             TEXT NOT NULL,
	entry_reason          TEXT NOT NULL,
	exit_reason           TEXT NOT NULL,
	entry_price           REAL NOT NULL,
	exit_price            REAL NOT NULL,
	stop_price            REAL NOT NULL,
	target_price          REAL NOT NULL,
	atr_used              REAL NOT NULL,
	pnl_percent           REAL NOT NULL,
	r_multiple            REAL NOT NULL,
	bars_waited           INTEGER NOT NULL,
	bars_held             INTEGER NOT NULL,
	UNIQUE (run_id, eod_signal_id, execution_strategy_id)
);

CREATE TABLE IF NOT EXISTS backtest_skipped_trade (
	run_id                TEXT NOT NULL REFERENCES backtest_run (run_id),
	eod_signal_id         INTEGER NOT NULL,
	signal_strategy_id    TEXT NOT NULL,
	execution_strategy_id TEXT NOT NULL,
	security_id           INTEGER NOT NULL,
	signal_date           TEXT NOT NULL,
	reason                TEXT NOT NULL,
	detail                TEXT NOT NULL DEFAULT '',
	UNIQUE (run_id, eod_signal_id, execution_strategy_id)
);
`

// Migrate creates every table when it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating sqlite schema: %w", err)
	}
	return nil
}

func day(t time.Time) string { return t.Format(types.DateLayout) }

// ---------------------------------------------------------------------------
// Seeding
// ---------------------------------------------------------------------------

// SaveBars inserts daily bars for one security. Existing dates are kept.
func (s *SQLiteStore) SaveBars(ctx context.Context, securityID int64, bars []types.Bar) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO ohlcv_daily (security_id, candle_date, open, high, low, close, volume)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, securityID, day(b.Date), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("inserting bar %s: %w", day(b.Date), err)
			}
		}
		return nil
	})
}

// SaveIndicators stores one security's indicator row on date, replacing any
// previous row. NaN values are stored as JSON null.
func (s *SQLiteStore) SaveIndicators(ctx context.Context, securityID int64, date time.Time, row types.IndicatorRow) error {
	encoded := make(map[string]*float64, len(row))
	for k, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			encoded[k] = nil
			continue
		}
		v := v
		encoded[k] = &v
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encoding indicators: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO technical_indicator (security_id, measurement_date, indicator_values)
		 VALUES (?, ?, ?)`,
		securityID, day(date), string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting indicators: %w", err)
	}
	return nil
}

// SaveSnapshot records an index membership snapshot taken on date.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, index string, date time.Time, securityIDs []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stock_index_snapshot (index_name, snapshot_date) VALUES (?, ?)`,
			index, day(date),
		)
		if err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		snapshotID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, id := range securityIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO stock_index_constituent (snapshot_id, index_name, security_id)
				 VALUES (?, ?, ?)`,
				snapshotID, index, id,
			); err != nil {
				return fmt.Errorf("inserting constituent %d: %w", id, err)
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const sqliteCombinedSelect = `
SELECT ti.security_id, o.id, o.open, o.high, o.low, o.close, o.volume, ti.indicator_values
FROM technical_indicator ti
JOIN ohlcv_daily o
  ON o.security_id = ti.security_id AND o.candle_date = ti.measurement_date`

func scanSQLiteCombined(sc interface{ Scan(...any) error }) (types.Row, error) {
	var (
		r                        types.Row
		open, high, low, cl, vol float64
		data                     string
	)
	if err := sc.Scan(&r.SecurityID, &r.OHLCVDailyID, &open, &high, &low, &cl, &vol, &data); err != nil {
		return types.Row{}, err
	}
	var decoded map[string]*float64
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		return types.Row{}, fmt.Errorf("decoding indicators for security %d: %w", r.SecurityID, err)
	}
	r.Values = make(types.IndicatorRow, len(decoded)+5)
	for k, v := range decoded {
		if v == nil {
			r.Values[k] = math.NaN()
			continue
		}
		r.Values[k] = *v
	}
	r.Values["open"] = open
	r.Values["high"] = high
	r.Values["low"] = low
	r.Values["close"] = cl
	r.Values["volume"] = vol
	return r, nil
}

// IndicatorsOn returns the indicator rows joined with OHLCV for the given securities on date.
func (s *SQLiteStore) IndicatorsOn(ctx context.Context, date time.Time, securityIDs []int64) ([]types.Row, error) {
	if len(securityIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(securityIDs)+1)
	args = append(args, day(date))
	for _, id := range securityIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(securityIDs)), ",")

	rows, err := s.db.QueryContext(ctx,
		sqliteCombinedSelect+` WHERE ti.measurement_date = ? AND ti.security_id IN (`+placeholders+`)
		 ORDER BY ti.security_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying indicators: %w", err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		r, err := scanSQLiteCombined(rows)
		if err != nil {
			return nil, err
		}
		r.Date = types.Day(date)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndicatorsFor returns one security's indicator row on date.
func (s *SQLiteStore) IndicatorsFor(ctx context.Context, securityID int64, date time.Time) (types.IndicatorRow, error) {
	row := s.db.QueryRowContext(ctx,
		sqliteCombinedSelect+` WHERE ti.measurement_date = ? AND ti.security_id = ?`,
		day(date), securityID,
	)
	r, err := scanSQLiteCombined(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying indicators: %w", err)
	}
	return r.Values, nil
}

// IndicatorColumns lists every key found in the stored indicator values.
func (s *SQLiteStore) IndicatorColumns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT j.key FROM technical_indicator ti, json_each(ti.indicator_values) j`)
	if err != nil {
		return nil, fmt.Errorf("querying indicator columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning indicator column: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ErrNotFound
	}
	return withOHLCV(cols), nil
}

// BarsAfter returns up to limit bars dated strictly after the given day.
func (s *SQLiteStore) BarsAfter(ctx context.Context, securityID int64, after time.Time, limit int) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candle_date, open, high, low, close, volume
		 FROM ohlcv_daily
		 WHERE security_id = ? AND candle_date > ?
		 ORDER BY candle_date ASC
		 LIMIT ?`,
		securityID, day(after), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bars for security %d: %w", securityID, err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var (
			b types.Bar
			d string
		)
		if err := rows.Scan(&d, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar: %w", err)
		}
		if b.Date, err = types.ParseDay(d); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// EarliestSnapshot returns the first snapshot date for the index.
func (s *SQLiteStore) EarliestSnapshot(ctx context.Context, index string) (time.Time, error) {
	var d sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(snapshot_date) FROM stock_index_snapshot WHERE index_name = ?`, index,
	).Scan(&d)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying earliest snapshot: %w", err)
	}
	if !d.Valid {
		return time.Time{}, ErrNotFound
	}
	return types.ParseDay(d.String)
}

// ConstituentsOn returns the members of the latest snapshot on or before date.
func (s *SQLiteStore) ConstituentsOn(ctx context.Context, index string, date time.Time) ([]int64, error) {
	var snapshotID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM stock_index_snapshot
		 WHERE index_name = ? AND snapshot_date <= ?
		 ORDER BY snapshot_date DESC, id DESC
		 LIMIT 1`,
		index, day(date),
	).Scan(&snapshotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT security_id FROM stock_index_constituent WHERE snapshot_id = ? ORDER BY security_id`,
		snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying constituents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning constituent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const sqliteSignalColumns = `id, signal_date, strategy_id, strategy_name, security_id, ohlcv_daily_id,
	score, validated_at_open, next_open_price, validated_at_open_failures`

func (s *SQLiteStore) querySignals(ctx context.Context, query string, args ...any) ([]types.EODSignal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	defer rows.Close()

	var out []types.EODSignal
	for rows.Next() {
		var (
			sig       types.EODSignal
			date      string
			validated sql.NullBool
			nextOpen  sql.NullFloat64
			failures  string
		)
		if err := rows.Scan(
			&sig.ID, &date, &sig.StrategyID, &sig.StrategyName, &sig.SecurityID, &sig.OHLCVDailyID,
			&sig.Score, &validated, &nextOpen, &failures,
		); err != nil {
			return nil, fmt.Errorf("scanning signal: %w", err)
		}
		if sig.SignalDate, err = types.ParseDay(date); err != nil {
			return nil, err
		}
		if validated.Valid {
			v := validated.Bool
			sig.ValidatedAtOpen = &v
		}
		if nextOpen.Valid {
			v := nextOpen.Float64
			sig.NextOpenPrice = &v
		}
		if err := json.Unmarshal([]byte(failures), &sig.ValidatedAtOpenFailures); err != nil {
			return nil, fmt.Errorf("decoding failures of signal %d: %w", sig.ID, err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ValidatedSignals returns validated signals of one strategy with start <= signal_date < end.
func (s *SQLiteStore) ValidatedSignals(ctx context.Context, strategyID string, start, end time.Time) ([]types.EODSignal, error) {
	return s.querySignals(ctx,
		`SELECT `+sqliteSignalColumns+` FROM eod_signal
		 WHERE strategy_id = ? AND validated_at_open = 1
		   AND signal_date >= ? AND signal_date < ?
		 ORDER BY signal_date, id`,
		strategyID, day(start), day(end),
	)
}

// UnvalidatedSignals returns signals dated day that have not been validated yet.
func (s *SQLiteStore) UnvalidatedSignals(ctx context.Context, d time.Time) ([]types.EODSignal, error) {
	return s.querySignals(ctx,
		`SELECT `+sqliteSignalColumns+` FROM eod_signal
		 WHERE signal_date = ? AND validated_at_open IS NULL
		 ORDER BY strategy_id, id`,
		day(d),
	)
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// SaveSignals inserts signals, ignoring duplicates per (signal_date, strategy_id, security_id).
func (s *SQLiteStore) SaveSignals(ctx context.Context, signals []types.EODSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	n, err := s.execEach(ctx,
		`INSERT OR IGNORE INTO eod_signal
			(signal_date, strategy_id, strategy_name, security_id, ohlcv_daily_id, score)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		len(signals), func(i int) []any {
			sig := signals[i]
			return []any{day(sig.SignalDate), sig.StrategyID, sig.StrategyName, sig.SecurityID, sig.OHLCVDailyID, sig.Score}
		})
	if err != nil {
		return 0, fmt.Errorf("saving signals: %w", err)
	}
	s.logger.Info("Saved signals", "inserted", n, "total", len(signals))
	return n, nil
}

// SaveValidations records at-open outcomes on their signals.
func (s *SQLiteStore) SaveValidations(ctx context.Context, results []types.OpenValidation) error {
	if len(results) == 0 {
		return nil
	}
	_, err := s.execEach(ctx,
		`UPDATE eod_signal
		 SET validated_at_open = ?, next_open_price = ?, validated_at_open_failures = ?
		 WHERE id = ?`,
		len(results), func(i int) []any {
			r := results[i]
			failures := r.Failures
			if failures == nil {
				failures = []string{}
			}
			encoded, _ := json.Marshal(failures)
			var validated, nextOpen any
			if r.Validated != nil {
				validated = *r.Validated
			}
			if r.NextOpen != nil {
				nextOpen = *r.NextOpen
			}
			return []any{validated, nextOpen, string(encoded), r.SignalID}
		})
	if err != nil {
		return fmt.Errorf("saving validations: %w", err)
	}
	return nil
}

// SaveRun inserts a backtest run. Re-saving the same run is a no-op.
func (s *SQLiteStore) SaveRun(ctx context.Context, run types.BacktestRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO backtest_run (run_id, started_at, strategy_id, backtest_config_data)
		 VALUES (?, ?, ?, ?)`,
		run.RunID.String(), run.StartedAt.UTC().Format(time.RFC3339Nano), run.StrategyID, string(run.Config),
	)
	if err != nil {
		return fmt.Errorf("inserting backtest run: %w", err)
	}
	return nil
}

// SaveTrades inserts trades, ignoring rows already stored under the same key.
func (s *SQLiteStore) SaveTrades(ctx context.Context, trades []types.BacktestTrade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	n, err := s.execEach(ctx,
		`INSERT OR IGNORE INTO backtest_trade
			(run_id, eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
			 signal_date, entry_date, exit_date, entry_reason, exit_reason,
			 entry_price, exit_price, stop_price, target_price, atr_used,
			 pnl_percent, r_multiple, bars_waited, bars_held)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(trades), func(i int) []any {
			t := trades[i]
			return []any{
				t.RunID.String(), t.EODSignalID, t.SignalStrategyID, t.ExecutionStrategyID, t.SecurityID,
				day(t.SignalDate), day(t.EntryDate), day(t.ExitDate), string(t.EntryReason), string(t.ExitReason),
				t.EntryPrice, t.ExitPrice, t.StopPrice, t.TargetPrice, t.ATRUsed,
				t.PnLPercent, t.RMultiple, t.BarsWaited, t.BarsHeld,
			}
		})
	if err != nil {
		return 0, fmt.Errorf("saving trades: %w", err)
	}
	s.logger.Info("Saved trade records", "inserted", n, "total", len(trades))
	return n, nil
}

// SaveSkipped inserts skipped-signal records, idempotent like SaveTrades.
func (s *SQLiteStore) SaveSkipped(ctx context.Context, skipped []types.SkippedTrade) (int, error) {
	if len(skipped) == 0 {
		return 0, nil
	}
	n, err := s.execEach(ctx,
		`INSERT OR IGNORE INTO backtest_skipped_trade
			(run_id, eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
			 signal_date, reason, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		len(skipped), func(i int) []any {
			sk := skipped[i]
			return []any{
				sk.RunID.String(), sk.EODSignalID, sk.SignalStrategyID, sk.ExecutionStrategyID, sk.SecurityID,
				day(sk.SignalDate), string(sk.Reason), sk.Detail,
			}
		})
	if err != nil {
		return 0, fmt.Errorf("saving skipped trades: %w", err)
	}
	return n, nil
}

// Trades returns every trade of a run ordered by signal date, signal and execution strategy.
func (s *SQLiteStore) Trades(ctx context.Context, runID uuid.UUID) ([]types.BacktestTrade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
		        signal_date, entry_date, exit_date, entry_reason, exit_reason,
		        entry_price, exit_price, stop_price, target_price, atr_used,
		        pnl_percent, r_multiple, bars_waited, bars_held
		 FROM backtest_trade WHERE run_id = ?
		 ORDER BY signal_date, eod_signal_id, execution_strategy_id`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestTrade
	for rows.Next() {
		t := types.BacktestTrade{RunID: runID}
		var signalDate, entryDate, exitDate, entryReason, exitReason string
		if err := rows.Scan(
			&t.EODSignalID, &t.SignalStrategyID, &t.ExecutionStrategyID, &t.SecurityID,
			&signalDate, &entryDate, &exitDate, &entryReason, &exitReason,
			&t.EntryPrice, &t.ExitPrice, &t.StopPrice, &t.TargetPrice, &t.ATRUsed,
			&t.PnLPercent, &t.RMultiple, &t.BarsWaited, &t.BarsHeld,
		); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		if t.SignalDate, err = types.ParseDay(signalDate); err != nil {
			return nil, err
		}
		if t.EntryDate, err = types.ParseDay(entryDate); err != nil {
			return nil, err
		}
		if t.ExitDate, err = types.ParseDay(exitDate); err != nil {
			return nil, err
		}
		t.EntryReason = types.EntryReason(entryReason)
		t.ExitReason = types.ExitReason(exitReason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Skipped returns every skipped record of a run.
func (s *SQLiteStore) Skipped(ctx context.Context, runID uuid.UUID) ([]types.SkippedTrade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT eod_signal_id, signal_strategy_id, execution_strategy_id, security_id,
		        signal_date, reason, detail
		 FROM backtest_skipped_trade WHERE run_id = ?
		 ORDER BY signal_date, eod_signal_id, execution_strategy_id`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying skipped trades: %w", err)
	}
	defer rows.Close()

	var out []types.SkippedTrade
	for rows.Next() {
		sk := types.SkippedTrade{RunID: runID}
		var signalDate, reason string
		if err := rows.Scan(
			&sk.EODSignalID, &sk.SignalStrategyID, &sk.ExecutionStrategyID, &sk.SecurityID,
			&signalDate, &reason, &sk.Detail,
		); err != nil {
			return nil, fmt.Errorf("scanning skipped trade: %w", err)
		}
		if sk.SignalDate, err = types.ParseDay(signalDate); err != nil {
			return nil, err
		}
		sk.Reason = types.SkipReason(reason)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// execEach runs one statement n times in a transaction and returns the rows affected.
func (s *SQLiteStore) execEach(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	affected := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := 0; i < n; i++ {
			res, err := stmt.ExecContext(ctx, args(i)...)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return err
			}
			affected += int(rows)
		}
		return nil
	})
	return affected, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
