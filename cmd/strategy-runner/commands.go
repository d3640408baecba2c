package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/internal/config"
	"github.com/matthew-holman/strategy-runner/internal/db"
	"github.com/matthew-holman/strategy-runner/internal/healthsrv"
	"github.com/matthew-holman/strategy-runner/pkg/backtest"
	"github.com/matthew-holman/strategy-runner/pkg/events"
	"github.com/matthew-holman/strategy-runner/pkg/export"
	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/runtracker"
	"github.com/matthew-holman/strategy-runner/pkg/signals"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// env carries what every data command needs.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     persistence.Store
	publisher events.Publisher
	bus       *events.Bus
}

func openEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := db.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, store: store, publisher: events.Nop{}}

	if cfg.Redis.Addr != "" {
		bus := events.NewBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix, logger)
		if err := bus.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable, events disabled", "addr", cfg.Redis.Addr, "error", err)
			bus.Close() //nolint:errcheck
		} else {
			e.bus = bus
			e.publisher = bus
		}
	}
	return e, nil
}

func (e *env) Close() {
	if e.bus != nil {
		e.bus.Close() //nolint:errcheck
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Closing store", "error", err)
	}
}

func (e *env) loadStrategies(ctx context.Context) (*strategy.Registry[*strategy.SignalStrategy], *strategy.Registry[*strategy.ExecutionStrategy], error) {
	return loadStrategies(ctx, e.cfg.Strategies, e.store, e.logger)
}

// loadStrategies loads both registries and rejects signal strategies that
// read indicator columns the store does not carry.
func loadStrategies(
	ctx context.Context,
	cfg config.StrategiesConfig,
	columns persistence.ColumnSource,
	logger *slog.Logger,
) (*strategy.Registry[*strategy.SignalStrategy], *strategy.Registry[*strategy.ExecutionStrategy], error) {
	sigs, err := strategy.LoadSignalStrategies(cfg.SignalDir, logger)
	if err != nil {
		return nil, nil, err
	}
	execs, err := strategy.LoadExecutionStrategies(cfg.ExecutionDir, logger)
	if err != nil {
		return nil, nil, err
	}

	known, err := columns.IndicatorColumns(ctx)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		logger.Warn("No indicator columns stored, skipping strategy column check")
	case err != nil:
		return nil, nil, err
	default:
		if err := strategy.CheckColumns(sigs, known); err != nil {
			return nil, nil, err
		}
	}
	return sigs, execs, nil
}

func (e *env) publish(ctx context.Context, eventType string, payload events.SignalsPayload) {
	ev, err := events.New(eventType, "", payload)
	if err == nil {
		err = e.publisher.Publish(ctx, ev)
	}
	if err != nil {
		e.logger.Warn("Failed to publish event", "event_type", eventType, "error", err)
	}
}

// parseRange parses a YYYY-MM-DD range. An empty end means start.
func parseRange(start, end string) (time.Time, time.Time, error) {
	if start == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: -start is required", types.ErrConfig)
	}
	s, err := types.ParseDay(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end == "" {
		return s, s, nil
	}
	e, err := types.ParseDay(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %s before start %s", types.ErrConfig, end, start)
	}
	return s, e, nil
}

func runStrategies(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("strategies", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	fs.Parse(args) //nolint:errcheck

	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	sigs, execs, err := e.loadStrategies(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tACTIVE\tDETAIL")
	for _, s := range sigs.All() {
		fmt.Fprintf(w, "signal\t%s\t%t\t%d filters, %d ranking, max %d/day\n",
			s.StrategyID, s.Active, len(s.SignalFilters), len(s.Ranking), s.MaxSignalsPerDay)
	}
	for _, s := range execs.All() {
		fmt.Fprintf(w, "execution\t%s\t%t\tv%d %s, hold %d, stop %gx%s, target %gx%s\n",
			s.StrategyID, s.Active, s.Version, s.Entry.Mode, s.MaxHoldDays,
			s.Exit.StopOffset.Multiple, s.Exit.StopOffset.Unit,
			s.Exit.TargetOffset.Multiple, s.Exit.TargetOffset.Unit)
	}
	return w.Flush()
}

func runSignals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("signals", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	start := fs.String("start", "", "First signal date (YYYY-MM-DD)")
	end := fs.String("end", "", "Last signal date (YYYY-MM-DD, default: start)")
	fs.Parse(args) //nolint:errcheck

	from, to, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	sigs, _, err := e.loadStrategies(ctx)
	if err != nil {
		return err
	}
	picker := signals.NewPicker(e.store, e.cfg.Backtest.Index, e.logger)
	n, err := picker.RunRange(ctx, sigs.Active(), from, to)
	if err != nil {
		return err
	}

	e.logger.Info("Signal generation finished",
		"start", from.Format(types.DateLayout),
		"end", to.Format(types.DateLayout),
		"stored", n,
	)
	e.publish(ctx, events.EventSignalsGenerated, events.SignalsPayload{Start: from, End: to, Stored: n})
	return nil
}

func runValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	start := fs.String("start", "", "First signal date (YYYY-MM-DD)")
	end := fs.String("end", "", "Last signal date (YYYY-MM-DD, default: start)")
	fs.Parse(args) //nolint:errcheck

	from, to, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	sigs, _, err := e.loadStrategies(ctx)
	if err != nil {
		return err
	}
	counts, err := signals.NewValidator(e.store, sigs, e.logger).ValidateRange(ctx, from, to)
	if err != nil {
		return err
	}

	e.logger.Info("Validation finished",
		"passed", counts.Passed,
		"failed", counts.Failed,
		"pending", counts.Pending,
	)
	e.publish(ctx, events.EventSignalsValidated, events.SignalsPayload{
		Start:   from,
		End:     to,
		Passed:  counts.Passed,
		Failed:  counts.Failed,
		Pending: counts.Pending,
	})
	return nil
}

func runBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	strategyID := fs.String("strategy", "", "Backtest only this signal strategy (default: all active)")
	until := fs.String("until", "", "Last signal date included (YYYY-MM-DD, default: config or today)")
	workers := fs.Int("workers", 0, "Execution strategies run concurrently per signal strategy (default: config)")
	exportDir := fs.String("export", "", "Write each run's trades as Parquet under this directory (default: config)")
	fs.Parse(args) //nolint:errcheck

	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if *until != "" {
		e.cfg.Backtest.Until = *until
	}
	if *workers > 0 {
		e.cfg.Backtest.Workers = *workers
	}
	if *exportDir != "" {
		e.cfg.Export.Dir = *exportDir
	}
	untilDate, err := e.cfg.Backtest.UntilDate()
	if err != nil {
		return err
	}

	sigs, execs, err := e.loadStrategies(ctx)
	if err != nil {
		return err
	}

	if e.cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("listening for health checks: %w", err)
		}
		hs := healthsrv.New(lis, e.logger)
		go func() {
			if err := hs.Serve(); err != nil {
				e.logger.Error("gRPC health server failed", "error", err)
			}
		}()
		defer hs.Stop()
		hs.SetServing(true)
		defer hs.SetServing(false)
	}

	orch := backtest.NewOrchestrator(e.store, sigs, execs, backtest.Options{
		Index:     e.cfg.Backtest.Index,
		ChunkDays: e.cfg.Backtest.ChunkDays,
		Until:     untilDate,
		Workers:   e.cfg.Backtest.Workers,
		Publisher: e.publisher,
		Tracker:   runtracker.NewTracker(e.logger),
	}, e.logger)

	var reports []backtest.Report
	if *strategyID != "" {
		ss, err := sigs.Get(*strategyID)
		if err != nil {
			return err
		}
		rep, err := orch.RunStrategy(ctx, ss)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	} else {
		reports, err = orch.Run(ctx)
		if err != nil {
			return err
		}
	}

	for _, rep := range reports {
		logReport(e.logger, orch.Tracker(), rep)
		if e.cfg.Export.Dir == "" {
			continue
		}
		if err := exportRun(ctx, e.store, e.cfg.Export.Dir, rep.RunID); err != nil {
			return err
		}
		e.logger.Info("Run exported", "run_id", rep.RunID, "dir", export.RunDir(e.cfg.Export.Dir, rep.RunID))
	}
	return nil
}

func logReport(logger *slog.Logger, tracker *runtracker.Tracker, rep backtest.Report) {
	if run := tracker.GetRun(rep.RunID.String()); run != nil {
		logger.Info("Backtest run finished",
			"run_id", rep.RunID,
			"signal_strategy", rep.SignalStrategyID,
			"status", run.Status,
			"trades", run.TotalTrades(),
			"skipped", run.TotalSkipped(),
			"elapsed_sec", run.ElapsedSeconds(),
		)
	}
	for _, s := range rep.Summaries {
		logger.Info("Execution strategy summary",
			"run_id", rep.RunID,
			"execution_strategy", s.ExecutionStrategyID,
			"trades", s.NumTrades,
			"skipped", s.NumSkipped,
			"win_rate", s.WinRate,
			"pnl_mean", s.PnLMean,
			"r_mean", s.RMean,
		)
	}
}

func exportRun(ctx context.Context, store persistence.TradeSource, dir string, runID uuid.UUID) error {
	trades, err := store.Trades(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading trades for export: %w", err)
	}
	skipped, err := store.Skipped(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading skipped trades for export: %w", err)
	}
	return export.WriteRun(dir, runID, trades, skipped)
}

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	runFlag := fs.String("run", "", "Backtest run id")
	parquetDir := fs.String("parquet", "", "Read the run from a Parquet export directory instead of the store")
	fs.Parse(args) //nolint:errcheck

	runID, err := uuid.Parse(*runFlag)
	if err != nil {
		return fmt.Errorf("%w: -run: %v", types.ErrConfig, err)
	}

	var (
		trades  []types.BacktestTrade
		skipped []types.SkippedTrade
	)
	if *parquetDir != "" {
		if trades, err = export.ReadTrades(*parquetDir, runID); err != nil {
			return err
		}
		if skipped, err = export.ReadSkipped(*parquetDir, runID); err != nil {
			return err
		}
	} else {
		e, err := openEnv(ctx, *configPath)
		if err != nil {
			return err
		}
		defer e.Close()
		if trades, err = e.store.Trades(ctx, runID); err != nil {
			return err
		}
		if skipped, err = e.store.Skipped(ctx, runID); err != nil {
			return err
		}
	}

	return printSummaries(os.Stdout, persistence.Summarize(trades, skipped))
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	runFilter := fs.String("run", "", "Only print events of this backtest run id")
	fs.Parse(args) //nolint:errcheck

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: SR_REDIS_ADDR is required to watch events", types.ErrConfig)
	}
	bus := events.NewBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix, logger)
	defer bus.Close() //nolint:errcheck
	if err := bus.HealthCheck(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	eventTypes := fs.Args()
	if len(eventTypes) == 0 {
		eventTypes = []string{
			events.EventRunStarted,
			events.EventChunkPersisted,
			events.EventRunCompleted,
			events.EventRunFailed,
			events.EventSignalsGenerated,
			events.EventSignalsValidated,
		}
	}

	return bus.Subscribe(ctx, func(_ context.Context, ev *events.Event) error {
		if *runFilter != "" && ev.CorrelationID != *runFilter {
			return nil
		}
		data, err := ev.Marshal()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	}, eventTypes...)
}
