// Package backtest replays validated end-of-day signals through execution
// strategies and persists the resulting trades.
//
// One BacktestRun is created per active signal strategy. Every active
// execution strategy is paired with it and walked over the history in
// chunks; each chunk's trades and skips are written in one batch before the
// next chunk starts, so an aborted run keeps everything written so far.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matthew-holman/strategy-runner/pkg/events"
	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/runtracker"
	"github.com/matthew-holman/strategy-runner/pkg/strategy"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Store is what the orchestrator reads from and writes to.
type Store interface {
	persistence.SnapshotSource
	persistence.SignalSource
	persistence.IndicatorFeed
	persistence.BarFeed
	persistence.RunSink
	persistence.TradeSink
}

// Options configures a backtest.
type Options struct {
	// Index whose earliest constituent snapshot is the history floor.
	Index string
	// ChunkDays is the chunk span; DefaultChunkDays when < 1.
	ChunkDays int
	// Until is the last signal date included; today when zero.
	Until time.Time
	// Workers > 1 runs execution strategies of one signal strategy concurrently.
	Workers int

	Publisher events.Publisher
	Tracker   *runtracker.Tracker
}

// Report is the outcome of one run.
type Report struct {
	RunID            uuid.UUID
	SignalStrategyID string
	Summaries        []persistence.Summary
}

// Orchestrator drives backtest runs.
type Orchestrator struct {
	store   Store
	signals *strategy.Registry[*strategy.SignalStrategy]
	execs   *strategy.Registry[*strategy.ExecutionStrategy]
	opts    Options
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given registries.
func NewOrchestrator(
	store Store,
	signals *strategy.Registry[*strategy.SignalStrategy],
	execs *strategy.Registry[*strategy.ExecutionStrategy],
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkDays < 1 {
		opts.ChunkDays = DefaultChunkDays
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Tracker == nil {
		opts.Tracker = runtracker.NewTracker(logger)
	}
	return &Orchestrator{store: store, signals: signals, execs: execs, opts: opts, logger: logger}
}

// Tracker returns the tracker runs are reported to.
func (o *Orchestrator) Tracker() *runtracker.Tracker { return o.opts.Tracker }

// Run backtests every active signal strategy. It stops at the first failed run.
func (o *Orchestrator) Run(ctx context.Context) ([]Report, error) {
	active := o.signals.Active()
	if len(active) == 0 {
		o.logger.Warn("No active signal strategies")
		return nil, nil
	}

	reports := make([]Report, 0, len(active))
	for _, ss := range active {
		rep, err := o.RunStrategy(ctx, ss)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// configSnapshot is stored with each run so its trades can be traced to the
// exact strategy definitions that produced them.
type configSnapshot struct {
	SignalStrategy      *strategy.SignalStrategy      `json:"signal_strategy"`
	ExecutionStrategies []*strategy.ExecutionStrategy `json:"execution_strategies"`
	Index               string                        `json:"index"`
	ChunkDays           int                           `json:"chunk_days"`
	Until               string                        `json:"until"`
}

// RunStrategy backtests one signal strategy against every active execution
// strategy under a new run id.
func (o *Orchestrator) RunStrategy(ctx context.Context, ss *strategy.SignalStrategy) (Report, error) {
	until := o.opts.Until
	if until.IsZero() {
		until = time.Now()
	}
	until = types.Day(until)
	execs := o.execs.Active()

	cfg, err := json.Marshal(configSnapshot{
		SignalStrategy:      ss,
		ExecutionStrategies: execs,
		Index:               o.opts.Index,
		ChunkDays:           o.opts.ChunkDays,
		Until:               until.Format(types.DateLayout),
	})
	if err != nil {
		return Report{}, fmt.Errorf("encoding run config: %w", err)
	}

	run := types.BacktestRun{
		RunID:      uuid.New(),
		StartedAt:  time.Now().UTC(),
		StrategyID: ss.StrategyID,
		Config:     cfg,
	}
	rep := Report{RunID: run.RunID, SignalStrategyID: ss.StrategyID}
	logger := o.logger.With("run_id", run.RunID.String(), "signal_strategy", ss.StrategyID)

	if err := o.store.SaveRun(ctx, run); err != nil {
		return rep, err
	}

	ids := make([]string, len(execs))
	for i, es := range execs {
		ids[i] = es.StrategyID
	}
	o.opts.Tracker.StartRun(run.RunID.String(), ss.StrategyID, ids)
	o.publish(ctx, logger, events.EventRunStarted, run.RunID, events.RunPayload{
		SignalStrategyID:     ss.StrategyID,
		ExecutionStrategyIDs: ids,
	})

	floor, err := o.store.EarliestSnapshot(ctx, o.opts.Index)
	if err != nil {
		err = fmt.Errorf("loading earliest %s snapshot: %w", o.opts.Index, err)
		o.failRun(ctx, logger, run.RunID, ids, err)
		return rep, err
	}
	chunks := Chunks(floor, until, o.opts.ChunkDays)
	logger.Info("Backtest run started",
		"execution_strategies", len(execs),
		"floor", floor.Format(types.DateLayout),
		"until", until.Format(types.DateLayout),
		"chunks", len(chunks),
	)

	summaries := make([]persistence.Summary, len(execs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, es := range execs {
		i, es := i, es
		g.Go(func() error {
			s, err := o.runPair(gctx, Pair{RunID: run.RunID, Signal: ss, Execution: es}, chunks, logger)
			if err != nil {
				return fmt.Errorf("execution strategy %s: %w", es.StrategyID, err)
			}
			summaries[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.publish(ctx, logger, events.EventRunFailed, run.RunID, events.RunPayload{
			SignalStrategyID: ss.StrategyID,
			Error:            err.Error(),
		})
		return rep, err
	}
	rep.Summaries = summaries

	trades, skips := 0, 0
	perExec := make([]events.ExecSummary, 0, len(summaries))
	for _, s := range summaries {
		trades += s.NumTrades
		skips += s.NumSkipped
		perExec = append(perExec, events.ExecSummary{
			ExecutionStrategyID: s.ExecutionStrategyID,
			Trades:              s.NumTrades,
			Skipped:             s.NumSkipped,
			WinRate:             s.WinRate,
			PnLMean:             s.PnLMean,
			RMean:               s.RMean,
		})
	}
	logger.Info("Backtest run completed", "trades", trades, "skipped", skips)
	o.publish(ctx, logger, events.EventRunCompleted, run.RunID, events.RunPayload{
		SignalStrategyID: ss.StrategyID,
		Trades:           trades,
		Skipped:          skips,
		Summaries:        perExec,
	})
	return rep, nil
}

// runPair walks every chunk for one execution strategy.
func (o *Orchestrator) runPair(ctx context.Context, p Pair, chunks []Chunk, logger *slog.Logger) (persistence.Summary, error) {
	runID := p.RunID.String()
	execID := p.Execution.StrategyID
	logger = logger.With("execution_strategy", execID)
	o.opts.Tracker.MarkPairRunning(runID, execID)

	var (
		allTrades []types.BacktestTrade
		allSkips  []types.SkippedTrade
	)
	for _, c := range chunks {
		trades, skips, err := o.runChunk(ctx, p, c, logger)
		if err != nil {
			o.opts.Tracker.MarkPairFailed(runID, execID, err.Error())
			return persistence.Summary{}, err
		}
		allTrades = append(allTrades, trades...)
		allSkips = append(allSkips, skips...)
	}
	o.opts.Tracker.MarkPairCompleted(runID, execID)

	summary := persistence.Summary{ExecutionStrategyID: execID}
	if s := persistence.Summarize(allTrades, allSkips); len(s) == 1 {
		summary = s[0]
	}
	logger.Info("Pair completed",
		"trades", summary.NumTrades,
		"skipped", summary.NumSkipped,
		"win_rate", summary.WinRate,
		"pnl_mean", summary.PnLMean,
		"r_mean", summary.RMean,
	)
	return summary, nil
}

// runChunk simulates and persists the validated signals of one chunk.
func (o *Orchestrator) runChunk(ctx context.Context, p Pair, c Chunk, logger *slog.Logger) ([]types.BacktestTrade, []types.SkippedTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	logger = logger.With(
		"chunk_start", c.Start.Format(types.DateLayout),
		"chunk_end", c.End.Format(types.DateLayout),
	)

	sigs, err := o.store.ValidatedSignals(ctx, p.Signal.StrategyID, c.Start, c.End)
	if err != nil {
		return nil, nil, err
	}
	if len(sigs) == 0 {
		logger.Debug("No validated signals in chunk")
		return nil, nil, nil
	}

	var (
		trades []types.BacktestTrade
		skips  []types.SkippedTrade
	)
	for _, sig := range sigs {
		t, err := o.simulate(ctx, p, sig)
		var se *SkipError
		switch {
		case errors.As(err, &se):
			logger.Warn("Signal skipped",
				"security_id", sig.SecurityID,
				"signal_date", sig.SignalDate.Format(types.DateLayout),
				"reason", se.Reason,
				"detail", se.Detail,
			)
			skips = append(skips, skipped(p, sig, se))
		case err != nil:
			return nil, nil, err
		default:
			trades = append(trades, t)
		}
	}

	inserted, err := o.store.SaveTrades(ctx, trades)
	if err != nil {
		return nil, nil, err
	}
	insertedSkips, err := o.store.SaveSkipped(ctx, skips)
	if err != nil {
		return nil, nil, err
	}
	o.opts.Tracker.RecordChunk(p.RunID.String(), p.Execution.StrategyID, len(trades), len(skips))
	logger.Info("Chunk persisted",
		"signals", len(sigs),
		"trades", len(trades),
		"trades_inserted", inserted,
		"skipped", len(skips),
		"skipped_inserted", insertedSkips,
	)
	o.publish(ctx, logger, events.EventChunkPersisted, p.RunID, events.RunPayload{
		SignalStrategyID:    p.Signal.StrategyID,
		ExecutionStrategyID: p.Execution.StrategyID,
		ChunkStart:          &c.Start,
		ChunkEnd:            &c.End,
		Trades:              len(trades),
		Skipped:             len(skips),
	})
	return trades, skips, nil
}

// simulate loads the data one signal needs and simulates it.
func (o *Orchestrator) simulate(ctx context.Context, p Pair, sig types.EODSignal) (types.BacktestTrade, error) {
	ind, err := o.store.IndicatorsFor(ctx, sig.SecurityID, sig.SignalDate)
	if errors.Is(err, persistence.ErrNotFound) {
		return types.BacktestTrade{}, skip(types.SkipMissingATR, "no indicator row")
	}
	if err != nil {
		return types.BacktestTrade{}, fmt.Errorf("loading indicators for security %d: %w", sig.SecurityID, err)
	}

	bars, err := o.store.BarsAfter(ctx, sig.SecurityID, sig.SignalDate, p.Execution.ForwardWindow())
	if err != nil {
		return types.BacktestTrade{}, err
	}
	return Simulate(p, sig, ind, bars)
}

func (o *Orchestrator) failRun(ctx context.Context, logger *slog.Logger, runID uuid.UUID, execIDs []string, err error) {
	for _, id := range execIDs {
		o.opts.Tracker.MarkPairFailed(runID.String(), id, err.Error())
	}
	o.publish(ctx, logger, events.EventRunFailed, runID, events.RunPayload{ExecutionStrategyIDs: execIDs, Error: err.Error()})
}

// publish sends an event. Bus failures are logged, never fatal to the run.
func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, eventType string, runID uuid.UUID, payload events.RunPayload) {
	ev, err := events.New(eventType, runID.String(), payload)
	if err == nil {
		err = o.opts.Publisher.Publish(ctx, ev)
	}
	if err != nil {
		logger.Warn("Failed to publish event", "event_type", eventType, "error", err)
	}
}
