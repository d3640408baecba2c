package runtracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tracker provides thread-safe management of backtest run state.
type Tracker struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	logger *slog.Logger
}

// NewTracker creates a new run tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		runs:   make(map[string]*Run),
		logger: logger,
	}
}

// StartRun registers a run with one pending pair per execution strategy.
func (t *Tracker) StartRun(runID, signalStrategyID string, executionIDs []string) {
	pairs := make([]PairState, len(executionIDs))
	for i, id := range executionIDs {
		pairs[i] = PairState{ExecutionStrategyID: id, Status: PairPending}
	}
	run := &Run{
		RunID:            runID,
		SignalStrategyID: signalStrategyID,
		StartTime:        time.Now(),
		Status:           StatusRunning,
		Pairs:            pairs,
	}

	t.mu.Lock()
	t.runs[runID] = run
	if len(pairs) == 0 {
		t.maybeFinishRunLocked(run)
	}
	t.mu.Unlock()

	t.logger.Info("Run started",
		"run_id", runID,
		"signal_strategy", signalStrategyID,
		"pairs", len(pairs),
	)
}

// withPair runs fn on the pair under the write lock. Unknown runs or pairs
// are logged and ignored.
func (t *Tracker) withPair(op, runID, execID string, fn func(run *Run, p *PairState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		t.logger.Warn(op+": run not found", "run_id", runID)
		return
	}
	for i := range run.Pairs {
		if run.Pairs[i].ExecutionStrategyID == execID {
			fn(run, &run.Pairs[i])
			return
		}
	}
	t.logger.Warn(op+": pair not found in run", "run_id", runID, "execution_strategy", execID)
}

// MarkPairRunning marks a pair as running.
func (t *Tracker) MarkPairRunning(runID, execID string) {
	t.withPair("MarkPairRunning", runID, execID, func(_ *Run, p *PairState) {
		now := time.Now()
		p.Status = PairRunning
		p.StartTime = &now
	})
}

// RecordChunk adds one persisted chunk's counts to a pair.
func (t *Tracker) RecordChunk(runID, execID string, trades, skipped int) {
	t.withPair("RecordChunk", runID, execID, func(_ *Run, p *PairState) {
		p.ChunksDone++
		p.Trades += trades
		p.Skipped += skipped
	})
}

// MarkPairCompleted marks a pair as completed and records its duration.
func (t *Tracker) MarkPairCompleted(runID, execID string) {
	t.withPair("MarkPairCompleted", runID, execID, func(run *Run, p *PairState) {
		t.finishPair(p, PairCompleted)
		t.logger.Debug("Pair completed",
			"run_id", runID,
			"execution_strategy", execID,
			"trades", p.Trades,
			"skipped", p.Skipped,
			"duration_secs", p.DurationSecs,
		)
		t.maybeFinishRunLocked(run)
	})
}

// MarkPairFailed marks a pair as failed with an error message.
func (t *Tracker) MarkPairFailed(runID, execID, errMsg string) {
	t.withPair("MarkPairFailed", runID, execID, func(run *Run, p *PairState) {
		t.finishPair(p, PairFailed)
		p.ErrorMessage = errMsg
		t.logger.Warn("Pair failed",
			"run_id", runID,
			"execution_strategy", execID,
			"error", errMsg,
		)
		t.maybeFinishRunLocked(run)
	})
}

func (t *Tracker) finishPair(p *PairState, status PairStatus) {
	now := time.Now()
	p.Status = status
	p.EndTime = &now
	if p.StartTime != nil {
		p.DurationSecs = now.Sub(*p.StartTime).Seconds()
	}
}

// maybeFinishRunLocked finalises the run once no pair is pending or running.
// Must be called with t.mu held.
func (t *Tracker) maybeFinishRunLocked(run *Run) {
	completed, running, pending, failed := run.Counts()
	if running > 0 || pending > 0 {
		return
	}
	now := time.Now()
	run.EndTime = &now
	if failed > 0 {
		run.Status = StatusFailed
	} else {
		run.Status = StatusCompleted
	}
	t.logger.Info("Run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"completed", completed,
		"failed", failed,
		"elapsed_secs", run.ElapsedSeconds(),
	)
}

func snapshot(run *Run) *Run {
	cp := *run
	cp.Pairs = make([]PairState, len(run.Pairs))
	copy(cp.Pairs, run.Pairs)
	return &cp
}

// GetRun returns a snapshot of the run with the given ID, or nil if not found.
func (t *Tracker) GetRun(runID string) *Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return nil
	}
	return snapshot(run)
}

// ListRuns returns snapshots of all runs, newest first. Empty filters match
// everything; limit <= 0 means no limit.
func (t *Tracker) ListRuns(statusFilter RunStatus, strategyFilter string, limit int) []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, 0, len(t.runs))
	for _, run := range t.runs {
		if statusFilter != "" && run.Status != statusFilter {
			continue
		}
		if strategyFilter != "" && run.SignalStrategyID != strategyFilter {
			continue
		}
		result = append(result, snapshot(run))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.After(result[j].StartTime) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
