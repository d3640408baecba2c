// Package runtracker provides in-memory tracking of backtest run progress.
// A run covers one signal strategy; each active execution strategy is a pair
// inside it, simulated chunk by chunk.
package runtracker

import (
	"time"
)

// RunStatus represents the overall status of a backtest run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// PairStatus represents the status of one execution strategy within a run.
type PairStatus string

const (
	PairPending   PairStatus = "pending"
	PairRunning   PairStatus = "running"
	PairCompleted PairStatus = "completed"
	PairFailed    PairStatus = "failed"
)

// PairState tracks one (signal strategy, execution strategy) pair.
type PairState struct {
	ExecutionStrategyID string     `json:"execution_strategy_id"`
	Status              PairStatus `json:"status"`
	StartTime           *time.Time `json:"start_time"`
	EndTime             *time.Time `json:"end_time"`
	DurationSecs        float64    `json:"duration_seconds"`
	ChunksDone          int        `json:"chunks_done"`
	Trades              int        `json:"trades"`
	Skipped             int        `json:"skipped"`
	ErrorMessage        string     `json:"error_message,omitempty"`
}

// Run tracks the state of one backtest run.
type Run struct {
	RunID            string      `json:"run_id"`
	SignalStrategyID string      `json:"signal_strategy_id"`
	StartTime        time.Time   `json:"start_time"`
	EndTime          *time.Time  `json:"end_time"`
	Status           RunStatus   `json:"status"`
	Pairs            []PairState `json:"pairs"`
}

// Counts returns the number of completed, running, pending and failed pairs.
func (r *Run) Counts() (completed, running, pending, failed int) {
	for i := range r.Pairs {
		switch r.Pairs[i].Status {
		case PairCompleted:
			completed++
		case PairRunning:
			running++
		case PairPending:
			pending++
		case PairFailed:
			failed++
		}
	}
	return
}

// TotalTrades returns the trades persisted across all pairs.
func (r *Run) TotalTrades() int {
	total := 0
	for i := range r.Pairs {
		total += r.Pairs[i].Trades
	}
	return total
}

// TotalSkipped returns the skipped signals recorded across all pairs.
func (r *Run) TotalSkipped() int {
	total := 0
	for i := range r.Pairs {
		total += r.Pairs[i].Skipped
	}
	return total
}

// ProgressPercent returns the share of finished pairs (0-100).
func (r *Run) ProgressPercent() int {
	if len(r.Pairs) == 0 {
		return 0
	}
	completed, _, _, failed := r.Counts()
	return (completed + failed) * 100 / len(r.Pairs)
}

// ElapsedSeconds returns the number of seconds elapsed since the run started.
func (r *Run) ElapsedSeconds() float64 {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime).Seconds()
	}
	return time.Since(r.StartTime).Seconds()
}

// EstimatedRemainingSeconds extrapolates from the average duration of
// finished pairs.
func (r *Run) EstimatedRemainingSeconds() float64 {
	completed, running, pending, failed := r.Counts()
	done := completed + failed
	if done == 0 {
		return 0
	}
	avg := r.ElapsedSeconds() / float64(done)
	return avg * float64(pending+running)
}

// ETACompletion returns the estimated time of completion, or nil if not
// calculable.
func (r *Run) ETACompletion() *time.Time {
	remaining := r.EstimatedRemainingSeconds()
	if remaining <= 0 {
		return nil
	}
	eta := time.Now().Add(time.Duration(remaining * float64(time.Second)))
	return &eta
}
