// Package events publishes backtest and signal lifecycle events on a Redis
// pub/sub bus so dashboards and downstream jobs can follow a run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	EventRunStarted       = "backtest_run_started"
	EventChunkPersisted   = "backtest_chunk_persisted"
	EventRunCompleted     = "backtest_run_completed"
	EventRunFailed        = "backtest_run_failed"
	EventSignalsGenerated = "signals_generated"
	EventSignalsValidated = "signals_validated"
)

// Source identifies this service on the bus.
const Source = "strategy-runner"

// Event is a message flowing through the bus. CorrelationID carries the
// backtest run id when there is one. Payload holds a RunPayload for the
// backtest_* types and a SignalsPayload for the signals_* types.
type Event struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// RunPayload describes a backtest run or one of its chunks.
type RunPayload struct {
	SignalStrategyID     string        `json:"signal_strategy_id,omitempty"`
	ExecutionStrategyIDs []string      `json:"execution_strategy_ids,omitempty"`
	ExecutionStrategyID  string        `json:"execution_strategy_id,omitempty"`
	ChunkStart           *time.Time    `json:"chunk_start,omitempty"`
	ChunkEnd             *time.Time    `json:"chunk_end,omitempty"`
	Trades               int           `json:"trades"`
	Skipped              int           `json:"skipped"`
	Summaries            []ExecSummary `json:"summaries,omitempty"`
	Error                string        `json:"error,omitempty"`
}

// ExecSummary is the headline result of one execution strategy in a run.
type ExecSummary struct {
	ExecutionStrategyID string  `json:"execution_strategy_id"`
	Trades              int     `json:"trades"`
	Skipped             int     `json:"skipped"`
	WinRate             float64 `json:"win_rate"`
	PnLMean             float64 `json:"pnl_mean"`
	RMean               float64 `json:"r_mean"`
}

// SignalsPayload reports a signal generation or validation pass over [Start, End].
type SignalsPayload struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Stored  int       `json:"stored,omitempty"`
	Passed  int       `json:"passed,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	Pending int       `json:"pending,omitempty"`
}

// New creates an event stamped with the current time. A nil payload leaves
// Payload empty.
func New(eventType, correlationID string, payload any) (*Event, error) {
	ev := &Event{
		EventType:     eventType,
		Source:        Source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.EventType, err)
	}
	return nil
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Nop discards every event. Used when no Redis address is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error { return nil }

// Marshal serializes an event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event from JSON bytes.
func UnmarshalEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshalling event JSON: %w", err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("event without event_type")
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}
