package backtest

import (
	"time"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// DefaultChunkDays is the span of one signal fetch and persistence batch.
const DefaultChunkDays = 365

// Chunk is a half-open date range [Start, End).
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls inside the chunk.
func (c Chunk) Contains(d time.Time) bool {
	d = types.Day(d)
	return !d.Before(c.Start) && d.Before(c.End)
}

// Chunks splits the calendar days floor..until (both inclusive) into
// consecutive chunks of at most days days. Returns nil when until is before
// floor.
func Chunks(floor, until time.Time, days int) []Chunk {
	if days < 1 {
		days = DefaultChunkDays
	}
	start := types.Day(floor)
	stop := types.Day(until).AddDate(0, 0, 1)

	var out []Chunk
	for start.Before(stop) {
		end := start.AddDate(0, 0, days)
		if end.After(stop) {
			end = stop
		}
		out = append(out, Chunk{Start: start, End: end})
		start = end
	}
	return out
}
