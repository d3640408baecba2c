package execution

// Outcome is the result of a closed trade.
type Outcome struct {
	PnLPercent float64
	RMultiple  float64
}

// ComputeOutcome returns the percent P&L and the R multiple, where one R is
// the distance from entry to stop. A non-positive risk yields R = 0.
func ComputeOutcome(entryPrice, exitPrice, stopPrice float64) Outcome {
	var out Outcome
	if entryPrice != 0 {
		out.PnLPercent = (exitPrice/entryPrice - 1) * 100
	}
	if risk := entryPrice - stopPrice; risk > 0 {
		out.RMultiple = (exitPrice - entryPrice) / risk
	}
	return out
}
