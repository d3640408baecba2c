package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/matthew-holman/strategy-runner/pkg/persistence"
)

func printSummaries(out io.Writer, sums []persistence.Summary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tTRADES\tSKIPPED\tWIN%\tPNL%\tSTD\tR\tBEST\tWORST\tHOLD\tEXITS\tSKIPS")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.1f\t%s\t%s\n",
			s.ExecutionStrategyID,
			s.NumTrades,
			s.NumSkipped,
			s.WinRate*100,
			s.PnLMean,
			s.PnLStd,
			s.RMean,
			s.MaxProfit,
			s.MaxDrawdown,
			s.BarsHeldAvg,
			formatCounts(s.ByExit),
			formatCounts(s.BySkip),
		)
	}
	return w.Flush()
}

// formatCounts renders a reason histogram as "a=1,b=2" in key order.
func formatCounts[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for k, n := range m {
		parts = append(parts, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
