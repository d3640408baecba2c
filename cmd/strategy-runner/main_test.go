package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/matthew-holman/strategy-runner/pkg/persistence"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

func TestParseRange(t *testing.T) {
	s, e, err := parseRange("2024-03-04", "")
	if err != nil || !s.Equal(e) || s.Format(types.DateLayout) != "2024-03-04" {
		t.Errorf("single day = %v..%v, %v", s, e, err)
	}

	s, e, err = parseRange("2024-03-01", "2024-03-31")
	if err != nil || e.Sub(s).Hours() != 30*24 {
		t.Errorf("range = %v..%v, %v", s, e, err)
	}

	if _, _, err := parseRange("", ""); !errors.Is(err, types.ErrConfig) {
		t.Errorf("missing start: %v", err)
	}
	if _, _, err := parseRange("2024-03-31", "2024-03-01"); !errors.Is(err, types.ErrConfig) {
		t.Errorf("reversed range: %v", err)
	}
	if _, _, err := parseRange("03/01/2024", ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	ctx := context.Background()
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, want := range cases {
		logger := setupLogger(name)
		if !logger.Enabled(ctx, want) {
			t.Errorf("%q: level %v should be enabled", name, want)
		}
		if want > slog.LevelDebug && logger.Enabled(ctx, want-4) {
			t.Errorf("%q: level below %v should be disabled", name, want)
		}
	}
}

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	err := printSummaries(&buf, []persistence.Summary{{
		ExecutionStrategyID: "atr_1_2",
		NumTrades:           2,
		NumSkipped:          1,
		ByExit:              map[types.ExitReason]int{types.ExitTarget: 1, types.ExitStop: 1},
		BySkip:              map[types.SkipReason]int{types.SkipMissingATR: 1},
		WinRate:             0.5,
		PnLMean:             1.25,
	}})
	if err != nil {
		t.Fatalf("print: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "EXECUTION") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	for _, want := range []string{"atr_1_2", "50.0", "1.25", "stop=1,target=1", "missing_atr=1"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
}

func TestFormatCountsEmpty(t *testing.T) {
	if got := formatCounts(map[types.SkipReason]int{}); got != "-" {
		t.Errorf("got %q, want -", got)
	}
}
