// Command strategy-runner generates end-of-day signals, validates them at the
// next open, and backtests execution strategies against the validated signals.
//
// Usage:
//
//	strategy-runner strategies [-config file]
//	strategy-runner signals    [-config file] -start 2024-01-02 [-end 2024-01-31]
//	strategy-runner validate   [-config file] -start 2024-01-02 [-end 2024-01-31]
//	strategy-runner backtest   [-config file] [-strategy id] [-until date] [-workers n] [-export dir]
//	strategy-runner summary    [-config file] -run <run_id>
//	strategy-runner watch      [-config file] [-run id] [event_type ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matthew-holman/strategy-runner/internal/config"
)

const version = "0.1.0"

type command struct {
	name string
	help string
	run  func(ctx context.Context, args []string) error
}

var commands = []command{
	{"strategies", "Load and list signal and execution strategies", runStrategies},
	{"signals", "Pick end-of-day signals for a date range", runSignals},
	{"validate", "Validate stored signals at the next open", runValidate},
	{"backtest", "Backtest active signal strategies", runBacktest},
	{"summary", "Print per-execution-strategy statistics for a run", runSummary},
	{"watch", "Print backtest events from the Redis bus", runWatch},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: strategy-runner <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s%s\n", c.name, c.help)
	}
	fmt.Fprintf(os.Stderr, "  %-11s%s\n\n", "version", "Print the version")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "version" {
		fmt.Printf("strategy-runner %s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, os.Args[2:]); err != nil {
			slog.Error("Command failed", "command", name, "error", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", name)
	usage()
	os.Exit(1)
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
