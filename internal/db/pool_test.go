package db

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/matthew-holman/strategy-runner/internal/config"
)

func TestOpenStoreSQLite(t *testing.T) {
	cfg := &config.Config{SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "runner.db")}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	trades, err := store.Trades(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("trades on migrated schema: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected empty store, got %d trades", len(trades))
	}
}
