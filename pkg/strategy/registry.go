// Package strategy loads signal and execution strategy definitions from a
// directory of JSON or YAML files into an immutable Registry.
//
// Each file holds one strategy and its file stem must equal the strategy_id.
// Any malformed file, stem mismatch or duplicate id fails the whole load.
package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Definition is implemented by SignalStrategy and ExecutionStrategy.
type Definition interface {
	ID() string
	IsActive() bool
	Validate() error
}

// Registry holds strategies keyed by id. It is read-only after loading and
// safe for concurrent use.
type Registry[T Definition] struct {
	byID  map[string]T
	order []string
}

// NewRegistry builds a registry from already decoded definitions, validating
// each and rejecting duplicate ids.
func NewRegistry[T Definition](defs ...T) (*Registry[T], error) {
	r := &Registry[T]{byID: make(map[string]T, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate strategy id %q", types.ErrConfig, d.ID())
		}
		r.byID[d.ID()] = d
		r.order = append(r.order, d.ID())
	}
	sort.Strings(r.order)
	return r, nil
}

// LoadSignalStrategies reads every *.json, *.yaml and *.yml file in dir.
func LoadSignalStrategies(dir string, logger *slog.Logger) (*Registry[*SignalStrategy], error) {
	return load(dir, func() *SignalStrategy { return &SignalStrategy{} }, logger)
}

// LoadExecutionStrategies reads every *.json, *.yaml and *.yml file in dir.
func LoadExecutionStrategies(dir string, logger *slog.Logger) (*Registry[*ExecutionStrategy], error) {
	return load(dir, func() *ExecutionStrategy { return &ExecutionStrategy{} }, logger)
}

func load[T Definition](dir string, newDef func() T, logger *slog.Logger) (*Registry[T], error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading strategy dir %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	defs := make([]T, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, name := range files {
		path := filepath.Join(dir, name)
		def := newDef()
		if err := decodeFile(path, def); err != nil {
			return nil, err
		}

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if def.ID() != stem {
			return nil, fmt.Errorf("%w: id mismatch: file %q declares strategy_id %q", types.ErrConfig, name, def.ID())
		}
		if prev, dup := seen[stem]; dup {
			return nil, fmt.Errorf("%w: duplicate strategy id %q in %s and %s", types.ErrConfig, stem, prev, name)
		}
		seen[stem] = name
		defs = append(defs, def)
	}

	r, err := NewRegistry(defs...)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded strategies", "dir", dir, "count", r.Len(), "active", len(r.Active()))
	return r, nil
}

func decodeFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, v)
	} else {
		err = yaml.Unmarshal(raw, v)
	}
	if err != nil {
		return fmt.Errorf("%w: decoding %s: %w", types.ErrConfig, filepath.Base(path), err)
	}
	return nil
}

// Get returns the strategy with the given id.
func (r *Registry[T]) Get(id string) (T, error) {
	d, ok := r.byID[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown strategy id %q", id)
	}
	return d, nil
}

// All returns every strategy sorted by id.
func (r *Registry[T]) All() []T {
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Active returns the active strategies sorted by id.
func (r *Registry[T]) Active() []T {
	var out []T
	for _, id := range r.order {
		if d := r.byID[id]; d.IsActive() {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of loaded strategies.
func (r *Registry[T]) Len() int {
	return len(r.byID)
}

// CheckColumns verifies that every column the signal strategies read exists
// in the known indicator column set.
func CheckColumns(r *Registry[*SignalStrategy], known []string) error {
	have := make(map[string]bool, len(known))
	for _, c := range known {
		have[c] = true
	}
	var missing []string
	for _, s := range r.All() {
		cols := append(s.RequiredEODColumns(), s.RequiredOpenColumns()...)
		for _, c := range cols {
			if !have[c] && !openOnlyColumn(c) {
				missing = append(missing, fmt.Sprintf("%s.%s", s.StrategyID, c))
			}
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		missing = slices.Compact(missing)
		return fmt.Errorf("%w: unknown indicator columns: %s", types.ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// openOnlyColumn reports columns attached at validation time rather than
// stored with the indicators.
func openOnlyColumn(c string) bool {
	switch c {
	case "next_open", "open", "early_volume":
		return true
	}
	return false
}
