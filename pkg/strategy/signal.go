package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matthew-holman/strategy-runner/pkg/dsl"
	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// DefaultMaxSignalsPerDay applies when a strategy file omits max_signals_per_day.
const DefaultMaxSignalsPerDay = 5

// DefaultFilterColumns are read by the default end-of-day and at-open filters
// and are therefore required by every signal strategy.
var DefaultFilterColumns = []string{"close", "volume", "avg_vol_20d", "atr_14"}

// SignalStrategy selects and ranks end-of-day candidates.
type SignalStrategy struct {
	StrategyID            string               `json:"strategy_id" yaml:"strategy_id"`
	Name                  string               `json:"name" yaml:"name"`
	Active                bool                 `json:"active" yaml:"active"`
	SignalFilters         []dsl.FilterRule     `json:"signal_filters" yaml:"signal_filters"`
	ValidateAtOpenFilters []dsl.FilterRule     `json:"validate_at_open_filters" yaml:"validate_at_open_filters"`
	Ranking               []dsl.RankingFormula `json:"ranking" yaml:"ranking"`
	MaxSignalsPerDay      int                  `json:"max_signals_per_day" yaml:"max_signals_per_day"`
}

// ID returns the strategy identifier.
func (s *SignalStrategy) ID() string { return s.StrategyID }

// IsActive reports whether the strategy takes part in signal generation and backtests.
func (s *SignalStrategy) IsActive() bool { return s.Active }

// Validate checks the whole definition and reports every problem at once.
func (s *SignalStrategy) Validate() error {
	var errs []string
	if s.StrategyID == "" {
		errs = append(errs, "missing strategy_id")
	}
	if s.Name == "" {
		errs = append(errs, "missing name")
	}
	if s.MaxSignalsPerDay < 1 {
		errs = append(errs, fmt.Sprintf("max_signals_per_day must be >= 1, got %d", s.MaxSignalsPerDay))
	}
	errs = append(errs, prefixed("signal_filters", dsl.ValidateFilters(s.SignalFilters))...)
	errs = append(errs, prefixed("validate_at_open_filters", dsl.ValidateFilters(s.ValidateAtOpenFilters))...)
	errs = append(errs, dsl.ValidateRanking(s.Ranking)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: signal strategy %q: %s", types.ErrConfig, s.StrategyID, strings.Join(errs, "; "))
	}
	return nil
}

// RequiredEODColumns lists every column the end-of-day pass reads.
func (s *SignalStrategy) RequiredEODColumns() []string {
	return dsl.RequiredColumns(s.SignalFilters, s.Ranking, DefaultFilterColumns...)
}

// RequiredOpenColumns lists every column at-open validation reads.
func (s *SignalStrategy) RequiredOpenColumns() []string {
	return dsl.RequiredColumns(s.ValidateAtOpenFilters, s.Ranking, DefaultFilterColumns...)
}

// UnmarshalJSON applies defaults before decoding.
func (s *SignalStrategy) UnmarshalJSON(data []byte) error {
	type plain SignalStrategy
	p := plain{MaxSignalsPerDay: DefaultMaxSignalsPerDay}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SignalStrategy(p)
	return nil
}

// UnmarshalYAML applies defaults before decoding.
func (s *SignalStrategy) UnmarshalYAML(node *yaml.Node) error {
	type plain SignalStrategy
	p := plain{MaxSignalsPerDay: DefaultMaxSignalsPerDay}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = SignalStrategy(p)
	return nil
}

func prefixed(prefix string, errs []string) []string {
	for i, e := range errs {
		errs[i] = prefix + strings.TrimPrefix(e, "filters")
	}
	return errs
}
