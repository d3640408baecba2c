package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// EntryMode selects how a validated signal is entered.
type EntryMode string

const (
	// ImmediateAtOpen buys at the open of the first forward bar.
	ImmediateAtOpen EntryMode = "IMMEDIATE_AT_OPEN"
	// PercentUnderOpen places a limit a fixed percent below each bar's open
	// for up to ValidForBars bars.
	PercentUnderOpen EntryMode = "PERCENT_UNDER_OPEN"
)

// Valid reports whether m is a known entry mode.
func (m EntryMode) Valid() bool {
	return m == ImmediateAtOpen || m == PercentUnderOpen
}

// OffsetUnit is the unit a stop or target offset is expressed in.
type OffsetUnit string

const UnitATR OffsetUnit = "ATR"

// Offset is a distance from the entry price.
type Offset struct {
	Unit     OffsetUnit `json:"unit" yaml:"unit"`
	Multiple float64    `json:"multiple" yaml:"multiple"`
}

// EntryConfig configures entry resolution.
type EntryConfig struct {
	Mode             EntryMode `json:"mode" yaml:"mode"`
	PercentBelowOpen float64   `json:"percent_below_open,omitempty" yaml:"percent_below_open,omitempty"`
	ValidForBars     int       `json:"valid_for_bars,omitempty" yaml:"valid_for_bars,omitempty"`
}

// ExitConfig configures the protective stop and profit target.
type ExitConfig struct {
	StopOffset   Offset `json:"stop_offset" yaml:"stop_offset"`
	TargetOffset Offset `json:"target_offset" yaml:"target_offset"`
}

// ExecutionStrategy describes how a validated signal is traded.
type ExecutionStrategy struct {
	StrategyID  string      `json:"strategy_id" yaml:"strategy_id"`
	Version     int         `json:"version" yaml:"version"`
	Active      bool        `json:"active" yaml:"active"`
	Entry       EntryConfig `json:"entry" yaml:"entry"`
	Exit        ExitConfig  `json:"exit" yaml:"exit"`
	MaxHoldDays int         `json:"max_hold_days" yaml:"max_hold_days"`

	// ConservativeIntrabar resolves a bar that touches both stop and target
	// as a stop. ConservativeGap applies the gap rule on the entry bar.
	ConservativeIntrabar bool `json:"conservative_intrabar" yaml:"conservative_intrabar"`
	ConservativeGap      bool `json:"conservative_gap" yaml:"conservative_gap"`
}

// ID returns the strategy identifier.
func (s *ExecutionStrategy) ID() string { return s.StrategyID }

// IsActive reports whether the strategy takes part in backtests.
func (s *ExecutionStrategy) IsActive() bool { return s.Active }

// ForwardWindow is the number of bars after the signal date the strategy may
// need: the entry window plus the holding period.
func (s *ExecutionStrategy) ForwardWindow() int {
	wait := 1
	if s.Entry.Mode == PercentUnderOpen && s.Entry.ValidForBars > 1 {
		wait = s.Entry.ValidForBars
	}
	return wait + s.MaxHoldDays
}

// Validate checks the whole definition and reports every problem at once.
// A PERCENT_UNDER_OPEN entry with a non-positive percent or window is allowed;
// it simply never fills.
func (s *ExecutionStrategy) Validate() error {
	var errs []string
	if s.StrategyID == "" {
		errs = append(errs, "missing strategy_id")
	}
	if !s.Entry.Mode.Valid() {
		errs = append(errs, fmt.Sprintf("unknown entry mode %q", s.Entry.Mode))
	}
	errs = append(errs, validateOffset("stop_offset", s.Exit.StopOffset)...)
	errs = append(errs, validateOffset("target_offset", s.Exit.TargetOffset)...)
	if s.MaxHoldDays < 1 {
		errs = append(errs, fmt.Sprintf("max_hold_days must be >= 1, got %d", s.MaxHoldDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: execution strategy %q: %s", types.ErrConfig, s.StrategyID, strings.Join(errs, "; "))
	}
	return nil
}

func validateOffset(name string, o Offset) []string {
	var errs []string
	if o.Unit != UnitATR {
		errs = append(errs, fmt.Sprintf("%s: unknown unit %q", name, o.Unit))
	}
	if o.Multiple <= 0 {
		errs = append(errs, fmt.Sprintf("%s: multiple must be > 0", name))
	}
	return errs
}

func executionDefaults() ExecutionStrategy {
	return ExecutionStrategy{
		Entry:                EntryConfig{Mode: ImmediateAtOpen},
		Exit:                 ExitConfig{StopOffset: Offset{Unit: UnitATR}, TargetOffset: Offset{Unit: UnitATR}},
		ConservativeIntrabar: true,
		ConservativeGap:      true,
	}
}

// UnmarshalJSON applies defaults before decoding.
func (s *ExecutionStrategy) UnmarshalJSON(data []byte) error {
	type plain ExecutionStrategy
	p := plain(executionDefaults())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ExecutionStrategy(p)
	return nil
}

// UnmarshalYAML applies defaults before decoding.
func (s *ExecutionStrategy) UnmarshalYAML(node *yaml.Node) error {
	type plain ExecutionStrategy
	p := plain(executionDefaults())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = ExecutionStrategy(p)
	return nil
}
