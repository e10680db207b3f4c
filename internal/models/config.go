package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AllowedCountries is the country universe the engine may trade.
var AllowedCountries = []string{"GB", "IE", "ZA", "FR"}

// AllowedPointValues enumerates the legal point-value multipliers.
var AllowedPointValues = []int{1, 2, 5, 10, 20, 50}

// EngineConfig is the scheduler-wide, hot-swappable configuration. It is
// owned exclusively by the engine and mutated only via the control surface,
// between ticks.
type EngineConfig struct {
	DryRun               bool            `json:"dry_run"`
	PollIntervalSeconds  int             `json:"poll_interval_seconds"`
	ProcessWindowMinutes int             `json:"process_window_minutes"`
	Countries            []string        `json:"countries"`
	PointValue           decimal.Decimal `json:"point_value"`
	SpreadControlEnabled bool            `json:"spread_control_enabled"`
	JOFSEnabled          bool            `json:"jofs_enabled"`
	MinOdds              decimal.Decimal `json:"min_odds"`
	MaxLayOdds           decimal.Decimal `json:"max_lay_odds"`
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DryRun:               true,
		PollIntervalSeconds:  30,
		ProcessWindowMinutes: 12,
		Countries:            []string{"GB", "IE"},
		PointValue:           decimal.NewFromInt(1),
		SpreadControlEnabled: false,
		JOFSEnabled:          false,
		MinOdds:              decimal.NewFromFloat(2.0),
		MaxLayOdds:           decimal.NewFromFloat(50.0),
	}
}

// ValidateProcessWindow checks the pre-off window bound.
func ValidateProcessWindow(minutes int) error {
	if minutes < 1 || minutes > 60 {
		return fmt.Errorf("out_of_range: process window %d not in [1,60]", minutes)
	}
	return nil
}

// ValidatePointValue checks membership in the enumerated point-value set.
func ValidatePointValue(v int) error {
	for _, allowed := range AllowedPointValues {
		if v == allowed {
			return nil
		}
	}
	return fmt.Errorf("invalid_value: point value %d not in %v", v, AllowedPointValues)
}

// ValidateCountries checks for a non-empty subset of the allowed set.
func ValidateCountries(cs []string) error {
	if len(cs) == 0 {
		return fmt.Errorf("empty_set: at least one country required")
	}
	for _, c := range cs {
		ok := false
		for _, allowed := range AllowedCountries {
			if c == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid_value: country %q not in %v", c, AllowedCountries)
		}
	}
	return nil
}
