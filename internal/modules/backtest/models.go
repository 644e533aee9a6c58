// Package backtest defines the factor combinations evaluated by the
// external backtest service and the HTTP client that scores them.
package backtest

import (
	"errors"
	"fmt"
)

// RankedFactor is one sort key of a combination: the factor name, its
// integer weight, its sort direction, and where it came from (primary core,
// secondary core, or auxiliary pool).
type RankedFactor struct {
	Name      string `json:"name"`
	Weight    int    `json:"weight"`
	Ascending bool   `json:"ascending"`
	Source    string `json:"source"`
}

// Factor sources.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
	SourceAuxiliary = "auxiliary"
)

// Combination is a fully decoded ranking configuration ready for scoring.
type Combination struct {
	PrimaryStrategy   string         `json:"primary_strategy"`
	SecondaryStrategy string         `json:"secondary_strategy,omitempty"`
	Mixed             bool           `json:"mixed"`
	Factors           []RankedFactor `json:"factors"`
}

// FactorNames returns the names of the selected factors in rank order.
func (c *Combination) FactorNames() []string {
	names := make([]string, len(c.Factors))
	for i, f := range c.Factors {
		names[i] = f.Name
	}
	return names
}

// Window is the fixed evaluation window and portfolio shape shared by every
// trial of a run.
type Window struct {
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	PriceMin  float64 `json:"price_min"`
	PriceMax  float64 `json:"price_max"`
	HoldNum   int     `json:"hold_num"`
}

// ScoringError wraps any failure to obtain a score from the backtest
// service. Timeout marks deadline expiries so callers can prune the trial
// instead of aborting the run.
type ScoringError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ScoringError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backtest %s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backtest %s: %v", e.Op, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a scoring timeout.
func IsTimeout(err error) bool {
	var se *ScoringError
	return errors.As(err, &se) && se.Timeout
}
