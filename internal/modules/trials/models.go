// Package trials records every trial of a run, scored or not, and the
// per-run summaries built from them.
package trials

import (
	"time"

	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

// State is the terminal state of a trial.
type State string

const (
	// StateScored means the backtest service returned a real score.
	StateScored State = "scored"
	// StatePruned means the draw decoded to an invalid combination or the
	// scoring call timed out. Pruned trials carry no score.
	StatePruned State = "pruned"
	// StateErrored means scoring failed for a non-timeout reason and the
	// run policy chose to skip the trial.
	StateErrored State = "errored"
)

// Record is one finished trial. Params always holds the effective values
// the trial was evaluated with, including any guided corrections.
type Record struct {
	ID          int                    `json:"id"`
	RunID       string                 `json:"run_id"`
	Phase       int                    `json:"phase"`
	State       State                  `json:"state"`
	Score       float64                `json:"score"`
	PruneReason string                 `json:"prune_reason,omitempty"`
	Guided      bool                   `json:"guided"`
	Params      *space.TrialParameters `json:"params,omitempty"`
	Combination *backtest.Combination  `json:"combination,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Run statuses.
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// RunSummary is the persisted outcome of one search run.
type RunSummary struct {
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	Seed        int64           `json:"seed"`
	Window      backtest.Window `json:"window"`
	TrialsTotal int             `json:"trials_total"`
	Scored      int             `json:"scored"`
	Pruned      int             `json:"pruned"`
	Errored     int             `json:"errored"`
	BestTrialID int             `json:"best_trial_id"`
	BestScore   float64         `json:"best_score"`
	BestPhase   int             `json:"best_phase"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
