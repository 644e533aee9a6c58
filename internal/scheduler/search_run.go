package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/convexfund/cbsearch/internal/pipeline"
)

// SearchRunner runs one complete two-phase search. Satisfied by
// *pipeline.Runner.
type SearchRunner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// RunnerFactory builds a fresh runner for one search run. Each scheduled
// run gets its own run id and seed stream.
type RunnerFactory func(iteration int64) SearchRunner

// SearchRunJob launches a full two-phase search run. Overlapping
// invocations are skipped, not queued: a search run can take hours and a
// second concurrent run would just fight over the scorer.
type SearchRunJob struct {
	factory   RunnerFactory
	log       zerolog.Logger
	running   atomic.Bool
	iteration atomic.Int64
}

// NewSearchRunJob creates the job.
func NewSearchRunJob(factory RunnerFactory, log zerolog.Logger) *SearchRunJob {
	return &SearchRunJob{
		factory: factory,
		log:     log.With().Str("job", "search-run").Logger(),
	}
}

// Name implements Job.
func (j *SearchRunJob) Name() string {
	return "search-run"
}

// Run implements Job.
func (j *SearchRunJob) Run() error {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn().Msg("Previous search run still in progress, skipping")
		return nil
	}
	defer j.running.Store(false)

	iteration := j.iteration.Add(1)
	j.log.Info().Int64("iteration", iteration).Msg("Starting scheduled search run")

	runner := j.factory(iteration)
	result, err := runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("scheduled search run %d failed: %w", iteration, err)
	}

	j.log.Info().
		Int64("iteration", iteration).
		Str("run_id", result.Summary.RunID).
		Float64("best_cagr", result.Best.Score).
		Int("best_trial", result.Best.ID).
		Msg("Scheduled search run finished")
	return nil
}

// Running reports whether a run is currently in flight.
func (j *SearchRunJob) Running() bool {
	return j.running.Load()
}
