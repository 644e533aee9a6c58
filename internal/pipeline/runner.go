// Package pipeline sequences the two-phase search: explore, analyze,
// refine, then report the global best across both phases.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/convexfund/cbsearch/internal/config"
	"github.com/convexfund/cbsearch/internal/modules/analysis"
	"github.com/convexfund/cbsearch/internal/modules/objective"
	"github.com/convexfund/cbsearch/internal/modules/refine"
	"github.com/convexfund/cbsearch/internal/modules/space"
	"github.com/convexfund/cbsearch/internal/modules/trials"
)

// Phase-two samplers run on their own seed stream.
const phaseTwoSeedOffset = 50_000_017

// Scores within this distance count as comparable when the phases are
// compared.
const scoreTolerance = 1e-4

// TrialStore is the append-only persistence the runner writes through.
// Satisfied by trials.Repository and trials.MemoryStore.
type TrialStore interface {
	Append(rec *trials.Record) error
	ReadAll(runID string) ([]*trials.Record, error)
	SaveRun(run *trials.RunSummary) error
}

// RunConfig are the per-run knobs.
type RunConfig struct {
	RunID            string
	Seed             int64
	TrialsPhase1     int
	TrialsPhase2     int
	TopN             int
	Workers          int
	ExplorationRatio float64
	ErrorPolicy      config.ScorerErrorPolicy
}

// Result is the outcome of a completed run.
type Result struct {
	Summary  *trials.RunSummary
	Best     *trials.Record
	Findings *analysis.Findings
}

// Runner executes one complete search run.
type Runner struct {
	cfg   RunConfig
	space *space.Space
	obj   *objective.Objective
	store TrialStore
	log   zerolog.Logger
}

// NewRunner creates a runner. A missing RunID gets a fresh UUID.
func NewRunner(cfg RunConfig, s *space.Space, obj *objective.Objective, store TrialStore, log zerolog.Logger) *Runner {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:   cfg,
		space: s,
		obj:   obj,
		store: store,
		log:   log.With().Str("component", "runner").Str("run_id", cfg.RunID).Logger(),
	}
}

// Run executes phase one, analyzes it, executes phase two, and reports the
// global best. Fails fast if either phase yields zero scored trials.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	summary := &trials.RunSummary{
		RunID:       r.cfg.RunID,
		Status:      trials.RunStatusRunning,
		Seed:        r.cfg.Seed,
		Window:      r.obj.Window(),
		BestTrialID: -1,
		StartedAt:   time.Now(),
	}
	if err := r.store.SaveRun(summary); err != nil {
		return nil, err
	}

	r.log.Info().
		Int("trials_phase1", r.cfg.TrialsPhase1).
		Int("trials_phase2", r.cfg.TrialsPhase2).
		Int("workers", r.cfg.Workers).
		Int64("seed", r.cfg.Seed).
		Msg("Starting search run")
	logMemory(r.log, "run_start")

	phase1, err := r.runPhase(ctx, 1, space.NewTPESampler(r.cfg.Seed, 0), 0, r.cfg.TrialsPhase1)
	if err != nil {
		return nil, r.fail(summary, fmt.Errorf("phase one: %w", err))
	}
	if phase1.scored == 0 {
		return nil, r.fail(summary, fmt.Errorf("phase one produced zero scored trials out of %d", len(phase1.records)))
	}
	logMemory(r.log, "phase1_done")

	findings := analysis.Analyze(phase1.records, r.cfg.TopN)
	r.log.Info().
		Int("top", len(findings.Top)).
		Interface("strategy_preferences", findings.StrategyPreferences).
		Float64("mixed_tendency", findings.MixedTendency).
		Int("weight_guidance", len(findings.WeightGuidance)).
		Int("direction_guidance", len(findings.DirectionGuidance)).
		Msg("Phase one findings")

	guided := refine.NewGuidedSampler(
		space.NewTPESampler(r.cfg.Seed+phaseTwoSeedOffset, 0),
		findings,
		r.cfg.ExplorationRatio,
		r.cfg.Seed,
		r.log,
	)
	phase2, err := r.runPhase(ctx, 2, guided, r.cfg.TrialsPhase1, r.cfg.TrialsPhase2)
	if err != nil {
		return nil, r.fail(summary, fmt.Errorf("phase two: %w", err))
	}
	if phase2.scored == 0 {
		return nil, r.fail(summary, fmt.Errorf("phase two produced zero scored trials out of %d", len(phase2.records)))
	}
	logMemory(r.log, "phase2_done")

	all := append(append([]*trials.Record(nil), phase1.records...), phase2.records...)
	best := r.chooseBest(selectBest(phase1.records), selectBest(phase2.records))

	summary.Status = trials.RunStatusFinished
	summary.TrialsTotal = len(all)
	summary.Scored = phase1.scored + phase2.scored
	summary.Pruned = phase1.pruned + phase2.pruned
	summary.Errored = phase1.errored + phase2.errored
	summary.BestTrialID = best.ID
	summary.BestScore = best.Score
	summary.BestPhase = best.Phase
	summary.FinishedAt = time.Now()
	if err := r.store.SaveRun(summary); err != nil {
		return nil, err
	}

	r.log.Info().
		Int("best_trial", best.ID).
		Float64("best_cagr", best.Score).
		Int("best_phase", best.Phase).
		Int("scored", summary.Scored).
		Int("pruned", summary.Pruned).
		Int("errored", summary.Errored).
		Msg("Search run finished")

	return &Result{Summary: summary, Best: best, Findings: findings}, nil
}

func (r *Runner) fail(summary *trials.RunSummary, err error) error {
	r.log.Error().Err(err).Msg("Search run failed")
	summary.Status = trials.RunStatusFailed
	summary.FinishedAt = time.Now()
	if saveErr := r.store.SaveRun(summary); saveErr != nil {
		r.log.Error().Err(saveErr).Msg("Failed to persist failed run summary")
	}
	return err
}

type phaseResult struct {
	records []*trials.Record
	scored  int
	pruned  int
	errored int
}

// runPhase evaluates count trials starting at firstID across the worker
// pool. Trial ids continue across phases, so both RNG streams and stored
// records stay disjoint.
func (r *Runner) runPhase(ctx context.Context, phase int, sampler space.Sampler, firstID, count int) (*phaseResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		res      phaseResult
		firstErr error
	)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				rec, err := r.runTrial(ctx, phase, sampler, id)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
				mu.Lock()
				res.records = append(res.records, rec)
				switch rec.State {
				case trials.StateScored:
					res.scored++
				case trials.StatePruned:
					res.pruned++
				case trials.StateErrored:
					res.errored++
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for id := firstID; id < firstID+count; id++ {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(res.records, func(i, j int) bool { return res.records[i].ID < res.records[j].ID })
	r.log.Info().
		Int("phase", phase).
		Int("scored", res.scored).
		Int("pruned", res.pruned).
		Int("errored", res.errored).
		Msg("Phase complete")
	return &res, nil
}

// runTrial samples, evaluates, and records one trial. Only scored trials
// feed the sampler's posterior. A non-timeout scoring error either marks
// the trial errored or aborts the phase, per policy.
func (r *Runner) runTrial(ctx context.Context, phase int, sampler space.Sampler, id int) (*trials.Record, error) {
	params, err := sampler.Sample(id, r.space)
	if err != nil {
		return nil, fmt.Errorf("trial %d: sampling failed: %w", id, err)
	}

	rec := &trials.Record{
		ID:        id,
		RunID:     r.cfg.RunID,
		Phase:     phase,
		Guided:    params.Guided,
		Params:    params,
		CreatedAt: time.Now(),
	}

	score, combo, err := r.obj.Evaluate(ctx, params)
	switch {
	case err == nil:
		rec.State = trials.StateScored
		rec.Score = score
		rec.Combination = combo
	case errors.Is(err, objective.ErrTrialPruned):
		rec.State = trials.StatePruned
		rec.PruneReason = err.Error()
		rec.Combination = combo
	default:
		if r.cfg.ErrorPolicy == config.PolicyFail {
			return nil, fmt.Errorf("trial %d: %w", id, err)
		}
		r.log.Warn().Int("trial", id).Err(err).Msg("Scoring failed, skipping trial")
		rec.State = trials.StateErrored
		rec.PruneReason = err.Error()
		rec.Combination = combo
	}

	if err := r.store.Append(rec); err != nil {
		return nil, fmt.Errorf("trial %d: failed to persist: %w", id, err)
	}
	if rec.State == trials.StateScored {
		sampler.Observe(id, params, score)
	}
	return rec, nil
}

// selectBest returns the scored record with the highest score, earliest
// trial id on ties. Nil when nothing scored.
func selectBest(records []*trials.Record) *trials.Record {
	var best *trials.Record
	for _, rec := range records {
		if rec.State != trials.StateScored {
			continue
		}
		if best == nil ||
			rec.Score > best.Score ||
			(rec.Score == best.Score && rec.ID < best.ID) {
			best = rec
		}
	}
	return best
}

// chooseBest compares the phase winners. The refined result is kept on
// effective ties; exploration wins only when it beat refinement by more
// than the tolerance.
func (r *Runner) chooseBest(p1, p2 *trials.Record) *trials.Record {
	diff := p2.Score - p1.Score
	evt := r.log.Info().
		Float64("phase1_best", p1.Score).
		Float64("phase2_best", p2.Score).
		Float64("diff", diff)
	switch {
	case math.Abs(diff) < scoreTolerance:
		evt.Msg("Phases scored comparably, refined result kept")
		return p2
	case diff < 0:
		evt.Msg("Exploration best retained")
		return p1
	default:
		evt.Msg("Refinement improved on exploration")
		return p2
	}
}
