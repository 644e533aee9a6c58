package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convexfund/cbsearch/internal/config"
	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/catalog"
	"github.com/convexfund/cbsearch/internal/modules/objective"
	"github.com/convexfund/cbsearch/internal/modules/space"
	"github.com/convexfund/cbsearch/internal/modules/trials"
)

// sumScorer scores a combination as the weight sum of ascending factors
// minus the weight sum of descending ones. Deterministic given the
// combination, so fixed-seed runs are fully reproducible.
type sumScorer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *sumScorer) Score(ctx context.Context, combo *backtest.Combination, window backtest.Window) (float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}

	var score float64
	for _, f := range combo.Factors {
		if f.Ascending {
			score += float64(f.Weight)
		} else {
			score -= float64(f.Weight)
		}
	}
	return score, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.Definition{
		FactorPool: []string{"f1", "f2", "f3", "f4", "f5"},
		InvestmentStrategies: map[string]catalog.StrategyDefinition{
			"A": {CoreFactors: []string{"f1", "f2", "f3"}},
			"B": {CoreFactors: []string{"f3", "f4", "f5"}},
		},
		CombinationRules: catalog.CombinationRulesDefinition{
			MinCoreFactors:  2,
			MaxMixedFactors: 4,
		},
	})
	require.NoError(t, err)
	return cat
}

func testRunner(t *testing.T, scorer backtest.Scorer, store TrialStore, cfg RunConfig) *Runner {
	t.Helper()
	cat := testCatalog(t)
	obj := objective.New(
		objective.NewDecoder(cat),
		scorer,
		backtest.Window{StartDate: "20220729", EndDate: "20250328", PriceMin: 100, PriceMax: 150, HoldNum: 5},
		time.Second,
		zerolog.Nop(),
	)
	return NewRunner(cfg, space.New(cat), obj, store, zerolog.Nop())
}

func baseConfig(runID string) RunConfig {
	return RunConfig{
		RunID:            runID,
		Seed:             42,
		TrialsPhase1:     50,
		TrialsPhase2:     20,
		TopN:             5,
		Workers:          1,
		ExplorationRatio: 0.30,
		ErrorPolicy:      config.PolicySkip,
	}
}

func TestRunner_DeterministicWithFixedSeed(t *testing.T) {
	runOnce := func(runID string) (*Result, []*trials.Record) {
		store := trials.NewMemoryStore()
		runner := testRunner(t, &sumScorer{}, store, baseConfig(runID))
		res, err := runner.Run(context.Background())
		require.NoError(t, err)
		records, err := store.ReadAll(runID)
		require.NoError(t, err)
		return res, records
	}

	resA, recordsA := runOnce("run-a")
	resB, recordsB := runOnce("run-b")

	assert.Equal(t, resA.Best.ID, resB.Best.ID)
	assert.InDelta(t, resA.Best.Score, resB.Best.Score, 1e-12)
	assert.Equal(t, resA.Summary.Scored, resB.Summary.Scored)
	assert.Equal(t, resA.Summary.Pruned, resB.Summary.Pruned)

	require.Equal(t, len(recordsA), len(recordsB))
	for i := range recordsA {
		assert.Equal(t, recordsA[i].ID, recordsB[i].ID)
		assert.Equal(t, recordsA[i].State, recordsB[i].State)
		assert.InDelta(t, recordsA[i].Score, recordsB[i].Score, 1e-12)
		assert.Equal(t, recordsA[i].Params.PrimaryStrategy, recordsB[i].Params.PrimaryStrategy)
	}
}

func TestRunner_CountsAndSummary(t *testing.T) {
	store := trials.NewMemoryStore()
	runner := testRunner(t, &sumScorer{}, store, baseConfig("run-1"))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, trials.RunStatusFinished, s.Status)
	assert.Equal(t, 70, s.TrialsTotal)
	assert.Equal(t, 70, s.Scored+s.Pruned+s.Errored)
	assert.Greater(t, s.Scored, 0)
	assert.Equal(t, res.Best.ID, s.BestTrialID)
	assert.False(t, s.FinishedAt.IsZero())

	stored, err := store.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, trials.RunStatusFinished, stored.Status)
	assert.Equal(t, s.BestScore, stored.BestScore)

	records, err := store.ReadAll("run-1")
	require.NoError(t, err)
	assert.Len(t, records, 70)

	// Trial ids continue across phases without overlap.
	seen := map[int]bool{}
	for _, rec := range records {
		assert.False(t, seen[rec.ID])
		seen[rec.ID] = true
		if rec.ID < 50 {
			assert.Equal(t, 1, rec.Phase)
		} else {
			assert.Equal(t, 2, rec.Phase)
		}
	}
}

func TestRunner_BestFollowsStageComparison(t *testing.T) {
	store := trials.NewMemoryStore()
	runner := testRunner(t, &sumScorer{}, store, baseConfig("run-1"))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	records, err := store.ReadAll("run-1")
	require.NoError(t, err)
	var phase1, phase2 []*trials.Record
	for _, rec := range records {
		if rec.Phase == 1 {
			phase1 = append(phase1, rec)
		} else {
			phase2 = append(phase2, rec)
		}
	}
	p1, p2 := selectBest(phase1), selectBest(phase2)
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	// Refined result wins unless exploration beat it by more than the
	// tolerance.
	want := p2
	if p1.Score-p2.Score >= scoreTolerance {
		want = p1
	}
	assert.Equal(t, want.ID, res.Best.ID)
	assert.Equal(t, want.Score, res.Best.Score)
	assert.Equal(t, trials.StateScored, res.Best.State)
}

func TestChooseBest_RefinedWinsEffectiveTies(t *testing.T) {
	r := &Runner{log: zerolog.Nop()}
	p1 := &trials.Record{ID: 3, Phase: 1, State: trials.StateScored, Score: 0.25}

	tied := &trials.Record{ID: 60, Phase: 2, State: trials.StateScored, Score: 0.25}
	assert.Equal(t, tied, r.chooseBest(p1, tied))

	within := &trials.Record{ID: 61, Phase: 2, State: trials.StateScored, Score: 0.25 - 0.5*scoreTolerance}
	assert.Equal(t, within, r.chooseBest(p1, within))

	worse := &trials.Record{ID: 62, Phase: 2, State: trials.StateScored, Score: 0.2}
	assert.Equal(t, p1, r.chooseBest(p1, worse))

	better := &trials.Record{ID: 63, Phase: 2, State: trials.StateScored, Score: 0.3}
	assert.Equal(t, better, r.chooseBest(p1, better))
}

func TestRunner_PruningIsolation(t *testing.T) {
	store := trials.NewMemoryStore()
	runner := testRunner(t, &sumScorer{}, store, baseConfig("run-1"))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.Findings.Top)
	for _, rec := range res.Findings.Top {
		assert.Equal(t, trials.StateScored, rec.State)
	}
	assert.NotEqual(t, trials.StatePruned, res.Best.State)
}

func TestRunner_FailsFastWhenNothingScores(t *testing.T) {
	store := trials.NewMemoryStore()
	scorer := &sumScorer{err: &backtest.ScoringError{Op: "score", Err: errors.New("service down")}}
	runner := testRunner(t, scorer, store, baseConfig("run-1"))

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero scored trials")

	stored, err := store.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, trials.RunStatusFailed, stored.Status)
}

func TestRunner_FailPolicyAbortsOnFirstScoringError(t *testing.T) {
	store := trials.NewMemoryStore()
	scorer := &sumScorer{err: &backtest.ScoringError{Op: "score", Err: errors.New("service down")}}
	cfg := baseConfig("run-1")
	cfg.ErrorPolicy = config.PolicyFail
	runner := testRunner(t, scorer, store, cfg)

	_, err := runner.Run(context.Background())
	require.Error(t, err)

	var se *backtest.ScoringError
	assert.True(t, errors.As(err, &se))

	records, readErr := store.ReadAll("run-1")
	require.NoError(t, readErr)
	assert.Less(t, len(records), 70, "the run stopped before finishing both phases")
}

func TestRunner_ContextCancellation(t *testing.T) {
	store := trials.NewMemoryStore()
	runner := testRunner(t, &sumScorer{}, store, baseConfig("run-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx)
	require.Error(t, err)
}

func TestSelectBest_TieBreaksByEarliestID(t *testing.T) {
	records := []*trials.Record{
		{ID: 5, State: trials.StateScored, Score: 1.0},
		{ID: 2, State: trials.StateScored, Score: 1.0},
		{ID: 1, State: trials.StatePruned, Score: 99},
	}
	best := selectBest(records)
	require.NotNil(t, best)
	assert.Equal(t, 2, best.ID)
}
