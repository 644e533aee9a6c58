package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/space"
	"github.com/convexfund/cbsearch/internal/modules/trials"
)

func scoredRecord(id int, score float64, strategy string, mixed bool, factors ...backtest.RankedFactor) *trials.Record {
	return &trials.Record{
		ID:    id,
		State: trials.StateScored,
		Score: score,
		Params: &space.TrialParameters{
			TrialID:         id,
			PrimaryStrategy: strategy,
			UseMixed:        mixed,
		},
		Combination: &backtest.Combination{
			PrimaryStrategy: strategy,
			Mixed:           mixed,
			Factors:         factors,
		},
	}
}

func TestAnalyze_TopNSelectionAndTieBreak(t *testing.T) {
	var records []*trials.Record
	for i := 0; i < 20; i++ {
		records = append(records, scoredRecord(i, float64(i%10)*0.01, "value", false))
	}

	f := Analyze(records, 5)
	require.Len(t, f.Top, 5)

	// Scores 0.09 appear twice (ids 9 and 19), 0.08 twice (8, 18): the five
	// best are 9, 19, 8, 18, then the earlier of the 0.07 pair.
	ids := make([]int, len(f.Top))
	for i, rec := range f.Top {
		ids[i] = rec.ID
	}
	assert.Equal(t, []int{9, 19, 8, 18, 7}, ids)
}

func TestAnalyze_PrunedAndErroredExcluded(t *testing.T) {
	records := []*trials.Record{
		scoredRecord(0, 0.1, "value", false),
		{ID: 1, State: trials.StatePruned, Score: 99, Params: &space.TrialParameters{TrialID: 1, PrimaryStrategy: "value"}},
		{ID: 2, State: trials.StateErrored, Score: 99, Params: &space.TrialParameters{TrialID: 2, PrimaryStrategy: "value"}},
		scoredRecord(3, 0.2, "momentum", false),
	}

	f := Analyze(records, 10)
	require.Len(t, f.Top, 2)
	assert.Equal(t, 3, f.Top[0].ID)
	assert.Equal(t, 0, f.Top[1].ID)
}

func TestAnalyze_Empty(t *testing.T) {
	f := Analyze(nil, 5)
	assert.Empty(t, f.Top)
	assert.InDelta(t, 0.5, f.MixedTendency, 1e-9)
	assert.Empty(t, f.StrategyPreferences)
}

func TestAnalyze_StrategyPreferences(t *testing.T) {
	// 6 of 10 top trials use "value": share 0.6 > 0.4, bias min(1.2, 0.8).
	var records []*trials.Record
	for i := 0; i < 6; i++ {
		records = append(records, scoredRecord(i, 0.5-float64(i)*0.01, "value", true))
	}
	for i := 6; i < 9; i++ {
		records = append(records, scoredRecord(i, 0.2, "momentum", false))
	}
	records = append(records, scoredRecord(9, 0.1, "liquidity", false))

	f := Analyze(records, 10)

	assert.InDelta(t, 0.8, f.StrategyPreferences["value"], 1e-9)
	assert.NotContains(t, f.StrategyPreferences, "momentum", "30% share is below the threshold")
	assert.NotContains(t, f.StrategyPreferences, "liquidity")
	assert.InDelta(t, 0.6, f.MixedTendency, 1e-9)
	assert.InDelta(t, 0.2, f.StrategyMeans["momentum"], 1e-9)
}

func TestAnalyze_WeightGuidance(t *testing.T) {
	// "stable" keeps weight 4 across the top; "noisy" swings 1..5.
	var records []*trials.Record
	noisy := []int{1, 5, 1, 5, 1}
	for i := 0; i < 5; i++ {
		records = append(records, scoredRecord(i, 0.5-float64(i)*0.01, "value", false,
			backtest.RankedFactor{Name: "stable", Weight: 4, Ascending: true, Source: backtest.SourcePrimary},
			backtest.RankedFactor{Name: "noisy", Weight: noisy[i], Ascending: true, Source: backtest.SourcePrimary},
		))
	}

	f := Analyze(records, 5)

	g, ok := f.WeightGuidance["stable"]
	require.True(t, ok)
	assert.InDelta(t, 4.0, g.PreferredWeight, 1e-9)
	assert.InDelta(t, 1.0, g.Confidence, 1e-9, "5 samples caps confidence")

	assert.NotContains(t, f.WeightGuidance, "noisy", "unstable weights give no guidance")
	assert.InDelta(t, 1.0, f.FactorInclusion["stable"], 1e-9)
}

func TestAnalyze_WeightGuidanceNeedsSamples(t *testing.T) {
	// "rare" appears in only 2 of 5 top combinations.
	var records []*trials.Record
	for i := 0; i < 5; i++ {
		factors := []backtest.RankedFactor{
			{Name: "common", Weight: 3, Ascending: true, Source: backtest.SourcePrimary},
		}
		if i < 2 {
			factors = append(factors, backtest.RankedFactor{Name: "rare", Weight: 3, Ascending: true, Source: backtest.SourceAuxiliary})
		}
		records = append(records, scoredRecord(i, 0.5-float64(i)*0.01, "value", false, factors...))
	}

	f := Analyze(records, 5)
	assert.Contains(t, f.WeightGuidance, "common")
	assert.NotContains(t, f.WeightGuidance, "rare")
	assert.InDelta(t, 0.4, f.FactorInclusion["rare"], 1e-9)
}

func TestAnalyze_DirectionGuidance(t *testing.T) {
	// "up" ascends in 4 of 5 (ratio 0.8 > 0.7); "split" ascends in 3 of 5
	// (ratio 0.6, inside the dead zone); "down" never ascends.
	var records []*trials.Record
	for i := 0; i < 5; i++ {
		records = append(records, scoredRecord(i, 0.5-float64(i)*0.01, "value", false,
			backtest.RankedFactor{Name: "up", Weight: 3, Ascending: i != 0, Source: backtest.SourcePrimary},
			backtest.RankedFactor{Name: "split", Weight: 3, Ascending: i < 3, Source: backtest.SourcePrimary},
			backtest.RankedFactor{Name: "down", Weight: 3, Ascending: false, Source: backtest.SourcePrimary},
		))
	}

	f := Analyze(records, 5)

	up, ok := f.DirectionGuidance["up"]
	require.True(t, ok)
	assert.True(t, up.Ascending)
	assert.InDelta(t, 0.6, up.Confidence, 1e-9)

	assert.NotContains(t, f.DirectionGuidance, "split")

	down, ok := f.DirectionGuidance["down"]
	require.True(t, ok)
	assert.False(t, down.Ascending)
	assert.InDelta(t, 1.0, down.Confidence, 1e-9)
}

func TestAnalyze_TooFewSamplesForGuidance(t *testing.T) {
	records := []*trials.Record{
		scoredRecord(0, 0.5, "value", true,
			backtest.RankedFactor{Name: "f1", Weight: 4, Ascending: true, Source: backtest.SourcePrimary}),
		scoredRecord(1, 0.4, "value", true,
			backtest.RankedFactor{Name: "f1", Weight: 4, Ascending: true, Source: backtest.SourcePrimary}),
	}

	f := Analyze(records, 5)
	assert.Empty(t, f.StrategyPreferences)
	assert.Empty(t, f.WeightGuidance)
	assert.Empty(t, f.DirectionGuidance)
	assert.InDelta(t, 0.5, f.MixedTendency, 1e-9, "tendency stays at the default")
	assert.NotEmpty(t, f.StrategyMeans, "means are plain aggregates, always computed")
}

func TestAnalyze_Deterministic(t *testing.T) {
	var records []*trials.Record
	for i := 0; i < 12; i++ {
		records = append(records, scoredRecord(i, float64((i*7)%5)*0.1, fmt.Sprintf("s%d", i%3), i%2 == 0,
			backtest.RankedFactor{Name: "f1", Weight: 1 + i%5, Ascending: i%2 == 0, Source: backtest.SourcePrimary}))
	}

	a := Analyze(records, 6)
	b := Analyze(records, 6)
	assert.Equal(t, a, b)
}
