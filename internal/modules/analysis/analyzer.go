// Package analysis aggregates phase-one results into the findings that
// steer phase two. Pure functions over the recorded trial history.
package analysis

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/convexfund/cbsearch/internal/modules/trials"
)

// Guidance thresholds, carried over from the first production tuning of the
// two-phase search.
const (
	// A strategy must hold more than this share of the top trials before it
	// earns a selection bias.
	strategyShareThreshold = 0.4
	// Biases are capped so no strategy ever dominates guided draws.
	maxStrategyBias = 0.8
	// Weight guidance needs at least this many samples per factor.
	minFactorSamples = 3
	// Weight guidance is only emitted when the top performers roughly agree.
	maxWeightStdDev = 1.5
	// Direction guidance needs a clear majority.
	directionRatioHigh = 0.7
	directionRatioLow  = 0.3
)

// WeightGuidance is a soft preference for a factor's weight.
type WeightGuidance struct {
	PreferredWeight float64
	Confidence      float64
}

// DirectionGuidance is a soft preference for a factor's sort direction.
type DirectionGuidance struct {
	Ascending  bool
	Confidence float64
}

// Findings is the read-only summary of phase one that phase two consumes.
type Findings struct {
	// Top holds the topN scored trials, best first, ties broken by the
	// earliest trial id.
	Top []*trials.Record

	StrategyMeans       map[string]float64
	StrategyPreferences map[string]float64
	MixedTendency       float64
	FactorInclusion     map[string]float64
	WeightGuidance      map[string]WeightGuidance
	DirectionGuidance   map[string]DirectionGuidance
}

// Analyze ranks the scored trials and extracts aggregate statistics from
// the top N. Pruned and errored trials never contribute. Deterministic
// given identical input.
func Analyze(records []*trials.Record, topN int) *Findings {
	f := &Findings{
		StrategyMeans:       map[string]float64{},
		StrategyPreferences: map[string]float64{},
		MixedTendency:       0.5,
		FactorInclusion:     map[string]float64{},
		WeightGuidance:      map[string]WeightGuidance{},
		DirectionGuidance:   map[string]DirectionGuidance{},
	}

	var scored []*trials.Record
	for _, rec := range records {
		if rec.State == trials.StateScored {
			scored = append(scored, rec)
		}
	}
	if len(scored) == 0 {
		return f
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if topN > len(scored) {
		topN = len(scored)
	}
	f.Top = scored[:topN]

	strategyScores := map[string][]float64{}
	for _, rec := range f.Top {
		strategyScores[rec.Params.PrimaryStrategy] = append(strategyScores[rec.Params.PrimaryStrategy], rec.Score)
	}
	for name, scores := range strategyScores {
		f.StrategyMeans[name] = stat.Mean(scores, nil)
	}

	for _, rec := range f.Top {
		if rec.Combination == nil {
			continue
		}
		for _, factor := range rec.Combination.Factors {
			f.FactorInclusion[factor.Name]++
		}
	}
	for name := range f.FactorInclusion {
		f.FactorInclusion[name] /= float64(len(f.Top))
	}

	// Tendency and guidance statistics are only trustworthy with enough
	// samples: at least 3 trials or a quarter of the top list.
	minSamples := len(f.Top) / 4
	if minSamples < 3 {
		minSamples = 3
	}
	if len(f.Top) < minSamples {
		return f
	}

	var mixed int
	for name, scores := range strategyScores {
		share := float64(len(scores)) / float64(len(f.Top))
		if share > strategyShareThreshold {
			bias := share * 2
			if bias > maxStrategyBias {
				bias = maxStrategyBias
			}
			f.StrategyPreferences[name] = bias
		}
	}
	for _, rec := range f.Top {
		if rec.Params.UseMixed {
			mixed++
		}
	}
	f.MixedTendency = float64(mixed) / float64(len(f.Top))

	weights := map[string][]float64{}
	ascents := map[string][]bool{}
	for _, rec := range f.Top {
		if rec.Combination == nil {
			continue
		}
		for _, factor := range rec.Combination.Factors {
			weights[factor.Name] = append(weights[factor.Name], float64(factor.Weight))
			ascents[factor.Name] = append(ascents[factor.Name], factor.Ascending)
		}
	}

	for name, ws := range weights {
		if len(ws) < minFactorSamples {
			continue
		}
		if stat.StdDev(ws, nil) >= maxWeightStdDev {
			continue
		}
		confidence := float64(len(ws)) / 5.0
		if confidence > 1.0 {
			confidence = 1.0
		}
		f.WeightGuidance[name] = WeightGuidance{
			PreferredWeight: stat.Mean(ws, nil),
			Confidence:      confidence,
		}
	}

	for name, dirs := range ascents {
		if len(dirs) < minFactorSamples {
			continue
		}
		var up int
		for _, asc := range dirs {
			if asc {
				up++
			}
		}
		ratio := float64(up) / float64(len(dirs))
		if ratio <= directionRatioHigh && ratio >= directionRatioLow {
			continue
		}
		confidence := ratio - 0.5
		if confidence < 0 {
			confidence = -confidence
		}
		f.DirectionGuidance[name] = DirectionGuidance{
			Ascending:  ratio > 0.5,
			Confidence: confidence * 2,
		}
	}

	return f
}
