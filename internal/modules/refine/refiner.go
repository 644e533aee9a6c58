// Package refine implements the phase-two sampler: most trials get soft
// corrections toward the phase-one findings, the rest stay pure
// exploration. Corrections rewrite already-drawn values; the declared
// parameter space never changes.
package refine

import (
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/convexfund/cbsearch/internal/modules/analysis"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

// Per-trial RNG stream offsets. The guidance stream must not be the base
// sampler's stream, or corrections would be correlated with the draws they
// correct.
const guidanceSeedOffset = 104_729

// Correction probabilities.
const (
	// Mixed-strategy override when phase one leaned clearly one way.
	mixedHighProb = 0.67
	mixedLowProb  = 0.33
	// Direction override by guidance confidence.
	directionHighConfProb = 0.9
	directionMidConfProb  = 0.7
	// Confidence bands.
	highConfidence = 0.7
	midConfidence  = 0.4
	// Mixed-tendency bands.
	mixedTendencyHigh = 0.6
	mixedTendencyLow  = 0.4
)

// GuidedSampler wraps a base sampler and applies findings-driven soft
// corrections to a 1-explorationRatio share of its draws.
type GuidedSampler struct {
	base             space.Sampler
	findings         *analysis.Findings
	explorationRatio float64
	seed             int64
	log              zerolog.Logger
}

// NewGuidedSampler creates the phase-two sampler.
func NewGuidedSampler(base space.Sampler, findings *analysis.Findings, explorationRatio float64, seed int64, log zerolog.Logger) *GuidedSampler {
	return &GuidedSampler{
		base:             base,
		findings:         findings,
		explorationRatio: explorationRatio,
		seed:             seed,
		log:              log.With().Str("component", "refiner").Logger(),
	}
}

// Sample draws from the base sampler, then either returns the draw as pure
// exploration or applies guided corrections. The exploration decision comes
// first from a per-trial RNG, so the split is reproducible per trial id.
func (g *GuidedSampler) Sample(trialID int, s *space.Space) (*space.TrialParameters, error) {
	p, err := g.base.Sample(trialID, s)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(g.seed + guidanceSeedOffset + int64(trialID)*1_000_003))
	if rng.Float64() < g.explorationRatio {
		g.log.Debug().Int("trial", trialID).Msg("Exploration draw")
		return p, nil
	}

	g.correct(rng, s, p)
	p.Guided = true
	return p, nil
}

// Observe delegates to the base sampler with the effective parameters, so
// the posterior reflects what was actually evaluated.
func (g *GuidedSampler) Observe(trialID int, params *space.TrialParameters, score float64) {
	g.base.Observe(trialID, params, score)
}

// correct applies the soft corrections in place.
func (g *GuidedSampler) correct(rng *rand.Rand, s *space.Space, p *space.TrialParameters) {
	// Strategy re-pick: every strategy keeps base weight 1.0, preferred
	// ones gain their bias. Nothing is ever excluded.
	if len(g.findings.StrategyPreferences) > 0 {
		strategies := s.Strategies()
		weights := make([]float64, len(strategies))
		for i, name := range strategies {
			weights[i] = 1.0 + g.findings.StrategyPreferences[name]
		}
		p.PrimaryStrategy = strategies[weightedChoice(rng, weights)]
	}

	// Mixed-strategy tendency only kicks in when phase one leaned clearly.
	switch {
	case g.findings.MixedTendency > mixedTendencyHigh:
		p.UseMixed = rng.Float64() < mixedHighProb
	case g.findings.MixedTendency < mixedTendencyLow:
		p.UseMixed = rng.Float64() < mixedLowProb
	}

	for _, f := range s.Factors() {
		if wg, ok := g.findings.WeightGuidance[f]; ok {
			p.Weights[f] = guidedWeight(rng, wg)
		}
		if dg, ok := g.findings.DirectionGuidance[f]; ok {
			switch {
			case dg.Confidence > highConfidence:
				p.Ascending[f] = overrideDirection(rng, dg.Ascending, directionHighConfProb)
			case dg.Confidence > midConfidence:
				p.Ascending[f] = overrideDirection(rng, dg.Ascending, directionMidConfProb)
			}
		}
	}
}

// guidedWeight re-draws a weight near the preferred center. The band
// narrows as confidence grows; low confidence keeps the full domain.
func guidedWeight(rng *rand.Rand, wg analysis.WeightGuidance) int {
	lo, hi := space.MinWeight, space.MaxWeight

	var radius int
	switch {
	case wg.Confidence > highConfidence:
		radius = 1
	case wg.Confidence > midConfidence:
		radius = 2
	default:
		return lo + rng.Intn(hi-lo+1)
	}

	center := int(wg.PreferredWeight + 0.5)
	if center-radius > lo {
		lo = center - radius
	}
	if center+radius < hi {
		hi = center + radius
	}
	return lo + rng.Intn(hi-lo+1)
}

func overrideDirection(rng *rand.Rand, preferred bool, prob float64) bool {
	if rng.Float64() < prob {
		return preferred
	}
	return !preferred
}

func weightedChoice(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}
