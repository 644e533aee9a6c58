package space

import (
	"math/rand"
)

// trialSeedStride decorrelates per-trial RNG streams derived from one seed.
const trialSeedStride = 1_000_003

// Sampler draws a complete TrialParameters for a trial. Observe feeds back
// the objective value of a scored trial; pruned and errored trials are never
// observed, so they cannot pollute a history-based sampler's posterior.
//
// Sample must be safe for concurrent use by multiple workers.
type Sampler interface {
	Sample(trialID int, s *Space) (*TrialParameters, error)
	Observe(trialID int, params *TrialParameters, score float64)
}

// RandomSampler draws every parameter uniformly from its domain. Each trial
// uses an RNG derived from (seed, trialID), so draws are reproducible and
// independent of worker scheduling.
type RandomSampler struct {
	seed int64
}

// NewRandomSampler creates a seeded uniform sampler.
func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{seed: seed}
}

// Sample draws all parameters uniformly.
func (r *RandomSampler) Sample(trialID int, s *Space) (*TrialParameters, error) {
	rng := trialRNG(r.seed, trialID)
	return sampleUniform(rng, trialID, s), nil
}

// Observe is a no-op: uniform draws ignore history.
func (r *RandomSampler) Observe(int, *TrialParameters, float64) {}

func trialRNG(seed int64, trialID int) *rand.Rand {
	return rand.New(rand.NewSource(seed + int64(trialID)*trialSeedStride))
}

// sampleUniform fills a value for every declared parameter.
func sampleUniform(rng *rand.Rand, trialID int, s *Space) *TrialParameters {
	p := &TrialParameters{
		TrialID:           trialID,
		PrimaryStrategy:   s.strategies[rng.Intn(len(s.strategies))],
		UseMixed:          rng.Intn(2) == 1,
		SecondaryStrategy: s.strategies[rng.Intn(len(s.strategies))],
		EnableAuxiliary:   rng.Intn(2) == 1,
		Weights:           make(map[string]int, len(s.factors)),
		Ascending:         make(map[string]bool, len(s.factors)),
		EnableSecondary:   make(map[string]bool, len(s.factors)),
		EnableAux:         make(map[string]bool, len(s.factors)),
	}
	for _, f := range s.factors {
		p.Weights[f] = MinWeight + rng.Intn(MaxWeight-MinWeight+1)
		p.Ascending[f] = rng.Intn(2) == 1
		p.EnableSecondary[f] = rng.Intn(2) == 1
		p.EnableAux[f] = rng.Intn(2) == 1
	}
	return p
}
