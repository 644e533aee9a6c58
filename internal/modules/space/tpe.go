package space

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	defaultStartupTrials = 10
	defaultGamma         = 0.25
	defaultCandidates    = 24

	// Offsets the TPE RNG stream away from the uniform sampler's stream so
	// startup draws and refined draws for the same trial id differ.
	tpeSeedOffset = 7919
)

// TPESampler is a tree-structured Parzen estimator over the fixed parameter
// space. Observed trials are split into a "good" fraction (top gamma by
// score) and the rest; each parameter is drawn by sampling candidates from
// the good density and keeping the candidate with the best good/bad
// likelihood ratio. Until enough observations exist it falls back to
// uniform draws.
//
// Only scored trials are observed, so pruned trials never shape the
// posterior.
type TPESampler struct {
	seed          int64
	startupTrials int
	gamma         float64
	candidates    int

	mu      sync.Mutex
	history []observation
}

type observation struct {
	trialID int
	params  *TrialParameters
	score   float64
}

// NewTPESampler creates a seeded TPE sampler. startupTrials <= 0 selects
// the default.
func NewTPESampler(seed int64, startupTrials int) *TPESampler {
	if startupTrials <= 0 {
		startupTrials = defaultStartupTrials
	}
	return &TPESampler{
		seed:          seed,
		startupTrials: startupTrials,
		gamma:         defaultGamma,
		candidates:    defaultCandidates,
	}
}

// Observe records a scored trial.
func (t *TPESampler) Observe(trialID int, params *TrialParameters, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, observation{
		trialID: trialID,
		params:  params.Clone(),
		score:   score,
	})
}

// ObservationCount returns the number of scored trials seen so far.
func (t *TPESampler) ObservationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// Sample draws all parameters for the trial. The draw is deterministic
// given the sampler seed, the trial id, and the set of observations made so
// far (history is re-sorted by trial id, so worker completion order does
// not matter).
func (t *TPESampler) Sample(trialID int, s *Space) (*TrialParameters, error) {
	t.mu.Lock()
	hist := make([]observation, len(t.history))
	copy(hist, t.history)
	t.mu.Unlock()

	rng := trialRNG(t.seed+tpeSeedOffset, trialID)

	if len(hist) < t.startupTrials {
		return sampleUniform(rng, trialID, s), nil
	}

	sort.Slice(hist, func(i, j int) bool { return hist[i].trialID < hist[j].trialID })
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].score > hist[j].score })

	nGood := int(math.Ceil(t.gamma * float64(len(hist))))
	if nGood < 1 {
		nGood = 1
	}
	good, bad := hist[:nGood], hist[nGood:]

	p := &TrialParameters{
		TrialID:         trialID,
		Weights:         make(map[string]int, len(s.factors)),
		Ascending:       make(map[string]bool, len(s.factors)),
		EnableSecondary: make(map[string]bool, len(s.factors)),
		EnableAux:       make(map[string]bool, len(s.factors)),
	}

	p.PrimaryStrategy = t.suggestCategorical(rng, s.strategies,
		categoricalValues(good, func(o observation) string { return o.params.PrimaryStrategy }),
		categoricalValues(bad, func(o observation) string { return o.params.PrimaryStrategy }))
	p.UseMixed = t.suggestBool(rng,
		boolValues(good, func(o observation) bool { return o.params.UseMixed }),
		boolValues(bad, func(o observation) bool { return o.params.UseMixed }))
	p.SecondaryStrategy = t.suggestCategorical(rng, s.strategies,
		categoricalValues(good, func(o observation) string { return o.params.SecondaryStrategy }),
		categoricalValues(bad, func(o observation) string { return o.params.SecondaryStrategy }))
	p.EnableAuxiliary = t.suggestBool(rng,
		boolValues(good, func(o observation) bool { return o.params.EnableAuxiliary }),
		boolValues(bad, func(o observation) bool { return o.params.EnableAuxiliary }))

	for _, f := range s.factors {
		factor := f
		p.Weights[factor] = t.suggestInt(rng, MinWeight, MaxWeight,
			intValues(good, func(o observation) int { return o.params.Weights[factor] }),
			intValues(bad, func(o observation) int { return o.params.Weights[factor] }))
		p.Ascending[factor] = t.suggestBool(rng,
			boolValues(good, func(o observation) bool { return o.params.Ascending[factor] }),
			boolValues(bad, func(o observation) bool { return o.params.Ascending[factor] }))
		p.EnableSecondary[factor] = t.suggestBool(rng,
			boolValues(good, func(o observation) bool { return o.params.EnableSecondary[factor] }),
			boolValues(bad, func(o observation) bool { return o.params.EnableSecondary[factor] }))
		p.EnableAux[factor] = t.suggestBool(rng,
			boolValues(good, func(o observation) bool { return o.params.EnableAux[factor] }),
			boolValues(bad, func(o observation) bool { return o.params.EnableAux[factor] }))
	}

	return p, nil
}

// suggestInt draws candidates from the good Parzen mixture and keeps the
// one with the best good/bad likelihood ratio.
func (t *TPESampler) suggestInt(rng *rand.Rand, lo, hi int, good, bad []float64) int {
	if len(good) == 0 {
		return lo + rng.Intn(hi-lo+1)
	}

	bw := bandwidth(good)
	best := lo + rng.Intn(hi-lo+1)
	bestRatio := math.Inf(-1)
	for i := 0; i < t.candidates; i++ {
		center := good[rng.Intn(len(good))]
		x := clampInt(int(math.Round(center+bw*rng.NormFloat64())), lo, hi)
		ratio := parzenDensity(float64(x), good, bw) / parzenDensity(float64(x), bad, bw)
		if ratio > bestRatio {
			bestRatio = ratio
			best = x
		}
	}
	return best
}

func (t *TPESampler) suggestCategorical(rng *rand.Rand, choices []string, good, bad []string) string {
	if len(good) == 0 {
		return choices[rng.Intn(len(choices))]
	}

	goodCounts := countChoices(good, choices)
	badCounts := countChoices(bad, choices)

	// Posterior over the good split with a +1 prior keeps every choice
	// reachable (soft guidance, never a domain change).
	weights := make([]float64, len(choices))
	for i := range choices {
		weights[i] = float64(goodCounts[i] + 1)
	}

	bestIdx := weightedChoice(rng, weights)
	bestRatio := choiceRatio(goodCounts, badCounts, len(good), len(bad), len(choices), bestIdx)
	for i := 1; i < t.candidates; i++ {
		idx := weightedChoice(rng, weights)
		if ratio := choiceRatio(goodCounts, badCounts, len(good), len(bad), len(choices), idx); ratio > bestRatio {
			bestRatio = ratio
			bestIdx = idx
		}
	}
	return choices[bestIdx]
}

var boolChoices = []string{"false", "true"}

func (t *TPESampler) suggestBool(rng *rand.Rand, good, bad []string) bool {
	return t.suggestCategorical(rng, boolChoices, good, bad) == "true"
}

// parzenDensity evaluates a normal mixture centered at each observed value.
func parzenDensity(x float64, values []float64, bw float64) float64 {
	const eps = 1e-12
	if len(values) == 0 {
		return eps
	}
	var sum float64
	for _, v := range values {
		n := distuv.Normal{Mu: v, Sigma: bw}
		sum += n.Prob(x)
	}
	return sum/float64(len(values)) + eps
}

func bandwidth(values []float64) float64 {
	if len(values) < 2 {
		return 1.0
	}
	sd := stat.StdDev(values, nil)
	if math.IsNaN(sd) || sd < 0.5 {
		return 0.5
	}
	return sd
}

func choiceRatio(goodCounts, badCounts []int, nGood, nBad, k, idx int) float64 {
	pGood := float64(goodCounts[idx]+1) / float64(nGood+k)
	pBad := float64(badCounts[idx]+1) / float64(nBad+k)
	return pGood / pBad
}

func countChoices(values []string, choices []string) []int {
	idx := make(map[string]int, len(choices))
	for i, c := range choices {
		idx[c] = i
	}
	counts := make([]int, len(choices))
	for _, v := range values {
		if i, ok := idx[v]; ok {
			counts[i]++
		}
	}
	return counts
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

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func intValues(obs []observation, get func(observation) int) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = float64(get(o))
	}
	return out
}

func boolValues(obs []observation, get func(observation) bool) []string {
	out := make([]string, len(obs))
	for i, o := range obs {
		if get(o) {
			out[i] = "true"
		} else {
			out[i] = "false"
		}
	}
	return out
}

func categoricalValues(obs []observation, get func(observation) string) []string {
	out := make([]string, len(obs))
	for i, o := range obs {
		out[i] = get(o)
	}
	return out
}
