// Package objective turns a sampled parameter draw into a scored trial:
// decode the draw into a factor combination, reject semantically invalid
// draws, and score the survivors against the backtest service.
package objective

import (
	"errors"
	"fmt"

	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/catalog"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

// ErrTrialPruned marks a trial whose draw decodes to an invalid combination
// (or whose scoring timed out). Pruned trials are recorded but excluded from
// search statistics and never observed by the sampler.
var ErrTrialPruned = errors.New("trial pruned")

// Auxiliary factors are deliberately kept light.
const maxAuxiliaryWeight = 3

// Decoder builds factor combinations from parameter draws using the
// strategy catalog. The same draw always decodes to the same combination.
type Decoder struct {
	catalog *catalog.Catalog
	rules   catalog.CombinationRules
}

// NewDecoder creates a decoder bound to a loaded catalog.
func NewDecoder(cat *catalog.Catalog) *Decoder {
	return &Decoder{catalog: cat, rules: cat.Rules()}
}

// Decode turns a complete parameter draw into a scoring-ready combination.
// Invalid draws return an error wrapping ErrTrialPruned; a strategy name
// outside the catalog is a configuration error, not a prune.
func (d *Decoder) Decode(p *space.TrialParameters) (*backtest.Combination, error) {
	primary, err := d.catalog.GetStrategy(p.PrimaryStrategy)
	if err != nil {
		return nil, err
	}

	var secondary *catalog.Strategy
	if p.UseMixed {
		if p.SecondaryStrategy == p.PrimaryStrategy {
			return nil, fmt.Errorf("%w: secondary strategy equals primary (%s)",
				ErrTrialPruned, p.PrimaryStrategy)
		}
		if !d.catalog.IsValidCombination(p.PrimaryStrategy, p.SecondaryStrategy) {
			return nil, fmt.Errorf("%w: discouraged strategy combination %s + %s",
				ErrTrialPruned, p.PrimaryStrategy, p.SecondaryStrategy)
		}
		secondary, err = d.catalog.GetStrategy(p.SecondaryStrategy)
		if err != nil {
			return nil, err
		}
	}

	var factors []backtest.RankedFactor
	used := make(map[string]bool)

	// Primary core factors are unconditional. The strategy's preferred
	// direction, when declared, overrides the sampled one.
	for _, f := range primary.CoreFactors {
		if used[f] {
			continue
		}
		asc, ok := primary.PreferredDirections[f]
		if !ok {
			asc = p.Ascending[f]
		}
		factors = append(factors, backtest.RankedFactor{
			Name:      f,
			Weight:    p.Weights[f],
			Ascending: asc,
			Source:    backtest.SourcePrimary,
		})
		used[f] = true
	}

	// Secondary core factors are gated by their enable flags and capped.
	if secondary != nil {
		limit := d.rules.MaxSecondaryFactors
		if len(secondary.CoreFactors) < limit {
			limit = len(secondary.CoreFactors)
		}
		count := 0
		for _, f := range secondary.CoreFactors {
			if used[f] || count >= limit || !p.EnableSecondary[f] {
				continue
			}
			asc, ok := secondary.PreferredDirections[f]
			if !ok {
				asc = p.Ascending[f]
			}
			factors = append(factors, backtest.RankedFactor{
				Name:      f,
				Weight:    p.Weights[f],
				Ascending: asc,
				Source:    backtest.SourceSecondary,
			})
			used[f] = true
			count++
		}
	}

	// Auxiliary factors are gated, capped, and weight-limited.
	if p.EnableAuxiliary {
		limit := d.rules.MaxAuxiliaryFactors
		if len(primary.AuxiliaryPool) < limit {
			limit = len(primary.AuxiliaryPool)
		}
		count := 0
		for _, f := range primary.AuxiliaryPool {
			if used[f] || count >= limit || !p.EnableAux[f] {
				continue
			}
			w := p.Weights[f]
			if w > maxAuxiliaryWeight {
				w = maxAuxiliaryWeight
			}
			factors = append(factors, backtest.RankedFactor{
				Name:      f,
				Weight:    w,
				Ascending: p.Ascending[f],
				Source:    backtest.SourceAuxiliary,
			})
			used[f] = true
			count++
		}
	}

	if len(factors) < d.rules.MinCoreFactors {
		return nil, fmt.Errorf("%w: too few factors (%d < %d)",
			ErrTrialPruned, len(factors), d.rules.MinCoreFactors)
	}
	if len(factors) > d.rules.MaxMixedFactors {
		return nil, fmt.Errorf("%w: too many factors (%d > %d)",
			ErrTrialPruned, len(factors), d.rules.MaxMixedFactors)
	}

	dirs := make([]catalog.FactorDirection, len(factors))
	for i, f := range factors {
		dirs[i] = catalog.FactorDirection{Name: f.Name, Ascending: f.Ascending}
	}
	if !d.catalog.CheckConflicts(dirs) {
		return nil, fmt.Errorf("%w: conflicting factor directions", ErrTrialPruned)
	}

	combo := &backtest.Combination{
		PrimaryStrategy: p.PrimaryStrategy,
		Mixed:           p.UseMixed,
		Factors:         factors,
	}
	if secondary != nil {
		combo.SecondaryStrategy = p.SecondaryStrategy
	}
	return combo, nil
}
