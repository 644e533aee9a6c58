// Package space declares the fixed parameter space of the search and the
// samplers that draw from it. Every trial samples a value for every
// parameter, whether or not decoding ends up using it; inclusion flags are
// soft gates evaluated at decode time. That over-provisioning is what keeps
// the parameter space shape identical across all trials of a run, which the
// Parzen-estimator sampler requires.
package space

import (
	"fmt"

	"github.com/convexfund/cbsearch/internal/modules/catalog"
)

// Base parameter names. Per-factor parameters are derived with the
// WeightParam/AscendingParam/EnableSecondaryParam/EnableAuxParam helpers.
const (
	ParamPrimaryStrategy   = "primary_strategy"
	ParamUseMixedStrategy  = "use_mixed_strategy"
	ParamSecondaryStrategy = "secondary_strategy"
	ParamEnableAuxiliary   = "enable_auxiliary"
)

// Factor weight domain.
const (
	MinWeight = 1
	MaxWeight = 5
)

// WeightParam returns the weight parameter name for a factor.
func WeightParam(factor string) string { return "weight_" + factor }

// AscendingParam returns the sort-direction parameter name for a factor.
func AscendingParam(factor string) string { return "ascending_" + factor }

// EnableSecondaryParam returns the secondary-inclusion parameter name for a factor.
func EnableSecondaryParam(factor string) string { return "enable_secondary_" + factor }

// EnableAuxParam returns the auxiliary-inclusion parameter name for a factor.
func EnableAuxParam(factor string) string { return "enable_aux_" + factor }

// Space is the invariant parameter space: 4 strategy-level parameters plus
// 4 parameters per factor in the fixed pool. Its shape depends only on the
// catalog, never on any runtime decision.
type Space struct {
	strategies []string
	factors    []string
	names      []string
}

// New builds the parameter space from the catalog's strategy names and
// fixed factor pool.
func New(cat *catalog.Catalog) *Space {
	strategies := cat.StrategyNames()
	factors := cat.FactorPool()

	names := make([]string, 0, 4+4*len(factors))
	names = append(names,
		ParamPrimaryStrategy,
		ParamUseMixedStrategy,
		ParamSecondaryStrategy,
		ParamEnableAuxiliary,
	)
	for _, f := range factors {
		names = append(names,
			WeightParam(f),
			AscendingParam(f),
			EnableSecondaryParam(f),
			EnableAuxParam(f),
		)
	}

	return &Space{
		strategies: strategies,
		factors:    factors,
		names:      names,
	}
}

// Strategies returns the categorical domain of the strategy parameters.
func (s *Space) Strategies() []string {
	return append([]string(nil), s.strategies...)
}

// Factors returns the fixed factor pool.
func (s *Space) Factors() []string {
	return append([]string(nil), s.factors...)
}

// ParamNames returns the full parameter name list. The same set is sampled
// on every trial.
func (s *Space) ParamNames() []string {
	return append([]string(nil), s.names...)
}

// Size returns the total parameter count: 4 + 4 x pool size.
func (s *Space) Size() int {
	return len(s.names)
}

// TrialParameters is one complete draw from the space. Immutable once the
// sampler hands it to the decoder.
type TrialParameters struct {
	TrialID           int             `msgpack:"trial_id"`
	PrimaryStrategy   string          `msgpack:"primary_strategy"`
	UseMixed          bool            `msgpack:"use_mixed_strategy"`
	SecondaryStrategy string          `msgpack:"secondary_strategy"`
	EnableAuxiliary   bool            `msgpack:"enable_auxiliary"`
	Weights           map[string]int  `msgpack:"weights"`
	Ascending         map[string]bool `msgpack:"ascending"`
	EnableSecondary   map[string]bool `msgpack:"enable_secondary"`
	EnableAux         map[string]bool `msgpack:"enable_aux"`

	// Guided is set by the phase-two refiner when soft corrections were
	// applied to this draw.
	Guided bool `msgpack:"guided"`
}

// ParamNames returns the names of every parameter carried by this draw, for
// invariance checks against Space.ParamNames.
func (p *TrialParameters) ParamNames() []string {
	names := make([]string, 0, 4+4*len(p.Weights))
	names = append(names,
		ParamPrimaryStrategy,
		ParamUseMixedStrategy,
		ParamSecondaryStrategy,
		ParamEnableAuxiliary,
	)
	for f := range p.Weights {
		names = append(names, WeightParam(f))
	}
	for f := range p.Ascending {
		names = append(names, AscendingParam(f))
	}
	for f := range p.EnableSecondary {
		names = append(names, EnableSecondaryParam(f))
	}
	for f := range p.EnableAux {
		names = append(names, EnableAuxParam(f))
	}
	return names
}

// Clone returns a deep copy.
func (p *TrialParameters) Clone() *TrialParameters {
	cp := *p
	cp.Weights = make(map[string]int, len(p.Weights))
	for k, v := range p.Weights {
		cp.Weights[k] = v
	}
	cp.Ascending = cloneBoolMap(p.Ascending)
	cp.EnableSecondary = cloneBoolMap(p.EnableSecondary)
	cp.EnableAux = cloneBoolMap(p.EnableAux)
	return &cp
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Validate checks the draw against the space domains.
func (p *TrialParameters) Validate(s *Space) error {
	if !contains(s.strategies, p.PrimaryStrategy) {
		return fmt.Errorf("primary strategy %q outside domain", p.PrimaryStrategy)
	}
	if !contains(s.strategies, p.SecondaryStrategy) {
		return fmt.Errorf("secondary strategy %q outside domain", p.SecondaryStrategy)
	}
	for _, f := range s.factors {
		w, ok := p.Weights[f]
		if !ok {
			return fmt.Errorf("missing weight for factor %q", f)
		}
		if w < MinWeight || w > MaxWeight {
			return fmt.Errorf("weight %d for factor %q outside [%d,%d]", w, f, MinWeight, MaxWeight)
		}
		if _, ok := p.Ascending[f]; !ok {
			return fmt.Errorf("missing direction for factor %q", f)
		}
		if _, ok := p.EnableSecondary[f]; !ok {
			return fmt.Errorf("missing secondary gate for factor %q", f)
		}
		if _, ok := p.EnableAux[f]; !ok {
			return fmt.Errorf("missing auxiliary gate for factor %q", f)
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
