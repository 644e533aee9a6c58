// Package catalog holds the static definition of investment strategies,
// their factor pools, and the combination/conflict rules used to validate
// factor combinations. Loaded once at startup; immutable during a run.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrStrategyNotFound is returned when a strategy name is not in the catalog.
var ErrStrategyNotFound = errors.New("strategy not found")

// Catalog is the loaded, validated strategy catalog.
type Catalog struct {
	factorPool    []string
	strategies    map[string]*Strategy
	strategyNames []string // sorted, for deterministic iteration
	rules         CombinationRules
	allowed       map[[2]string]bool
	discouraged   map[[2]string]bool
	conflicts     ConflictRules
}

// Load reads and validates the catalog from a YAML file. A missing or
// malformed file is a fatal configuration error; there is no default
// fallback catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy catalog %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse strategy catalog %s: %w", path, err)
	}

	cat, err := New(def)
	if err != nil {
		return nil, fmt.Errorf("invalid strategy catalog %s: %w", path, err)
	}
	return cat, nil
}

// New builds a Catalog from an in-memory definition. Validation is strict:
// every referenced factor must be a member of the fixed factor pool and all
// rule references must resolve.
func New(def Definition) (*Catalog, error) {
	if len(def.FactorPool) == 0 {
		return nil, fmt.Errorf("factor_pool is empty")
	}
	pool := make(map[string]bool, len(def.FactorPool))
	for _, f := range def.FactorPool {
		if pool[f] {
			return nil, fmt.Errorf("duplicate factor %q in factor_pool", f)
		}
		pool[f] = true
	}

	if len(def.InvestmentStrategies) == 0 {
		return nil, fmt.Errorf("no investment strategies defined")
	}

	strategies := make(map[string]*Strategy, len(def.InvestmentStrategies))
	names := make([]string, 0, len(def.InvestmentStrategies))
	for name, sd := range def.InvestmentStrategies {
		if len(sd.CoreFactors) == 0 {
			return nil, fmt.Errorf("strategy %q has no core factors", name)
		}
		for _, f := range sd.CoreFactors {
			if !pool[f] {
				return nil, fmt.Errorf("strategy %q: core factor %q not in factor_pool", name, f)
			}
		}
		for _, f := range sd.AuxiliaryPool {
			if !pool[f] {
				return nil, fmt.Errorf("strategy %q: auxiliary factor %q not in factor_pool", name, f)
			}
		}
		for f := range sd.PreferredDirections {
			if !pool[f] {
				return nil, fmt.Errorf("strategy %q: preferred direction for unknown factor %q", name, f)
			}
		}
		dirs := make(map[string]bool, len(sd.PreferredDirections))
		for f, asc := range sd.PreferredDirections {
			dirs[f] = asc
		}
		strategies[name] = &Strategy{
			Name:                name,
			Description:         sd.Description,
			CoreFactors:         append([]string(nil), sd.CoreFactors...),
			PreferredDirections: dirs,
			AuxiliaryPool:       append([]string(nil), sd.AuxiliaryPool...),
		}
		names = append(names, name)
	}
	sort.Strings(names)

	rules := CombinationRules{
		MinCoreFactors:      def.CombinationRules.MinCoreFactors,
		MaxMixedFactors:     def.CombinationRules.MaxMixedFactors,
		MaxSecondaryFactors: def.CombinationRules.MaxSecondaryFactors,
		MaxAuxiliaryFactors: def.CombinationRules.MaxAuxiliaryFactors,
	}
	if rules.MinCoreFactors <= 0 {
		return nil, fmt.Errorf("combination_rules.min_core_factors must be positive, got %d", rules.MinCoreFactors)
	}
	if rules.MaxMixedFactors < rules.MinCoreFactors {
		return nil, fmt.Errorf("combination_rules.max_mixed_factors (%d) below min_core_factors (%d)",
			rules.MaxMixedFactors, rules.MinCoreFactors)
	}
	if rules.MaxSecondaryFactors <= 0 {
		rules.MaxSecondaryFactors = 3
	}
	if rules.MaxAuxiliaryFactors <= 0 {
		rules.MaxAuxiliaryFactors = 4
	}

	allowed, err := pairSet(def.CombinationRules.AllowedCombinations, strategies, "allowed_combinations")
	if err != nil {
		return nil, err
	}
	discouraged, err := pairSet(def.CombinationRules.DiscouragedCombinations, strategies, "discouraged_combinations")
	if err != nil {
		return nil, err
	}

	conflicts := ConflictRules{
		RelatedGroups:  map[string][]string{},
		ExclusivePairs: nil,
	}
	for group, factors := range def.ConflictRules.RelatedGroups {
		for _, f := range factors {
			if !pool[f] {
				return nil, fmt.Errorf("conflict_rules.related_groups.%s: unknown factor %q", group, f)
			}
		}
		conflicts.RelatedGroups[group] = append([]string(nil), factors...)
	}
	for i, pair := range def.ConflictRules.ExclusivePairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("conflict_rules.exclusive_pairs[%d]: want exactly 2 factors, got %d", i, len(pair))
		}
		for _, f := range pair {
			if !pool[f] {
				return nil, fmt.Errorf("conflict_rules.exclusive_pairs[%d]: unknown factor %q", i, f)
			}
		}
		conflicts.ExclusivePairs = append(conflicts.ExclusivePairs, [2]string{pair[0], pair[1]})
	}

	return &Catalog{
		factorPool:    append([]string(nil), def.FactorPool...),
		strategies:    strategies,
		strategyNames: names,
		rules:         rules,
		allowed:       allowed,
		discouraged:   discouraged,
		conflicts:     conflicts,
	}, nil
}

func pairSet(pairs [][]string, strategies map[string]*Strategy, field string) (map[[2]string]bool, error) {
	set := make(map[[2]string]bool, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%s[%d]: want exactly 2 strategies, got %d", field, i, len(pair))
		}
		for _, name := range pair {
			if _, ok := strategies[name]; !ok {
				return nil, fmt.Errorf("%s[%d]: unknown strategy %q", field, i, name)
			}
		}
		set[orderedPair(pair[0], pair[1])] = true
	}
	return set, nil
}

func orderedPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// GetStrategy returns the named strategy or ErrStrategyNotFound.
func (c *Catalog) GetStrategy(name string) (*Strategy, error) {
	s, ok := c.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStrategyNotFound, name)
	}
	return s, nil
}

// StrategyNames returns all strategy names in sorted order.
func (c *Catalog) StrategyNames() []string {
	return append([]string(nil), c.strategyNames...)
}

// FactorPool returns the fixed factor pool in file order.
func (c *Catalog) FactorPool() []string {
	return append([]string(nil), c.factorPool...)
}

// Rules returns the combination rules.
func (c *Catalog) Rules() CombinationRules {
	return c.rules
}

// IsValidCombination reports whether the primary and secondary strategies
// may be mixed. Explicitly allowed pairs win, discouraged pairs are
// rejected, and unlisted pairs default to allowed.
func (c *Catalog) IsValidCombination(primary, secondary string) bool {
	pair := orderedPair(primary, secondary)
	if c.allowed[pair] {
		return true
	}
	if c.discouraged[pair] {
		return false
	}
	return true
}

// CheckConflicts reports whether the factor selection is free of conflicts.
// Factors in the same related group must share a sort direction; exclusive
// pairs must not point in opposite directions.
func (c *Catalog) CheckConflicts(factors []FactorDirection) bool {
	directions := make(map[string]bool, len(factors))
	for _, f := range factors {
		directions[f.Name] = f.Ascending
	}

	for _, group := range c.conflicts.RelatedGroups {
		first := true
		var groupDir bool
		for _, name := range group {
			asc, ok := directions[name]
			if !ok {
				continue
			}
			if first {
				groupDir = asc
				first = false
				continue
			}
			if asc != groupDir {
				return false
			}
		}
	}

	for _, pair := range c.conflicts.ExclusivePairs {
		a, okA := directions[pair[0]]
		b, okB := directions[pair[1]]
		if okA && okB && a != b {
			return false
		}
	}

	return true
}
