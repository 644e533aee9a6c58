package catalog

// Strategy is a named investment thesis: an ordered pool of core factors,
// optional preferred sort directions, and a pool of auxiliary factors that
// may be mixed in when the trial enables them.
type Strategy struct {
	Name                string
	Description         string
	CoreFactors         []string
	PreferredDirections map[string]bool // factor -> ascending
	AuxiliaryPool       []string
}

// CombinationRules bounds the size and shape of a factor combination.
type CombinationRules struct {
	MinCoreFactors      int
	MaxMixedFactors     int
	MaxSecondaryFactors int
	MaxAuxiliaryFactors int
}

// ConflictRules encodes the domain knowledge about near-duplicate factors.
// Related groups must agree on sort direction; exclusive pairs must not be
// ranked in opposite directions within one combination.
type ConflictRules struct {
	RelatedGroups  map[string][]string
	ExclusivePairs [][2]string
}

// FactorDirection is the minimal view of a selected factor the conflict
// checker needs.
type FactorDirection struct {
	Name      string
	Ascending bool
}

// Definition is the YAML shape of the strategy catalog file. Tests build it
// directly to substitute synthetic catalogs.
type Definition struct {
	FactorPool           []string                      `yaml:"factor_pool"`
	InvestmentStrategies map[string]StrategyDefinition `yaml:"investment_strategies"`
	CombinationRules     CombinationRulesDefinition    `yaml:"combination_rules"`
	ConflictRules        ConflictRulesDefinition       `yaml:"conflict_rules"`
}

// StrategyDefinition is the YAML shape of a single strategy.
type StrategyDefinition struct {
	Description         string          `yaml:"description"`
	CoreFactors         []string        `yaml:"core_factors"`
	PreferredDirections map[string]bool `yaml:"preferred_directions"`
	AuxiliaryPool       []string        `yaml:"auxiliary_pool"`
}

// CombinationRulesDefinition is the YAML shape of the combination rules.
type CombinationRulesDefinition struct {
	MinCoreFactors          int        `yaml:"min_core_factors"`
	MaxMixedFactors         int        `yaml:"max_mixed_factors"`
	MaxSecondaryFactors     int        `yaml:"max_secondary_factors"`
	MaxAuxiliaryFactors     int        `yaml:"max_auxiliary_factors"`
	AllowedCombinations     [][]string `yaml:"allowed_combinations"`
	DiscouragedCombinations [][]string `yaml:"discouraged_combinations"`
}

// ConflictRulesDefinition is the YAML shape of the conflict rules.
type ConflictRulesDefinition struct {
	RelatedGroups  map[string][]string `yaml:"related_groups"`
	ExclusivePairs [][]string          `yaml:"exclusive_pairs"`
}
