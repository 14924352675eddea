package pricing

import (
	"maps"

	"github.com/autowebiq/backend/internal/models"
)

// Complexity multipliers, in percent.
type Complexity struct {
	SimpleChat     int64 `yaml:"simple_chat"`
	CodeGeneration int64 `yaml:"code_generation"`
	MultiAgent     int64 `yaml:"multi_agent"`
	WithImages     int64 `yaml:"with_images"`
	WithBackend    int64 `yaml:"with_backend"`
}

// Table holds every number the estimator and the usage accumulator price with.
// All values are integers: credits, percent or per-mille.
type Table struct {
	AgentBase        map[models.AgentType]int64 `yaml:"agent_base"`
	ModelBase        map[models.Model]int64     `yaml:"model_base"`
	DefaultAgentBase int64                      `yaml:"default_agent_base"`
	Complexity       Complexity                 `yaml:"complexity"`

	// TokenBaseline tokens are free; each further TokensPerCredit adds one credit.
	TokenBaseline   int64 `yaml:"token_baseline"`
	TokensPerCredit int64 `yaml:"tokens_per_credit"`

	DiscountMinAgents int   `yaml:"discount_min_agents"`
	DiscountPct       int64 `yaml:"discount_pct"`
	MaxCostPerTask    int64 `yaml:"max_cost_per_task"`

	// TokenPermille scales consumed tokens per model before conversion to credits.
	TokenPermille map[models.Model]int64 `yaml:"token_permille"`
}

// DefaultTable returns the production price list.
func DefaultTable() Table {
	return Table{
		AgentBase: map[models.AgentType]int64{
			models.AgentPlanner:    5,
			models.AgentFrontend:   8,
			models.AgentBackend:    6,
			models.AgentImage:      12,
			models.AgentTesting:    4,
			models.AgentDeployment: 3,
		},
		ModelBase: map[models.Model]int64{
			models.ModelGPT5:         8,
			models.ModelGPT4o:        5,
			models.ModelClaudeSonnet: 6,
			models.ModelGemini25Pro:  4,
			models.ModelDallE3:       12,
		},
		DefaultAgentBase: 5,
		Complexity: Complexity{
			SimpleChat:     100,
			CodeGeneration: 150,
			MultiAgent:     200,
			WithImages:     130,
			WithBackend:    140,
		},
		TokenBaseline:     1000,
		TokensPerCredit:   1000,
		DiscountMinAgents: 4,
		DiscountPct:       90,
		MaxCostPerTask:    models.MaxCostPerTask,
		TokenPermille: map[models.Model]int64{
			models.ModelGPT5:         1500,
			models.ModelGPT4o:        1000,
			models.ModelClaudeSonnet: 1200,
			models.ModelGemini25Pro:  800,
		},
	}
}

// ImageCost is the flat credit price of one generated image.
func (t Table) ImageCost() int64 {
	return t.AgentBase[models.AgentImage]
}

// Merge fills zero fields of t from def and returns the result, so a partial
// YAML price list only overrides what it names.
func (t Table) Merge(def Table) Table {
	out := def
	out.AgentBase = mergeMap(def.AgentBase, t.AgentBase)
	out.ModelBase = mergeMap(def.ModelBase, t.ModelBase)
	out.TokenPermille = mergeMap(def.TokenPermille, t.TokenPermille)
	if t.DefaultAgentBase > 0 {
		out.DefaultAgentBase = t.DefaultAgentBase
	}
	if t.Complexity.SimpleChat > 0 {
		out.Complexity.SimpleChat = t.Complexity.SimpleChat
	}
	if t.Complexity.CodeGeneration > 0 {
		out.Complexity.CodeGeneration = t.Complexity.CodeGeneration
	}
	if t.Complexity.MultiAgent > 0 {
		out.Complexity.MultiAgent = t.Complexity.MultiAgent
	}
	if t.Complexity.WithImages > 0 {
		out.Complexity.WithImages = t.Complexity.WithImages
	}
	if t.Complexity.WithBackend > 0 {
		out.Complexity.WithBackend = t.Complexity.WithBackend
	}
	if t.TokenBaseline > 0 {
		out.TokenBaseline = t.TokenBaseline
	}
	if t.TokensPerCredit > 0 {
		out.TokensPerCredit = t.TokensPerCredit
	}
	if t.DiscountMinAgents > 0 {
		out.DiscountMinAgents = t.DiscountMinAgents
	}
	if t.DiscountPct > 0 {
		out.DiscountPct = t.DiscountPct
	}
	if t.MaxCostPerTask > 0 {
		out.MaxCostPerTask = t.MaxCostPerTask
	}
	return out
}

func mergeMap[K comparable](base, over map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}
