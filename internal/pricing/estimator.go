package pricing

import (
	"math"

	"github.com/autowebiq/backend/internal/models"
)

// ceiling bounds every intermediate sum so that applying a percentage
// cannot overflow int64.
const ceiling = math.MaxInt64 / 100

// Request describes the pipeline a caller wants priced.
type Request struct {
	Stages     []models.Stage `json:"stages"`
	HasImages  bool           `json:"has_images"`
	HasBackend bool           `json:"has_backend"`
	// TokenCount is the expected tokens per invocation; zero means unknown.
	TokenCount int64 `json:"token_count,omitempty"`
	// ImageCount is the expected number of generated images; zero means unknown.
	ImageCount int64 `json:"image_count,omitempty"`
}

// Estimator computes credit estimates. It has no side effects and never
// fails: degenerate input prices at the one-credit minimum.
//
// Pipeline order is fixed: base (max of agent and model) -> complexity
// multiplier (rounded up) -> token and image surcharges -> multi-agent
// discount (truncated) -> clamp to [1, MaxCostPerTask].
type Estimator struct {
	table Table
}

func NewEstimator(table Table) *Estimator {
	return &Estimator{table: table}
}

func (e *Estimator) Table() Table { return e.table }

func (e *Estimator) Estimate(req Request) models.Estimate {
	breakdown := make([]models.AgentCost, 0, len(req.Stages))
	var raw int64
	for _, st := range req.Stages {
		line := e.stageCost(st, req)
		breakdown = append(breakdown, line)
		raw = satAdd(raw, line.Cost)
	}

	total := raw
	discounted := false
	if e.table.DiscountMinAgents > 0 && len(req.Stages) >= e.table.DiscountMinAgents {
		total = satMul(raw, e.table.DiscountPct) / 100
		discounted = true
	}
	total = clamp(total, 1, e.maxCost())

	return models.Estimate{
		Total:      total,
		RawTotal:   raw,
		Discounted: discounted,
		Breakdown:  breakdown,
	}
}

func (e *Estimator) stageCost(st models.Stage, req Request) models.AgentCost {
	base, ok := e.table.AgentBase[st.Agent]
	if !ok {
		base = e.table.DefaultAgentBase
	}
	if mb := e.table.ModelBase[st.Model]; mb > base {
		base = mb
	}

	pct := e.multiplier(st.Agent, req)
	cost := ceilDiv(satMul(base, pct), 100)

	var surcharge int64
	if req.TokenCount > e.table.TokenBaseline && e.table.TokensPerCredit > 0 {
		surcharge = satAdd(surcharge, (req.TokenCount-e.table.TokenBaseline)/e.table.TokensPerCredit)
	}
	if st.Agent == models.AgentImage && req.ImageCount > 1 {
		surcharge = satAdd(surcharge, satMul(req.ImageCount-1, e.table.ImageCost()))
	}

	return models.AgentCost{
		Agent:         st.Agent,
		Model:         st.Model,
		Base:          base,
		MultiplierPct: pct,
		Surcharge:     surcharge,
		Cost:          satAdd(cost, surcharge),
	}
}

func (e *Estimator) multiplier(agent models.AgentType, req Request) int64 {
	c := e.table.Complexity
	switch {
	case agent == models.AgentImage && req.HasImages:
		return c.WithImages
	case agent == models.AgentBackend && req.HasBackend:
		return c.WithBackend
	case len(req.Stages) >= 2:
		return c.MultiAgent
	}
	switch agent {
	case models.AgentFrontend, models.AgentBackend, models.AgentTesting:
		return c.CodeGeneration
	case models.AgentPlanner, models.AgentImage, models.AgentDeployment:
		return c.SimpleChat
	}
	return c.SimpleChat
}

func (e *Estimator) maxCost() int64 {
	if e.table.MaxCostPerTask <= 0 {
		return models.MaxCostPerTask
	}
	return e.table.MaxCostPerTask
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	if a <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// satAdd and satMul expect non-negative operands and stop at ceiling.
func satAdd(a, b int64) int64 {
	if a >= ceiling || b >= ceiling || a > ceiling-b {
		return ceiling
	}
	return a + b
}

func satMul(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > ceiling/b {
		return ceiling
	}
	return min(a*b, ceiling)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
