// Package usage meters token and image consumption per build session and
// converts it to credits.
//
// Amounts are tracked in milli-credits so per-call rounding never
// accumulates: a session's cost is rounded up once, at the end.
package usage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
)

const milli = 1000

// Invocation is the metered consumption of one agent call.
type Invocation struct {
	Agent        models.AgentType
	Model        models.Model
	InputTokens  int64
	OutputTokens int64
	Images       int64
}

// Usage is returned by Record.
type Usage struct {
	Tokens              int64 `json:"tokens_used"`
	MilliCredits        int64 `json:"milli_credits"`
	SessionTokens       int64 `json:"session_total_tokens"`
	SessionMilliCredits int64 `json:"session_total_milli_credits"`
}

// Credits is the call's own cost rounded up. It is informational; the
// session is billed from the unrounded sum.
func (u Usage) Credits() int64 { return ceilMilli(u.MilliCredits) }

type AgentUsage struct {
	Tokens       int64 `json:"tokens"`
	MilliCredits int64 `json:"milli_credits"`
	Calls        int   `json:"calls"`
}

type Summary struct {
	SessionID    uuid.UUID                       `json:"build_session_id"`
	TotalTokens  int64                           `json:"total_tokens"`
	MilliCredits int64                           `json:"milli_credits"`
	Credits      int64                           `json:"total_credits"`
	Agents       map[models.AgentType]AgentUsage `json:"agents"`
	StartedAt    time.Time                       `json:"started_at"`
	EndedAt      *time.Time                      `json:"ended_at,omitempty"`
}

type session struct {
	tokens    int64
	milli     int64
	agents    map[models.AgentType]*AgentUsage
	startedAt time.Time
}

// Accumulator is safe for concurrent use. State for a session lives from
// Start (or the first Record) until End.
type Accumulator struct {
	table  pricing.Table
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func NewAccumulator(table pricing.Table, logger *zap.Logger) *Accumulator {
	return &Accumulator{
		table:    table,
		logger:   logging.OrNop(logger).Named("usage"),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[uuid.UUID]*session),
	}
}

// Start resets tracking for id.
func (a *Accumulator) Start(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id] = a.newSession()
}

func (a *Accumulator) newSession() *session {
	return &session{agents: make(map[models.AgentType]*AgentUsage), startedAt: a.now()}
}

// Cost returns the milli-credit cost of inv without recording it.
func (a *Accumulator) Cost(inv Invocation) int64 {
	tokens := max(inv.InputTokens, 0) + max(inv.OutputTokens, 0)
	permille, ok := a.table.TokenPermille[inv.Model]
	if !ok {
		permille = milli
	}
	cost := tokens * permille / milli
	if inv.Images > 0 {
		cost += inv.Images * a.table.ImageCost() * milli
	}
	return cost
}

func (a *Accumulator) Record(id uuid.UUID, inv Invocation) Usage {
	cost := a.Cost(inv)
	tokens := max(inv.InputTokens, 0) + max(inv.OutputTokens, 0)

	a.mu.Lock()
	s, ok := a.sessions[id]
	if !ok {
		s = a.newSession()
		a.sessions[id] = s
	}
	au, ok := s.agents[inv.Agent]
	if !ok {
		au = &AgentUsage{}
		s.agents[inv.Agent] = au
	}
	au.Tokens += tokens
	au.MilliCredits += cost
	au.Calls++
	s.tokens += tokens
	s.milli += cost
	u := Usage{Tokens: tokens, MilliCredits: cost, SessionTokens: s.tokens, SessionMilliCredits: s.milli}
	a.mu.Unlock()

	a.logger.Debug("usage recorded",
		zap.Stringer("build_session_id", id),
		zap.String("agent", string(inv.Agent)),
		zap.String("model", string(inv.Model)),
		zap.Int64("tokens", tokens),
		zap.Int64("milli_credits", cost))
	return u
}

// Summary reports the session so far; an unknown session is empty.
func (a *Accumulator) Summary(id uuid.UUID) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked(id)
}

// ActualCost is the session's total rounded up to whole credits. It is zero
// when nothing was recorded.
func (a *Accumulator) ActualCost(id uuid.UUID) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return 0
	}
	return ceilMilli(s.milli)
}

// End returns the final summary and forgets the session.
func (a *Accumulator) End(id uuid.UUID) Summary {
	a.mu.Lock()
	sum := a.summaryLocked(id)
	delete(a.sessions, id)
	a.mu.Unlock()

	now := a.now()
	sum.EndedAt = &now
	a.logger.Info("usage session ended",
		zap.Stringer("build_session_id", id),
		zap.Int64("tokens", sum.TotalTokens),
		zap.Int64("credits", sum.Credits))
	return sum
}

// Active is the number of sessions currently tracked.
func (a *Accumulator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Accumulator) summaryLocked(id uuid.UUID) Summary {
	sum := Summary{SessionID: id, Agents: map[models.AgentType]AgentUsage{}}
	s, ok := a.sessions[id]
	if !ok {
		return sum
	}
	sum.TotalTokens = s.tokens
	sum.MilliCredits = s.milli
	sum.Credits = ceilMilli(s.milli)
	sum.StartedAt = s.startedAt
	for agent, au := range s.agents {
		sum.Agents[agent] = *au
	}
	return sum
}

func ceilMilli(m int64) int64 {
	if m <= 0 {
		return 0
	}
	return (m + milli - 1) / milli
}
