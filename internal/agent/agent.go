// Package agent is the outbound boundary to the AI agents that do build
// work. The engine only needs their metered consumption; output content is
// passed through opaquely.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/autowebiq/backend/internal/models"
)

var ErrUnknownAgent = errors.New("no agent registered for type")

// Result is what one agent call produced and consumed.
type Result struct {
	Output       json.RawMessage `json:"output,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	ImageCount   int64           `json:"image_count"`
}

type Agent interface {
	Invoke(ctx context.Context, model models.Model, prompt string) (Result, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, model models.Model, prompt string) (Result, error)

func (f Func) Invoke(ctx context.Context, model models.Model, prompt string) (Result, error) {
	return f(ctx, model, prompt)
}

// Registry maps agent types to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[models.AgentType]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[models.AgentType]Agent)}
}

func (r *Registry) Register(t models.AgentType, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[t] = a
}

func (r *Registry) Get(t models.AgentType) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, t)
	}
	return a, nil
}

// Has reports whether every stage has a registered agent.
func (r *Registry) Has(stages []models.Stage) error {
	for _, st := range stages {
		if _, err := r.Get(st.Agent); err != nil {
			return err
		}
	}
	return nil
}
