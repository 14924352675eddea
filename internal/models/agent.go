package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies a pipeline stage.
type AgentType string

const (
	AgentPlanner    AgentType = "planner"
	AgentFrontend   AgentType = "frontend"
	AgentBackend    AgentType = "backend"
	AgentImage      AgentType = "image"
	AgentTesting    AgentType = "testing"
	AgentDeployment AgentType = "deployment"
)

// AgentTypes lists every agent type in pipeline order.
var AgentTypes = []AgentType{AgentPlanner, AgentFrontend, AgentBackend, AgentImage, AgentTesting, AgentDeployment}

func (a AgentType) Valid() bool {
	switch a {
	case AgentPlanner, AgentFrontend, AgentBackend, AgentImage, AgentTesting, AgentDeployment:
		return true
	}
	return false
}

func ParseAgentType(s string) (AgentType, error) {
	a := AgentType(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return a, nil
}

// Model identifies the LLM (or image model) serving an agent.
type Model string

const (
	ModelGPT5         Model = "gpt-5"
	ModelGPT4o        Model = "gpt-4o"
	ModelClaudeSonnet Model = "claude-sonnet-4-20250514"
	ModelGemini25Pro  Model = "gemini-2.5-pro"
	ModelDallE3       Model = "dall-e-3"
)

func (m Model) Valid() bool {
	switch m {
	case ModelGPT5, ModelGPT4o, ModelClaudeSonnet, ModelGemini25Pro, ModelDallE3:
		return true
	}
	return false
}

func ParseModel(s string) (Model, error) {
	m := Model(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown model %q", s)
	}
	return m, nil
}

// Stage is one (agent, model) pair of a requested pipeline.
type Stage struct {
	Agent AgentType `json:"agent_type"`
	Model Model     `json:"model"`
}

// InvocationStatus is the lifecycle of one agent call.
type InvocationStatus string

const (
	InvocationIdle      InvocationStatus = "idle"
	InvocationThinking  InvocationStatus = "thinking"
	InvocationWorking   InvocationStatus = "working"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

func (s InvocationStatus) Valid() bool {
	switch s {
	case InvocationIdle, InvocationThinking, InvocationWorking, InvocationCompleted, InvocationFailed:
		return true
	}
	return false
}

func ParseInvocationStatus(s string) (InvocationStatus, error) {
	st := InvocationStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown invocation status %q", s)
	}
	return st, nil
}

type AgentInvocation struct {
	ID             uuid.UUID        `json:"id"`
	BuildSessionID uuid.UUID        `json:"build_session_id"`
	Stage          int              `json:"stage"`
	AgentType      AgentType        `json:"agent_type"`
	Model          Model            `json:"model"`
	InputTokens    int64            `json:"input_tokens"`
	OutputTokens   int64            `json:"output_tokens"`
	ImageCount     int64            `json:"image_count"`
	ComputedCost   int64            `json:"computed_cost"`
	Status         InvocationStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
}
