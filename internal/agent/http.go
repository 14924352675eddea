package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/autowebiq/backend/internal/models"
)

type invokeRequest struct {
	AgentType models.AgentType `json:"agent_type"`
	Model     models.Model     `json:"model"`
	Prompt    string           `json:"prompt"`
}

type invokeResponse struct {
	Output json.RawMessage `json:"output"`
	Usage  struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		Images       int64 `json:"images"`
	} `json:"usage"`
}

// HTTPAgent posts {agent_type, model, prompt} to a webhook and expects
// {output, usage{input_tokens, output_tokens, images}} back.
type HTTPAgent struct {
	agentType  models.AgentType
	url        string
	httpClient *http.Client
}

func NewHTTPAgent(agentType models.AgentType, url string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAgent{
		agentType:  agentType,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAgent) Invoke(ctx context.Context, model models.Model, prompt string) (Result, error) {
	body, err := json.Marshal(invokeRequest{AgentType: a.agentType, Model: model, Prompt: prompt})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("network error calling %s agent: %w", a.agentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%s agent returned status %d: %s", a.agentType, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%s agent returned invalid JSON: %w", a.agentType, err)
	}
	return Result{
		Output:       out.Output,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		ImageCount:   out.Usage.Images,
	}, nil
}
