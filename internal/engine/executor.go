package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Dispatch is the payload delivered to an external agent for one step
// attempt. The (execution_id, step_id, attempt) triple doubles as an
// idempotency key for agents that want one.
type Dispatch struct {
	StepID          string                     `json:"step_id"`
	StepName        string                     `json:"step_name"`
	ExecutionID     string                     `json:"execution_id"`
	AgentRef        string                     `json:"agent_ref"`
	Attempt         int                        `json:"attempt"`
	Iteration       int                        `json:"iteration"`
	Config          json.RawMessage            `json:"config,omitempty"`
	Input           json.RawMessage            `json:"input,omitempty"`
	UpstreamResults map[string]json.RawMessage `json:"upstream_results,omitempty"`
}

// AgentClient is the execution contract with the external agents that perform
// step work. Invoke must return exactly one of a result or an error within
// the context deadline, or be treated as timed out.
type AgentClient interface {
	Invoke(ctx context.Context, dispatch Dispatch) (json.RawMessage, error)
}

// agentResponse is the wire reply from an agent: exactly one of Success or
// Failure is set.
type agentResponse struct {
	Success json.RawMessage `json:"success,omitempty"`
	Failure string          `json:"failure,omitempty"`
}

// HTTPAgentClient is an HTTP implementation of the AgentClient interface.
// A step's agent_ref is either an absolute URL or a path resolved against
// the configured base URL.
type HTTPAgentClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAgentClient creates a new HTTPAgentClient. The http.Client carries
// no timeout of its own; per-attempt deadlines arrive via context.
func NewHTTPAgentClient(baseURL string) *HTTPAgentClient {
	return &HTTPAgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0},
	}
}

// Invoke posts the dispatch to the agent and decodes its reply.
func (c *HTTPAgentClient) Invoke(ctx context.Context, dispatch Dispatch) (json.RawMessage, error) {
	requestBody, err := json.Marshal(dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(dispatch.AgentRef), bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s returned status %d", dispatch.AgentRef, resp.StatusCode)
	}

	var reply agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if reply.Failure != "" {
		return nil, fmt.Errorf("agent %s reported failure: %s", dispatch.AgentRef, reply.Failure)
	}
	return reply.Success, nil
}

func (c *HTTPAgentClient) endpoint(agentRef string) string {
	if strings.HasPrefix(agentRef, "http://") || strings.HasPrefix(agentRef, "https://") {
		return agentRef
	}
	return c.baseURL + "/agents/" + agentRef
}

// backoff computes the delay before retry attempt n (1-based failed attempt),
// doubling from base up to cap.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
