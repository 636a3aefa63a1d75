// Package remote is the client for the remote planning/execution agent
// service: agent configuration lookup, executor memory sessions, async
// execution, and the message store the polling service reads.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"investigator/pkg/logx"
)

// MessageStateCompleted is the terminal state of a polled task message.
const MessageStateCompleted = "COMPLETED"

// TimeRange bounds the data an investigation looks at.
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ExecuteInput is the question/context bundle submitted to the agent.
type ExecuteInput struct {
	Question         string     `json:"question"`
	Context          string     `json:"context,omitempty"`
	ExecutorMemoryID string     `json:"executor_memory_id"`
	InitialGoal      string     `json:"initial_goal,omitempty"`
	PrevContent      bool       `json:"prev_content,omitempty"`
	TimeRange        *TimeRange `json:"time_range,omitempty"`
}

// TaskMessage is one polled message-store record.
type TaskMessage struct {
	MessageID string `json:"message_id"`
	State     string `json:"state"`
	Response  string `json:"response"`
}

// Client talks to the remote agent service over its REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logx.Logger
}

// NewClient creates a remote agent service client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logx.NewLogger("remote"),
	}
}

// AgentConfig resolves an agent id from a named configuration.
func (c *Client) AgentConfig(ctx context.Context, name string) (string, error) {
	var out struct {
		Configuration struct {
			AgentID string `json:"agent_id"`
		} `json:"configuration"`
	}
	path := "/agents/config/" + url.PathEscape(name)
	if err := c.get(ctx, path, &out); err != nil {
		return "", fmt.Errorf("failed to resolve agent config %s: %w", name, err)
	}
	return out.Configuration.AgentID, nil
}

// AgentDetail resolves the memory container id backing an agent.
func (c *Client) AgentDetail(ctx context.Context, agentID string) (string, error) {
	var out struct {
		MemoryContainerID string `json:"memory_container_id"`
	}
	path := "/agents/" + url.PathEscape(agentID)
	if err := c.get(ctx, path, &out); err != nil {
		return "", fmt.Errorf("failed to resolve agent detail %s: %w", agentID, err)
	}
	return out.MemoryContainerID, nil
}

// CreateSession asks the memory container for a fresh executor memory
// session id. The raw id is returned as-is; validity rules belong to the
// Allocator.
func (c *Client) CreateSession(ctx context.Context, containerID string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	path := "/memory/" + url.PathEscape(containerID) + "/sessions"
	if err := c.post(ctx, path, struct{}{}, &out); err != nil {
		return "", fmt.Errorf("failed to create executor memory session: %w", err)
	}
	return out.SessionID, nil
}

// Execute submits the question to the agent in asynchronous mode and
// returns the parent interaction id used to poll for the result. A missing
// id in the acceptance response is fatal for this attempt.
func (c *Client) Execute(ctx context.Context, agentID string, in ExecuteInput) (string, error) {
	var out struct {
		Task struct {
			ParentInteractionID string `json:"parent_interaction_id"`
		} `json:"task"`
	}
	path := "/agents/" + url.PathEscape(agentID) + "/execute?async=true"
	if err := c.post(ctx, path, in, &out); err != nil {
		return "", fmt.Errorf("failed to submit agent execution: %w", err)
	}
	if out.Task.ParentInteractionID == "" {
		return "", fmt.Errorf("agent execution accepted without a parent interaction id")
	}
	c.logger.Debug("submitted execution to agent %s, interaction %s", agentID, out.Task.ParentInteractionID)
	return out.Task.ParentInteractionID, nil
}

// MessageByTask fetches the message-store record for one interaction.
func (c *Client) MessageByTask(ctx context.Context, containerID, messageID string) (*TaskMessage, error) {
	var out TaskMessage
	path := "/memory/" + url.PathEscape(containerID) + "/messages/" + url.PathEscape(messageID)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
