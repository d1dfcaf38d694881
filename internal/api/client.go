// Package api is the REST client for the task, feedback, and intent
// endpoints. Streaming endpoints live in the stream package; this client
// covers the plain request/response surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"forgechat/internal/chat"
	"forgechat/internal/intent"
	"forgechat/internal/stream"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func() string
	SSE     *stream.Client
	Log     *logrus.Entry
}

func NewClient(baseURL string, token func() string, log *logrus.Entry) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Token:   token,
		SSE:     stream.NewClient(baseURL, token, log),
		Log:     log,
	}
}

// doJSON posts a JSON body and decodes the response into out when non-nil.
// Non-2xx responses become errors carrying the server's message when it
// sends one.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != nil {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &errResp)
		if errResp.Message != "" {
			return fmt.Errorf("api error: status %d, message: %s", resp.StatusCode, errResp.Message)
		}
		if errResp.Error != "" {
			return fmt.Errorf("api error: status %d, error: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("api error: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateTask registers a task id generated client-side, optionally seeding
// its title from the first message.
func (c *Client) CreateTask(ctx context.Context, taskID, firstMessage string) error {
	return c.doJSON(ctx, http.MethodPost, "/task", map[string]any{
		"id":           taskID,
		"firstMessage": firstMessage,
	}, nil)
}

// AbortTask interrupts the task's running model call server-side.
func (c *Client) AbortTask(ctx context.Context, taskID string) error {
	var out struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/task/"+taskID+"/abort", nil, &out); err != nil {
		return err
	}
	if !out.Aborted {
		c.Log.WithField("taskId", taskID).Debug("abort reported nothing to interrupt")
	}
	return nil
}

// DeleteTask removes the task and its history.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/task/"+taskID, nil, nil)
}

// CreateForge submits the assembled forge form and returns the new forge id.
func (c *Client) CreateForge(ctx context.Context, cfg intent.GeneratedConfig) (int64, error) {
	mcpTools := make([]map[string]any, 0, len(cfg.MCPTools))
	for _, sel := range cfg.MCPTools {
		mcpTools = append(mcpTools, map[string]any{
			"mcpId":     sel.MCPID,
			"toolNames": sel.ToolNames,
		})
	}
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/forge", map[string]any{
		"name":         cfg.Name,
		"description":  cfg.Description,
		"systemPrompt": cfg.SystemPrompt,
		"mcpTools":     mcpTools,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.ID, nil
}

// SubmitFeedback records a like or dislike on one finished turn.
func (c *Client) SubmitFeedback(ctx context.Context, taskID string, messageID int64, kind chat.FeedbackKind, tags []string, content string) error {
	body := map[string]any{
		"turnEndMessageId": messageID,
		"type":             kind,
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	if content != "" {
		body["content"] = content
	}
	return c.doJSON(ctx, http.MethodPost, "/feedback/"+taskID, body, nil)
}

// CancelFeedback withdraws previously submitted feedback.
func (c *Client) CancelFeedback(ctx context.Context, taskID string, messageID int64) error {
	return c.doJSON(ctx, http.MethodPost, "/feedback/"+taskID+"/cancel", map[string]any{
		"turnEndMessageId": messageID,
	}, nil)
}

// FeedbackStatus batch-fetches the feedback state of the given turns. Turns
// with no feedback come back as nulls and are dropped from the result.
func (c *Client) FeedbackStatus(ctx context.Context, taskID string, messageIDs []int64) (map[int64]chat.FeedbackKind, error) {
	var out map[string]*string
	err := c.doJSON(ctx, http.MethodPost, "/feedback/"+taskID+"/batch", map[string]any{
		"turnEndMessageIds": messageIDs,
	}, &out)
	if err != nil {
		return nil, err
	}

	statuses := make(map[int64]chat.FeedbackKind, len(out))
	for key, kind := range out {
		if kind == nil {
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		statuses[id] = chat.FeedbackKind(*kind)
	}
	return statuses, nil
}

// Analyze runs the unified intent analysis: forge matching and MCP analysis
// happen server-side in one call.
func (c *Client) Analyze(ctx context.Context, userInput, sessionID string) (*intent.Result, error) {
	var out intent.Result
	err := c.doJSON(ctx, http.MethodPost, "/intent/analyze", map[string]any{
		"userInput": userInput,
		"sessionId": sessionID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelIntent aborts any in-flight analysis or generation for the session.
func (c *Client) CancelIntent(ctx context.Context, sessionID string) error {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	return c.doJSON(ctx, http.MethodPost, "/intent/cancel", map[string]any{
		"sessionId": sessionID,
	}, &out)
}

// GenerateConfig streams the three forge config fields over SSE. Blocks
// until the stream ends; cancelling the context is not an error.
func (c *Client) GenerateConfig(ctx context.Context, userIntent string, mcpIDs []int64, sessionID string, onEvent func(stream.SSEEvent)) error {
	return c.SSE.OpenSSE(ctx, "/forge/generate-config", map[string]any{
		"userIntent": userIntent,
		"mcpIds":     mcpIDs,
		"sessionId":  sessionID,
	}, onEvent)
}
