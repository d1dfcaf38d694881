// Package stream implements the long-lived NDJSON and SSE transports the
// chat and intent layers consume. Records are decoded line by line and the
// callback is invoked synchronously per record, so downstream reducers see
// events strictly in arrival order.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Record is one wire event on the chat channel: a tagged JSON object with a
// type-specific payload left raw for the consumer to decode.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// maxLineBytes bounds a single NDJSON line; history records carry whole
// message arrays and can get large.
const maxLineBytes = 4 << 20

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func() string
	Log     *logrus.Entry
}

func NewClient(baseURL string, token func() string, log *logrus.Entry) *Client {
	return &Client{
		BaseURL: baseURL,
		// No overall timeout: the request stays open for the life of the
		// turn. Cancellation happens through the context.
		HTTP:  &http.Client{},
		Token: token,
		Log:   log,
	}
}

func (c *Client) newRequest(ctx context.Context, path string, body map[string]any, accept string) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.Token != nil {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// Open performs a streaming POST and feeds each decoded record to onRecord.
// It blocks until the server closes the stream, the context is cancelled, or
// the transport fails. Cancellation is not an error: Open returns nil so
// callers can treat disconnect and normal completion the same way.
// Malformed lines are skipped; a partially corrupt stream must not abort
// rendering of everything else.
func (c *Client) Open(ctx context.Context, path string, body map[string]any, onRecord func(Record)) error {
	req, err := c.newRequest(ctx, path, body, "application/x-ndjson")
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("stream request failed: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			c.Log.WithField("line", truncate(string(line), 200)).Warn("skipping undecodable stream record")
			continue
		}
		onRecord(rec)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// SSEEvent is one event on the config-generation channel. Type comes from
// the "event:" field when present, otherwise from the data payload.
type SSEEvent struct {
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// OpenSSE performs a streaming POST against an "event:"/"data:" framed
// endpoint. Same contract as Open: blocking, cancel returns nil.
func (c *Client) OpenSSE(ctx context.Context, path string, body map[string]any, onEvent func(SSEEvent)) error {
	req, err := c.newRequest(ctx, path, body, "text/event-stream")
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse request failed: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	currentEvent := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case len(line) > 7 && line[:7] == "event: ":
			currentEvent = line[7:]
		case len(line) > 6 && line[:6] == "data: ":
			data := line[6:]
			var ev SSEEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.Log.WithField("data", truncate(data, 200)).Warn("skipping undecodable sse event")
				currentEvent = ""
				continue
			}
			if currentEvent != "" {
				ev.Type = currentEvent
			}
			onEvent(ev)
			currentEvent = ""
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("sse read failed: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
