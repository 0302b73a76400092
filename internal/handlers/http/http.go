package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tickflow/internal/domain"
)

const maxBody = 4096

type HTTP struct {
	Client *http.Client
}

// Request is the handler payload. Body may be a JSON string, sent verbatim,
// or any other JSON value, sent as application/json.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Handle(ctx context.Context, t domain.Task) (string, error) {
	var req Request
	if err := json.Unmarshal(t.Payload, &req); err != nil {
		return "", fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return "", fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	body, contentType := requestBody(req.Body)
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("X-Task-Id", t.ID)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx and 5xx count as failures
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)), nil
}

func requestBody(raw json.RawMessage) ([]byte, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s), ""
		}
	}
	return raw, "application/json"
}
