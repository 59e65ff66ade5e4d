// Package assist calls the upstream AI service for metered completions and
// document scans.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gearbase/gearbase/internal/models"
)

// ErrNotConfigured is returned when no upstream URL is set.
var ErrNotConfigured = errors.New("AI completion endpoint is not configured (set AI_COMPLETION_URL)")

// Completer runs one metered AI call.
type Completer interface {
	Complete(ctx context.Context, tokenType models.TokenType, prompt string) (string, error)
}

// HTTPCompleter posts prompts to a JSON completion endpoint.
type HTTPCompleter struct {
	url    string
	client *http.Client
}

// NewHTTPCompleter creates a completer for url. An empty url yields a
// completer that fails every call with ErrNotConfigured.
func NewHTTPCompleter(url string, client *http.Client) *HTTPCompleter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCompleter{url: url, client: client}
}

type completionRequest struct {
	Kind   models.TokenType `json:"kind"`
	Prompt string           `json:"prompt"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// Complete implements Completer. The caller's context bounds the call.
func (c *HTTPCompleter) Complete(ctx context.Context, tokenType models.TokenType, prompt string) (string, error) {
	if c.url == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(completionRequest{Kind: tokenType, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion service returned %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	return out.Text, nil
}
