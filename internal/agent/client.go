// Package agent is the device side of sync: an HTTP client for the sync
// server and a license gate backed by it.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/syncer"
)

// DefaultTimeout bounds a single request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the sync server.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new sync API client.
func NewClient(serverURL, apiKey string) *Client {
	return NewClientWithHTTP(serverURL, apiKey, &http.Client{Timeout: DefaultTimeout})
}

// NewClientWithHTTP creates a sync API client that sends requests through hc,
// for example one built with proxy settings.
func NewClientWithHTTP(serverURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiKey:     apiKey,
		httpClient: hc,
	}
}

// ApplyChanges uploads a batch of journal entries. Per-entry failures are
// reported in the result; request-level failures are classified apperrs.
func (c *Client) ApplyChanges(ctx context.Context, entries []*models.ChangeEntry) (*syncer.BatchResult, error) {
	var resp syncer.SyncResponse
	if err := c.post(ctx, "/api/v1/sync", syncer.SyncRequest{Changes: entries}, &resp); err != nil {
		return nil, fmt.Errorf("apply changes: %w", err)
	}
	return &resp.BatchResult, nil
}

// CheckHealth pings the server's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// VerifyLicense reports this device to the server and returns the
// organization's license snapshot.
func (c *Client) VerifyLicense(ctx context.Context, req *license.VerifyRequest) (*license.VerifyResponse, error) {
	var resp license.VerifyResponse
	if err := c.post(ctx, "/api/v1/license/verify", req, &resp); err != nil {
		return nil, fmt.Errorf("verify license: %w", err)
	}
	return &resp, nil
}

// TokenBalance returns the organization's balance for a token type.
func (c *Client) TokenBalance(ctx context.Context, tokenType models.TokenType) (*models.TokenAccount, error) {
	var acct models.TokenAccount
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+string(tokenType), nil, &acct); err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	return &acct, nil
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, data, result)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Retryable(err, "server unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Retryable(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, data)
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// statusError classifies a non-200 response.
func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindAuth, msg)
	case status == http.StatusForbidden:
		return apperr.Forbidden(msg)
	case status == http.StatusBadRequest:
		return apperr.New(apperr.KindValidation, msg)
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, msg)
	case status == http.StatusPaymentRequired:
		return apperr.New(apperr.KindInsufficient, msg)
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindAbuse, msg)
	case status >= 500:
		return apperr.Retryable(errors.New(msg), fmt.Sprintf("server returned %d", status))
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
}
