package assist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.TokenTypeAICompletion, req.Kind)
		json.NewEncoder(w).Encode(completionResponse{Text: "echo: " + req.Prompt})
	}))
	defer srv.Close()

	text, err := NewHTTPCompleter(srv.URL, nil).Complete(context.Background(), models.TokenTypeAICompletion, "pack list")
	require.NoError(t, err)
	assert.Equal(t, "echo: pack list", text)
}

func TestHTTPCompleter_NotConfigured(t *testing.T) {
	_, err := NewHTTPCompleter("", nil).Complete(context.Background(), models.TokenTypeAICompletion, "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHTTPCompleter_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPCompleter(srv.URL, nil).Complete(context.Background(), models.TokenTypeDocumentScan, "x")
	assert.Error(t, err)
}

func TestHTTPCompleter_HonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPCompleter(srv.URL, nil).Complete(ctx, models.TokenTypeAICompletion, "x")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}
