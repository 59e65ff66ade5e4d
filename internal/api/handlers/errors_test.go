package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRespondError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", invalidBody(errors.New("unexpected EOF")), http.StatusBadRequest},
		{"body cut by size limit", invalidBody(fmt.Errorf("decode: %w", &http.MaxBytesError{Limit: 10})), http.StatusRequestEntityTooLarge},
		{"forbidden", apperr.Forbidden("sync is not included in your plan"), http.StatusForbidden},
		{"retryable", apperr.Retryable(errors.New("conn reset"), "try again"), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)

			respondError(c, zerolog.Nop(), tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}
