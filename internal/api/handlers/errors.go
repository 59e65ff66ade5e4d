package handlers

import (
	"errors"
	"net/http"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// respondError writes err with the status its kind maps to. Unclassified
// errors are logged and reported generically.
func respondError(c *gin.Context, logger zerolog.Logger, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
		return
	}
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)
	if kind == apperr.KindInternal || kind == apperr.KindRetryable {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: apperr.Message(err), Kind: kind})
}

// invalidBody classifies a request decoding failure. Bodies cut off by the
// size limit keep their cause so they map to 413.
func invalidBody(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return apperr.Validation("invalid request body: %v", err)
}
