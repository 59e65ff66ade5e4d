package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestIDContextKey stores the request ID in the gin context.
const RequestIDContextKey ContextKey = "request_id"

// quietPaths are polled by load balancers and scrapers and logged at debug.
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// redactQueryString masks values of credential-like query parameters.
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[unparseable]"
	}

	changed := false
	for name, values := range params {
		lower := strings.ToLower(name)
		if !strings.Contains(lower, "key") && !strings.Contains(lower, "token") &&
			!strings.Contains(lower, "secret") && !strings.Contains(lower, "signature") &&
			lower != "password" {
			continue
		}
		for i := range values {
			values[i] = "[REDACTED]"
		}
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return params.Encode()
}

// GetRequestID returns the request ID assigned by RequestLogger.
func GetRequestID(c *gin.Context) string {
	return c.GetString(string(RequestIDContextKey))
}

// RequestLogger assigns each request an ID (reusing a well-formed inbound
// X-Request-ID) and logs one line per request after it completes.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Set(string(RequestIDContextKey), reqID)
		c.Header(RequestIDHeader, reqID)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case quietPaths[c.Request.URL.Path]:
			event = log.Debug()
		default:
			event = log.Info()
		}

		if p := GetPrincipal(c); p != nil {
			event = event.
				Str("user_id", p.UserID.String()).
				Str("organization_id", p.OrganizationID.String())
		}
		if q := redactQueryString(c.Request.URL.RawQuery); q != "" {
			event = event.Str("query", q)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("request")
	}
}
