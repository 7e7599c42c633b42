package edgegateway

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// corsMiddleware adds permissive CORS headers: the browser client always
// originates from a different origin than this service.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// noCacheMiddleware ensures the admin surface and WS upgrade handshake are
// never cached by an intermediary.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// processingTimeWriter and processingTimeMiddleware attach a Server-Timing
// response header so clients can see request latency without a separate
// round trip.
type processingTimeWriter struct {
	gin.ResponseWriter
	startTime     time.Time
	headerWritten bool
}

func (w *processingTimeWriter) writeServerTimingHeader() {
	if !w.headerWritten {
		elapsed := time.Since(w.startTime)
		latency := float64(elapsed.Nanoseconds()) / 1_000_000.0
		w.Header().Set("Server-Timing", fmt.Sprintf("total;dur=%.2f;desc=\"aetherterm-core request\"", latency))
		w.headerWritten = true
	}
}

func (w *processingTimeWriter) WriteHeader(statusCode int) {
	w.writeServerTimingHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *processingTimeWriter) Write(data []byte) (int, error) {
	w.writeServerTimingHeader()
	return w.ResponseWriter.Write(data)
}

func (w *processingTimeWriter) WriteHeaderNow() {
	w.writeServerTimingHeader()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *processingTimeWriter) Flush() {
	w.writeServerTimingHeader()
	w.ResponseWriter.Flush()
}

func processingTimeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ptw := &processingTimeWriter{ResponseWriter: c.Writer, startTime: time.Now()}
		c.Writer = ptw
		c.Next()
	}
}

var sensitiveQueryParams = []string{
	"token", "access_token", "auth_token", "bearer", "api_key", "apikey",
	"password", "secret", "session", "session_id", "jwt",
}

func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}
	values, err := url.ParseQuery(parts[1])
	if err != nil {
		pattern := regexp.MustCompile(`(?i)(token|secret|password|key)=[^&\s]*`)
		return pattern.ReplaceAllString(pathWithQuery, "${1}=[REDACTED]")
	}
	redacted := false
	for key := range values {
		for _, s := range sensitiveQueryParams {
			if strings.EqualFold(key, s) {
				values.Set(key, "[REDACTED]")
				redacted = true
			}
		}
	}
	if !redacted {
		return pathWithQuery
	}
	return parts[0] + "?" + values.Encode()
}

// logrusMiddleware logs one structured line per request (method, sanitized
// path, status, latency); 4xx logs at Warn rather than Error since the wire
// protocol's typed errors make 4xx routine traffic, not an operational
// problem.
func logrusMiddleware(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path += "?" + c.Request.URL.RawQuery
		}
		sanitized := redactSecrets(path)

		start := time.Now()
		c.Next()
		latencyMs := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1_000_000.0))
		status := c.Writer.Status()

		fields := logrus.Fields{
			"method":  c.Request.Method,
			"path":    sanitized,
			"status":  status,
			"latency": latencyMs,
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.WithFields(fields).Error("request failed")
		case status >= http.StatusBadRequest:
			log.WithFields(fields).Warn("request rejected")
		default:
			log.WithFields(fields).Info("request handled")
		}
	}
}
