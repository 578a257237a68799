package logging

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPMiddleware logs every request served by the ingest and admin servers.
// Requests that end with a 4xx/5xx status are logged at warn level.
func HTTPMiddleware(logger Logger, generator RequestIDGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = &UUIDGenerator{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = generator.Generate()
			}
			w.Header().Set("X-Request-ID", requestID)

			r = r.WithContext(ContextWithRequestID(r.Context(), requestID))

			reqLogger := logger.WithFields(
				String("request_id", requestID),
				String("method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
			)
			reqLogger.Debug("HTTP request started")

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			done := reqLogger.WithFields(
				Int("status", rw.statusCode),
				Int("bytes", rw.bytesWritten),
				Duration("duration", time.Since(start)),
			)
			if rw.statusCode >= http.StatusBadRequest {
				done.Warn("HTTP request completed")
				return
			}
			done.Info("HTTP request completed")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += n
	return n, err
}

// RequestIDGenerator generates unique request IDs
type RequestIDGenerator interface {
	Generate() string
}

// UUIDGenerator generates UUID request IDs
type UUIDGenerator struct{}

// Generate generates a new UUID
func (g *UUIDGenerator) Generate() string {
	return uuid.New().String()
}

// PrefixedGenerator generates prefixed request IDs, e.g. "cam-01-<uuid>"
type PrefixedGenerator struct {
	Prefix    string
	Generator RequestIDGenerator
}

// Generate generates a new prefixed ID
func (g *PrefixedGenerator) Generate() string {
	return fmt.Sprintf("%s-%s", g.Prefix, g.Generator.Generate())
}
