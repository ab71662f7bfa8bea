// Package http exposes the gateway over HTTP: the chi router with its
// signature middleware and REST handlers, the outbound signing Transport
// and the signing Forwarder.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/http/internal/helpers"
)

// SignatureConfig configures RequireSignature.
type SignatureConfig struct {
	// TrustForwarded makes X-Forwarded-Host and X-Forwarded-Proto part of
	// the verified authority and scheme.
	TrustForwarded bool

	Logger *slog.Logger
}

// RequireSignature verifies the Signature-Input and Signature headers of
// every request and rejects unsigned or invalid requests with 401.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Stores the verified *httpsig.Context in the request context
//     (see SignatureFromContext)
//   - Never logs the signature headers themselves
func RequireSignature(v *httpsig.Verifier, cfg SignatureConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			sc, err := v.VerifyRequest(r.Context(), r, cfg.TrustForwarded)
			if err != nil {
				logger.WarnContext(r.Context(), "signature rejected", "path", r.URL.Path, "error", err)
				helpers.WriteError(w, err)
				return
			}
			if lw, ok := w.(*logWriter); ok {
				lw.keyID = sc.KeyID
			}
			next.ServeHTTP(w, r.WithContext(httpsig.NewContext(r.Context(), sc)))
		})
	}
}

// SignatureFromContext returns the verified signature of the request.
func SignatureFromContext(r *http.Request) (*httpsig.Context, bool) {
	return httpsig.FromContext(r.Context())
}

// logWriter records what the request logger reports once the handler returns.
type logWriter struct {
	middleware.WrapResponseWriter
	keyID string
}

// Flush keeps streaming responses such as MCP event streams working.
func (lw *logWriter) Flush() {
	if f, ok := lw.WrapResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request with its request id, status,
// duration and verified key id.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &logWriter{WrapResponseWriter: middleware.NewWrapResponseWriter(w, r.ProtoMajor)}
			next.ServeHTTP(lw, r)

			status := lw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start),
			}
			if lw.keyID != "" {
				attrs = append(attrs, "key_id", lw.keyID)
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}
