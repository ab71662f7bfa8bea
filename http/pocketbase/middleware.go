// Package pocketbase adapts the signature middleware to PocketBase routes.
package pocketbase

import (
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/httpsig"
)

// StoreKey is the request event store key of the verified *httpsig.Context.
const StoreKey = "paygate_signature"

// Config configures RequireSignature.
type Config struct {
	TrustForwarded bool
	Logger         *slog.Logger
}

// RequireSignature returns a PocketBase middleware that verifies the
// request signature and answers 401 when it is missing or invalid.
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    se.Router.GET("/api/data", handler).BindFunc(pbpaygate.RequireSignature(verifier, pbpaygate.Config{}))
//	    return se.Next()
//	})
func RequireSignature(v *httpsig.Verifier, cfg Config) func(*core.RequestEvent) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(e *core.RequestEvent) error {
		if e.Request.Method == http.MethodOptions {
			return e.Next()
		}

		sc, err := v.VerifyRequest(e.Request.Context(), e.Request, cfg.TrustForwarded)
		if err != nil {
			logger.WarnContext(e.Request.Context(), "signature rejected", "path", e.Request.URL.Path, "error", err)
			status, body := helpers.Body(err)
			return e.JSON(status, body)
		}

		e.Set(StoreKey, sc)
		e.Request = e.Request.WithContext(httpsig.NewContext(e.Request.Context(), sc))
		return e.Next()
	}
}

// Signature returns the verified signature stored by RequireSignature.
func Signature(e *core.RequestEvent) (*httpsig.Context, bool) {
	sc, ok := e.Get(StoreKey).(*httpsig.Context)
	return sc, ok
}
