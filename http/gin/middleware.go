// Package gin provides a Gin-compatible adapter of the signature
// middleware, for services that serve agents from an existing gin engine.
package gin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/httpsig"
)

// ContextKey is the gin context key of the verified *httpsig.Context.
const ContextKey = "paygate_signature"

// Config configures RequireSignature.
type Config struct {
	TrustForwarded bool
	Logger         *slog.Logger
}

// RequireSignature verifies the request signature and aborts with 401 when
// it is missing or invalid.
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(ginpaygate.RequireSignature(verifier, ginpaygate.Config{}))
//	r.GET("/data", func(c *gin.Context) {
//	    sc, _ := ginpaygate.Signature(c)
//	    c.JSON(200, gin.H{"agent": sc.KeyID})
//	})
func RequireSignature(v *httpsig.Verifier, cfg Config) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		sc, err := v.VerifyRequest(c.Request.Context(), c.Request, cfg.TrustForwarded)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "signature rejected", "path", c.Request.URL.Path, "error", err)
			status, body := helpers.Body(err)
			c.AbortWithStatusJSON(status, body)
			return
		}

		c.Set(ContextKey, sc)
		c.Request = c.Request.WithContext(httpsig.NewContext(c.Request.Context(), sc))
		c.Next()
	}
}

// Signature returns the verified signature stored by RequireSignature.
func Signature(c *gin.Context) (*httpsig.Context, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	sc, ok := v.(*httpsig.Context)
	return sc, ok
}
