package http

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/httpsig"
)

// Forwarder is a reverse proxy that signs requests on behalf of agents
// that cannot sign themselves. Inbound signature headers are discarded and
// every forwarded request carries a fresh signature from the forwarder's key.
type Forwarder struct {
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewForwarder creates a Forwarder toward target. base may be nil.
func NewForwarder(target *url.URL, signer *httpsig.Signer, base http.RoundTripper, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{logger: logger}
	f.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			StripSignatureHeaders(pr.Out.Header)
		},
		Transport:    &Transport{Base: base, Signer: signer, Logger: logger},
		ErrorHandler: f.fail,
	}
	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, err error) {
	f.logger.ErrorContext(r.Context(), "forward failed", "path", r.URL.Path, "error", err)
	helpers.WriteJSON(w, http.StatusBadGateway, helpers.ErrorBody{
		Error:   "BAD_GATEWAY",
		Message: "upstream request failed",
	})
}

// StripSignatureHeaders removes every Signature* header.
func StripSignatureHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Signature") {
			h.Del(name)
		}
	}
}
