package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/polycrawl/paygate/gateway"
	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/httpsig"
	mcpserver "github.com/polycrawl/paygate/mcp/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MCPProtocolVersion is advertised in /.well-known/mcp.json.
const MCPProtocolVersion = "2025-06-18"

// Deps are the collaborators the router serves.
type Deps struct {
	Service  *gateway.Service
	Verifier *httpsig.Verifier

	// MCP serves /mcp behind the signature middleware. Nil disables it.
	MCP http.Handler

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	TrustForwarded bool
	Logger         *slog.Logger
}

// NewRouter builds the gateway's HTTP surface.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{svc: d.Service, trustForwarded: d.TrustForwarded, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/.well-known/mcp.json", h.manifest)
	r.Get("/.well-known/receipt-keys.json", h.receiptKeys)

	r.Group(func(r chi.Router) {
		r.Use(RequireSignature(d.Verifier, SignatureConfig{TrustForwarded: d.TrustForwarded, Logger: logger}))

		r.Post("/v1/discover", h.discover)
		r.Post("/v1/fetch", h.fetch)
		r.Get("/v1/receipts/{requestID}", h.receipt)
		r.Get("/v1/wallets/{role}", h.wallet)
		r.Get("/v1/wallets/{role}/entries", h.entries)
		r.Get("/v1/analytics/spending", h.spending)
		r.Get("/v1/caps", h.caps)
		r.Put("/v1/caps", h.setCaps)
		if d.MCP != nil {
			r.Handle("/mcp", d.MCP)
		}
	})
	return r
}

type manifest struct {
	Version   string            `json:"version"`
	Tools     any               `json:"tools"`
	Endpoints map[string]string `json:"endpoints"`
}

func (h *handlers) manifest(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, manifest{
		Version: MCPProtocolVersion,
		Tools:   mcpserver.Tools(),
		Endpoints: map[string]string{
			"mcp":         "/mcp",
			"discover":    "/v1/discover",
			"fetch":       "/v1/fetch",
			"receiptKeys": "/.well-known/receipt-keys.json",
		},
	})
}

func (h *handlers) receiptKeys(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, h.svc.ReceiptKeys())
}
