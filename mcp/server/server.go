// Package server exposes the gateway's discover and fetch operations as MCP
// tools. Payments travel in the tool call's _meta, as in x402 over MCP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/gateway"
	"github.com/polycrawl/paygate/httpsig"
)

const (
	ToolDiscover = "discover_resources"
	ToolFetch    = "fetch_content"
)

// Server wraps an MCP server whose tools call the gateway.
type Server struct {
	svc       *gateway.Service
	mcpServer *mcpserver.MCPServer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a Server with the discover and fetch tools registered.
func New(name, version string, svc *gateway.Service, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	tools := Tools()
	s.mcpServer.AddTool(tools[0], s.discover)
	s.mcpServer.AddTool(tools[1], s.fetch)
	return s
}

// Tools returns the tool definitions, also published in the MCP manifest.
func Tools() []mcpproto.Tool {
	return []mcpproto.Tool{
		mcpproto.NewTool(ToolDiscover,
			mcpproto.WithDescription("Search and discover data resources by natural language query"),
			mcpproto.WithString("query", mcpproto.Required(), mcpproto.MinLength(2), mcpproto.Description("Search query")),
			mcpproto.WithObject("filters",
				mcpproto.Description("Optional result filters"),
				mcpproto.Properties(map[string]any{
					"format":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"maxCost": map[string]any{"type": "number", "minimum": 0},
				}),
			),
		),
		mcpproto.NewTool(ToolFetch,
			mcpproto.WithDescription("Fetch content from a resource with automatic payment"),
			mcpproto.WithString("resourceId", mcpproto.Required(), mcpproto.Description("Resource to fetch")),
			mcpproto.WithString("mode", mcpproto.Enum("raw", "summary"), mcpproto.Description("Delivery mode, raw by default")),
			mcpproto.WithObject("constraints",
				mcpproto.Description("Limits the fetch must respect"),
				mcpproto.Properties(map[string]any{
					"maxCost":  map[string]any{"type": "number", "minimum": 0},
					"maxBytes": map[string]any{"type": "number", "minimum": 0},
				}),
			),
		),
	}
}

// Handler returns the streamable HTTP transport wrapped with PaymentHandler.
func (s *Server) Handler() http.Handler {
	return NewPaymentHandler(mcpserver.NewStreamableHTTPServer(s.mcpServer, mcpserver.WithStateLess(true)), s.logger)
}

// MCPServer returns the underlying MCP server (for advanced usage)
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func callerFrom(ctx context.Context) gateway.Caller {
	sc, ok := httpsig.FromContext(ctx)
	if !ok {
		return gateway.Caller{}
	}
	return gateway.Caller{KeyID: sc.KeyID, TapDigest: sc.Digest}
}

func bindArguments(req mcpproto.CallToolRequest, v any) error {
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return paygate.NewError(paygate.CodeBadRequest, "invalid tool arguments", err)
	}
	return nil
}

func (s *Server) discover(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	var in gateway.DiscoverInput
	if err := bindArguments(req, &in); err != nil {
		return toolError(ctx, err)
	}
	out, err := s.svc.Discover(ctx, callerFrom(ctx), in)
	if err != nil {
		return toolError(ctx, err)
	}
	return jsonResult(out)
}

type fetchOutput struct {
	RequestID string `json:"requestId"`
	Content   any    `json:"content"`
	Receipt   any    `json:"receipt"`
}

func (s *Server) fetch(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	var in gateway.FetchInput
	if err := bindArguments(req, &in); err != nil {
		return toolError(ctx, err)
	}
	c := callFrom(ctx)
	if c != nil {
		if c.paymentErr != nil {
			return toolError(ctx, c.paymentErr)
		}
		in.Payment = c.payment
		in.Custodial = c.custodial
	}
	in.ResourceURL = "mcp://tools/" + ToolFetch + "?resourceId=" + url.QueryEscape(in.ResourceID)

	res, err := s.svc.Fetch(ctx, callerFrom(ctx), in)
	if err != nil {
		return toolError(ctx, err)
	}
	if res.Pending != nil {
		rcpt, settled, err := s.svc.CompleteExternal(ctx, res.Pending)
		if err != nil {
			s.logger.WarnContext(ctx, "settlement failed", "request_id", res.RequestID, "error", err)
			return toolError(ctx, err)
		}
		if c != nil {
			c.settled = settled
		}
		res.Receipt = rcpt
	}
	return jsonResult(fetchOutput{RequestID: res.RequestID, Content: res.Content, Receipt: res.Receipt})
}

func jsonResult(v any) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{mcpproto.NewTextContent(string(data))},
	}, nil
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Quote   *paygate.Amount   `json:"quote,omitempty"`
	Cap     *paygate.CapUsage `json:"cap,omitempty"`
}

// toolError reports err as a failed tool result. Payment failures are
// recorded on the call so that PaymentHandler answers with a JSON-RPC 402.
func toolError(ctx context.Context, err error) (*mcpproto.CallToolResult, error) {
	e := paygate.AsError(err)
	if e.Status() == http.StatusPaymentRequired {
		if c := callFrom(ctx); c != nil {
			c.failure = e
		}
	}
	data, merr := json.Marshal(errorBody{Error: string(e.Code), Message: e.Message, Quote: e.Quote, Cap: e.Cap})
	if merr != nil {
		return nil, errors.Join(err, merr)
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{mcpproto.NewTextContent(string(data))},
		IsError: true,
	}, nil
}
