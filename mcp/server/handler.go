package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/polycrawl/paygate"
)

const (
	// MetaKeyPayment is the key for payment data in MCP request params._meta
	MetaKeyPayment = "x402/payment"
	// MetaKeyPaymentResponse is the key for settlement response in MCP result._meta
	MetaKeyPaymentResponse = "x402/payment-response"
	// MetaKeyCustodial asks the gateway to sign the payment with the
	// caller's delegated key.
	MetaKeyCustodial = "x402/custodial"

	// CodePaymentRequired is the JSON-RPC error code of payment failures.
	CodePaymentRequired = 402
)

const maxBodyBytes = 1 << 20

// call is the per-request state shared between PaymentHandler and the tool
// handlers.
type call struct {
	payment    *paygate.PaymentPayload
	paymentErr error
	custodial  bool

	settled *paygate.SettlementResponse
	failure *paygate.Error
}

type callKey struct{}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	return c
}

// PaymentHandler wraps an MCP HTTP handler. It lifts the x402 payment out
// of tools/call params._meta for the tool handlers, answers payment
// failures with a JSON-RPC 402 error carrying the requirements, and
// reports a completed settlement in result._meta.
type PaymentHandler struct {
	next   http.Handler
	logger *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(next http.Handler, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{next: next, logger: logger}
}

// ServeHTTP intercepts tools/call requests; everything else passes through.
func (h *PaymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.next.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var rpc struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     any             `json:"id"`
	}
	if err := json.Unmarshal(body, &rpc); err != nil || rpc.Method != "tools/call" {
		// Batches and malformed bodies are answered by the MCP server.
		h.next.ServeHTTP(w, r)
		return
	}

	var params struct {
		Name string         `json:"name"`
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		writeError(w, rpc.ID, -32602, "Invalid params", nil)
		return
	}

	c := &call{}
	if raw, ok := params.Meta[MetaKeyPayment]; ok {
		c.payment, c.paymentErr = decodePayment(raw)
	}
	c.custodial, _ = params.Meta[MetaKeyCustodial].(bool)

	rec := &responseRecorder{headerMap: make(http.Header), statusCode: http.StatusOK}
	h.next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), callKey{}, c)))

	if c.failure != nil {
		h.logger.InfoContext(r.Context(), "tool call requires payment", "tool", params.Name, "code", c.failure.Code)
		writeError(w, rpc.ID, CodePaymentRequired, c.failure.Message, paymentData(c.failure))
		return
	}
	out := rec.body.Bytes()
	if c.settled != nil {
		if injected, err := injectSettlement(out, c.settled); err == nil {
			out = injected
			rec.headerMap.Del("Content-Length")
		} else {
			h.logger.WarnContext(r.Context(), "failed to attach settlement to tool result", "error", err)
		}
	}
	for k, v := range rec.headerMap {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.statusCode)
	_, _ = w.Write(out)
}

func decodePayment(raw any) (*paygate.PaymentPayload, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeMalformedPayment, "malformed x402/payment", err)
	}
	var p paygate.PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, paygate.NewError(paygate.CodeMalformedPayment, "malformed x402/payment", err)
	}
	if p.X402Version != paygate.X402Version {
		return nil, paygate.NewError(paygate.CodePaymentInvalid, "unsupported x402Version", paygate.ErrUnsupportedVersion)
	}
	return &p, nil
}

func paymentData(e *paygate.Error) map[string]any {
	data := map[string]any{
		"x402Version": paygate.X402Version,
		"error":       string(e.Code),
		"accepts":     e.Accepts,
	}
	if e.Accepts == nil {
		data["accepts"] = []paygate.PaymentRequirement{}
	}
	if e.Quote != nil {
		data["quote"] = *e.Quote
	}
	if e.Cap != nil {
		data["cap"] = *e.Cap
	}
	return data
}

// injectSettlement adds the settlement to result._meta of a JSON-RPC
// response.
func injectSettlement(body []byte, settled *paygate.SettlementResponse) ([]byte, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(resp["result"], &result); err != nil {
		return nil, err
	}
	meta, ok := result["_meta"].(map[string]any)
	if !ok {
		meta = make(map[string]any)
	}
	meta[MetaKeyPaymentResponse] = settled
	result["_meta"] = meta

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp["result"] = encoded
	return json.Marshal(resp)
}

// writeError writes a JSON-RPC error response
func writeError(w http.ResponseWriter, id any, code int, message string, data any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
}

// responseRecorder records HTTP responses for modification
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
