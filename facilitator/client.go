package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/retry"
)

// AuthorizationProvider returns an Authorization header value for a request.
// It is called once per HTTP attempt and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// Client is an HTTP facilitator client. Verify and settle are sent exactly
// once; only the read-only /supported call is retried.
type Client struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.x402.org").
	BaseURL string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Timeouts TimeoutConfig

	// Authorization is a static Authorization header value. If
	// AuthorizationProvider is also set, the provider takes precedence.
	Authorization         string
	AuthorizationProvider AuthorizationProvider

	// Retry applies to Supported. Zero value means retry.DefaultConfig.
	Retry retry.Config

	Logger *slog.Logger
}

var _ Interface = (*Client)(nil)

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) setAuthorizationHeader(req *http.Request) {
	var v string
	if c.AuthorizationProvider != nil {
		v = c.AuthorizationProvider(req)
	} else {
		v = c.Authorization
	}
	if v != "" {
		req.Header.Set("Authorization", v)
	}
}

// withTimeout applies d only when ctx carries no deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration, failure error, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp, failure)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", failure, err)
	}
	return nil
}

// Verify verifies a payment authorization without executing the transaction.
func (c *Client) Verify(ctx context.Context, payment paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*VerifyResponse, error) {
	timeout := c.Timeouts.VerifyTimeout
	if timeout == 0 {
		timeout = DefaultTimeouts.VerifyTimeout
	}

	var resp VerifyResponse
	req := Request{X402Version: paygate.X402Version, PaymentPayload: payment, PaymentRequirements: requirement}
	if err := c.post(ctx, "/verify", req, timeout, paygate.ErrVerificationFailed, &resp); err != nil {
		c.logger().WarnContext(ctx, "facilitator verify failed", "network", requirement.Network, "error", err)
		return nil, err
	}
	if resp.Payer == "" {
		resp.Payer = ExtractPayer(payment, c.logger())
	}

	c.logger().InfoContext(ctx, "facilitator verify",
		"network", requirement.Network,
		"valid", resp.IsValid,
		"reason", resp.InvalidReason,
		"payer", resp.Payer)
	return &resp, nil
}

// Settle executes a verified payment on the blockchain.
func (c *Client) Settle(ctx context.Context, payment paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettlementResponse, error) {
	timeout := c.Timeouts.SettleTimeout
	if timeout == 0 {
		timeout = DefaultTimeouts.SettleTimeout
	}

	var resp paygate.SettlementResponse
	req := Request{X402Version: paygate.X402Version, PaymentPayload: payment, PaymentRequirements: requirement}
	if err := c.post(ctx, "/settle", req, timeout, paygate.ErrSettlementFailed, &resp); err != nil {
		c.logger().WarnContext(ctx, "facilitator settle failed", "network", requirement.Network, "error", err)
		return nil, err
	}
	if resp.Network == "" {
		resp.Network = requirement.Network
	}

	c.logger().InfoContext(ctx, "facilitator settle",
		"network", resp.Network,
		"success", resp.Success,
		"transaction", resp.Transaction,
		"reason", resp.ErrorReason)
	return &resp, nil
}

// Supported queries the facilitator for supported payment types, retrying
// when the facilitator is unreachable or answers 5xx.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	cfg := c.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig
	}
	return retry.Do(ctx, cfg, isFacilitatorUnavailable, c.supported)
}

func (c *Client) supported(ctx context.Context) (*SupportedResponse, error) {
	timeout := c.Timeouts.VerifyTimeout
	if timeout == 0 {
		timeout = DefaultTimeouts.VerifyTimeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/supported"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: supported endpoint status %d", paygate.ErrFacilitatorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", resp.StatusCode)
	}

	var out SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &out, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errBody struct {
		InvalidReason string `json:"invalidReason"`
		ErrorReason   string `json:"errorReason"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil {
		if errBody.InvalidReason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, errBody.InvalidReason)
		}
		if errBody.ErrorReason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, errBody.ErrorReason)
		}
	}
	if len(body) > 0 && len(body) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(body))
	}
	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

func isFacilitatorUnavailable(err error) bool {
	return errors.Is(err, paygate.ErrFacilitatorUnavailable)
}
