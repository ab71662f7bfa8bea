// Package settlement is the gateway's side of the x402 exchange: it prices
// a request into payment requirements, verifies and settles presented
// payments through a facilitator, and builds payments for callers that
// delegate their keys to the gateway.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/facilitator"
	"github.com/polycrawl/paygate/validation"
)

// ErrFeePayerUnavailable is returned when a Solana requirement cannot be
// built because the facilitator advertises no fee payer.
var ErrFeePayerUnavailable = errors.New("settlement: facilitator fee payer unavailable")

// Config describes what the gateway asks to be paid in.
type Config struct {
	Network string
	PayTo   string

	// Asset and Decimals default to the network's USDC deployment.
	Asset    string
	Decimals uint8

	// MaxTimeoutSeconds is advertised to payers and bounds the verify and
	// settle round trips. Defaults to 60.
	MaxTimeoutSeconds int
	MimeType          string
}

// Payouts pushes the provider's share of an internally settled request on
// chain.
type Payouts interface {
	Payout(ctx context.Context, toAddress string, amount paygate.Amount) (tx string, err error)
}

// Adapter verifies and settles x402 payments for one network.
type Adapter struct {
	cfg     Config
	chain   paygate.ChainConfig
	fac     facilitator.Interface
	caps    *facilitator.Capabilities
	signers []paygate.Signer
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCapabilities sets the capability cache used for fee-payer discovery.
// Without it Solana requirements cannot be built.
func WithCapabilities(c *facilitator.Capabilities) Option {
	return func(a *Adapter) { a.caps = c }
}

// WithSigners sets the custodial signers used by Custodial.
func WithSigners(signers ...paygate.Signer) Option {
	return func(a *Adapter) { a.signers = append(a.signers, signers...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New validates cfg and returns an adapter.
func New(cfg Config, fac facilitator.Interface, opts ...Option) (*Adapter, error) {
	if fac == nil {
		return nil, fmt.Errorf("settlement: facilitator is required")
	}
	if cfg.Network == "" {
		cfg.Network = paygate.DefaultNetwork
	}
	chain, err := paygate.ChainByNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.Asset != "" {
		chain.USDCAddress = cfg.Asset
	}
	if cfg.Decimals != 0 {
		chain.Decimals = cfg.Decimals
	}
	if err := validation.ValidateAddress(cfg.PayTo, cfg.Network); err != nil {
		return nil, fmt.Errorf("settlement: payTo: %w", err)
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}

	a := &Adapter{cfg: cfg, chain: chain, fac: fac, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Network returns the network payments are requested on.
func (a *Adapter) Network() string { return a.cfg.Network }

// Chain returns the effective chain configuration.
func (a *Adapter) Chain() paygate.ChainConfig { return a.chain }

// Requirement builds the payment requirement for cost.
func (a *Adapter) Requirement(ctx context.Context, cost paygate.Amount, resourceURL, description string) (paygate.PaymentRequirement, error) {
	req, err := paygate.NewUSDCRequirement(paygate.USDCRequirement{
		Chain:             a.chain,
		Amount:            cost,
		PayTo:             a.cfg.PayTo,
		Resource:          resourceURL,
		Description:       description,
		MimeType:          a.cfg.MimeType,
		MaxTimeoutSeconds: a.cfg.MaxTimeoutSeconds,
	})
	if err != nil {
		return paygate.PaymentRequirement{}, err
	}

	if a.chain.Type == paygate.NetworkTypeSVM {
		if a.caps == nil {
			return paygate.PaymentRequirement{}, ErrFeePayerUnavailable
		}
		feePayer, err := a.caps.FeePayer(ctx, req.Network, req.Scheme)
		if err != nil {
			return paygate.PaymentRequirement{}, fmt.Errorf("%w: %v", ErrFeePayerUnavailable, err)
		}
		if feePayer == "" {
			return paygate.PaymentRequirement{}, ErrFeePayerUnavailable
		}
		req.Extra = map[string]interface{}{"feePayer": feePayer}
	}
	return req, nil
}

// Match checks that payment answers req.
func (a *Adapter) Match(payment paygate.PaymentPayload, req paygate.PaymentRequirement) error {
	if payment.Scheme != req.Scheme {
		return fmt.Errorf("%w: scheme %q, expected %q", paygate.ErrUnsupportedScheme, payment.Scheme, req.Scheme)
	}
	if payment.Network != req.Network {
		return fmt.Errorf("%w: network %q, expected %q", paygate.ErrUnsupportedNetwork, payment.Network, req.Network)
	}
	return nil
}

func (a *Adapter) deadline(ctx context.Context, req paygate.PaymentRequirement) (context.Context, context.CancelFunc) {
	secs := req.MaxTimeoutSeconds
	if secs <= 0 {
		secs = a.cfg.MaxTimeoutSeconds
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}

// Verify checks payment against req with the facilitator. An invalid
// payment is reported as PAYMENT_INVALID carrying req so the caller can
// pay again; a transport failure is SETTLEMENT_FAILED.
func (a *Adapter) Verify(ctx context.Context, payment paygate.PaymentPayload, req paygate.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return nil, paygate.NewError(paygate.CodeMalformedPayment, "payment payload rejected", err).WithAccepts(req)
	}
	if err := a.Match(payment, req); err != nil {
		return nil, paygate.NewError(paygate.CodePaymentInvalid, "payment does not match requirements", err).WithAccepts(req)
	}

	ctx, cancel := a.deadline(ctx, req)
	defer cancel()

	a.logger.InfoContext(ctx, "verifying payment", "scheme", payment.Scheme, "network", payment.Network, "amount", req.MaxAmountRequired)
	resp, err := a.fac.Verify(ctx, payment, req)
	if err != nil {
		if errors.Is(err, paygate.ErrVerificationFailed) {
			return nil, paygate.NewError(paygate.CodePaymentInvalid, "payment verification failed", err).WithAccepts(req)
		}
		return nil, paygate.NewError(paygate.CodeSettlementFailed, "facilitator verify failed", err)
	}
	if !resp.IsValid {
		a.logger.InfoContext(ctx, "payment invalid", "reason", resp.InvalidReason, "payer", resp.Payer)
		return nil, paygate.Errorf(paygate.CodePaymentInvalid, "payment invalid: %s", resp.InvalidReason).WithAccepts(req)
	}
	return resp, nil
}

// Settle broadcasts a verified payment. It is called exactly once per
// payment.
func (a *Adapter) Settle(ctx context.Context, payment paygate.PaymentPayload, req paygate.PaymentRequirement) (*paygate.SettlementResponse, error) {
	ctx, cancel := a.deadline(ctx, req)
	defer cancel()

	a.logger.InfoContext(ctx, "settling payment", "scheme", payment.Scheme, "network", payment.Network)
	resp, err := a.fac.Settle(ctx, payment, req)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeSettlementFailed, "facilitator settle failed", err)
	}
	if !resp.Success {
		return resp, paygate.Errorf(paygate.CodeSettlementFailed, "settlement failed: %s", resp.ErrorReason)
	}
	a.logger.InfoContext(ctx, "payment settled", "transaction", resp.Transaction, "payer", resp.Payer)
	return resp, nil
}

// Custodial builds a payment for owner with the configured custodial
// signers.
func (a *Adapter) Custodial(ctx context.Context, owner string, req paygate.PaymentRequirement) (*paygate.PaymentPayload, error) {
	payment, err := paygate.SelectAndSign(ctx, owner, &req, a.signers)
	if err != nil {
		if errors.Is(err, paygate.ErrNoValidSigner) || errors.Is(err, paygate.ErrAmountExceeded) {
			return nil, paygate.NewError(paygate.CodePaymentRequired, "no custodial signer for requirement", err).WithAccepts(req)
		}
		return nil, paygate.NewError(paygate.CodePaymentInvalid, "custodial signing failed", err).WithAccepts(req)
	}
	return payment, nil
}
