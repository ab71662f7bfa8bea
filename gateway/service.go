// Package gateway runs the discover and fetch pipelines: it prices a
// request, enforces caps, reserves funds on the ledger or verifies an x402
// payment, retrieves content, settles and issues the signed receipt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/ledger"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
	"github.com/polycrawl/paygate/settlement"
	jose "gopkg.in/square/go-jose.v2"
)

// DefaultSignedURLTTL is the lifetime of retrieval URLs for stored assets.
const DefaultSignedURLTTL = 15 * time.Minute

// PaymentPolicy selects how unpaid requests are funded.
type PaymentPolicy string

const (
	// PolicyLedgerFirst holds funds on the ledger unless the caller
	// attaches a payment or asks for a custodial one.
	PolicyLedgerFirst PaymentPolicy = "ledger"
	// PolicyX402 funds every priced request with an x402 payment.
	PolicyX402 PaymentPolicy = "x402"
)

// Service is the gateway core. It is safe for concurrent use.
type Service struct {
	dir      catalog.Directory
	ledger   ledger.Ledger
	receipts *receipt.Issuer

	fetcher  catalog.Fetcher
	urls     catalog.URLSigner
	urlTTL   time.Duration
	capStore pricing.CapStore
	caps     *pricing.CapChecker
	settle   *settlement.Adapter
	policy   PaymentPolicy
	payouts  settlement.Payouts
	requests RequestStore
	feeBps   int

	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithFetcher(f catalog.Fetcher) Option { return func(s *Service) { s.fetcher = f } }

func WithURLSigner(u catalog.URLSigner) Option { return func(s *Service) { s.urls = u } }

func WithSignedURLTTL(ttl time.Duration) Option { return func(s *Service) { s.urlTTL = ttl } }

// WithCaps enforces the spending caps in store.
func WithCaps(store pricing.CapStore) Option { return func(s *Service) { s.capStore = store } }

// WithSettlement enables x402 payments through a.
func WithSettlement(a *settlement.Adapter) Option { return func(s *Service) { s.settle = a } }

// WithPaymentPolicy chooses between ledger holds and x402 payments for
// requests that carry no payment. The default is PolicyLedgerFirst.
func WithPaymentPolicy(p PaymentPolicy) Option { return func(s *Service) { s.policy = p } }

// WithPayouts pushes provider shares of ledger-settled requests on chain.
func WithPayouts(p settlement.Payouts) Option { return func(s *Service) { s.payouts = p } }

func WithRequests(r RequestStore) Option { return func(s *Service) { s.requests = r } }

// WithFeeBps sets the platform fee in basis points.
func WithFeeBps(bps int) Option { return func(s *Service) { s.feeBps = bps } }

func WithClock(clk clock.Clock) Option { return func(s *Service) { s.clock = clk } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// New builds a Service.
func New(dir catalog.Directory, l ledger.Ledger, receipts *receipt.Issuer, opts ...Option) (*Service, error) {
	if dir == nil || l == nil || receipts == nil {
		return nil, fmt.Errorf("gateway: directory, ledger and receipt issuer are required")
	}
	s := &Service{
		dir:      dir,
		ledger:   l,
		receipts: receipts,
		urlTTL:   DefaultSignedURLTTL,
		policy:   PolicyLedgerFirst,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feeBps < 0 || s.feeBps > 10000 {
		return nil, fmt.Errorf("gateway: fee must be between 0 and 10000 bps, got %d", s.feeBps)
	}
	if s.policy != PolicyLedgerFirst && s.policy != PolicyX402 {
		return nil, fmt.Errorf("gateway: unknown payment policy %q", s.policy)
	}
	if s.policy == PolicyX402 && s.settle == nil {
		return nil, fmt.Errorf("gateway: x402 payment policy requires settlement")
	}
	if s.requests == nil {
		s.requests = NewMemoryRequests()
	}
	if s.capStore != nil {
		s.caps = pricing.NewCapChecker(s.capStore, s.requests, s.clock)
	}
	return s, nil
}

// Agent resolves a verified key id to its registered agent.
func (s *Service) Agent(ctx context.Context, keyID string) (*catalog.Agent, error) {
	if keyID == "" {
		return nil, paygate.Errorf(paygate.CodeAgentInvalid, "no verified key")
	}
	a, err := s.dir.AgentByKey(ctx, keyID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, paygate.NewError(paygate.CodeAgentInvalid, "key is not registered to an agent", err)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Receipt returns the receipt of a request.
func (s *Service) Receipt(ctx context.Context, requestID string) (*receipt.Record, error) {
	rec, err := s.receipts.Get(ctx, requestID)
	if errors.Is(err, receipt.ErrNotFound) {
		return nil, paygate.NewError(paygate.CodeResourceNotFound, "receipt not found", err)
	}
	if err != nil {
		return nil, err
	}
	if rec.State == receipt.StatePending {
		// A pending receipt of a request that failed before funds moved
		// is never finalized.
		req, err := s.requests.Get(ctx, requestID)
		if err != nil && !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		if req != nil && req.Status == StatusFailed {
			return nil, paygate.Errorf(paygate.CodeResourceNotFound, "receipt not found")
		}
	}
	return rec, nil
}

// ReceiptKeys returns the public keys receipts verify against.
func (s *Service) ReceiptKeys() jose.JSONWebKeySet { return s.receipts.JWKS() }

// Wallet returns a balance snapshot.
func (s *Service) Wallet(ctx context.Context, user string, role ledger.Role) (*ledger.Wallet, error) {
	if !role.Valid() {
		return nil, paygate.Errorf(paygate.CodeBadRequest, "unknown wallet role %q", role)
	}
	return s.ledger.Wallet(ctx, user, role)
}

// Entries lists the most recent ledger entries of a wallet.
func (s *Service) Entries(ctx context.Context, user string, role ledger.Role, limit int) ([]ledger.Entry, error) {
	if !role.Valid() {
		return nil, paygate.Errorf(paygate.CodeBadRequest, "unknown wallet role %q", role)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.Entries(ctx, user, role, limit)
}

// Caps returns the spending caps that apply to user.
func (s *Service) Caps(ctx context.Context, user string) (pricing.Caps, error) {
	if s.capStore == nil {
		return pricing.Caps{}, nil
	}
	return s.capStore.Caps(ctx, user)
}

// SetCaps replaces user's spending caps.
func (s *Service) SetCaps(ctx context.Context, user string, caps pricing.Caps) error {
	if s.capStore == nil {
		return paygate.Errorf(paygate.CodeBadRequest, "spending caps are not enabled")
	}
	if caps.WeeklyGlobal != nil && *caps.WeeklyGlobal < 0 || caps.DailyPerResource != nil && *caps.DailyPerResource < 0 {
		return paygate.Errorf(paygate.CodeBadRequest, "caps must be non-negative")
	}
	for mode, limit := range caps.PerMode {
		if !catalog.Mode(mode).Valid() || limit < 0 {
			return paygate.Errorf(paygate.CodeBadRequest, "invalid per-mode cap %q", mode)
		}
	}
	return s.capStore.SetCaps(ctx, user, caps)
}

// HoldSwept is the ledger sweeper callback. It fails the request whose
// hold expired.
func (s *Service) HoldSwept(h ledger.Hold) {
	s.metrics.swept()
	_, err := s.requests.Transition(context.Background(), h.RequestID, StatusFailed, Update{Failure: "HOLD_EXPIRED", At: s.clock.Now()})
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrRequestNotFound) {
		s.logger.Warn("failed to mark swept request", "request_id", h.RequestID, "error", err)
	}
}
