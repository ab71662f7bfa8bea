package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/ledger"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
)

// Caller is the verified identity behind a request.
type Caller struct {
	KeyID string
	// TapDigest fingerprints the verified signature and is copied to the
	// receipt.
	TapDigest string
}

type Constraints struct {
	MaxCost  *paygate.Amount `json:"maxCost,omitempty"`
	MaxBytes int64           `json:"maxBytes,omitempty"`
}

type FetchInput struct {
	ResourceID  string       `json:"resourceId"`
	Mode        catalog.Mode `json:"mode"`
	Constraints Constraints  `json:"constraints"`

	// Payment is the decoded X-PAYMENT payload, if any.
	Payment *paygate.PaymentPayload `json:"-"`
	// Custodial asks the gateway to sign the payment with the caller's
	// delegated key.
	Custodial bool `json:"-"`
	// ResourceURL is advertised in payment requirements.
	ResourceURL string `json:"-"`
}

// PendingSettlement is a verified x402 payment whose content has been
// fetched but which has not been settled yet.
type PendingSettlement struct {
	RequestID   string
	Payment     paygate.PaymentPayload
	Requirement paygate.PaymentRequirement
	Payer       string
	Cost        paygate.Amount
	// Receipt is the pending receipt finalized on completion.
	Receipt *receipt.Receipt
}

type FetchResult struct {
	RequestID string           `json:"requestId"`
	Content   catalog.Content  `json:"content"`
	Receipt   *receipt.Receipt `json:"receipt"`
	// Pending is set when the caller must complete external settlement
	// with CompleteExternal before delivering Content.
	Pending *PendingSettlement `json:"-"`
}

// fetchRun is the mutable state of one pipeline execution that the unwind
// inspects.
type fetchRun struct {
	request     *Request
	hold        *ledger.Hold
	captured    bool
	reservation *pricing.Reservation
	settlement  receipt.Settlement
	pending     bool
}

// Fetch runs the paid fetch pipeline. Any failure after the request row is
// created releases reserved funds and marks the request failed.
func (s *Service) Fetch(ctx context.Context, caller Caller, in FetchInput) (res *FetchResult, err error) {
	start := s.clock.Now()

	agent, err := s.Agent(ctx, caller.KeyID)
	if err != nil {
		return nil, err
	}
	if err := validateFetch(&in); err != nil {
		return nil, err
	}
	resource, err := s.dir.Resource(ctx, in.ResourceID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, paygate.NewError(paygate.CodeResourceNotFound, "resource not found", err)
	}
	if err != nil {
		return nil, err
	}
	provider, err := s.dir.Provider(ctx, resource.ProviderID)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeProviderNotFound, "resource provider not found", err)
	}
	if !resource.AllowsMode(in.Mode) {
		return nil, paygate.Errorf(paygate.CodeModeNotAllowed, "mode %q is not allowed for this resource", in.Mode)
	}
	if !resource.Permits(agent.ID) {
		return nil, paygate.Errorf(paygate.CodeProviderPolicyDeny, "provider policy denies access")
	}

	now := s.clock.Now()
	run := &fetchRun{request: &Request{
		ID:         "rq_" + uuid.NewString(),
		UserID:     agent.UserID,
		AgentID:    agent.ID,
		ResourceID: resource.ID,
		ProviderID: provider.ID,
		Mode:       string(in.Mode),
		Status:     StatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	if err := s.requests.Create(ctx, *run.request); err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "fetch pipeline panicked", "request_id", run.request.ID, "panic", p)
			res, err = nil, paygate.NewError(paygate.CodeInternal, "internal error", fmt.Errorf("panic: %v", p))
		}
		s.finish(ctx, run, err, start)
	}()

	sameOwner := provider.UserID == agent.UserID
	est := pricing.Estimate(resource.Pricing, sameOwner, in.Constraints.MaxBytes)
	if maxCost := in.Constraints.MaxCost; maxCost != nil && est.Cost > *maxCost {
		return nil, paygate.Errorf(paygate.CodeMaxCostExceeded, "estimated cost %s exceeds maxCost %s", est.Cost, *maxCost).WithQuote(est.Cost)
	}
	if s.caps != nil {
		run.reservation, err = s.caps.Reserve(ctx, agent.UserID, resource.ID, string(in.Mode), est.Cost)
		if err != nil {
			return nil, err
		}
	}

	var external *PendingSettlement
	switch {
	case sameOwner:
		run.settlement = receipt.SettlementWaived
	case est.Cost == 0:
		run.settlement = receipt.SettlementFree
	case in.Payment != nil || in.Custodial || s.policy == PolicyX402:
		run.settlement = receipt.SettlementX402
		external, err = s.verifyExternal(ctx, agent, resource, est, in)
		if err != nil {
			return nil, err
		}
		external.RequestID = run.request.ID
	default:
		run.settlement = receipt.SettlementLedger
		run.hold, err = s.ledger.CreateHold(ctx, agent.UserID, run.request.ID, est.Cost)
		if err != nil {
			return nil, s.holdError(ctx, err, est.Cost, resource, in.ResourceURL)
		}
	}

	content, bytes, err := s.retrieve(ctx, resource, in.Mode, est.Bytes)
	if err != nil {
		return nil, err
	}
	if in.Constraints.MaxBytes > 0 && bytes > in.Constraints.MaxBytes {
		return nil, paygate.Errorf(paygate.CodeUpstreamFailed, "content is %d bytes, maxBytes is %d", bytes, in.Constraints.MaxBytes)
	}

	final := pricing.Final(resource.Pricing, sameOwner, bytes)
	if final.Cost > est.Cost || external != nil {
		// Callers never pay more than the quote, and an exact x402 payment
		// settles the quoted amount.
		final.Cost = est.Cost
	}
	fee := pricing.Fee(final.Cost, s.feeBps)

	r := receipt.Receipt{
		RequestID:   run.request.ID,
		Resource:    receipt.Resource{ID: resource.ID, Title: resource.Title},
		ProviderID:  provider.ID,
		UserID:      agent.UserID,
		AgentID:     agent.ID,
		Mode:        string(in.Mode),
		BytesBilled: bytes,
		PaidTotal:   final.Cost,
		Splits:      pricing.Splits(final.Cost, fee),
		Settlement:  run.settlement,
		TapDigest:   caller.TapDigest,
	}
	switch final.Basis {
	case pricing.BasisFlat:
		r.FlatPrice = &resource.Pricing.Flat
	case pricing.BasisPerKB:
		r.UnitPrice = &resource.Pricing.PerKB
	}

	if external != nil {
		external.Cost = final.Cost
		if _, err := s.requests.Transition(ctx, run.request.ID, StatusAwaitingSettlement,
			Update{BytesBilled: bytes, Cost: final.Cost, Settlement: run.settlement, At: s.clock.Now()}); err != nil {
			return nil, err
		}
		run.pending = true
		pending, err := s.receipts.Pending(ctx, r)
		if err != nil {
			return nil, err
		}
		external.Receipt = pending
		return &FetchResult{RequestID: run.request.ID, Content: content, Receipt: pending, Pending: external}, nil
	}

	if run.hold == nil {
		// Nothing moves, so the receipt is issued before the request settles.
		issued, err := s.receipts.Issue(ctx, r)
		if err != nil {
			return nil, err
		}
		if _, err := s.requests.Transition(ctx, run.request.ID, StatusSettled,
			Update{BytesBilled: bytes, Cost: final.Cost, Settlement: run.settlement, At: s.clock.Now()}); err != nil {
			return nil, err
		}
		s.metrics.settle(string(run.settlement), final.Cost)
		s.logger.InfoContext(ctx, "fetch settled",
			"request_id", run.request.ID,
			"resource_id", resource.ID,
			"settlement", run.settlement,
			"bytes", bytes)
		return &FetchResult{RequestID: run.request.ID, Content: content, Receipt: issued}, nil
	}

	// The pending record is written before the capture so a settled
	// request always has a receipt.
	pending, err := s.receipts.Pending(ctx, r)
	if err != nil {
		return nil, err
	}
	capture, err := s.ledger.CaptureHold(ctx, run.hold.ID, final.Cost, provider.UserID, fee)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeSettlementFailed, "hold capture failed", err)
	}
	run.captured = true

	// Funds have moved. From here on failures are logged and the caller
	// still gets the content.
	settled := context.WithoutCancel(ctx)
	txs := receipt.Transactions{Payout: s.pushPayout(settled, provider, capture.Payout, run.request.ID)}
	if _, err := s.requests.Transition(settled, run.request.ID, StatusSettled,
		Update{BytesBilled: bytes, Cost: final.Cost, Settlement: run.settlement, At: s.clock.Now()}); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark captured request settled", "request_id", run.request.ID, "error", err)
	}
	s.metrics.settle(string(run.settlement), final.Cost)

	s.logger.InfoContext(ctx, "fetch settled",
		"request_id", run.request.ID,
		"resource_id", resource.ID,
		"settlement", run.settlement,
		"cost", final.Cost.String(),
		"bytes", bytes)
	return &FetchResult{RequestID: run.request.ID, Content: content, Receipt: s.finalizeReceipt(settled, pending, txs)}, nil
}

// finalizeReceipt signs the pending receipt of a paid request. When that
// fails the record stays pending and the unsigned receipt is returned.
func (s *Service) finalizeReceipt(ctx context.Context, pending *receipt.Receipt, txs receipt.Transactions) *receipt.Receipt {
	final, err := s.receipts.Finalize(ctx, pending.RequestID, txs)
	if err == nil {
		return final
	}
	s.logger.ErrorContext(ctx, "receipt left pending after settlement", "request_id", pending.RequestID, "error", err)
	out := *pending
	out.X402Tx, out.PayoutTx = txs.X402, txs.Payout
	return &out
}

func validateFetch(in *FetchInput) error {
	if in.ResourceID == "" {
		return paygate.Errorf(paygate.CodeBadRequest, "resourceId is required")
	}
	if in.Mode == "" {
		in.Mode = catalog.ModeRaw
	}
	if !in.Mode.Valid() {
		return paygate.Errorf(paygate.CodeBadRequest, "mode must be raw or summary")
	}
	if in.Constraints.MaxBytes < 0 {
		return paygate.Errorf(paygate.CodeBadRequest, "maxBytes must be non-negative")
	}
	if in.Constraints.MaxCost != nil && *in.Constraints.MaxCost < 0 {
		return paygate.Errorf(paygate.CodeBadRequest, "maxCost must be non-negative")
	}
	return nil
}

// finish is the pipeline unwind. On failure it releases the hold unless it
// was captured and fails the request unless it already reached a terminal
// or awaiting state. The cap reservation is always dropped because
// committed spend is counted by the request store from here on.
func (s *Service) finish(ctx context.Context, run *fetchRun, err error, start time.Time) {
	run.reservation.Release()
	outcome := "settled"
	switch {
	case err != nil:
		outcome = "failed"
	case run.pending:
		outcome = "pending"
	}
	s.metrics.fetch(outcome, string(run.settlement), s.clock.Since(start))
	if err == nil {
		return
	}

	cleanup := context.WithoutCancel(ctx)
	if run.hold != nil && !run.captured {
		if _, rerr := s.ledger.ReleaseHold(cleanup, run.hold.ID); rerr != nil {
			s.logger.ErrorContext(ctx, "failed to release hold", "hold_id", run.hold.ID, "request_id", run.request.ID, "error", rerr)
		}
	}
	code := paygate.AsError(err).Code
	if _, terr := s.requests.Transition(cleanup, run.request.ID, StatusFailed, Update{Failure: string(code), At: s.clock.Now()}); terr != nil && !errors.Is(terr, ErrInvalidTransition) {
		s.logger.ErrorContext(ctx, "failed to mark request failed", "request_id", run.request.ID, "error", terr)
	}
	s.logger.InfoContext(ctx, "fetch failed", "request_id", run.request.ID, "code", code, "error", err)
}

// holdError maps a CreateHold failure. Insufficient funds carry the quote
// and, when x402 is configured, the requirement the caller may pay instead.
func (s *Service) holdError(ctx context.Context, err error, cost paygate.Amount, r *catalog.Resource, resourceURL string) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		perr := paygate.NewError(paygate.CodePaymentRequired, "insufficient funds", err).WithQuote(cost)
		if s.settle != nil {
			if req, rerr := s.settle.Requirement(ctx, cost, s.resourceURL(r, resourceURL), r.Title); rerr == nil {
				perr.WithAccepts(req)
			} else {
				s.logger.WarnContext(ctx, "cannot advertise payment requirement", "error", rerr)
			}
		}
		return perr
	case errors.Is(err, ledger.ErrWalletFrozen):
		return paygate.NewError(paygate.CodeWalletFrozen, "wallet is frozen", err)
	}
	return err
}

func (s *Service) resourceURL(r *catalog.Resource, url string) string {
	if url != "" {
		return url
	}
	return "urn:paygate:resource:" + r.ID
}

// verifyExternal builds the requirement for the quote and verifies the
// attached or custodial payment against it.
func (s *Service) verifyExternal(ctx context.Context, agent *catalog.Agent, r *catalog.Resource, est pricing.Quote, in FetchInput) (*PendingSettlement, error) {
	if s.settle == nil {
		return nil, paygate.Errorf(paygate.CodeBadRequest, "x402 payments are not enabled")
	}
	req, err := s.settle.Requirement(ctx, est.Cost, s.resourceURL(r, in.ResourceURL), r.Title)
	if err != nil {
		return nil, paygate.NewError(paygate.CodeSettlementFailed, "cannot build payment requirements", err)
	}

	payment := in.Payment
	if payment == nil {
		if !in.Custodial {
			return nil, paygate.Errorf(paygate.CodePaymentRequired, "payment required").WithQuote(est.Cost).WithAccepts(req)
		}
		if payment, err = s.settle.Custodial(ctx, agent.UserID, req); err != nil {
			return nil, withQuote(err, est.Cost)
		}
	}

	vr, err := s.settle.Verify(ctx, *payment, req)
	if err != nil {
		return nil, withQuote(err, est.Cost)
	}
	return &PendingSettlement{Payment: *payment, Requirement: req, Payer: vr.Payer}, nil
}

func withQuote(err error, cost paygate.Amount) error {
	var perr *paygate.Error
	if errors.As(err, &perr) && perr.Code.Kind() == paygate.KindPayment && perr.Quote == nil {
		perr.WithQuote(cost)
	}
	return err
}

// retrieve delivers content for mode. Summary mode serves the catalog
// summary when the resource has one.
func (s *Service) retrieve(ctx context.Context, r *catalog.Resource, mode catalog.Mode, estBytes int64) (catalog.Content, int64, error) {
	switch {
	case mode == catalog.ModeSummary && r.Summary != "":
		return catalog.InlineContent(r.Summary), int64(len(r.Summary)), nil
	case r.ConnectorID != "" && s.fetcher != nil:
		content, n, err := s.fetcher.Fetch(ctx, r)
		if err != nil {
			return nil, 0, paygate.NewError(paygate.CodeUpstreamFailed, "content retrieval failed", err)
		}
		return content, n, nil
	case r.StorageRef != "" && s.urls != nil:
		url, err := s.urls.SignURL(ctx, r.StorageRef, s.urlTTL)
		if err != nil {
			return nil, 0, paygate.NewError(paygate.CodeUpstreamFailed, "signed url generation failed", err)
		}
		return catalog.URLContent(url), estBytes, nil
	}
	return nil, 0, paygate.Errorf(paygate.CodeNoConnector, "resource %s has no connector", r.ID)
}

// pushPayout transfers the provider's share on chain and debits their
// payout wallet. Failures leave the share credited for a later payout.
func (s *Service) pushPayout(ctx context.Context, p *catalog.Provider, amount paygate.Amount, requestID string) string {
	if s.payouts == nil || p.PayoutAddress == "" || amount <= 0 {
		return ""
	}
	tx, err := s.payouts.Payout(ctx, p.PayoutAddress, amount)
	if err != nil {
		s.logger.WarnContext(ctx, "provider payout failed", "provider_id", p.ID, "request_id", requestID, "error", err)
		return ""
	}
	if _, err := s.ledger.Debit(ctx, p.UserID, ledger.RolePayout, amount, ledger.Ref{Type: "payout", ID: requestID}); err != nil {
		s.logger.ErrorContext(ctx, "payout sent but ledger debit failed", "provider_id", p.ID, "tx", tx, "error", err)
	}
	return tx
}

// CompleteExternal settles a pending x402 payment and finalizes its
// receipt. A failed settlement fails the request. Once the facilitator has
// settled, the request is settled even if the receipt cannot be signed.
func (s *Service) CompleteExternal(ctx context.Context, p *PendingSettlement) (*receipt.Receipt, *paygate.SettlementResponse, error) {
	if s.settle == nil || p == nil || p.Receipt == nil {
		return nil, nil, paygate.Errorf(paygate.CodeBadRequest, "no pending settlement")
	}
	resp, err := s.settle.Settle(ctx, p.Payment, p.Requirement)
	if err != nil {
		if _, terr := s.requests.Transition(context.WithoutCancel(ctx), p.RequestID, StatusFailed,
			Update{Failure: string(paygate.CodeSettlementFailed), At: s.clock.Now()}); terr != nil {
			s.logger.ErrorContext(ctx, "failed to mark request failed", "request_id", p.RequestID, "error", terr)
		}
		return nil, resp, err
	}
	if resp.Payer == "" {
		resp.Payer = p.Payer
	}

	settled := context.WithoutCancel(ctx)
	if _, err := s.requests.Transition(settled, p.RequestID, StatusSettled, Update{At: s.clock.Now()}); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark paid request settled", "request_id", p.RequestID, "tx", resp.Transaction, "error", err)
	}
	s.metrics.settle(string(receipt.SettlementX402), p.Cost)
	s.logger.InfoContext(ctx, "external settlement complete", "request_id", p.RequestID, "tx", resp.Transaction)
	return s.finalizeReceipt(settled, p.Receipt, receipt.Transactions{X402: resp.Transaction}), resp, nil
}
