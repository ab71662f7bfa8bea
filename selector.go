package paygate

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// SelectSigner picks the signer that should pay req: the lowest priority
// value among signers that can sign it within their limit. Ties keep the
// configured order.
func SelectSigner(req *PaymentRequirement, signers []Signer) (Signer, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil requirement", ErrNoValidSigner)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: no signers configured", ErrNoValidSigner)
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("%w: maxAmountRequired %q", ErrInvalidAmount, req.MaxAmountRequired)
	}

	var candidates []Signer
	overLimit := false
	for _, s := range signers {
		if !s.CanSign(req) {
			continue
		}
		if limit := s.MaxAmount(); limit != nil && required.Cmp(limit) > 0 {
			overLimit = true
			continue
		}
		candidates = append(candidates, s)
	}

	if len(candidates) == 0 {
		if overLimit {
			return nil, fmt.Errorf("%w: %s on %s", ErrAmountExceeded, req.MaxAmountRequired, req.Network)
		}
		return nil, fmt.Errorf("%w: network %s asset %s", ErrNoValidSigner, req.Network, req.Asset)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() < candidates[j].Priority()
	})
	return candidates[0], nil
}

// SelectAndSign selects a signer for req and signs on behalf of owner.
func SelectAndSign(ctx context.Context, owner string, req *PaymentRequirement, signers []Signer) (*PaymentPayload, error) {
	s, err := SelectSigner(req, signers)
	if err != nil {
		return nil, err
	}
	payment, err := s.Sign(ctx, owner, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return payment, nil
}
