// Package evm builds EIP-3009 USDC payments on behalf of gateway users whose
// keys are held in custody.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polycrawl/paygate"
)

var chainIDs = map[string]*big.Int{
	"base":         big.NewInt(8453),
	"base-sepolia": big.NewInt(84532),
}

// ChainID returns the EIP-155 chain id of an EVM network.
func ChainID(network string) (*big.Int, error) {
	id, ok := chainIDs[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", paygate.ErrUnsupportedNetwork, network)
	}
	return new(big.Int).Set(id), nil
}

// Signer is a custodial paygate.Signer for one EVM network.
type Signer struct {
	vault     Vault
	chain     paygate.ChainConfig
	chainID   *big.Int
	priority  int
	maxAmount *big.Int
	clock     clock.Clock
}

var _ paygate.Signer = (*Signer)(nil)

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a custodial signer for network.
func NewSigner(vault Vault, network string, opts ...SignerOption) (*Signer, error) {
	chain, err := paygate.ChainByNetwork(network)
	if err != nil {
		return nil, err
	}
	chainID, err := ChainID(network)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, fmt.Errorf("evm: vault is required")
	}

	s := &Signer{vault: vault, chain: chain, chainID: chainID, clock: clock.New()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithPriority sets the signer priority.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmount caps a single custodial payment.
func WithMaxAmount(a paygate.Amount) SignerOption {
	return func(s *Signer) error {
		if a <= 0 {
			return paygate.ErrInvalidAmount
		}
		s.maxAmount = a.Atomic(s.chain.Decimals)
		return nil
	}
}

func WithClock(clk clock.Clock) SignerOption {
	return func(s *Signer) error {
		s.clock = clk
		return nil
	}
}

func (s *Signer) Network() string     { return s.chain.NetworkID }
func (s *Signer) Scheme() string      { return paygate.SchemeExact }
func (s *Signer) Priority() int       { return s.priority }
func (s *Signer) MaxAmount() *big.Int { return s.maxAmount }

func (s *Signer) CanSign(req *paygate.PaymentRequirement) bool {
	return req.Network == s.chain.NetworkID &&
		req.Scheme == paygate.SchemeExact &&
		strings.EqualFold(req.Asset, s.chain.USDCAddress)
}

// Address returns the custodial address of owner.
func (s *Signer) Address(ctx context.Context, owner string) (common.Address, error) {
	key, err := s.vault.Key(ctx, owner)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Sign authorizes a transfer of req.MaxAmountRequired from owner to req.PayTo.
func (s *Signer) Sign(ctx context.Context, owner string, req *paygate.PaymentRequirement) (*paygate.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, paygate.ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, paygate.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, paygate.ErrAmountExceeded
	}

	name, version := s.chain.EIP3009Name, s.chain.EIP3009Version
	if v, _ := req.Extra["name"].(string); v != "" {
		name = v
	}
	if v, _ := req.Extra["version"].(string); v != "" {
		version = v
	}

	key, err := s.vault.Key(ctx, owner)
	if err != nil {
		return nil, err
	}

	auth, err := NewAuthorization(
		crypto.PubkeyToAddress(key.PublicKey),
		common.HexToAddress(req.PayTo),
		amount,
		time.Duration(req.MaxTimeoutSeconds)*time.Second,
		s.clock.Now(),
	)
	if err != nil {
		return nil, err
	}

	signature, err := Sign(key, common.HexToAddress(s.chain.USDCAddress), s.chainID, auth, name, version)
	if err != nil {
		return nil, err
	}

	return &paygate.PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      paygate.SchemeExact,
		Network:     s.chain.NetworkID,
		Payload: &paygate.EVMPayload{
			Signature:     signature,
			Authorization: auth.Wire(),
		},
	}, nil
}
