// Package svm builds Solana USDC payments on behalf of gateway users whose
// transfer keys are held in custody, and pushes provider payouts on chain.
//
// Payments are SPL transferChecked transactions with a compute budget,
// signed by the user's delegated key and left for the facilitator's fee
// payer to co-sign and submit.
package svm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/polycrawl/paygate"
)

// BlockhashSource supplies recent blockhashes. *rpc.Client satisfies it.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Signer is a custodial paygate.Signer for one Solana network.
type Signer struct {
	vault     Vault
	chain     paygate.ChainConfig
	blocks    BlockhashSource
	priority  int
	maxAmount *big.Int
	unitLimit uint32
	unitPrice uint64
}

var _ paygate.Signer = (*Signer)(nil)

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a custodial signer for network.
func NewSigner(vault Vault, network string, blocks BlockhashSource, opts ...SignerOption) (*Signer, error) {
	chain, err := paygate.ChainByNetwork(network)
	if err != nil {
		return nil, err
	}
	if chain.Type != paygate.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s is not a Solana network", paygate.ErrUnsupportedNetwork, network)
	}
	if vault == nil || blocks == nil {
		return nil, fmt.Errorf("svm: vault and blockhash source are required")
	}

	s := &Signer{vault: vault, chain: chain, blocks: blocks}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithMint overrides the USDC mint and decimals.
func WithMint(mint string, decimals uint8) SignerOption {
	return func(s *Signer) error {
		if _, err := solana.PublicKeyFromBase58(mint); err != nil {
			return fmt.Errorf("invalid mint address: %w", err)
		}
		s.chain.USDCAddress = mint
		s.chain.Decimals = decimals
		return nil
	}
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

func WithComputeBudget(limit uint32, price uint64) SignerOption {
	return func(s *Signer) error {
		s.unitLimit, s.unitPrice = limit, price
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

// Sign builds the owner's transferChecked for req.
func (s *Signer) Sign(ctx context.Context, owner string, req *paygate.PaymentRequirement) (*paygate.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, paygate.ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || !amount.IsUint64() {
		return nil, paygate.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, paygate.ErrAmountExceeded
	}

	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	feePayer, err := feePayerOf(req)
	if err != nil {
		return nil, err
	}

	key, err := s.vault.Key(ctx, owner)
	if err != nil {
		return nil, err
	}
	recent, err := s.blocks.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := Transfer{
		Owner:     key,
		Recipient: recipient,
		Mint:      solana.MustPublicKeyFromBase58(s.chain.USDCAddress),
		Amount:    amount.Uint64(),
		Decimals:  s.chain.Decimals,
		FeePayer:  feePayer,
		Blockhash: recent.Value.Blockhash,
		UnitLimit: s.unitLimit,
		UnitPrice: s.unitPrice,
	}.Base64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrSigningFailed, err)
	}

	return &paygate.PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      paygate.SchemeExact,
		Network:     s.chain.NetworkID,
		Payload:     &paygate.SVMPayload{Transaction: tx},
	}, nil
}

// feePayerOf reads extra.feePayer, as advertised by the facilitator.
func feePayerOf(req *paygate.PaymentRequirement) (solana.PublicKey, error) {
	s, _ := req.Extra["feePayer"].(string)
	if s == "" {
		return solana.PublicKey{}, fmt.Errorf("feePayer not found in requirement extra")
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}
	return pk, nil
}
