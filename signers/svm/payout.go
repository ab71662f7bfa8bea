package svm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/polycrawl/paygate"
)

// Sender submits fully signed transactions. *rpc.Client satisfies it.
type Sender interface {
	BlockhashSource
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// Payout transfers the provider's share from the platform's USDC account.
// The platform key pays its own fees. Recipients need an existing USDC
// token account.
type Payout struct {
	sender Sender
	key    solana.PrivateKey
	chain  paygate.ChainConfig
	logger *slog.Logger
}

// NewPayout creates a payout sender for network.
func NewPayout(sender Sender, platformKey solana.PrivateKey, network string, logger *slog.Logger) (*Payout, error) {
	chain, err := paygate.ChainByNetwork(network)
	if err != nil {
		return nil, err
	}
	if chain.Type != paygate.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s is not a Solana network", paygate.ErrUnsupportedNetwork, network)
	}
	if len(platformKey) != 64 {
		return nil, paygate.ErrInvalidKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Payout{sender: sender, key: platformKey, chain: chain, logger: logger}, nil
}

// Address returns the platform address funds are paid from.
func (p *Payout) Address() string { return p.key.PublicKey().String() }

// Payout sends amount to toAddress and returns the transaction signature.
func (p *Payout) Payout(ctx context.Context, toAddress string, amount paygate.Amount) (string, error) {
	if amount <= 0 {
		return "", paygate.ErrInvalidAmount
	}
	recipient, err := solana.PublicKeyFromBase58(toAddress)
	if err != nil {
		return "", fmt.Errorf("invalid payout address: %w", err)
	}
	atomic := amount.Atomic(p.chain.Decimals)
	if !atomic.IsUint64() {
		return "", paygate.ErrInvalidAmount
	}

	recent, err := p.sender.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := Transfer{
		Owner:     p.key,
		Recipient: recipient,
		Mint:      solana.MustPublicKeyFromBase58(p.chain.USDCAddress),
		Amount:    atomic.Uint64(),
		Decimals:  p.chain.Decimals,
		FeePayer:  p.key.PublicKey(),
		Blockhash: recent.Value.Blockhash,
	}.Build()
	if err != nil {
		return "", err
	}

	sig, err := p.sender.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: rpc.CommitmentConfirmed})
	if err != nil {
		return "", fmt.Errorf("payout to %s failed: %w", toAddress, err)
	}
	p.logger.InfoContext(ctx, "payout sent", "to", toAddress, "amount", amount, "tx", sig.String())
	return sig.String(), nil
}
