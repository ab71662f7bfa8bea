package svm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	DefaultComputeUnitLimit uint32 = 200_000
	DefaultComputeUnitPrice uint64 = 10_000 // microlamports per unit
)

// Transfer describes one SPL transferChecked between two owners.
type Transfer struct {
	Owner     solana.PrivateKey
	Recipient solana.PublicKey
	Mint      solana.PublicKey
	Amount    uint64
	Decimals  uint8
	FeePayer  solana.PublicKey
	Blockhash solana.Hash

	UnitLimit uint32
	UnitPrice uint64
}

// Build returns the transaction signed by the owner only. When the owner
// is also the fee payer the transaction is fully signed.
func (t Transfer) Build() (*solana.Transaction, error) {
	owner := t.Owner.PublicKey()
	source, _, err := solana.FindAssociatedTokenAddress(owner, t.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find source ATA: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(t.Recipient, t.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to find destination ATA: %w", err)
	}

	limit, price := t.UnitLimit, t.UnitPrice
	if limit == 0 {
		limit = DefaultComputeUnitLimit
	}
	if price == 0 {
		price = DefaultComputeUnitPrice
	}

	instructions := []solana.Instruction{
		setComputeUnitLimit(limit),
		setComputeUnitPrice(price),
		token.NewTransferCheckedInstructionBuilder().
			SetAmount(t.Amount).
			SetDecimals(t.Decimals).
			SetSourceAccount(source).
			SetDestinationAccount(dest).
			SetMintAccount(t.Mint).
			SetOwnerAccount(owner).
			Build(),
	}

	tx, err := solana.NewTransaction(instructions, t.Blockhash, solana.TransactionPayer(t.FeePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &t.Owner
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// Base64 builds the transaction and encodes it for an x402 payload.
func (t Transfer) Base64() (string, error) {
	tx, err := t.Build()
	if err != nil {
		return "", err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// setComputeUnitLimit encodes [2, units u32 LE].
func setComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// setComputeUnitPrice encodes [3, microlamports u64 LE].
func setComputeUnitPrice(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}
