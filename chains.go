// Package paygate holds the shared vocabulary of the pay-per-request gateway:
// x402 wire types, the micro-unit Amount, the error taxonomy and the table of
// USDC settlement chains.
package paygate

import (
	"fmt"
	"sort"
)

// NetworkType represents the blockchain virtual machine type.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// ChainConfig describes the USDC deployment the gateway settles against on
// one network.
type ChainConfig struct {
	// NetworkID is the x402 network identifier (e.g., "base", "solana").
	NetworkID string

	Type NetworkType

	// USDCAddress is the Circle USDC contract address or mint address.
	USDCAddress string

	Decimals uint8

	// EIP3009Name and EIP3009Version are the EIP-712 domain parameters used
	// by transferWithAuthorization. Empty for Solana.
	EIP3009Name    string
	EIP3009Version string
}

var (
	SolanaMainnet = ChainConfig{
		NetworkID:   "solana",
		Type:        NetworkTypeSVM,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}

	SolanaDevnet = ChainConfig{
		NetworkID:   "solana-devnet",
		Type:        NetworkTypeSVM,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}

	BaseMainnet = ChainConfig{
		NetworkID:      "base",
		Type:           NetworkTypeEVM,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	BaseSepolia = ChainConfig{
		NetworkID:      "base-sepolia",
		Type:           NetworkTypeEVM,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

var chains = map[string]ChainConfig{
	SolanaMainnet.NetworkID: SolanaMainnet,
	SolanaDevnet.NetworkID:  SolanaDevnet,
	BaseMainnet.NetworkID:   BaseMainnet,
	BaseSepolia.NetworkID:   BaseSepolia,
}

// DefaultNetwork is used when no settlement network is configured.
const DefaultNetwork = "solana-devnet"

// ChainByNetwork returns the chain configuration for a network identifier.
func ChainByNetwork(networkID string) (ChainConfig, error) {
	c, ok := chains[networkID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, networkID)
	}
	return c, nil
}

// Networks lists the supported network identifiers in sorted order.
func Networks() []string {
	out := make([]string, 0, len(chains))
	for id := range chains {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateNetwork validates a network identifier and returns its type.
func ValidateNetwork(networkID string) (NetworkType, error) {
	if networkID == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: empty network", ErrUnsupportedNetwork)
	}
	c, err := ChainByNetwork(networkID)
	if err != nil {
		return NetworkTypeUnknown, err
	}
	return c.Type, nil
}

// USDCRequirement holds the inputs for NewUSDCRequirement.
type USDCRequirement struct {
	Chain             ChainConfig
	Amount            Amount
	PayTo             string
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}

// NewUSDCRequirement builds an exact-scheme payment requirement priced in
// USDC. The amount is converted to the chain's atomic units.
//
// Defaults: MimeType "application/json", MaxTimeoutSeconds 60.
func NewUSDCRequirement(cfg USDCRequirement) (PaymentRequirement, error) {
	if cfg.PayTo == "" {
		return PaymentRequirement{}, fmt.Errorf("payTo: cannot be empty")
	}
	if cfg.Amount < 0 {
		return PaymentRequirement{}, fmt.Errorf("amount: must be non-negative")
	}
	if cfg.Chain.NetworkID == "" {
		return PaymentRequirement{}, fmt.Errorf("%w: chain not set", ErrUnsupportedNetwork)
	}

	mimeType := cfg.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}
	timeout := cfg.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	req := PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           cfg.Chain.NetworkID,
		MaxAmountRequired: cfg.Amount.Atomic(cfg.Chain.Decimals).String(),
		Asset:             cfg.Chain.USDCAddress,
		PayTo:             cfg.PayTo,
		Resource:          cfg.Resource,
		Description:       cfg.Description,
		MimeType:          mimeType,
		MaxTimeoutSeconds: timeout,
	}

	if cfg.Chain.EIP3009Name != "" {
		req.Extra = map[string]interface{}{
			"name":    cfg.Chain.EIP3009Name,
			"version": cfg.Chain.EIP3009Version,
		}
	}

	return req, nil
}
