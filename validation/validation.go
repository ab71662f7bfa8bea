// Package validation checks payment requirements, payloads and chain
// addresses before they reach a facilitator.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/polycrawl/paygate"
)

var (
	evmAddressRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateAmount validates that an atomic amount is a positive integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}
	return nil
}

// ValidateAddress validates an address against the network's format.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := paygate.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case paygate.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s", address)
		}
	case paygate.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s", address)
		}
	default:
		return fmt.Errorf("unsupported network type %s", networkType)
	}
	return nil
}

// ValidatePaymentRequirement validates a requirement the gateway is about
// to advertise.
func ValidatePaymentRequirement(req paygate.PaymentRequirement) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	networkType, err := paygate.ValidateNetwork(req.Network)
	if err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}
	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	if req.Scheme != paygate.SchemeExact {
		return fmt.Errorf("invalid requirement: %w %q", paygate.ErrUnsupportedScheme, req.Scheme)
	}
	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid requirement: maxTimeoutSeconds must be positive, got %d", req.MaxTimeoutSeconds)
	}

	switch networkType {
	case paygate.NetworkTypeEVM:
		name, _ := req.Extra["name"].(string)
		version, _ := req.Extra["version"].(string)
		if name == "" || version == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 name and version are required")
		}
	case paygate.NetworkTypeSVM:
		feePayer, _ := req.Extra["feePayer"].(string)
		if feePayer == "" {
			return fmt.Errorf("invalid requirement: feePayer is required on %s", req.Network)
		}
	}
	return nil
}

// ValidatePaymentPayload validates a decoded payment and checks that its
// variant agrees with its network.
func ValidatePaymentPayload(payment paygate.PaymentPayload) error {
	if payment.X402Version != paygate.X402Version {
		return fmt.Errorf("%w: %d", paygate.ErrUnsupportedVersion, payment.X402Version)
	}
	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}

	networkType, err := paygate.ValidateNetwork(payment.Network)
	if err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}

	switch networkType {
	case paygate.NetworkTypeSVM:
		if payment.SVM() == nil {
			return fmt.Errorf("%w: %s requires a transaction payload", paygate.ErrMalformedPayload, payment.Network)
		}
	case paygate.NetworkTypeEVM:
		evm := payment.EVM()
		if evm == nil {
			return fmt.Errorf("%w: %s requires an authorization payload", paygate.ErrMalformedPayload, payment.Network)
		}
		if !evmAddressRegex.MatchString(evm.Authorization.From) {
			return fmt.Errorf("%w: authorization.from %q", paygate.ErrMalformedPayload, evm.Authorization.From)
		}
	}
	return nil
}
