package validation

import (
	"errors"
	"testing"

	"github.com/polycrawl/paygate"
)

const (
	solPayTo   = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	solPayer   = "FeePayer1111111111111111111111111111111111"
	evmPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	evmAddress = "0x1111111111111111111111111111111111111111"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount  string
		wantErr bool
	}{
		{"2500000", false},
		{"1", false},
		{"0", true},
		{"-5", true},
		{"1.5", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := ValidateAmount(tt.amount); (err != nil) != tt.wantErr {
			t.Errorf("ValidateAmount(%q) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{"solana ok", solPayTo, "solana", false},
		{"solana with 0", "0xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", "solana", true},
		{"evm ok", evmPayTo, "base", false},
		{"evm short", "0x1234", "base-sepolia", true},
		{"unknown network", evmPayTo, "unknown", true},
		{"empty", "", "base", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateAddress(tt.address, tt.network); (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePaymentRequirement(t *testing.T) {
	solana := paygate.PaymentRequirement{
		Scheme:            "exact",
		Network:           "solana-devnet",
		MaxAmountRequired: "2500000",
		Asset:             paygate.SolanaDevnet.USDCAddress,
		PayTo:             solPayTo,
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"feePayer": solPayer},
	}
	if err := ValidatePaymentRequirement(solana); err != nil {
		t.Errorf("Expected valid solana requirement, got %v", err)
	}

	noFeePayer := solana
	noFeePayer.Extra = nil
	if err := ValidatePaymentRequirement(noFeePayer); err == nil {
		t.Error("Expected error without feePayer")
	}

	badScheme := solana
	badScheme.Scheme = "upto"
	if err := ValidatePaymentRequirement(badScheme); !errors.Is(err, paygate.ErrUnsupportedScheme) {
		t.Errorf("Expected ErrUnsupportedScheme, got %v", err)
	}

	evm := paygate.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             paygate.BaseSepolia.USDCAddress,
		PayTo:             evmPayTo,
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
	if err := ValidatePaymentRequirement(evm); err != nil {
		t.Errorf("Expected valid evm requirement, got %v", err)
	}
	evm.Extra = map[string]interface{}{"name": "USDC"}
	if err := ValidatePaymentRequirement(evm); err == nil {
		t.Error("Expected error without EIP-3009 version")
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	tests := []struct {
		name    string
		payment paygate.PaymentPayload
		wantErr bool
	}{
		{
			name:    "solana ok",
			payment: paygate.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "solana", Payload: &paygate.SVMPayload{Transaction: "AQID"}},
		},
		{
			name: "evm ok",
			payment: paygate.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base", Payload: &paygate.EVMPayload{
				Signature:     "0xabc",
				Authorization: paygate.EVMAuthorization{From: evmAddress},
			}},
		},
		{
			name:    "variant mismatch",
			payment: paygate.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base", Payload: &paygate.SVMPayload{Transaction: "AQID"}},
			wantErr: true,
		},
		{
			name:    "wrong version",
			payment: paygate.PaymentPayload{X402Version: 2, Scheme: "exact", Network: "solana", Payload: &paygate.SVMPayload{Transaction: "AQID"}},
			wantErr: true,
		},
		{
			name:    "missing payload",
			payment: paygate.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "solana"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePaymentPayload(tt.payment); (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
