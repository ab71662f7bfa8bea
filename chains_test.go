package paygate

import (
	"errors"
	"testing"
)

func TestValidateNetwork(t *testing.T) {
	tests := []struct {
		network string
		want    NetworkType
		wantErr bool
	}{
		{"solana", NetworkTypeSVM, false},
		{"solana-devnet", NetworkTypeSVM, false},
		{"base", NetworkTypeEVM, false},
		{"base-sepolia", NetworkTypeEVM, false},
		{"", NetworkTypeUnknown, true},
		{"dogechain", NetworkTypeUnknown, true},
	}
	for _, tt := range tests {
		got, err := ValidateNetwork(tt.network)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateNetwork(%q) error = %v, wantErr %v", tt.network, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ValidateNetwork(%q): expected %v, got %v", tt.network, tt.want, got)
		}
		if tt.wantErr && !errors.Is(err, ErrUnsupportedNetwork) {
			t.Errorf("Expected ErrUnsupportedNetwork, got %v", err)
		}
	}
}

func TestNewUSDCRequirement(t *testing.T) {
	req, err := NewUSDCRequirement(USDCRequirement{
		Chain:       SolanaDevnet,
		Amount:      MustAmount("2.50"),
		PayTo:       "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Resource:    "https://gw.example/v1/fetch",
		Description: "Access Climate Data API",
	})
	if err != nil {
		t.Fatalf("NewUSDCRequirement failed: %v", err)
	}
	if req.MaxAmountRequired != "2500000" {
		t.Errorf("Expected 2500000, got %s", req.MaxAmountRequired)
	}
	if req.Asset != SolanaDevnet.USDCAddress {
		t.Errorf("Expected devnet mint, got %s", req.Asset)
	}
	if req.MaxTimeoutSeconds != 60 {
		t.Errorf("Expected 60s default timeout, got %d", req.MaxTimeoutSeconds)
	}
	if req.MimeType != "application/json" {
		t.Errorf("Expected application/json, got %s", req.MimeType)
	}
	if req.Extra != nil {
		t.Errorf("Expected no EIP-3009 extra on Solana, got %v", req.Extra)
	}

	evm, err := NewUSDCRequirement(USDCRequirement{Chain: BaseSepolia, Amount: MustAmount("0.01"), PayTo: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"})
	if err != nil {
		t.Fatal(err)
	}
	if evm.Extra["name"] != "USDC" || evm.Extra["version"] != "2" {
		t.Errorf("Expected EIP-3009 domain USDC/2, got %v", evm.Extra)
	}

	if _, err := NewUSDCRequirement(USDCRequirement{Chain: BaseSepolia, Amount: 1}); err == nil {
		t.Error("Expected error for empty payTo")
	}
}
