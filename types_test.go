package paygate

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPaymentPayloadDecodesSVMVariant(t *testing.T) {
	raw := `{"x402Version":1,"scheme":"exact","network":"solana-devnet","payload":{"transaction":"AQID"}}`

	var p PaymentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.SVM() == nil {
		t.Fatalf("Expected SVM payload, got %T", p.Payload)
	}
	if p.SVM().Transaction != "AQID" {
		t.Errorf("Expected transaction AQID, got %s", p.SVM().Transaction)
	}
	if p.EVM() != nil {
		t.Error("Expected no EVM payload")
	}
}

func TestPaymentPayloadDecodesEVMVariant(t *testing.T) {
	raw := `{"x402Version":1,"scheme":"exact","network":"base-sepolia","payload":{
		"signature":"0xabc",
		"authorization":{"from":"0x1","to":"0x2","value":"10000","validAfter":"0","validBefore":"9","nonce":"0x00"}}}`

	var p PaymentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	evm := p.EVM()
	if evm == nil {
		t.Fatalf("Expected EVM payload, got %T", p.Payload)
	}
	if evm.Authorization.Value != "10000" {
		t.Errorf("Expected value 10000, got %s", evm.Authorization.Value)
	}
}

func TestPaymentPayloadShapeFallback(t *testing.T) {
	raw := `{"x402Version":1,"scheme":"exact","network":"unknown-net","payload":{"transaction":"AQID"}}`
	var p PaymentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.SVM() == nil {
		t.Error("Expected shape-based SVM detection")
	}
}

func TestPaymentPayloadRejectsUnknownShape(t *testing.T) {
	tests := []string{
		`{"x402Version":1,"scheme":"exact","network":"mystery","payload":{"foo":"bar"}}`,
		`{"x402Version":1,"scheme":"exact","network":"solana","payload":"AQID"}`,
		`{"x402Version":1,"scheme":"exact","network":"solana","payload":{"transaction":""}}`,
		`{"x402Version":1,"scheme":"exact","network":"base","payload":{"authorization":{}}}`,
	}
	for _, raw := range tests {
		var p PaymentPayload
		err := json.Unmarshal([]byte(raw), &p)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Expected ErrMalformedPayload for %s, got %v", raw, err)
		}
	}
}

func TestPaymentPayloadRoundTripKeepsVariant(t *testing.T) {
	in := PaymentPayload{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     "solana",
		Payload:     &SVMPayload{Transaction: "dGVzdA=="},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out PaymentPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.SVM() == nil || out.SVM().Transaction != "dGVzdA==" {
		t.Errorf("Expected round-tripped SVM payload, got %+v", out.Payload)
	}
}
