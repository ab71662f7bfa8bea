package paygate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// X402Version is the only payment protocol version the gateway speaks.
const X402Version = 1

// SchemeExact is the single x402 payment scheme advertised by the gateway.
const SchemeExact = "exact"

// PaymentRequirement is one payment option advertised in a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "solana-devnet", "base").
	Network string `json:"network"`

	// MaxAmountRequired is the price in the asset's atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the absolute URL of the priced resource.
	Resource string `json:"resource"`

	Description string `json:"description"`
	MimeType    string `json:"mimeType"`

	// MaxTimeoutSeconds bounds both the payment authorization and the
	// facilitator round trips made on its behalf.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific data such as the Solana fee payer or
	// the EIP-3009 domain name and version.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirementsResponse is the body of a 402 Payment Required response.
type PaymentRequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is a signed payment attached to a retried request.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`

	// Payload holds exactly one chain-specific variant.
	Payload SchemePayload `json:"payload"`
}

// SchemePayload is the closed set of chain-specific payment bodies.
// Implementations are *SVMPayload and *EVMPayload.
type SchemePayload interface {
	networkType() NetworkType
}

// SVMPayload carries a partially signed Solana transaction in base64.
type SVMPayload struct {
	Transaction string `json:"transaction"`
}

func (*SVMPayload) networkType() NetworkType { return NetworkTypeSVM }

// EVMPayload carries an EIP-3009 transferWithAuthorization signature.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

func (*EVMPayload) networkType() NetworkType { return NetworkTypeEVM }

// EVMAuthorization is the EIP-3009 authorization message.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// UnmarshalJSON decodes the chain-specific payload once, at the edge.
// The variant is chosen by network when it is known and by shape otherwise.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		X402Version int             `json:"x402Version"`
		Scheme      string          `json:"scheme"`
		Network     string          `json:"network"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.X402Version = raw.X402Version
	p.Scheme = raw.Scheme
	p.Network = raw.Network
	p.Payload = nil

	body := bytes.TrimSpace(raw.Payload)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("%w: payload must be an object", ErrMalformedPayload)
	}

	kind := NetworkTypeUnknown
	if nt, err := ValidateNetwork(raw.Network); err == nil {
		kind = nt
	} else if _, ok := fields["transaction"]; ok {
		kind = NetworkTypeSVM
	} else if _, ok := fields["authorization"]; ok {
		kind = NetworkTypeEVM
	}

	switch kind {
	case NetworkTypeSVM:
		var svm SVMPayload
		if err := json.Unmarshal(body, &svm); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if svm.Transaction == "" {
			return fmt.Errorf("%w: missing transaction", ErrMalformedPayload)
		}
		p.Payload = &svm
	case NetworkTypeEVM:
		var evm EVMPayload
		if err := json.Unmarshal(body, &evm); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if evm.Signature == "" {
			return fmt.Errorf("%w: missing signature", ErrMalformedPayload)
		}
		p.Payload = &evm
	default:
		return fmt.Errorf("%w: unrecognised payload shape", ErrMalformedPayload)
	}
	return nil
}

// SVM returns the Solana payload, or nil for other variants.
func (p PaymentPayload) SVM() *SVMPayload {
	v, _ := p.Payload.(*SVMPayload)
	return v
}

// EVM returns the EIP-3009 payload, or nil for other variants.
func (p PaymentPayload) EVM() *EVMPayload {
	v, _ := p.Payload.(*EVMPayload)
	return v
}

// SettlementResponse is the facilitator's answer to a settle call and the
// body of the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}
