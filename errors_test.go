package paygate

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeKindAndStatus(t *testing.T) {
	tests := []struct {
		code   Code
		kind   Kind
		status int
	}{
		{CodeSignatureInvalid, KindAuthentication, http.StatusUnauthorized},
		{CodeNonceReplayed, KindAuthentication, http.StatusUnauthorized},
		{CodeModeNotAllowed, KindPolicy, http.StatusForbidden},
		{CodeWeeklyCapExceeded, KindPolicy, http.StatusPaymentRequired},
		{CodePaymentRequired, KindPayment, http.StatusPaymentRequired},
		{CodeSettlementFailed, KindSettlement, http.StatusBadGateway},
		{CodeNoConnector, KindUpstream, http.StatusNotImplemented},
		{CodeResourceNotFound, KindInvalid, http.StatusNotFound},
		{Code("SOMETHING_NEW"), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Kind(); got != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, got)
			}
			if got := tt.code.Status(); got != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, got)
			}
		})
	}
}

func TestErrorChaining(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(CodePaymentRequired, "top up", cause).
		WithQuote(MustAmount("2.5")).
		WithCap(MustAmount("10"), MustAmount("9"))

	if !errors.Is(err, cause) {
		t.Error("Expected error to unwrap to cause")
	}
	if err.Quote == nil || *err.Quote != MustAmount("2.5") {
		t.Errorf("Expected quote 2.5, got %v", err.Quote)
	}
	if err.Cap == nil || err.Cap.Limit != MustAmount("10") || err.Cap.Current != MustAmount("9") {
		t.Errorf("Expected cap 10/9, got %+v", err.Cap)
	}
}

func TestAsError(t *testing.T) {
	wrapped := fmt.Errorf("hold: %w", ErrInsufficientFunds)
	if got := AsError(wrapped).Code; got != CodePaymentRequired {
		t.Errorf("Expected PAYMENT_REQUIRED, got %s", got)
	}

	gw := Errorf(CodeModeNotAllowed, "mode %s", "raw")
	if got := AsError(fmt.Errorf("ctx: %w", gw)); got != gw {
		t.Error("Expected AsError to return the wrapped *Error")
	}

	if got := AsError(errors.New("unknown")).Code; got != CodeInternal {
		t.Errorf("Expected INTERNAL, got %s", got)
	}
	if AsError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
	if !IsCode(ErrSettlementFailed, CodeSettlementFailed) {
		t.Error("Expected settlement sentinel to map to SETTLEMENT_FAILED")
	}
}
