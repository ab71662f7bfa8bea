package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/polycrawl/paygate/http/internal/helpers"
)

func TestForwarderSignsOnBehalfOfCaller(t *testing.T) {
	u, signer := newUpstream(t)
	var forwardedFor, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedFor = r.Header.Get("X-Forwarded-For")
		path = r.URL.RequestURI()
		u.ServeHTTP(w, r)
	}))
	defer srv.Close()

	target, _ := url.Parse(srv.URL)
	fwd := NewForwarder(target, signer, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/v1/fetch?x=1", strings.NewReader(`{"resourceId":"r1"}`))
	req.Header.Set("Signature", "sig1=:Ym9ndXM=:")
	req.Header.Set("Signature-Input", `sig1=("@method");keyid="intruder"`)
	req.Header.Set("X-PAYMENT", "cGF5bWVudA==")
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(u.nonces) != 1 {
		t.Fatalf("Expected one verified request upstream, got %d", len(u.nonces))
	}
	if path != "/v1/fetch?x=1" {
		t.Errorf("Expected path /v1/fetch?x=1, got %s", path)
	}
	if u.bodies[0] != `{"resourceId":"r1"}` {
		t.Errorf("Expected body to be forwarded, got %q", u.bodies[0])
	}
	if u.payments[0] != "cGF5bWVudA==" {
		t.Errorf("Expected X-PAYMENT to be forwarded, got %q", u.payments[0])
	}
	if forwardedFor == "" {
		t.Error("Expected X-Forwarded-For to be set")
	}
}

func TestForwarderUpstreamUnreachable(t *testing.T) {
	_, signer := newUpstream(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(srv.URL)
	srv.Close()

	fwd := NewForwarder(target, signer, nil, nil)
	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gateway.local/v1/discover", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", rec.Code)
	}
	var body helpers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "BAD_GATEWAY" {
		t.Errorf("Expected BAD_GATEWAY, got %s", body.Error)
	}
}

func TestStripSignatureHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Signature", "a")
	h.Set("Signature-Input", "b")
	h.Set("Signature-Agent", "c")
	h.Set("Content-Type", "application/json")
	StripSignatureHeaders(h)
	if len(h) != 1 || h.Get("Content-Type") == "" {
		t.Errorf("Expected only Content-Type to remain, got %v", h)
	}
}
