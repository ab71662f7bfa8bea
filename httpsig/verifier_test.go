package httpsig

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/nonce"
	"github.com/polycrawl/paygate/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	jose "gopkg.in/square/go-jose.v2"
)

var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	clock    *clock.Mock
	signer   *Signer
	verifier *Verifier
	nonces   *nonce.Memory
	keyID    string
}

func newFixture(t *testing.T, opts ...SignerOption) *fixture {
	t.Helper()
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewMock()
	clk.Set(testNow)

	local, err := LocalKeyFromPEM(kp.PublicPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := NewResolver(local, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := NewSignerFromPEM(kp.PrivatePEM, "", append([]SignerOption{WithSignerClock(clk)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	nonces := nonce.NewMemory(clk)
	return &fixture{
		clock:    clk,
		signer:   signer,
		verifier: NewVerifier(resolver, nonces, WithClock(clk)),
		nonces:   nonces,
		keyID:    kp.KeyID,
	}
}

func testMessage() Message {
	return Message{Method: "POST", Scheme: "https", Authority: "gw.example.com", Path: "/v1/fetch?mode=raw", Header: http.Header{}}
}

func codeOf(err error) paygate.Code {
	if e := paygate.AsError(err); e != nil {
		return e.Code
	}
	return ""
}

func TestSignVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	m := testMessage()

	h, err := f.signer.Sign(m, TagBrowser)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sc, err := f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if sc.KeyID != f.keyID {
		t.Errorf("Expected key id %s, got %s", f.keyID, sc.KeyID)
	}
	if sc.Tag != TagBrowser || sc.Alg != Ed25519 {
		t.Errorf("Unexpected context %+v", sc)
	}
	if sc.Expires.Sub(sc.Created) != 8*time.Minute {
		t.Errorf("Expected 8 minute window, got %v", sc.Expires.Sub(sc.Created))
	}
	if f.nonces.Len() != 1 {
		t.Errorf("Expected nonce to be recorded, got %d records", f.nonces.Len())
	}
	if want := RequestDigest(m, h.SignatureInput); sc.Digest != want {
		t.Errorf("Expected digest %s, got %s", want, sc.Digest)
	}
}

func TestNonceIsSingleUse(t *testing.T) {
	f := newFixture(t)
	m := testMessage()
	h, _ := f.signer.Sign(m, TagPayer)

	if _, err := f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature); err != nil {
		t.Fatalf("First verify failed: %v", err)
	}
	_, err := f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature)
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("Expected ErrReplayed, got %v", err)
	}
	if codeOf(err) != paygate.CodeNonceReplayed {
		t.Errorf("Expected NONCE_REPLAYED, got %s", codeOf(err))
	}
}

func TestFailedVerificationDoesNotConsumeNonce(t *testing.T) {
	f := newFixture(t)
	m := testMessage()
	h, _ := f.signer.Sign(m, TagBrowser)

	tampered := m
	tampered.Path = "/v1/fetch?mode=summary"
	if _, err := f.verifier.Verify(context.Background(), tampered, h.SignatureInput, h.Signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Expected ErrBadSignature, got %v", err)
	}
	if f.nonces.Len() != 0 {
		t.Error("Expected nonce to stay unconsumed after a failed verification")
	}
	if _, err := f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature); err != nil {
		t.Errorf("Expected original request to verify, got %v", err)
	}
}

// signWith builds headers for arbitrary parameters, bypassing Signer's defaults.
func signWith(t *testing.T, key crypto.Signer, alg Algorithm, p *Params, m Message) Headers {
	t.Helper()
	p.Raw = p.String()
	base, err := SignatureBase(m, p)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signBytes(alg, key, []byte(base))
	if err != nil {
		t.Fatal(err)
	}
	return Headers{
		SignatureInput: "sig2=" + p.Raw,
		Signature:      "sig2=:" + base64.StdEncoding.EncodeToString(sig) + ":",
	}
}

func TestWindowEnforcement(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := priv.Public()
	clk := clock.NewMock()
	clk.Set(testNow)
	resolver, _ := NewResolver(&PublicKey{ID: "k", Key: pub, Alg: Ed25519}, nil, nil)
	v := NewVerifier(resolver, nonce.NewMemory(clk), WithClock(clk))
	now := testNow.Unix()

	tests := []struct {
		name    string
		created int64
		expires int64
		tag     string
		want    error
	}{
		{"valid", now - 10, now + 470, TagBrowser, nil},
		{"window exceeds 480s", now - 10, now + 471, TagBrowser, ErrWindowTooLong},
		{"expired", now - 400, now - 1, TagBrowser, ErrExpired},
		{"created in future", now + 5, now + 100, TagBrowser, ErrCreatedInFuture},
		{"missing expires", now, 0, TagBrowser, ErrMissingTimestamps},
		{"missing tag", now, now + 60, "", ErrInvalidTag},
		{"unknown tag", now, now + 60, "agent-admin", ErrInvalidTag},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Params{
				Components: []string{"@authority", "@path"},
				Created:    tt.created,
				Expires:    tt.expires,
				KeyID:      "k",
				Alg:        "ed25519",
				Nonce:      "nonce-" + string(rune('a'+i)),
				Tag:        tt.tag,
			}
			h := signWith(t, priv, Ed25519, p, testMessage())
			_, err := v.Verify(context.Background(), testMessage(), h.SignatureInput, h.Signature)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSignatureTooOld(t *testing.T) {
	f := newFixture(t)
	m := testMessage()
	h, _ := f.signer.Sign(m, TagBrowser)

	f.clock.Add(8*time.Minute + time.Second)
	_, err := f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
	if codeOf(err) != paygate.CodeSignatureExpired {
		t.Errorf("Expected SIGNATURE_EXPIRED, got %s", codeOf(err))
	}
}

func TestRequiredComponents(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	clk := clock.NewMock()
	clk.Set(testNow)
	resolver, _ := NewResolver(&PublicKey{ID: "k", Key: priv.Public()}, nil, nil)
	v := NewVerifier(resolver, nonce.NewMemory(clk), WithClock(clk))

	p := &Params{Components: []string{"@path"}, Created: testNow.Unix(), Expires: testNow.Unix() + 60, KeyID: "k", Tag: TagBrowser}
	h := signWith(t, priv, Ed25519, p, testMessage())
	if _, err := v.Verify(context.Background(), testMessage(), h.SignatureInput, h.Signature); !errors.Is(err, ErrMissingComponent) {
		t.Errorf("Expected ErrMissingComponent, got %v", err)
	}
}

func TestAlgorithms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	tests := []struct {
		name string
		key  crypto.Signer
		alg  Algorithm
	}{
		{"rsa-pss", rsaKey, RSAPSSSHA256},
		{"rsa-v1_5", rsaKey, RSAv15SHA256},
		{"ecdsa", ecKey, ECDSAP256SHA256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(testNow)
			resolver, _ := NewResolver(&PublicKey{ID: "k", Key: tt.key.Public()}, nil, nil)
			v := NewVerifier(resolver, nonce.NewMemory(clk), WithClock(clk))
			s, err := NewSigner(tt.key, "k", WithAlgorithm(tt.alg), WithSignerClock(clk))
			if err != nil {
				t.Fatal(err)
			}
			h, err := s.Sign(testMessage(), TagPayer)
			if err != nil {
				t.Fatal(err)
			}
			sc, err := v.Verify(context.Background(), testMessage(), h.SignatureInput, h.Signature)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if sc.Alg != tt.alg {
				t.Errorf("Expected %s, got %s", tt.alg, sc.Alg)
			}
		})
	}
}

func TestLegacyAlgorithmNamesAndDERSignatures(t *testing.T) {
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	clk := clock.NewMock()
	clk.Set(testNow)
	resolver, _ := NewResolver(&PublicKey{ID: "k", Key: ecKey.Public()}, nil, nil)
	v := NewVerifier(resolver, nonce.NewMemory(clk), WithClock(clk))

	p := &Params{Components: []string{"@authority", "@path"}, Created: testNow.Unix(), Expires: testNow.Unix() + 60, KeyID: "k", Alg: "ecdsa-p256-sha256", Tag: TagPayer}
	p.Raw = p.String()
	base, _ := SignatureBase(testMessage(), p)
	digest := sha256.Sum256([]byte(base))
	der, err := ecdsa.SignASN1(rand.Reader, ecKey, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	h := Headers{SignatureInput: "sig2=" + p.Raw, Signature: "sig2=:" + base64.StdEncoding.EncodeToString(der) + ":"}
	if _, err := v.Verify(context.Background(), testMessage(), h.SignatureInput, h.Signature); err != nil {
		t.Errorf("Expected DER ECDSA signature to verify, got %v", err)
	}

	if alg, err := ParseAlgorithm("rsa-sha256"); err != nil || alg != RSAv15SHA256 {
		t.Errorf("Expected rsa-sha256 alias, got %s (%v)", alg, err)
	}
	if _, err := ParseAlgorithm("hmac-sha256"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestMissingHeaders(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.Verify(context.Background(), testMessage(), "", "")
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("Expected ErrMissingSignature, got %v", err)
	}
	if e := paygate.AsError(err); e.Status() != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", e.Status())
	}
}

func TestVerifyRequestUsesForwardedHost(t *testing.T) {
	f := newFixture(t)
	public := Message{Method: "GET", Scheme: "https", Authority: "public.example.com", Path: "/v1/discover", Header: http.Header{}}
	h, _ := f.signer.Sign(public, TagBrowser)

	r := httptest.NewRequest(http.MethodGet, "http://internal:8080/v1/discover", nil)
	r.Header.Set("X-Forwarded-Host", "public.example.com")
	r.Header.Set(HeaderSignatureInput, h.SignatureInput)
	r.Header.Set(HeaderSignature, h.Signature)

	if _, err := f.verifier.VerifyRequest(context.Background(), r, false); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected untrusted forwarded host to be ignored, got %v", err)
	}
	if _, err := f.verifier.VerifyRequest(context.Background(), r, true); err != nil {
		t.Errorf("Expected trusted forwarded host to verify, got %v", err)
	}
}

func TestVerifierMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	WithMetrics(reg)(f.verifier)

	m := testMessage()
	h, _ := f.signer.Sign(m, TagBrowser)
	_, _ = f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature)
	_, _ = f.verifier.Verify(context.Background(), m, h.SignatureInput, h.Signature)

	if got := testutil.ToFloat64(f.verifier.results.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 ok, got %v", got)
	}
	if got := testutil.ToFloat64(f.verifier.results.WithLabelValues("nonce_replayed")); got != 1 {
		t.Errorf("Expected 1 nonce_replayed, got %v", got)
	}
}

func jwksServer(t *testing.T, set jose.JSONWebKeySet, hits *atomic.Int32, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if code := status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWKSResolutionAndTTL(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: pub, KeyID: "remote-1", Algorithm: "EdDSA"}}}
	var hits, status atomic.Int32
	srv := jwksServer(t, set, &hits, &status)

	clk := clock.NewMock()
	clk.Set(testNow)
	cache := NewJWKSCache(srv.URL, WithJWKSClock(clk), WithJWKSRetry(retry.Config{MaxAttempts: 1}))
	resolver, _ := NewResolver(nil, cache, nil)
	v := NewVerifier(resolver, nonce.NewMemory(clk), WithClock(clk))
	s, _ := NewSigner(priv, "remote-1", WithSignerClock(clk))

	for i := 0; i < 3; i++ {
		h, _ := s.Sign(testMessage(), TagBrowser)
		sc, err := v.Verify(context.Background(), testMessage(), h.SignatureInput, h.Signature)
		if err != nil {
			t.Fatalf("Verify %d failed: %v", i, err)
		}
		if sc.KeyID != "remote-1" {
			t.Errorf("Expected remote-1, got %s", sc.KeyID)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("Expected one JWKS fetch within TTL, got %d", hits.Load())
	}

	clk.Add(61 * time.Second)
	if _, err := resolver.Resolve(context.Background(), "remote-1"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected refetch after TTL, got %d fetches", hits.Load())
	}

	if _, err := resolver.Resolve(context.Background(), "unknown"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound without a local key, got %v", err)
	}
}

func TestJWKSFailureFallsBackToLocalKey(t *testing.T) {
	f := newFixture(t)
	var hits, status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := jwksServer(t, jose.JSONWebKeySet{}, &hits, &status)

	kp, _ := GenerateEd25519()
	local, _ := LocalKeyFromPEM(kp.PublicPEM, "")
	cache := NewJWKSCache(srv.URL, WithJWKSClock(f.clock), WithJWKSRetry(retry.Config{MaxAttempts: 1}))
	resolver, _ := NewResolver(local, cache, nil)

	got, err := resolver.Resolve(context.Background(), "some-other-id")
	if err != nil {
		t.Fatalf("Expected fallback, got %v", err)
	}
	if got.ID != local.ID {
		t.Errorf("Expected local key %s, got %s", local.ID, got.ID)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected one JWKS attempt, got %d", hits.Load())
	}
}

func TestKeyIDFromPEM(t *testing.T) {
	pem := []byte("-----BEGIN PUBLIC KEY-----\nMCowBQYDK2VwAyEA\n  AAAA\n-----END PUBLIC KEY-----\n")
	sum := sha256.Sum256([]byte("MCowBQYDK2VwAyEAAAAA"))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if got := KeyIDFromPEM(pem); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSignRequest(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "https://gw.example.com/v1/checkout?cart=1", nil)
	if err := f.signer.SignRequest(r, ""); err != nil {
		t.Fatal(err)
	}
	sc, err := f.verifier.VerifyRequest(context.Background(), r, false)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if sc.Tag != TagPayer {
		t.Errorf("Expected inferred payer tag, got %s", sc.Tag)
	}
}

func TestRSAPSSUsesMaximumSalt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewMock()
	clk.Set(testNow)
	s, err := NewSigner(key, "k", WithAlgorithm(RSAPSSSHA256), WithSignerClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	h, err := s.Sign(testMessage(), TagPayer)
	if err != nil {
		t.Fatal(err)
	}
	p, err := ParseSignatureInput(h.SignatureInput, DefaultLabel)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := ParseSignature(h.Signature, DefaultLabel)
	if err != nil {
		t.Fatal(err)
	}
	base, err := SignatureBase(testMessage(), p)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte(base))

	maxSalt := key.Size() - sha256.Size - 2
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: maxSalt}); err != nil {
		t.Errorf("Expected a %d byte salt, got %v", maxSalt, err)
	}
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: sha256.Size}); err == nil {
		t.Error("Expected verification with a hash-length salt to fail")
	}
}
