package http

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/facilitator"
	"github.com/polycrawl/paygate/gateway"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/ledger"
	"github.com/polycrawl/paygate/nonce"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
	"github.com/polycrawl/paygate/settlement"
	"github.com/prometheus/client_golang/prometheus"
)

var amt = paygate.MustAmount

const (
	evmPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	evmPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

type staticFetcher struct{}

func (staticFetcher) Fetch(_ context.Context, r *catalog.Resource) (catalog.Content, int64, error) {
	body := []byte("content of " + r.ID)
	return catalog.ChunkContent{body}, int64(len(body)), nil
}

type fakeFacilitator struct {
	settleCalls int
}

func (f *fakeFacilitator) Verify(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	return &facilitator.VerifyResponse{IsValid: true, Payer: evmPayer}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, p paygate.PaymentPayload, _ paygate.PaymentRequirement) (*paygate.SettlementResponse, error) {
	f.settleCalls++
	return &paygate.SettlementResponse{Success: true, Transaction: "0xabc", Network: p.Network}, nil
}

func (f *fakeFacilitator) Supported(context.Context) (*facilitator.SupportedResponse, error) {
	return &facilitator.SupportedResponse{}, nil
}

// evmPayer signs any base-sepolia requirement with a fixed authorization.
type fakePayer struct {
	signed int
}

func (p *fakePayer) Network() string { return paygate.BaseSepolia.NetworkID }
func (p *fakePayer) Scheme() string  { return paygate.SchemeExact }
func (p *fakePayer) CanSign(req *paygate.PaymentRequirement) bool {
	return req.Network == p.Network() && req.Scheme == p.Scheme()
}
func (p *fakePayer) Priority() int       { return 0 }
func (p *fakePayer) MaxAmount() *big.Int { return nil }
func (p *fakePayer) Sign(_ context.Context, _ string, req *paygate.PaymentRequirement) (*paygate.PaymentPayload, error) {
	p.signed++
	return &paygate.PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: &paygate.EVMPayload{
			Signature: "0xsig",
			Authorization: paygate.EVMAuthorization{
				From:  evmPayer,
				To:    req.PayTo,
				Value: req.MaxAmountRequired,
				Nonce: fmt.Sprintf("0x%064x", p.signed),
			},
		},
	}, nil
}

// keys resolves several local keys by id.
type keys map[string]*httpsig.PublicKey

func (k keys) Resolve(_ context.Context, keyID string) (*httpsig.PublicKey, error) {
	key, ok := k[keyID]
	if !ok {
		return nil, httpsig.ErrKeyNotFound
	}
	return key, nil
}

type env struct {
	server   *httptest.Server
	svc      *gateway.Service
	ledger   *ledger.Memory
	fac      *fakeFacilitator
	signer   *httpsig.Signer
	other    *httpsig.Signer
	verifier *httpsig.Verifier
	registry *prometheus.Registry
}

func newSigner(t *testing.T, resolver keys) *httpsig.Signer {
	t.Helper()
	kp, err := httpsig.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := httpsig.LocalKeyFromPEM(kp.PublicPEM, kp.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	resolver[kp.KeyID] = pub
	s, err := httpsig.NewSignerFromPEM(kp.PrivatePEM, kp.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newEnv(t *testing.T) *env {
	t.Helper()
	resolver := keys{}
	e := &env{
		fac:      &fakeFacilitator{},
		registry: prometheus.NewRegistry(),
		ledger:   ledger.NewMemory(),
	}
	e.signer = newSigner(t, resolver)
	e.other = newSigner(t, resolver)
	e.verifier = httpsig.NewVerifier(resolver, nonce.NewMemory(nil), httpsig.WithMetrics(e.registry))

	dir := catalog.NewMemory()
	dir.PutAgent(catalog.Agent{ID: "ag1", UserID: "u1", KeyID: e.signer.KeyID()})
	dir.PutAgent(catalog.Agent{ID: "ag2", UserID: "u2", KeyID: e.other.KeyID()})
	dir.PutProvider(catalog.Provider{ID: "p1", UserID: "prov", Name: "Acme"})
	size := int64(51200)
	dir.PutResource(catalog.Resource{ID: "r-climate", ProviderID: "p1", Title: "Climate Data API", Format: "json",
		ConnectorID: "static", Pricing: pricing.Pricing{PerKB: amt("0.001"), SizeBytes: &size}})
	dir.PutResource(catalog.Resource{ID: "r-flat", ProviderID: "p1", Title: "Flat market report", Format: "pdf",
		ConnectorID: "static", Pricing: pricing.Pricing{Flat: amt("2.50")}})

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := receipt.NewIssuer(key, "receipts-test", receipt.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := settlement.New(settlement.Config{Network: paygate.BaseSepolia.NetworkID, PayTo: evmPayTo}, e.fac)
	if err != nil {
		t.Fatal(err)
	}
	e.svc, err = gateway.New(dir, e.ledger, issuer,
		gateway.WithFetcher(catalog.Connectors{"static": staticFetcher{}}),
		gateway.WithSettlement(adapter),
		gateway.WithCaps(pricing.NewStaticCaps(pricing.Caps{})),
		gateway.WithFeeBps(1000),
		gateway.WithMetrics(gateway.NewMetrics(e.registry)),
	)
	if err != nil {
		t.Fatal(err)
	}

	e.server = httptest.NewServer(NewRouter(Deps{
		Service:  e.svc,
		Verifier: e.verifier,
		Gatherer: e.registry,
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) fund(t *testing.T, user, amount string) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), user, ledger.RolePayer, amt(amount), ledger.Ref{Type: "topup", ID: user}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
}

// client returns an HTTP client that signs as s and pays with payers.
func (e *env) client(s *httpsig.Signer, payers ...paygate.Signer) *http.Client {
	return &http.Client{Transport: &Transport{Signer: s, Payers: payers}}
}
