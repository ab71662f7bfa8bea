package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/facilitator"
	"github.com/polycrawl/paygate/ledger"
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

type fakeFetcher struct {
	sizes map[string]int
	err   error
	panic bool
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, r *catalog.Resource) (catalog.Content, int64, error) {
	f.calls++
	if f.panic {
		panic("connector exploded")
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	n := f.sizes[r.ID]
	if n == 0 {
		n = 1024
	}
	return catalog.ChunkContent{make([]byte, n)}, int64(n), nil
}

type fakeFacilitator struct {
	verify    *facilitator.VerifyResponse
	settle    *paygate.SettlementResponse
	settleErr error
}

func (f *fakeFacilitator) Verify(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	return f.verify, nil
}

func (f *fakeFacilitator) Settle(context.Context, paygate.PaymentPayload, paygate.PaymentRequirement) (*paygate.SettlementResponse, error) {
	return f.settle, f.settleErr
}

func (f *fakeFacilitator) Supported(context.Context) (*facilitator.SupportedResponse, error) {
	return &facilitator.SupportedResponse{}, nil
}

type fakePayouts struct {
	to     string
	amount paygate.Amount
}

func (p *fakePayouts) Payout(_ context.Context, to string, amount paygate.Amount) (string, error) {
	p.to, p.amount = to, amount
	return "payout-tx", nil
}

// flakyReceipts fails receipt writes on demand.
type flakyReceipts struct {
	*receipt.Memory
	failInsert   bool
	failFinalize bool
}

var errReceiptsDown = errors.New("receipt store down")

func (f *flakyReceipts) Insert(ctx context.Context, rec receipt.Record) error {
	if f.failInsert {
		return errReceiptsDown
	}
	return f.Memory.Insert(ctx, rec)
}

func (f *flakyReceipts) Finalize(ctx context.Context, requestID string, r receipt.Receipt, at time.Time) error {
	if f.failFinalize {
		return errReceiptsDown
	}
	return f.Memory.Finalize(ctx, requestID, r, at)
}

type env struct {
	svc      *Service
	receipts *flakyReceipts
	dir      *catalog.Memory
	ledger   *ledger.Memory
	issuer   *receipt.Issuer
	requests *MemoryRequests
	fetcher  *fakeFetcher
	fac      *fakeFacilitator
	clock    *clock.Mock
	registry *prometheus.Registry
}

func size(n int64) *int64 { return &n }

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	dir := catalog.NewMemory()
	dir.PutAgent(catalog.Agent{ID: "ag1", UserID: "u1", KeyID: "key-1"})
	dir.PutAgent(catalog.Agent{ID: "ag-owner", UserID: "prov", KeyID: "key-owner"})
	dir.PutProvider(catalog.Provider{ID: "p1", UserID: "prov", Name: "Acme"})
	for _, r := range []catalog.Resource{
		{ID: "r-climate", Title: "Climate Data API", Format: "json", ConnectorID: "static",
			Pricing: pricing.Pricing{PerKB: amt("0.001"), SizeBytes: size(51200)}},
		{ID: "r-flat", Title: "Flat market report", Format: "pdf", ConnectorID: "static",
			Pricing: pricing.Pricing{Flat: amt("2.50")}},
		{ID: "r-free", Title: "Free climate notes", Format: "txt", ConnectorID: "static"},
		{ID: "r-summary", Title: "Summaries only", Format: "txt", ConnectorID: "static",
			Summary: "short summary", Modes: []catalog.Mode{catalog.ModeSummary}, Pricing: pricing.Pricing{Flat: amt("0.10")}},
		{ID: "r-restricted", Title: "Restricted climate feed", Format: "json", ConnectorID: "static",
			Visibility: catalog.VisibilityRestricted, Allow: []string{"ag9"}},
		{ID: "r-stored", Title: "Stored asset", Format: "pdf", StorageRef: "assets/report.pdf",
			Pricing: pricing.Pricing{Flat: amt("1")}},
		{ID: "r-none", Title: "Unreachable", Format: "json", Pricing: pricing.Pricing{Flat: amt("1")}},
	} {
		r.ProviderID = "p1"
		dir.PutResource(r)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyReceipts{Memory: receipt.NewMemory()}
	issuer, err := receipt.NewIssuer(key, "receipts-test", store, receipt.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}

	fac := &fakeFacilitator{
		verify: &facilitator.VerifyResponse{IsValid: true, Payer: evmPayer},
		settle: &paygate.SettlementResponse{Success: true, Transaction: "0xabc", Network: "base-sepolia"},
	}
	adapter, err := settlement.New(settlement.Config{Network: "base-sepolia", PayTo: evmPayTo}, fac)
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		receipts: store,
		dir:      dir,
		ledger:   ledger.NewMemory(ledger.WithClock(clk)),
		issuer:   issuer,
		requests: NewMemoryRequests(),
		fetcher:  &fakeFetcher{sizes: map[string]int{}},
		fac:      fac,
		clock:    clk,
		registry: prometheus.NewRegistry(),
	}
	base := []Option{
		WithFetcher(catalog.Connectors{"static": e.fetcher}),
		WithURLSigner(&catalog.HMACURLSigner{BaseURL: "https://cdn.example", Secret: []byte("s"), Clock: clk}),
		WithRequests(e.requests),
		WithSettlement(adapter),
		WithFeeBps(1000),
		WithClock(clk),
		WithMetrics(NewMetrics(e.registry)),
	}
	e.svc, err = New(dir, e.ledger, issuer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func (e *env) fund(t *testing.T, user, amount string) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), user, ledger.RolePayer, amt(amount), ledger.Ref{Type: "topup", ID: user}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
}

func (e *env) balance(t *testing.T, user string, role ledger.Role) (paygate.Amount, paygate.Amount) {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), user, role)
	if err != nil {
		t.Fatal(err)
	}
	return w.Available, w.Blocked
}

func expectCode(t *testing.T, err error, code paygate.Code) *paygate.Error {
	t.Helper()
	perr := paygate.AsError(err)
	if perr == nil || perr.Code != code {
		t.Fatalf("Expected %s, got %v", code, err)
	}
	return perr
}

var caller = Caller{KeyID: "key-1", TapDigest: "digest-1"}

func TestDiscoverClimateScenario(t *testing.T) {
	e := newEnv(t)
	out, err := e.svc.Discover(context.Background(), caller, DiscoverInput{Query: "climate data"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(out.Results) == 0 || out.Results[0].ResourceID != "r-climate" {
		t.Fatalf("Expected r-climate first, got %+v", out.Results)
	}
	top := out.Results[0]
	if *top.PriceEstimate != amt("0.05") {
		t.Errorf("Expected priceEstimate 0.05, got %s", top.PriceEstimate)
	}
	if *top.AvgSizeKb != 50 {
		t.Errorf("Expected avgSizeKb 50, got %v", *top.AvgSizeKb)
	}
	if *top.RelevanceScore <= 0 {
		t.Errorf("Expected non-zero relevance, got %v", *top.RelevanceScore)
	}
	if out.Recommended == nil || out.Recommended.ResourceID != "r-climate" {
		t.Errorf("Expected r-climate recommended, got %+v", out.Recommended)
	}
	for _, r := range out.Results {
		if r.ResourceID == "r-restricted" {
			t.Error("Expected restricted resource to be hidden")
		}
	}
}

func TestDiscoverFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	zero := amt("0")
	out, err := e.svc.Discover(ctx, caller, DiscoverInput{Query: "climate", Filters: &DiscoverFilters{MaxCost: &zero}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].ResourceID != "r-free" {
		t.Errorf("Expected only the free resource, got %+v", out.Results)
	}

	out, _ = e.svc.Discover(ctx, caller, DiscoverInput{Query: "climate", Filters: &DiscoverFilters{Format: []string{"json"}}})
	if len(out.Results) != 1 || out.Results[0].ResourceID != "r-climate" {
		t.Errorf("Expected only json results, got %+v", out.Results)
	}

	neg := amt("-1")
	tests := []struct {
		name string
		in   DiscoverInput
	}{
		{"short query", DiscoverInput{Query: " a "}},
		{"negative max cost", DiscoverInput{Query: "climate", Filters: &DiscoverFilters{MaxCost: &neg}}},
		{"empty format", DiscoverInput{Query: "climate", Filters: &DiscoverFilters{Format: []string{""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Discover(ctx, caller, tt.in)
			expectCode(t, err, paygate.CodeBadRequest)
		})
	}

	_, err = e.svc.Discover(ctx, Caller{KeyID: "key-unknown"}, DiscoverInput{Query: "climate"})
	expectCode(t, err, paygate.CodeAgentInvalid)
}

func TestScorePenalizesPriceAndLatency(t *testing.T) {
	base := Score(1, 0, 0)
	if base != 1 {
		t.Errorf("Expected unpenalized score 1, got %v", base)
	}
	if Score(1, amt("1"), 0) >= base {
		t.Error("Expected price penalty")
	}
	if Score(1, 0, 2000) >= base {
		t.Error("Expected latency penalty")
	}
}

func TestSpendingStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, "u1", "10")

	for _, id := range []string{"r-flat", "r-flat", "r-climate"} {
		if _, err := e.svc.Fetch(ctx, caller, FetchInput{ResourceID: id}); err != nil {
			t.Fatalf("Fetch %s failed: %v", id, err)
		}
		e.clock.Add(24 * time.Hour)
	}

	stats, err := e.svc.SpendingStats(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("SpendingStats failed: %v", err)
	}
	if stats.Requests != 3 || stats.Total != amt("5.001") {
		t.Errorf("Expected 3 requests totalling 5.001, got %d / %s", stats.Requests, stats.Total)
	}
	if len(stats.ByResource) != 2 || stats.ByResource[0].ResourceID != "r-flat" || stats.ByResource[0].Requests != 2 {
		t.Errorf("Unexpected by-resource breakdown %+v", stats.ByResource)
	}
	if len(stats.ByDay) != 3 || stats.ByDay[0].Date != "2025-03-01" {
		t.Errorf("Unexpected by-day breakdown %+v", stats.ByDay)
	}

	if _, err := e.svc.SpendingStats(ctx, "u1", 400); err == nil {
		t.Error("Expected out-of-range days to fail")
	}
}

func TestCapsReadWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.svc.SetCaps(ctx, "u1", pricing.Caps{}); !paygate.IsCode(err, paygate.CodeBadRequest) {
		t.Errorf("Expected caps to be disabled, got %v", err)
	}

	e = newEnv(t, WithCaps(pricing.NewStaticCaps(pricing.Caps{})))
	weekly := amt("5")
	if err := e.svc.SetCaps(ctx, "u1", pricing.Caps{WeeklyGlobal: &weekly, PerMode: map[string]paygate.Amount{"raw": amt("1")}}); err != nil {
		t.Fatalf("SetCaps failed: %v", err)
	}
	caps, err := e.svc.Caps(ctx, "u1")
	if err != nil || caps.WeeklyGlobal == nil || *caps.WeeklyGlobal != weekly {
		t.Errorf("Expected weekly cap 5, got %+v (%v)", caps, err)
	}
	if err := e.svc.SetCaps(ctx, "u1", pricing.Caps{PerMode: map[string]paygate.Amount{"bogus": 1}}); !paygate.IsCode(err, paygate.CodeBadRequest) {
		t.Errorf("Expected invalid mode to be rejected, got %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	dir := catalog.NewMemory()
	_, key, _ := ed25519.GenerateKey(rand.Reader)
	issuer, _ := receipt.NewIssuer(key, "k", receipt.NewMemory())

	if _, err := New(nil, ledger.NewMemory(), issuer); err == nil {
		t.Error("Expected missing directory to fail")
	}
	if _, err := New(dir, ledger.NewMemory(), issuer, WithFeeBps(20000)); err == nil {
		t.Error("Expected out-of-range fee to fail")
	}
	if _, err := New(dir, ledger.NewMemory(), issuer, WithPaymentPolicy(PolicyX402)); err == nil {
		t.Error("Expected x402 policy without settlement to fail")
	}
}

var facilitatorInvalid = facilitator.VerifyResponse{IsValid: false, InvalidReason: "invalid_signature"}
