package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate"
)

func seeded() *Memory {
	size := int64(51200)
	m := NewMemory()
	m.PutAgent(Agent{ID: "ag1", UserID: "u1", KeyID: "key-1"})
	m.PutProvider(Provider{ID: "p1", UserID: "u2", Name: "Acme"})
	m.PutResource(Resource{
		ID: "r1", ProviderID: "p1", Title: "Climate Data API", Format: "json",
		Summary: "Daily temperature series", Tags: []string{"weather"},
	})
	m.PutResource(Resource{ID: "r2", ProviderID: "p1", Title: "Rainfall archive", Format: "csv", Summary: "climate records"})
	m.PutResource(Resource{ID: "r3", ProviderID: "p1", Title: "Stock ticks", Format: "csv"})
	r1, _ := m.Resource(context.Background(), "r1")
	r1.Pricing.SizeBytes = &size
	m.PutResource(*r1)
	return m
}

func TestSearchRanksTitleMatchesFirst(t *testing.T) {
	m := seeded()
	matches, err := m.Search(context.Background(), "climate data", Filter{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Resource.ID != "r1" || matches[0].Relevance != 1 {
		t.Errorf("Expected r1 with full relevance first, got %s %.2f", matches[0].Resource.ID, matches[0].Relevance)
	}
	if matches[1].Relevance <= 0 || matches[1].Relevance >= matches[0].Relevance {
		t.Errorf("Expected partial relevance for r2, got %.2f", matches[1].Relevance)
	}
}

func TestSearchFilters(t *testing.T) {
	m := seeded()
	matches, _ := m.Search(context.Background(), "climate", Filter{Formats: []string{"csv"}})
	if len(matches) != 1 || matches[0].Resource.ID != "r2" {
		t.Errorf("Expected only r2 for csv filter, got %v", matches)
	}
	matches, _ = m.Search(context.Background(), "climate", Filter{Limit: 1})
	if len(matches) != 1 {
		t.Errorf("Expected limit 1, got %d", len(matches))
	}
	matches, _ = m.Search(context.Background(), "   ", Filter{})
	if len(matches) != 0 {
		t.Errorf("Expected no matches for blank query, got %d", len(matches))
	}
}

func TestLookupsReturnCopies(t *testing.T) {
	m := seeded()
	ctx := context.Background()

	r, err := m.Resource(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	r.Title = "mutated"
	again, _ := m.Resource(ctx, "r1")
	if again.Title != "Climate Data API" {
		t.Error("Expected directory state to be isolated from callers")
	}

	if _, err := m.Resource(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := m.AgentByKey(ctx, "key-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if a, err := m.AgentByKey(ctx, "key-1"); err != nil || a.UserID != "u1" {
		t.Errorf("Expected agent ag1, got %v, %v", a, err)
	}
}

func TestPolicy(t *testing.T) {
	r := &Resource{Modes: []Mode{ModeRaw}, Visibility: VisibilityRestricted, Allow: []string{"ag1"}}
	if !r.AllowsMode(ModeRaw) || r.AllowsMode(ModeSummary) {
		t.Error("Unexpected mode policy")
	}
	if !r.Permits("ag1") || r.Permits("ag2") {
		t.Error("Unexpected visibility policy")
	}
	open := &Resource{}
	if !open.AllowsMode(ModeSummary) || !open.Permits("anyone") {
		t.Error("Expected empty policy to allow everything")
	}
}

func TestContentJSON(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
	}{
		{"inline", InlineContent("hello"), `"hello"`},
		{"chunks", ChunkContent{[]byte("ab"), []byte("c")}, `{"chunks":["YWI=","Yw=="]}`},
		{"url", URLContent("https://cdn.example/x"), `{"url":"https://cdn.example/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.content)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, data)
			}
			back, err := DecodeContent(data)
			if err != nil {
				t.Fatalf("DecodeContent failed: %v", err)
			}
			if back.Size() != tt.content.Size() {
				t.Errorf("Expected size %d, got %d", tt.content.Size(), back.Size())
			}
		})
	}

	if _, err := DecodeContent([]byte(`{"other":1}`)); err == nil {
		t.Error("Expected unknown shape to be rejected")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	seed := `
agents:
  - id: ag1
    user_id: u1
    key_id: key-1
providers:
  - id: p1
    user_id: u2
    name: Acme
    payout_address: 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
resources:
  - id: r1
    provider_id: p1
    title: Climate Data API
    format: json
    price_per_kb: "0.001"
    size_bytes: 51200
    modes: [raw]
    connector_id: http
    url: https://origin.example/climate.json
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	r, err := m.Resource(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Pricing.PerKB != paygate.MustAmount("0.001") || *r.Pricing.SizeBytes != 51200 {
		t.Errorf("Unexpected pricing %+v", r.Pricing)
	}
	if r.Visibility != VisibilityPublic {
		t.Errorf("Expected default public visibility, got %q", r.Visibility)
	}
	p, _ := m.Provider(context.Background(), "p1")
	if p.PayoutAddress == "" {
		t.Error("Expected payout address to load")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("resources:\n  - id: r\n    price_flat: abc\n"), 0o600)
	if _, err := LoadFile(bad); err == nil {
		t.Error("Expected invalid price to fail")
	}
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/big" {
			w.Write([]byte(strings.Repeat("x", 64)))
			return
		}
		w.Write([]byte(`{"t":1}`))
	}))
	defer server.Close()

	f := Connectors{"http": &HTTPFetcher{MaxBytes: 32}}
	content, n, err := f.Fetch(context.Background(), &Resource{ID: "r", ConnectorID: "http", URL: server.URL + "/ok"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n != 7 || content.Size() != 7 {
		t.Errorf("Expected 7 bytes, got %d", n)
	}

	if _, _, err := f.Fetch(context.Background(), &Resource{ID: "r", ConnectorID: "http", URL: server.URL + "/big"}); err == nil {
		t.Error("Expected oversized response to fail")
	}
	if _, _, err := f.Fetch(context.Background(), &Resource{ID: "r", ConnectorID: "ftp"}); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("Expected ErrUnknownConnector, got %v", err)
	}
}

func TestHMACURLSigner(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	s := &HMACURLSigner{BaseURL: "https://cdn.example/assets/", Secret: []byte("secret"), Clock: clk}

	raw, err := s.SignURL(context.Background(), "reports/q1.pdf", 10*time.Minute)
	if err != nil {
		t.Fatalf("SignURL failed: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "https://cdn.example/assets/reports%2Fq1.pdf?") {
		t.Errorf("Unexpected url %s", raw)
	}
	if !s.VerifyURL("reports/q1.pdf", u.Query()) {
		t.Error("Expected signature to verify")
	}
	if s.VerifyURL("reports/q2.pdf", u.Query()) {
		t.Error("Expected signature bound to ref")
	}

	clk.Add(11 * time.Minute)
	if s.VerifyURL("reports/q1.pdf", u.Query()) {
		t.Error("Expected expired url to fail")
	}
}
