// Package catalog defines the contracts the gateway consumes from the
// resource catalog: agent and provider lookup, resource search, content
// retrieval and signed storage URLs.
package catalog

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/polycrawl/paygate/pricing"
)

// ErrNotFound is returned by directory lookups that match nothing.
var ErrNotFound = errors.New("catalog: not found")

// Mode is how a resource is delivered.
type Mode string

const (
	ModeRaw     Mode = "raw"
	ModeSummary Mode = "summary"
)

func (m Mode) Valid() bool { return m == ModeRaw || m == ModeSummary }

// Visibility controls which agents may fetch a resource.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

// Agent is a signing key registered to a user.
type Agent struct {
	ID     string `json:"id" yaml:"id"`
	UserID string `json:"userId" yaml:"user_id"`
	KeyID  string `json:"keyId" yaml:"key_id"`
	Name   string `json:"name,omitempty" yaml:"name"`
}

// Provider owns resources. Its payout address receives on-chain payouts.
type Provider struct {
	ID            string `json:"id" yaml:"id"`
	UserID        string `json:"userId" yaml:"user_id"`
	Name          string `json:"name" yaml:"name"`
	PayoutAddress string `json:"payoutAddress,omitempty" yaml:"payout_address"`
}

// Resource is a priced piece of content.
type Resource struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"providerId"`
	Title      string          `json:"title"`
	Type       string          `json:"type"`
	Format     string          `json:"format"`
	Domain     string          `json:"domain,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Pricing    pricing.Pricing `json:"pricing"`

	// Modes lists the allowed delivery modes. Empty allows all.
	Modes      []Mode     `json:"modes,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
	// Allow lists the agent ids that may fetch a restricted resource.
	Allow []string `json:"allow,omitempty"`

	// ConnectorID selects a Fetcher; StorageRef names a stored asset
	// served through a signed URL.
	ConnectorID string `json:"connectorId,omitempty"`
	StorageRef  string `json:"storageRef,omitempty"`
	// URL is the origin fetched by the HTTP connector.
	URL string `json:"url,omitempty"`

	AvgLatencyMs int       `json:"avgLatencyMs,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AllowsMode reports whether m may be requested.
func (r *Resource) AllowsMode(m Mode) bool {
	return len(r.Modes) == 0 || slices.Contains(r.Modes, m)
}

// Permits reports whether agentID passes the visibility policy.
func (r *Resource) Permits(agentID string) bool {
	return r.Visibility != VisibilityRestricted || slices.Contains(r.Allow, agentID)
}

// Filter narrows a search.
type Filter struct {
	Formats []string
	// Limit caps the number of matches. Zero means no cap.
	Limit int
}

// Match is a search hit with its keyword relevance in [0, 1].
type Match struct {
	Resource  *Resource
	Relevance float64
}

// Directory resolves agents, providers and resources.
type Directory interface {
	AgentByKey(ctx context.Context, keyID string) (*Agent, error)
	Resource(ctx context.Context, id string) (*Resource, error)
	Provider(ctx context.Context, id string) (*Provider, error)
	Search(ctx context.Context, query string, f Filter) ([]Match, error)
}

// Fetcher retrieves a resource's content through its connector and
// reports the bytes delivered.
type Fetcher interface {
	Fetch(ctx context.Context, r *Resource) (Content, int64, error)
}

// URLSigner issues time-limited retrieval URLs for stored assets.
type URLSigner interface {
	SignURL(ctx context.Context, storageRef string, ttl time.Duration) (string, error)
}
