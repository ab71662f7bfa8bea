package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/pricing"
	"gopkg.in/yaml.v3"
)

// titleBoost is the extra weight of a query term found in the title.
const titleBoost = 0.5

// Memory is a thread-safe in-memory Directory.
type Memory struct {
	mu        sync.RWMutex
	agents    map[string]*Agent // by key id
	providers map[string]*Provider
	resources map[string]*Resource
}

func NewMemory() *Memory {
	return &Memory{
		agents:    make(map[string]*Agent),
		providers: make(map[string]*Provider),
		resources: make(map[string]*Resource),
	}
}

var _ Directory = (*Memory)(nil)

func (m *Memory) PutAgent(a Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.KeyID] = &a
}

func (m *Memory) PutProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = &p
}

func (m *Memory) PutResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = &r
}

func (m *Memory) AgentByKey(_ context.Context, keyID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: agent for key %q", ErrNotFound, keyID)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Provider(_ context.Context, id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) Resource(_ context.Context, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource %q", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

// Search scores every resource against the query terms and returns the
// hits in descending relevance.
func (m *Memory) Search(_ context.Context, query string, f Filter) ([]Match, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	var out []Match
	for _, r := range m.resources {
		if len(f.Formats) > 0 && !slices.Contains(f.Formats, r.Format) {
			continue
		}
		if score := Relevance(r, terms); score > 0 {
			cp := *r
			out = append(out, Match{Resource: &cp, Relevance: score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Resource.ID < out[j].Resource.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Relevance is the fraction of terms found in the title, summary or tags,
// with title hits weighted up. It is 1 when every term is in the title.
func Relevance(r *Resource, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(r.Title)
	body := strings.ToLower(r.Summary + " " + strings.Join(r.Tags, " "))

	var hits, titleHits float64
	for _, t := range terms {
		switch {
		case strings.Contains(title, t):
			hits++
			titleHits++
		case strings.Contains(body, t):
			hits++
		}
	}
	return (hits + titleBoost*titleHits) / (float64(len(terms)) * (1 + titleBoost))
}

// Seed is the YAML form of a catalog.
type Seed struct {
	Agents    []Agent        `yaml:"agents"`
	Providers []Provider     `yaml:"providers"`
	Resources []SeedResource `yaml:"resources"`
}

// SeedResource carries prices as decimal strings.
type SeedResource struct {
	ID           string   `yaml:"id"`
	ProviderID   string   `yaml:"provider_id"`
	Title        string   `yaml:"title"`
	Type         string   `yaml:"type"`
	Format       string   `yaml:"format"`
	Domain       string   `yaml:"domain"`
	Summary      string   `yaml:"summary"`
	Tags         []string `yaml:"tags"`
	PriceFlat    string   `yaml:"price_flat"`
	PricePerKB   string   `yaml:"price_per_kb"`
	SizeBytes    *int64   `yaml:"size_bytes"`
	Modes        []Mode   `yaml:"modes"`
	Visibility   string   `yaml:"visibility"`
	Allow        []string `yaml:"allow"`
	ConnectorID  string   `yaml:"connector_id"`
	StorageRef   string   `yaml:"storage_ref"`
	URL          string   `yaml:"url"`
	AvgLatencyMs int      `yaml:"avg_latency_ms"`
}

func parseOptionalAmount(s string) (paygate.Amount, error) {
	if s == "" {
		return 0, nil
	}
	return paygate.ParseAmount(s)
}

// Resource converts the seed entry.
func (s SeedResource) Resource(now time.Time) (Resource, error) {
	flat, err := parseOptionalAmount(s.PriceFlat)
	if err != nil {
		return Resource{}, fmt.Errorf("resource %s: price_flat: %w", s.ID, err)
	}
	perKB, err := parseOptionalAmount(s.PricePerKB)
	if err != nil {
		return Resource{}, fmt.Errorf("resource %s: price_per_kb: %w", s.ID, err)
	}
	for _, mode := range s.Modes {
		if !mode.Valid() {
			return Resource{}, fmt.Errorf("resource %s: invalid mode %q", s.ID, mode)
		}
	}
	vis := Visibility(s.Visibility)
	if vis == "" {
		vis = VisibilityPublic
	}
	return Resource{
		ID:           s.ID,
		ProviderID:   s.ProviderID,
		Title:        s.Title,
		Type:         s.Type,
		Format:       s.Format,
		Domain:       s.Domain,
		Summary:      s.Summary,
		Tags:         s.Tags,
		Pricing:      pricing.Pricing{Flat: flat, PerKB: perKB, SizeBytes: s.SizeBytes},
		Modes:        s.Modes,
		Visibility:   vis,
		Allow:        s.Allow,
		ConnectorID:  s.ConnectorID,
		StorageRef:   s.StorageRef,
		URL:          s.URL,
		AvgLatencyMs: s.AvgLatencyMs,
		UpdatedAt:    now,
	}, nil
}

// Load adds everything in seed to the directory.
func (m *Memory) Load(seed Seed) error {
	now := time.Now().UTC()
	for _, a := range seed.Agents {
		if a.KeyID == "" {
			return fmt.Errorf("agent %s: key_id is required", a.ID)
		}
		m.PutAgent(a)
	}
	for _, p := range seed.Providers {
		m.PutProvider(p)
	}
	for _, s := range seed.Resources {
		r, err := s.Resource(now)
		if err != nil {
			return err
		}
		m.PutResource(r)
	}
	return nil
}

// LoadFile reads a YAML seed file into a new Memory directory.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	m := NewMemory()
	if err := m.Load(seed); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return m, nil
}
