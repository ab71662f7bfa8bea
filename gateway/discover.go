package gateway

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/pricing"
)

// DefaultDiscoverLimit caps the number of discover results.
const DefaultDiscoverLimit = 10

// Blended score weights.
const (
	pricePenalty   = 0.05
	latencyPenalty = 0.02
)

type DiscoverFilters struct {
	Format  []string        `json:"format,omitempty"`
	MaxCost *paygate.Amount `json:"maxCost,omitempty"`
}

type DiscoverInput struct {
	Query   string           `json:"query"`
	Filters *DiscoverFilters `json:"filters,omitempty"`
}

type DiscoverResult struct {
	ResourceID     string          `json:"resourceId"`
	Title          string          `json:"title"`
	Type           string          `json:"type"`
	Format         string          `json:"format"`
	Domain         string          `json:"domain,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	PriceEstimate  *paygate.Amount `json:"priceEstimate,omitempty"`
	AvgSizeKb      *float64        `json:"avgSizeKb,omitempty"`
	RelevanceScore *float64        `json:"relevanceScore,omitempty"`
	LatencyMs      *int            `json:"latencyMs,omitempty"`

	score float64
}

type DiscoverOutput struct {
	Results     []DiscoverResult `json:"results"`
	Recommended *DiscoverResult  `json:"recommended,omitempty"`
}

// Score blends relevance with price and latency penalties.
func Score(relevance float64, price paygate.Amount, latencyMs int) float64 {
	return relevance - pricePenalty*math.Log1p(price.Float64()*100) - latencyPenalty*float64(latencyMs)/1000
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// Discover searches the catalog for resources the caller may fetch.
func (s *Service) Discover(ctx context.Context, caller Caller, in DiscoverInput) (*DiscoverOutput, error) {
	agent, err := s.Agent(ctx, caller.KeyID)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(in.Query)
	if len(query) < 2 {
		return nil, paygate.Errorf(paygate.CodeBadRequest, "query must be at least 2 characters")
	}
	var filter catalog.Filter
	var maxCost *paygate.Amount
	if in.Filters != nil {
		for _, f := range in.Filters.Format {
			if strings.TrimSpace(f) == "" {
				return nil, paygate.Errorf(paygate.CodeBadRequest, "format filter must not be empty")
			}
		}
		filter.Formats = in.Filters.Format
		if in.Filters.MaxCost != nil && *in.Filters.MaxCost < 0 {
			return nil, paygate.Errorf(paygate.CodeBadRequest, "maxCost must be non-negative")
		}
		maxCost = in.Filters.MaxCost
	}

	matches, err := s.dir.Search(ctx, query, filter)
	if err != nil {
		return nil, err
	}

	results := make([]DiscoverResult, 0, len(matches))
	for _, m := range matches {
		r := m.Resource
		if !r.Permits(agent.ID) {
			continue
		}
		q := pricing.Estimate(r.Pricing, false, 0)
		if maxCost != nil && q.Cost > *maxCost {
			continue
		}
		price := q.Cost
		sizeKb := round2(float64(q.Bytes) / 1024)
		relevance := round2(m.Relevance)
		res := DiscoverResult{
			ResourceID:     r.ID,
			Title:          r.Title,
			Type:           r.Type,
			Format:         r.Format,
			Domain:         r.Domain,
			Summary:        r.Summary,
			Tags:           r.Tags,
			PriceEstimate:  &price,
			AvgSizeKb:      &sizeKb,
			RelevanceScore: &relevance,
			score:          Score(m.Relevance, price, r.AvgLatencyMs),
		}
		if r.AvgLatencyMs > 0 {
			latency := r.AvgLatencyMs
			res.LatencyMs = &latency
		}
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > DefaultDiscoverLimit {
		results = results[:DefaultDiscoverLimit]
	}

	out := &DiscoverOutput{Results: results}
	if len(results) > 0 {
		top := results[0]
		out.Recommended = &top
	}
	return out, nil
}
