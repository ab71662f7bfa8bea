package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/polycrawl/paygate"
)

// MaxStatsDays bounds the spending analytics window.
const MaxStatsDays = 365

type ResourceSpend struct {
	ResourceID string         `json:"resourceId"`
	Total      paygate.Amount `json:"total"`
	Requests   int            `json:"requests"`
}

type DaySpend struct {
	Date     string         `json:"date"`
	Total    paygate.Amount `json:"total"`
	Requests int            `json:"requests"`
}

// SpendingStats summarizes a user's committed spend over a trailing window.
type SpendingStats struct {
	Days       int             `json:"days"`
	Since      time.Time       `json:"since"`
	Total      paygate.Amount  `json:"total"`
	Requests   int             `json:"requests"`
	ByResource []ResourceSpend `json:"byResource"`
	ByDay      []DaySpend      `json:"byDay"`
}

// SpendingStats aggregates the last days of a user's spend, by resource
// and by UTC day.
func (s *Service) SpendingStats(ctx context.Context, user string, days int) (*SpendingStats, error) {
	if days == 0 {
		days = 7
	}
	if days < 1 || days > MaxStatsDays {
		return nil, paygate.Errorf(paygate.CodeBadRequest, "days must be between 1 and %d", MaxStatsDays)
	}
	since := s.clock.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	reqs, err := s.requests.Committed(ctx, user, since)
	if err != nil {
		return nil, err
	}

	out := &SpendingStats{Days: days, Since: since, ByResource: []ResourceSpend{}, ByDay: []DaySpend{}}
	byResource := map[string]*ResourceSpend{}
	byDay := map[string]*DaySpend{}
	for _, r := range reqs {
		out.Total += r.Cost
		out.Requests++

		rs, ok := byResource[r.ResourceID]
		if !ok {
			rs = &ResourceSpend{ResourceID: r.ResourceID}
			byResource[r.ResourceID] = rs
		}
		rs.Total += r.Cost
		rs.Requests++

		day := r.CreatedAt.UTC().Format(time.DateOnly)
		ds, ok := byDay[day]
		if !ok {
			ds = &DaySpend{Date: day}
			byDay[day] = ds
		}
		ds.Total += r.Cost
		ds.Requests++
	}

	for _, rs := range byResource {
		out.ByResource = append(out.ByResource, *rs)
	}
	sort.Slice(out.ByResource, func(i, j int) bool {
		if out.ByResource[i].Total != out.ByResource[j].Total {
			return out.ByResource[i].Total > out.ByResource[j].Total
		}
		return out.ByResource[i].ResourceID < out.ByResource[j].ResourceID
	})
	for _, ds := range byDay {
		out.ByDay = append(out.ByDay, *ds)
	}
	sort.Slice(out.ByDay, func(i, j int) bool { return out.ByDay[i].Date < out.ByDay[j].Date })
	return out, nil
}
