package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate"
	"golang.org/x/sync/singleflight"
)

// DefaultCapabilitiesTTL bounds how stale the cached /supported answer may be.
const DefaultCapabilitiesTTL = 5 * time.Minute

// ErrKindNotSupported is returned when the facilitator does not list a
// network and scheme pair.
var ErrKindNotSupported = errors.New("facilitator: payment kind not supported")

// Capabilities caches the facilitator's /supported answer. Concurrent
// misses share one fetch.
type Capabilities struct {
	fac    Interface
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	cached    *SupportedResponse
	fetchedAt time.Time
}

// CapabilitiesOption configures a Capabilities cache.
type CapabilitiesOption func(*Capabilities)

func WithCapabilitiesTTL(ttl time.Duration) CapabilitiesOption {
	return func(c *Capabilities) { c.ttl = ttl }
}

func WithCapabilitiesClock(clk clock.Clock) CapabilitiesOption {
	return func(c *Capabilities) { c.clock = clk }
}

func WithCapabilitiesLogger(l *slog.Logger) CapabilitiesOption {
	return func(c *Capabilities) { c.logger = l }
}

func NewCapabilities(fac Interface, opts ...CapabilitiesOption) *Capabilities {
	c := &Capabilities{fac: fac, ttl: DefaultCapabilitiesTTL, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Supported returns the cached answer, refreshing it once the TTL lapses.
func (c *Capabilities) Supported(ctx context.Context) (*SupportedResponse, error) {
	c.mu.RLock()
	cached, fetchedAt := c.cached, c.fetchedAt
	c.mu.RUnlock()
	if cached != nil && c.clock.Since(fetchedAt) < c.ttl {
		return cached, nil
	}

	v, err, _ := c.group.Do("supported", func() (any, error) {
		resp, err := c.fac.Supported(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached, c.fetchedAt = resp, c.clock.Now()
		c.mu.Unlock()
		c.logger.Info("facilitator capabilities refreshed", "kinds", len(resp.Kinds))
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SupportedResponse), nil
}

// Kind returns the supported kind for network and scheme.
func (c *Capabilities) Kind(ctx context.Context, network, scheme string) (*SupportedKind, error) {
	resp, err := c.Supported(ctx)
	if err != nil {
		return nil, err
	}
	for i := range resp.Kinds {
		if resp.Kinds[i].Network == network && resp.Kinds[i].Scheme == scheme {
			return &resp.Kinds[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKindNotSupported, network, scheme)
}

// FeePayer returns the Solana fee payer the facilitator advertises for
// network, or "" when it advertises none.
func (c *Capabilities) FeePayer(ctx context.Context, network, scheme string) (string, error) {
	kind, err := c.Kind(ctx, network, scheme)
	if err != nil {
		return "", err
	}
	feePayer, _ := kind.Extra["feePayer"].(string)
	return feePayer, nil
}

// Enrich merges each matching kind's extra data into the requirements.
// Values already present on a requirement win.
func (c *Capabilities) Enrich(ctx context.Context, reqs []paygate.PaymentRequirement) ([]paygate.PaymentRequirement, error) {
	resp, err := c.Supported(ctx)
	if err != nil {
		return reqs, err
	}
	kinds := make(map[string]SupportedKind, len(resp.Kinds))
	for _, k := range resp.Kinds {
		kinds[k.Network+"-"+k.Scheme] = k
	}

	out := make([]paygate.PaymentRequirement, len(reqs))
	for i, req := range reqs {
		out[i] = req
		kind, ok := kinds[req.Network+"-"+req.Scheme]
		if !ok || len(kind.Extra) == 0 {
			continue
		}
		extra := make(map[string]any, len(req.Extra)+len(kind.Extra))
		for k, v := range kind.Extra {
			extra[k] = v
		}
		for k, v := range req.Extra {
			extra[k] = v
		}
		out[i].Extra = extra
	}
	return out, nil
}

// Invalidate drops the cached answer.
func (c *Capabilities) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
