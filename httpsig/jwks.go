package httpsig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate/retry"
	"golang.org/x/sync/singleflight"
	jose "gopkg.in/square/go-jose.v2"
)

// DefaultJWKSTTL bounds how stale a cached key set may be.
const DefaultJWKSTTL = 60 * time.Second

var errJWKSUnavailable = errors.New("httpsig: JWKS endpoint unavailable")

// JWKSCache holds a remote JSON Web Key Set for a fixed TTL. Concurrent
// misses share one fetch.
type JWKSCache struct {
	url     string
	client  *http.Client
	ttl     time.Duration
	clock   clock.Clock
	retry   retry.Config
	timeout time.Duration

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time

	group singleflight.Group
}

// JWKSOption configures a JWKSCache.
type JWKSOption func(*JWKSCache)

func WithJWKSTTL(ttl time.Duration) JWKSOption { return func(c *JWKSCache) { c.ttl = ttl } }

func WithJWKSClock(clk clock.Clock) JWKSOption { return func(c *JWKSCache) { c.clock = clk } }

func WithJWKSHTTPClient(hc *http.Client) JWKSOption { return func(c *JWKSCache) { c.client = hc } }

func WithJWKSRetry(cfg retry.Config) JWKSOption { return func(c *JWKSCache) { c.retry = cfg } }

// NewJWKSCache creates a cache for the key set at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		ttl:     DefaultJWKSTTL,
		clock:   clock.New(),
		retry:   retry.DefaultConfig,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.Clock == nil {
		c.retry.Clock = c.clock
	}
	return c
}

// Keys returns the cached set, fetching it when it is missing or stale.
func (c *JWKSCache) Keys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	c.mu.RLock()
	keys, fetchedAt := c.keys, c.fetchedAt
	c.mu.RUnlock()
	if keys != nil && c.clock.Since(fetchedAt) < c.ttl {
		return keys, nil
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		set, err := retry.Do(fctx, c.retry, isJWKSRetryable, c.fetch)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys, c.fetchedAt = set, c.clock.Now()
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

// Lookup resolves one key id from the set.
func (c *JWKSCache) Lookup(ctx context.Context, keyID string) (*PublicKey, error) {
	set, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	found := set.Key(keyID)
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	jwk := found[0]
	pk := &PublicKey{ID: keyID, Key: jwk.Key}
	if jwk.Algorithm != "" {
		if alg, err := ParseAlgorithm(jwk.Algorithm); err == nil {
			pk.Alg = alg
		}
	}
	if pk.Alg == "" {
		if alg, err := AlgorithmForKey(jwk.Key); err == nil {
			pk.Alg = alg
		}
	}
	return pk, nil
}

// Invalidate drops the cached set.
func (c *JWKSCache) Invalidate() {
	c.mu.Lock()
	c.keys = nil
	c.mu.Unlock()
}

func (c *JWKSCache) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", errJWKSUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsig: JWKS fetch returned status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, fmt.Errorf("httpsig: decode JWKS: %w", err)
	}
	return &set, nil
}

func isJWKSRetryable(err error) bool {
	return errors.Is(err, errJWKSUnavailable)
}
