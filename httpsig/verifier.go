package httpsig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/polycrawl/paygate/nonce"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MaxWindow is the longest accepted validity window and the longest a
// signature may be used after it was created.
const MaxWindow = 8 * time.Minute

// Context is the verified signature context of one request.
type Context struct {
	KeyID      string
	Alg        Algorithm
	Tag        string
	Label      string
	Components []string
	Created    time.Time
	Expires    time.Time
	Nonce      string
	// Digest fingerprints the verified request for receipts.
	Digest string
}

// Verifier checks inbound signatures.
type Verifier struct {
	keys      KeyResolver
	nonces    nonce.Store
	clock     clock.Clock
	maxWindow time.Duration
	tags      map[string]bool
	required  []string
	logger    *slog.Logger
	results   *prometheus.CounterVec
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock injects the time source.
func WithClock(clk clock.Clock) VerifierOption { return func(v *Verifier) { v.clock = clk } }

// WithMaxWindow lowers the accepted validity window. Values above
// MaxWindow are ignored.
func WithMaxWindow(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 && d <= MaxWindow {
			v.maxWindow = d
		}
	}
}

// WithTags replaces the accepted purpose tags.
func WithTags(tags ...string) VerifierOption {
	return func(v *Verifier) {
		v.tags = make(map[string]bool, len(tags))
		for _, t := range tags {
			v.tags[t] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption { return func(v *Verifier) { v.logger = l } }

// WithMetrics registers a verification outcome counter on reg.
func WithMetrics(reg prometheus.Registerer) VerifierOption {
	return func(v *Verifier) {
		v.results = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_signature_verifications_total",
			Help: "Inbound signature verifications by result.",
		}, []string{"result"})
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(keys KeyResolver, nonces nonce.Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:      keys,
		nonces:    nonces,
		clock:     clock.New(),
		maxWindow: MaxWindow,
		tags:      map[string]bool{TagBrowser: true, TagPayer: true},
		required:  []string{"@authority", "@path"},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyRequest verifies r's Signature-Input and Signature headers.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request, trustForwarded bool) (*Context, error) {
	return v.Verify(ctx, MessageFromRequest(r, trustForwarded), r.Header.Get(HeaderSignatureInput), r.Header.Get(HeaderSignature))
}

// Verify checks one signature. On success a present nonce has been
// consumed; any failure is returned as a *paygate.Error.
func (v *Verifier) Verify(ctx context.Context, m Message, signatureInput, signature string) (*Context, error) {
	sc, err := v.verify(ctx, m, signatureInput, signature)
	v.observe(err)
	if err != nil {
		return nil, reject(err)
	}
	return sc, nil
}

func (v *Verifier) verify(ctx context.Context, m Message, signatureInput, signature string) (*Context, error) {
	if strings.TrimSpace(signatureInput) == "" || strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}
	params, err := ParseSignatureInput(signatureInput, "")
	if err != nil {
		return nil, err
	}

	if !v.tags[params.Tag] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, params.Tag)
	}
	if err := v.checkWindow(params); err != nil {
		return nil, err
	}

	if params.Nonce != "" {
		seen, err := v.nonces.Seen(ctx, params.Nonce)
		if err != nil {
			return nil, fmt.Errorf("nonce lookup: %w", err)
		}
		if seen {
			return nil, ErrReplayed
		}
	}

	for _, c := range v.required {
		if !params.Covers(c) {
			return nil, fmt.Errorf("%w: %s", ErrMissingComponent, c)
		}
	}

	if params.KeyID == "" {
		return nil, ErrMissingKeyID
	}
	key, err := v.keys.Resolve(ctx, params.KeyID)
	if err != nil {
		return nil, err
	}

	alg := key.Alg
	if params.Alg != "" {
		if alg, err = ParseAlgorithm(params.Alg); err != nil {
			return nil, err
		}
	}
	if alg == "" {
		alg = Ed25519
	}

	sig, err := ParseSignature(signature, params.Label)
	if err != nil {
		return nil, err
	}
	base, err := SignatureBase(m, params)
	if err != nil {
		return nil, err
	}
	if err := verifyBytes(alg, key.Key, []byte(base), sig); err != nil {
		return nil, err
	}

	if params.Nonce != "" {
		if err := v.nonces.Consume(ctx, params.Nonce, key.ID, v.maxWindow); err != nil {
			if errors.Is(err, nonce.ErrReplayed) {
				return nil, ErrReplayed
			}
			return nil, fmt.Errorf("nonce insert: %w", err)
		}
	}

	return &Context{
		KeyID:      key.ID,
		Alg:        alg,
		Tag:        params.Tag,
		Label:      params.Label,
		Components: params.Components,
		Created:    time.Unix(params.Created, 0),
		Expires:    time.Unix(params.Expires, 0),
		Nonce:      params.Nonce,
		Digest:     Digest(base),
	}, nil
}

func (v *Verifier) checkWindow(p *Params) error {
	if p.Created == 0 || p.Expires == 0 {
		return ErrMissingTimestamps
	}
	now := v.clock.Now().Unix()
	limit := int64(v.maxWindow / time.Second)
	switch {
	case p.Created > now:
		return ErrCreatedInFuture
	case p.Expires < now:
		return ErrExpired
	case p.Expires-p.Created > limit:
		return ErrWindowTooLong
	case now-p.Created > limit:
		return ErrTooOld
	}
	return nil
}

func (v *Verifier) observe(err error) {
	if v.results == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(codeFor(err)))
	}
	v.results.WithLabelValues(result).Inc()
}

type contextKey struct{}

// NewContext returns ctx carrying the verified signature context.
func NewContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the verified signature context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(contextKey{}).(*Context)
	return sc, ok
}
