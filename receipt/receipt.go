// Package receipt signs and stores the accounting record of every settled
// request. Receipts are EdDSA-signed JWTs whose claims are the receipt
// fields, and they are write-once per request.
package receipt

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/pricing"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Lifetime is the validity of a receipt token.
const Lifetime = 10 * 365 * 24 * time.Hour

var (
	ErrNotFound   = errors.New("receipt: not found")
	ErrExists     = errors.New("receipt: already issued for request")
	ErrFinalized  = errors.New("receipt: already finalized with a different transaction")
	ErrNotPending = errors.New("receipt: not pending")
	ErrInvalid    = errors.New("receipt: invalid token")
)

// Settlement names the path a request was paid through.
type Settlement string

const (
	SettlementLedger Settlement = "ledger"
	SettlementX402   Settlement = "x402"
	SettlementWaived Settlement = "waived"
	SettlementFree   Settlement = "free"
)

// Resource identifies the delivered resource.
type Resource struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Receipt is the accounting record of one request. Sig carries the signed
// token and is not part of the signed claims.
type Receipt struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	Resource    Resource        `json:"resource"`
	ProviderID  string          `json:"providerId"`
	UserID      string          `json:"userId"`
	AgentID     string          `json:"agentId"`
	Mode        string          `json:"mode"`
	BytesBilled int64           `json:"bytes_billed"`
	UnitPrice   *paygate.Amount `json:"unit_price,omitempty"`
	FlatPrice   *paygate.Amount `json:"flat_price,omitempty"`
	PaidTotal   paygate.Amount  `json:"paid_total"`
	Splits      []pricing.Split `json:"splits"`
	X402Tx      string          `json:"x402_tx,omitempty"`
	PayoutTx    string          `json:"payout_tx,omitempty"`
	Settlement  Settlement      `json:"settlement"`
	TapDigest   string          `json:"tap_digest,omitempty"`
	TS          time.Time       `json:"ts"`
	Sig         string          `json:"sig,omitempty"`
}

func (r Receipt) clone() Receipt {
	r.Splits = slices.Clone(r.Splits)
	if r.UnitPrice != nil {
		v := *r.UnitPrice
		r.UnitPrice = &v
	}
	if r.FlatPrice != nil {
		v := *r.FlatPrice
		r.FlatPrice = &v
	}
	return r
}

// State is the lifecycle of a stored receipt.
type State string

const (
	StatePending State = "pending"
	StateFinal   State = "final"
)

// Record is a stored receipt. Receipt.Sig is empty while pending.
type Record struct {
	Receipt     Receipt
	State       State
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// Store persists records keyed by request id.
type Store interface {
	// Insert adds a record and returns ErrExists when the request already
	// has one.
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, requestID string) (*Record, error)
	// Finalize replaces a pending record with its signed form. It returns
	// ErrNotPending when the record is already final.
	Finalize(ctx context.Context, requestID string, r Receipt, at time.Time) error
}

// Issuer signs receipts with a long-lived Ed25519 key.
type Issuer struct {
	key    ed25519.PrivateKey
	keyID  string
	signer jose.Signer
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithClock(clk clock.Clock) Option { return func(i *Issuer) { i.clock = clk } }

func WithLogger(l *slog.Logger) Option { return func(i *Issuer) { i.logger = l } }

// NewIssuer returns an issuer signing with key under keyID.
func NewIssuer(key ed25519.PrivateKey, keyID string, store Store, opts ...Option) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("receipt: invalid ed25519 key")
	}
	if keyID == "" {
		return nil, fmt.Errorf("receipt: key id is required")
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return nil, fmt.Errorf("receipt: create signer: %w", err)
	}
	i := &Issuer{key: key, keyID: keyID, signer: signer, store: store, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// ParseKeyPEM reads an Ed25519 PKCS#8 private key.
func ParseKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("receipt: no PEM block found")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("receipt: parse key: %w", err)
	}
	ed, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("receipt: key is %T, want ed25519", k)
	}
	return ed, nil
}

// KeyID returns the id published in the JWKS.
func (i *Issuer) KeyID() string { return i.keyID }

// JWKS returns the public key set receipts verify against.
func (i *Issuer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       i.key.Public(),
		KeyID:     i.keyID,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}}}
}

func (i *Issuer) stamp(r *Receipt) {
	if r.ID == "" {
		r.ID = "rcpt_" + uuid.NewString()
	}
	r.TS = i.clock.Now().UTC().Truncate(time.Millisecond)
	if r.Splits == nil {
		r.Splits = []pricing.Split{}
	}
	r.Sig = ""
}

func (i *Issuer) sign(r Receipt) (string, error) {
	r.Sig = ""
	now := i.clock.Now()
	token, err := jwt.Signed(i.signer).
		Claims(r).
		Claims(jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(Lifetime)),
		}).
		CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("receipt: sign: %w", err)
	}
	return token, nil
}

// Issue stamps, signs and stores a final receipt.
func (i *Issuer) Issue(ctx context.Context, r Receipt) (*Receipt, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("receipt: request id is required")
	}
	r = r.clone()
	i.stamp(&r)
	token, err := i.sign(r)
	if err != nil {
		return nil, err
	}
	r.Sig = token

	now := i.clock.Now()
	if err := i.store.Insert(ctx, Record{Receipt: r, State: StateFinal, CreatedAt: now, FinalizedAt: &now}); err != nil {
		return nil, err
	}
	i.logger.DebugContext(ctx, "receipt issued", "request_id", r.RequestID, "receipt_id", r.ID)
	return &r, nil
}

// Pending stores the unsigned receipt of a request whose funds have not
// moved yet. Only the transaction references may change when it is
// finalized.
func (i *Issuer) Pending(ctx context.Context, r Receipt) (*Receipt, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("receipt: request id is required")
	}
	r = r.clone()
	i.stamp(&r)
	if err := i.store.Insert(ctx, Record{Receipt: r, State: StatePending, CreatedAt: i.clock.Now()}); err != nil {
		return nil, err
	}
	return &r, nil
}

// Transactions are the settlement references merged into a pending
// receipt when it is finalized.
type Transactions struct {
	X402   string
	Payout string
}

// Finalize merges txs into a pending receipt and signs it. Finalizing
// again with the same transactions returns the stored receipt.
func (i *Issuer) Finalize(ctx context.Context, requestID string, txs Transactions) (*Receipt, error) {
	rec, err := i.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec.State == StateFinal {
		return finalized(rec, txs)
	}

	r := rec.Receipt.clone()
	r.X402Tx, r.PayoutTx = txs.X402, txs.Payout
	token, err := i.sign(r)
	if err != nil {
		return nil, err
	}
	r.Sig = token

	err = i.store.Finalize(ctx, requestID, r, i.clock.Now())
	if errors.Is(err, ErrNotPending) {
		// Lost a race with a concurrent Finalize.
		if rec, err = i.store.Get(ctx, requestID); err != nil {
			return nil, err
		}
		return finalized(rec, txs)
	}
	if err != nil {
		return nil, err
	}
	i.logger.InfoContext(ctx, "receipt finalized", "request_id", requestID, "x402_tx", txs.X402, "payout_tx", txs.Payout)
	return &r, nil
}

func finalized(rec *Record, txs Transactions) (*Receipt, error) {
	if rec.Receipt.X402Tx != txs.X402 || rec.Receipt.PayoutTx != txs.Payout {
		return nil, fmt.Errorf("%w: %s", ErrFinalized, rec.Receipt.RequestID)
	}
	r := rec.Receipt.clone()
	return &r, nil
}

// Get returns the receipt for a request, pending or final.
func (i *Issuer) Get(ctx context.Context, requestID string) (*Record, error) {
	return i.store.Get(ctx, requestID)
}

// Verify checks token against keys and returns the receipt it carries.
func Verify(token string, keys jose.JSONWebKeySet) (*Receipt, error) {
	return VerifyAt(token, keys, time.Now())
}

// VerifyAt is Verify with an explicit validation time.
func VerifyAt(token string, keys jose.JSONWebKeySet, now time.Time) (*Receipt, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(parsed.Headers) != 1 || parsed.Headers[0].Algorithm != string(jose.EdDSA) {
		return nil, fmt.Errorf("%w: unexpected algorithm", ErrInvalid)
	}
	matches := keys.Key(parsed.Headers[0].KeyID)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalid, parsed.Headers[0].KeyID)
	}

	var (
		r      Receipt
		claims jwt.Claims
	)
	if err := parsed.Claims(matches[0].Key, &r, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: now}, jwt.DefaultLeeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	r.Sig = token
	return &r, nil
}
