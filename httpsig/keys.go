package httpsig

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
)

// PublicKey is a resolved verification key.
type PublicKey struct {
	ID  string
	Key crypto.PublicKey
	// Alg is the key's declared algorithm, if any. The signature's own alg
	// parameter takes precedence.
	Alg Algorithm
}

// KeyResolver maps a key id to a verification key.
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (*PublicKey, error)
}

// LocalKeyFromPEM loads a statically configured public key. An empty keyID
// is replaced by the id derived from the PEM.
func LocalKeyFromPEM(pemData []byte, keyID string) (*PublicKey, error) {
	pub, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	derived := KeyIDFromPEM(pemData)
	if keyID == "" {
		keyID = derived
	} else if keyID != derived {
		slog.Default().Warn("configured key id does not match local public key hash", "key_id", keyID, "derived", derived)
	}
	alg, err := AlgorithmForKey(pub)
	if err != nil {
		return nil, err
	}
	return &PublicKey{ID: keyID, Key: pub, Alg: alg}, nil
}

// Resolver prefers the local key and falls back from the remote key set to
// the local key when the set cannot be fetched or does not hold the id.
type Resolver struct {
	local  *PublicKey
	remote *JWKSCache
	logger *slog.Logger
}

// NewResolver creates a Resolver. Either source may be nil, but not both.
func NewResolver(local *PublicKey, remote *JWKSCache, logger *slog.Logger) (*Resolver, error) {
	if local == nil && remote == nil {
		return nil, fmt.Errorf("httpsig: resolver needs a local key or a JWKS URL")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{local: local, remote: remote, logger: logger}, nil
}

// Resolve returns the key for keyID. The returned key's ID is the identity
// bound to the request.
func (r *Resolver) Resolve(ctx context.Context, keyID string) (*PublicKey, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if r.local != nil && keyID == r.local.ID {
		return r.local, nil
	}

	if r.remote != nil {
		key, err := r.remote.Lookup(ctx, keyID)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			r.logger.WarnContext(ctx, "failed to fetch JWKS, falling back to local key", "error", err)
		}
	}

	if r.local != nil {
		return r.local, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}
