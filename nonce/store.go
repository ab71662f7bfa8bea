// Package nonce records single-use signature nonces until they expire.
package nonce

import (
	"context"
	"errors"
	"time"
)

// ErrReplayed is returned by Consume when the nonce was already recorded.
var ErrReplayed = errors.New("nonce: already used")

// Store tracks consumed nonces.
type Store interface {
	// Seen reports whether the nonce is currently recorded.
	Seen(ctx context.Context, nonce string) (bool, error)

	// Consume records the nonce for ttl. It is an atomic insert-if-absent:
	// of two concurrent calls with the same nonce exactly one succeeds and
	// the other gets ErrReplayed.
	Consume(ctx context.Context, nonce, keyID string, ttl time.Duration) error
}

// Record is a stored nonce.
type Record struct {
	Nonce     string
	KeyID     string
	CreatedAt time.Time
	ExpiresAt time.Time
}
