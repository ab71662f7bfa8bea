package facilitator

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// CDPTokenLifetime is how long a Coinbase facilitator bearer token stays valid.
const CDPTokenLifetime = 2 * time.Minute

// CDPAuth signs per-request bearer tokens for the Coinbase Developer Platform
// facilitator. It is immutable after construction and safe for concurrent use.
type CDPAuth struct {
	keyName string
	key     any
	alg     jose.SignatureAlgorithm
	clock   clock.Clock
}

// cdpClaims are the JWT claims the CDP API expects.
type cdpClaims struct {
	*jwt.Claims
	// URI is "{METHOD} {host}{path}".
	URI string `json:"uri"`
}

// NewCDPAuth parses keySecret, which is either a PEM EC/PKCS8 key or the
// base64 Ed25519 secret CDP hands out.
func NewCDPAuth(keyName, keySecret string) (*CDPAuth, error) {
	if keyName == "" {
		return nil, fmt.Errorf("cdp: key name must not be empty")
	}
	key, err := parseCDPKey(keySecret)
	if err != nil {
		return nil, err
	}

	a := &CDPAuth{keyName: keyName, key: key, clock: clock.New()}
	switch key.(type) {
	case *ecdsa.PrivateKey:
		a.alg = jose.ES256
	case ed25519.PrivateKey:
		a.alg = jose.EdDSA
	default:
		return nil, fmt.Errorf("cdp: unsupported private key type %T", key)
	}
	return a, nil
}

func parseCDPKey(secret string) (any, error) {
	if block, _ := pem.Decode([]byte(secret)); block != nil {
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cdp: failed to parse private key: %w", err)
		}
		return k, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("cdp: key secret is neither PEM nor base64")
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("cdp: unexpected key length %d", len(raw))
	}
}

// BearerToken signs a token scoped to one method, host and path.
func (a *CDPAuth) BearerToken(method, host, path string) (string, error) {
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: a.alg, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyName),
	)
	if err != nil {
		return "", fmt.Errorf("cdp: failed to create JWT signer: %w", err)
	}

	now := a.clock.Now()
	claims := &cdpClaims{
		Claims: &jwt.Claims{
			Subject:   a.keyName,
			Issuer:    "cdp",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(CDPTokenLifetime)),
		},
		URI: fmt.Sprintf("%s %s%s", method, host, path),
	}
	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("cdp: failed to serialize JWT: %w", err)
	}
	return token, nil
}

// Provider returns an AuthorizationProvider for Client. Signing failures
// leave the header unset, and the facilitator answers 401.
func (a *CDPAuth) Provider() AuthorizationProvider {
	return func(r *http.Request) string {
		token, err := a.BearerToken(r.Method, r.URL.Host, r.URL.Path)
		if err != nil {
			return ""
		}
		return "Bearer " + token
	}
}
