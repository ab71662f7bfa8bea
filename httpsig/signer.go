package httpsig

import (
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultExpiresIn is the validity of outgoing signatures.
const DefaultExpiresIn = MaxWindow

const nonceBytes = 48

// Signer produces signatures that Verifier accepts: same base, same
// parameter serialization.
type Signer struct {
	key        crypto.Signer
	keyID      string
	alg        Algorithm
	expiresIn  time.Duration
	components []string
	clock      clock.Clock
	rand       io.Reader
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithAlgorithm overrides the algorithm chosen from the key type.
func WithAlgorithm(alg Algorithm) SignerOption { return func(s *Signer) { s.alg = alg } }

// WithExpiresIn sets the validity window, capped at MaxWindow.
func WithExpiresIn(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 && d <= MaxWindow {
			s.expiresIn = d
		}
	}
}

// WithComponents adds covered components beyond "@authority" and "@path".
func WithComponents(names ...string) SignerOption {
	return func(s *Signer) { s.components = append(s.components, names...) }
}

// WithSignerClock injects the time source.
func WithSignerClock(clk clock.Clock) SignerOption { return func(s *Signer) { s.clock = clk } }

// NewSigner creates a Signer for key under keyID.
func NewSigner(key crypto.Signer, keyID string, opts ...SignerOption) (*Signer, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	alg, err := AlgorithmForKey(key)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		key:        key,
		keyID:      keyID,
		alg:        alg,
		expiresIn:  DefaultExpiresIn,
		components: []string{"@authority", "@path"},
		clock:      clock.New(),
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSignerFromPEM parses a PEM private key and creates a Signer. An empty
// keyID is derived from the matching public key.
func NewSignerFromPEM(pemData []byte, keyID string, opts ...SignerOption) (*Signer, error) {
	key, err := ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		pub, err := EncodePublicKeyPEM(key.Public())
		if err != nil {
			return nil, err
		}
		keyID = KeyIDFromPEM(pub)
	}
	return NewSigner(key, keyID, opts...)
}

// KeyID returns the key id carried in signatures.
func (s *Signer) KeyID() string { return s.keyID }

// Headers is a pair of signature headers.
type Headers struct {
	SignatureInput string
	Signature      string
}

// Sign signs m for the given purpose tag.
func (s *Signer) Sign(m Message, tag string) (Headers, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return Headers{}, fmt.Errorf("httpsig: generate nonce: %w", err)
	}
	created := s.clock.Now().Unix()
	params := &Params{
		Label:      DefaultLabel,
		Components: s.components,
		Created:    created,
		Expires:    created + int64(s.expiresIn/time.Second),
		KeyID:      s.keyID,
		Alg:        string(s.alg),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        tag,
	}
	params.Raw = params.String()

	base, err := SignatureBase(m, params)
	if err != nil {
		return Headers{}, err
	}
	sig, err := signBytes(s.alg, s.key, []byte(base))
	if err != nil {
		return Headers{}, err
	}
	return Headers{
		SignatureInput: params.Label + "=" + params.Raw,
		Signature:      params.Label + "=:" + base64.StdEncoding.EncodeToString(sig) + ":",
	}, nil
}

// SignRequest signs r in place, replacing any existing signature headers.
// An empty tag is inferred from the request path.
func (s *Signer) SignRequest(r *http.Request, tag string) error {
	if tag == "" {
		tag = InferTag(r.URL.Path)
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	m := Message{
		Method:    r.Method,
		Scheme:    r.URL.Scheme,
		Authority: host,
		Path:      r.URL.RequestURI(),
		Header:    r.Header,
	}
	h, err := s.Sign(m, tag)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderSignatureInput, h.SignatureInput)
	r.Header.Set(HeaderSignature, h.Signature)
	return nil
}
