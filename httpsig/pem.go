package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"regexp"
)

var pemArmor = regexp.MustCompile(`-----(BEGIN|END) [A-Z0-9 ]+-----|\s`)

// KeyIDFromPEM derives a key id from a PEM public key: the unpadded
// base64url SHA-256 of the base64 body with armor and whitespace removed.
func KeyIDFromPEM(pemData []byte) string {
	body := pemArmor.ReplaceAll(pemData, nil)
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ParsePublicKeyPEM parses an SPKI or PKCS#1 public key.
func ParsePublicKeyPEM(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("httpsig: no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	return nil, fmt.Errorf("httpsig: unsupported public key block %q", block.Type)
}

// ParsePrivateKeyPEM parses a PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("httpsig: no PEM block found")
	}
	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("httpsig: unsupported private key block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("httpsig: %T cannot sign", key)
	}
	return signer, nil
}

// EncodePublicKeyPEM encodes a public key as SPKI PEM.
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyPair is a freshly generated signing key.
type KeyPair struct {
	PrivatePEM []byte
	PublicPEM  []byte
	KeyID      string
}

// GenerateEd25519 creates an Ed25519 key pair in PKCS#8 / SPKI PEM form
// together with its derived key id.
func GenerateEd25519() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		PublicPEM:  pubPEM,
		KeyID:      KeyIDFromPEM(pubPEM),
	}, nil
}
