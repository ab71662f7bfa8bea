package httpsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

// Algorithm is a signature algorithm identifier.
type Algorithm string

const (
	Ed25519         Algorithm = "ed25519"
	RSAPSSSHA256    Algorithm = "rsa-pss-sha256"
	RSAv15SHA256    Algorithm = "rsa-v1_5-sha256"
	ECDSAP256SHA256 Algorithm = "ecdsa-p256-sha256"
)

// ParseAlgorithm normalizes an algorithm name. JOSE names (EdDSA, PS256,
// RS256, ES256) and the legacy "rsa-sha256" are accepted.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ed25519", "eddsa":
		return Ed25519, nil
	case "rsa-pss-sha256", "ps256":
		return RSAPSSSHA256, nil
	case "rsa-v1_5-sha256", "rsa-sha256", "rs256":
		return RSAv15SHA256, nil
	case "ecdsa-p256-sha256", "es256":
		return ECDSAP256SHA256, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// AlgorithmForKey returns the default algorithm for a key type.
func AlgorithmForKey(key any) (Algorithm, error) {
	switch k := key.(type) {
	case ed25519.PublicKey, ed25519.PrivateKey:
		return Ed25519, nil
	case *rsa.PublicKey, *rsa.PrivateKey:
		return RSAPSSSHA256, nil
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return ECDSAP256SHA256, nil
		}
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P256() {
			return ECDSAP256SHA256, nil
		}
	}
	return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
}

func verifyBytes(alg Algorithm, pub crypto.PublicKey, base, sig []byte) error {
	switch alg {
	case Ed25519:
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, pub)
		}
		if !ed25519.Verify(k, base, sig) {
			return ErrBadSignature
		}
		return nil

	case RSAPSSSHA256, RSAv15SHA256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, pub)
		}
		digest := sha256.Sum256(base)
		var err error
		if alg == RSAPSSSHA256 {
			err = rsa.VerifyPSS(k, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		} else {
			err = rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig)
		}
		if err != nil {
			return ErrBadSignature
		}
		return nil

	case ECDSAP256SHA256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok || k.Curve != elliptic.P256() {
			return fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, pub)
		}
		digest := sha256.Sum256(base)
		// Raw r||s is the registered form; DER is accepted from older signers.
		if len(sig) == 64 {
			r := new(big.Int).SetBytes(sig[:32])
			s := new(big.Int).SetBytes(sig[32:])
			if ecdsa.Verify(k, digest[:], r, s) {
				return nil
			}
		}
		if ecdsa.VerifyASN1(k, digest[:], sig) {
			return nil
		}
		return ErrBadSignature
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

func signBytes(alg Algorithm, key crypto.Signer, base []byte) ([]byte, error) {
	switch alg {
	case Ed25519:
		k, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, key)
		}
		return ed25519.Sign(k, base), nil

	case RSAPSSSHA256, RSAv15SHA256:
		k, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, key)
		}
		digest := sha256.Sum256(base)
		if alg == RSAPSSSHA256 {
			// Auto signs with the longest salt the key allows.
			return rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		}
		return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])

	case ECDSAP256SHA256:
		k, ok := key.(*ecdsa.PrivateKey)
		if !ok || k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: %s with %T", ErrAlgorithmMismatch, alg, key)
		}
		digest := sha256.Sum256(base)
		r, s, err := ecdsa.Sign(rand.Reader, k, digest[:])
		if err != nil {
			return nil, err
		}
		out := make([]byte, 64)
		r.FillBytes(out[:32])
		s.FillBytes(out[32:])
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}
