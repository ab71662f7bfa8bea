package httpsig

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Digest returns the unpadded base64url SHA-256 of a signature base.
func Digest(base string) string {
	sum := sha256.Sum256([]byte(base))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RequestDigest fingerprints a signed request from its authority, path and
// the raw Signature-Input value, independently of which components the
// signature covered. It returns "" when there is no Signature-Input.
func RequestDigest(m Message, signatureInput string) string {
	in := strings.TrimSpace(signatureInput)
	if in == "" {
		return ""
	}
	if i := strings.IndexByte(in, '='); i >= 0 {
		in = strings.TrimSpace(in[i+1:])
	}
	base := `"@authority": ` + strings.ToLower(m.Authority) + "\n" +
		`"@path": ` + m.Path + "\n" +
		`"@signature-params": ` + in
	return Digest(base)
}
