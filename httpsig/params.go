// Package httpsig verifies and produces HTTP message signatures in the
// Signature-Input / Signature header form, with tagged purposes, bounded
// validity windows and single-use nonces.
package httpsig

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Header names.
const (
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
)

// DefaultLabel is the dictionary label used for outgoing signatures.
const DefaultLabel = "sig2"

// Params are the parsed signature parameters of one Signature-Input member.
type Params struct {
	Label      string
	Components []string
	Created    int64
	Expires    int64
	KeyID      string
	Alg        string
	Nonce      string
	Tag        string

	// Raw is the member value exactly as received. It is the value of the
	// "@signature-params" line of the signature base.
	Raw string
}

// String serializes the parameters in canonical order: components,
// created, keyid, alg, expires, nonce, tag. Absent parameters are omitted.
func (p *Params) String() string {
	quoted := make([]string, len(p.Components))
	for i, c := range p.Components {
		quoted[i] = strconv.Quote(c)
	}
	parts := []string{"(" + strings.Join(quoted, " ") + ")"}
	if p.Created != 0 {
		parts = append(parts, "created="+strconv.FormatInt(p.Created, 10))
	}
	if p.KeyID != "" {
		parts = append(parts, "keyid="+strconv.Quote(p.KeyID))
	}
	if p.Alg != "" {
		parts = append(parts, "alg="+strconv.Quote(p.Alg))
	}
	if p.Expires != 0 {
		parts = append(parts, "expires="+strconv.FormatInt(p.Expires, 10))
	}
	if p.Nonce != "" {
		parts = append(parts, "nonce="+strconv.Quote(p.Nonce))
	}
	if p.Tag != "" {
		parts = append(parts, "tag="+strconv.Quote(p.Tag))
	}
	return strings.Join(parts, ";")
}

// Covers reports whether the component list includes name.
func (p *Params) Covers(name string) bool {
	for _, c := range p.Components {
		if c == name {
			return true
		}
	}
	return false
}

// ParseSignatureInput parses a Signature-Input header. With an empty label
// the first member is returned.
func ParseSignatureInput(header, label string) (*Params, error) {
	members, err := splitDictionary(header)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if label != "" && m.label != label {
			continue
		}
		p, err := parseParams(m.value)
		if err != nil {
			return nil, err
		}
		p.Label = m.label
		return p, nil
	}
	if label != "" {
		return nil, fmt.Errorf("%w: no signature input labelled %q", ErrMalformedSignature, label)
	}
	return nil, fmt.Errorf("%w: empty Signature-Input", ErrMissingSignature)
}

// ParseSignature returns the decoded signature bytes for label from a
// Signature header.
func ParseSignature(header, label string) ([]byte, error) {
	members, err := splitDictionary(header)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if label != "" && m.label != label {
			continue
		}
		v := strings.TrimSpace(m.value)
		if len(v) < 2 || v[0] != ':' || v[len(v)-1] != ':' {
			return nil, fmt.Errorf("%w: signature is not a byte sequence", ErrMalformedSignature)
		}
		sig, err := base64.StdEncoding.DecodeString(v[1 : len(v)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: signature base64: %v", ErrMalformedSignature, err)
		}
		return sig, nil
	}
	return nil, fmt.Errorf("%w: no signature labelled %q", ErrMalformedSignature, label)
}

type member struct {
	label string
	value string
}

// splitDictionary splits a structured-field dictionary on top-level commas.
func splitDictionary(header string) ([]member, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingSignature
	}
	var out []member
	depth, inQuote, start := 0, false, 0
	flush := func(end int) error {
		raw := strings.TrimSpace(header[start:end])
		if raw == "" {
			return nil
		}
		eq := strings.IndexByte(raw, '=')
		if eq <= 0 {
			return fmt.Errorf("%w: member %q has no label", ErrMalformedSignature, raw)
		}
		out = append(out, member{label: strings.TrimSpace(raw[:eq]), value: strings.TrimSpace(raw[eq+1:])})
		return nil
	}
	for i := 0; i < len(header); i++ {
		switch c := header[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i + 1
		}
	}
	if inQuote || depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced header", ErrMalformedSignature)
	}
	if err := flush(len(header)); err != nil {
		return nil, err
	}
	return out, nil
}

func parseParams(value string) (*Params, error) {
	p := &Params{Raw: value}
	if !strings.HasPrefix(value, "(") {
		return nil, fmt.Errorf("%w: expected inner list", ErrMalformedSignature)
	}
	end := strings.IndexByte(value, ')')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated inner list", ErrMalformedSignature)
	}
	for _, item := range strings.Fields(value[1:end]) {
		if strings.Contains(item, ";") {
			return nil, fmt.Errorf("%w: component parameters are not supported: %s", ErrMalformedSignature, item)
		}
		name, err := strconv.Unquote(item)
		if err != nil {
			return nil, fmt.Errorf("%w: component %s", ErrMalformedSignature, item)
		}
		p.Components = append(p.Components, strings.ToLower(name))
	}

	rest := value[end+1:]
	for len(rest) > 0 {
		if rest[0] != ';' {
			return nil, fmt.Errorf("%w: expected ';' in parameters", ErrMalformedSignature)
		}
		rest = strings.TrimLeft(rest[1:], " ")
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: parameter without value", ErrMalformedSignature)
		}
		key := rest[:eq]
		rest = rest[eq+1:]

		var raw string
		if strings.HasPrefix(rest, `"`) {
			n := quotedLen(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: unterminated %s", ErrMalformedSignature, key)
			}
			raw, rest = rest[:n], rest[n:]
		} else {
			n := strings.IndexByte(rest, ';')
			if n < 0 {
				n = len(rest)
			}
			raw, rest = strings.TrimSpace(rest[:n]), rest[n:]
		}

		switch key {
		case "created", "expires":
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not an integer", ErrMalformedSignature, key)
			}
			if key == "created" {
				p.Created = n
			} else {
				p.Expires = n
			}
		case "keyid", "alg", "nonce", "tag":
			s, err := strconv.Unquote(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s must be a string", ErrMalformedSignature, key)
			}
			switch key {
			case "keyid":
				p.KeyID = s
			case "alg":
				p.Alg = s
			case "nonce":
				p.Nonce = s
			case "tag":
				p.Tag = s
			}
		}
	}
	return p, nil
}

// quotedLen returns the length of the quoted string at the start of s,
// including both quotes, or -1 if it is not terminated.
func quotedLen(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return -1
}
