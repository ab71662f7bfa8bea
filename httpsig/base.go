package httpsig

import (
	"fmt"
	"net/http"
	"strings"
)

// Message is the part of an HTTP request a signature can cover.
type Message struct {
	Method    string
	Scheme    string
	Authority string
	// Path is the escaped path plus the query string, if any.
	Path   string
	Header http.Header
}

// MessageFromRequest extracts the signed view of an inbound request. With
// trustForwarded, X-Forwarded-Host and X-Forwarded-Proto override the
// connection values, as they do behind a TLS-terminating proxy.
func MessageFromRequest(r *http.Request, trustForwarded bool) Message {
	authority := r.Host
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if trustForwarded {
		if h := firstValue(r.Header.Get("X-Forwarded-Host")); h != "" {
			authority = h
		}
		if p := firstValue(r.Header.Get("X-Forwarded-Proto")); p != "" {
			scheme = p
		}
	}
	return Message{
		Method:    r.Method,
		Scheme:    scheme,
		Authority: authority,
		Path:      r.URL.RequestURI(),
		Header:    r.Header,
	}
}

// MessageForURL builds the signed view of an outbound request.
func MessageForURL(method string, u string, header http.Header) (Message, error) {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return Message{}, err
	}
	if header != nil {
		req.Header = header
	}
	return Message{
		Method:    strings.ToUpper(method),
		Scheme:    req.URL.Scheme,
		Authority: req.URL.Host,
		Path:      req.URL.RequestURI(),
		Header:    req.Header,
	}, nil
}

func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func (m Message) component(name string) (string, error) {
	switch name {
	case "@authority":
		return strings.ToLower(m.Authority), nil
	case "@path":
		return m.Path, nil
	case "@method":
		return strings.ToUpper(m.Method), nil
	case "@scheme":
		return strings.ToLower(m.Scheme), nil
	case "@query":
		if i := strings.IndexByte(m.Path, '?'); i >= 0 {
			return m.Path[i:], nil
		}
		return "?", nil
	case "@target-uri":
		return strings.ToLower(m.Scheme) + "://" + strings.ToLower(m.Authority) + m.Path, nil
	}
	if strings.HasPrefix(name, "@") {
		return "", fmt.Errorf("%w: unsupported derived component %s", ErrMalformedSignature, name)
	}
	values := m.Header.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: header %s is not present", ErrMissingComponent, name)
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

// SignatureBase builds the exact byte string that is signed: one line per
// covered component followed by the "@signature-params" line.
func SignatureBase(m Message, p *Params) (string, error) {
	var b strings.Builder
	for _, name := range p.Components {
		v, err := m.component(name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", name, v)
	}
	raw := p.Raw
	if raw == "" {
		raw = p.String()
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", raw)
	return b.String(), nil
}
