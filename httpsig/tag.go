package httpsig

import "strings"

// Signature purpose tags.
const (
	TagBrowser = "agent-browser-auth"
	TagPayer   = "agent-payer-auth"
)

var payerPathHints = []string{"checkout", "payment", "pay", "purchase", "order", "cart", "wallet", "receipt"}

// InferTag chooses the purpose tag for an outgoing request from its path:
// payment-like paths are signed as payer, everything else as browser.
func InferTag(path string) string {
	p := strings.ToLower(path)
	for _, hint := range payerPathHints {
		if strings.Contains(p, hint) {
			return TagPayer
		}
	}
	return TagBrowser
}
