// Package signature authenticates inbound webhooks with a shared-secret
// HMAC-SHA256 over the request body.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
)

// DefaultHeader is the header Semgrep places the signature in.
const DefaultHeader = "X-Semgrep-Signature-256"

const prefix = "sha256="

// Verifier checks webhook signatures. The zero value has no secret and
// accepts every request.
type Verifier struct {
	Secret string
	// AcceptCompact also accepts a signature computed over the compact JSON
	// re-serialisation of the body.
	AcceptCompact bool

	warnOnce sync.Once
}

// New returns a Verifier for secret.
func New(secret string, acceptCompact bool) *Verifier {
	return &Verifier{Secret: secret, AcceptCompact: acceptCompact}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v.Secret != ""
}

// Verify checks provided against the HMAC of body. provided may carry a
// "sha256=" prefix; the hex digest must be lower case, as Sign produces it.
func (v *Verifier) Verify(body []byte, provided string) error {
	if !v.Enabled() {
		v.warnOnce.Do(func() {
			slog.Warn("signature: no webhook secret configured, accepting unsigned requests")
		})
		slog.Debug("signature: verification skipped")
		return nil
	}

	provided = strings.TrimSpace(provided)
	if provided == "" {
		return relayerr.Authentication("missing webhook signature")
	}
	got := []byte(strings.TrimPrefix(provided, prefix))
	if _, err := hex.DecodeString(string(got)); err != nil {
		return relayerr.Authentication("malformed webhook signature")
	}

	if hmac.Equal(got, v.hexMAC(body)) {
		return nil
	}
	if v.AcceptCompact {
		var buf bytes.Buffer
		if json.Compact(&buf, body) == nil && hmac.Equal(got, v.hexMAC(buf.Bytes())) {
			return nil
		}
	}
	return relayerr.Authentication("invalid webhook signature")
}

// Sign returns the "sha256=<hex>" signature for body.
func (v *Verifier) Sign(body []byte) string {
	return prefix + string(v.hexMAC(body))
}

// Sign is a convenience for clients and tests.
func Sign(secret string, body []byte) string {
	return (&Verifier{Secret: secret}).Sign(body)
}

func (v *Verifier) mac(body []byte) []byte {
	m := hmac.New(sha256.New, []byte(v.Secret))
	m.Write(body)
	return m.Sum(nil)
}

// hexMAC is the lower-case hex text of the MAC. Verify compares against this
// text, so a digest differing only in case does not match.
func (v *Verifier) hexMAC(body []byte) []byte {
	mac := v.mac(body)
	out := make([]byte, hex.EncodedLen(len(mac)))
	hex.Encode(out, mac)
	return out
}
