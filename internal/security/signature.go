package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks the X-Hub-Signature-256 header Meta sends with every
// webhook delivery. The HMAC is computed over the exact raw body.
func VerifySignature(rawBody []byte, headerSignature string, secret string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(headerSignature)
	sig = strings.TrimPrefix(sig, signaturePrefix)
	if sig == "" {
		return false
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	expected := mac.Sum(nil)

	// hmac.Equal also returns false on length mismatch
	return hmac.Equal(provided, expected)
}

// Sign returns the header value Meta would send for body. Used by tests and
// by local tooling replaying captured deliveries.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySubscription validates the one-time GET handshake used when the
// webhook is registered in the Meta dashboard.
func VerifySubscription(mode, token, expectedToken string) bool {
	if mode != "subscribe" || expectedToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}
