package security

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		body := make([]byte, rng.Intn(512)+1)
		rng.Read(body)
		secret := "app-secret-" + string(rune('a'+i%26))

		header := Sign(body, secret)
		assert.True(t, VerifySignature(body, header, secret), "iteration %d", i)
		assert.True(t, VerifySignature(body, strings.TrimPrefix(header, "sha256="), secret), "unprefixed header, iteration %d", i)

		flipped := append([]byte(nil), body...)
		pos := rng.Intn(len(flipped))
		flipped[pos] ^= 0x01
		assert.False(t, VerifySignature(flipped, header, secret), "flipped byte %d, iteration %d", pos, i)
	}
}

func TestVerifySignature_RejectsMalformedInput(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	valid := Sign(body, "secret")

	cases := map[string]struct {
		header string
		secret string
	}{
		"missing header":  {header: "", secret: "secret"},
		"prefix only":     {header: "sha256=", secret: "secret"},
		"not hex":         {header: "sha256=zzzz", secret: "secret"},
		"truncated":       {header: valid[:len(valid)-2], secret: "secret"},
		"wrong secret":    {header: valid, secret: "other"},
		"empty secret":    {header: Sign(body, ""), secret: ""},
		"sha1 style":      {header: "sha1=" + strings.TrimPrefix(valid, "sha256="), secret: "secret"},
		"extra hex bytes": {header: valid + "00", secret: "secret"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, VerifySignature(body, tc.header, tc.secret))
		})
	}
}

func TestVerifySubscription(t *testing.T) {
	assert.True(t, VerifySubscription("subscribe", "token-123", "token-123"))

	assert.False(t, VerifySubscription("unsubscribe", "token-123", "token-123"))
	assert.False(t, VerifySubscription("", "token-123", "token-123"))
	assert.False(t, VerifySubscription("subscribe", "token-124", "token-123"))
	assert.False(t, VerifySubscription("subscribe", "token-1234", "token-123"))
	assert.False(t, VerifySubscription("subscribe", "", "token-123"))
	assert.False(t, VerifySubscription("subscribe", "", ""))
}
