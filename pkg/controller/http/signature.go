package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature reports whether header is the HMAC-SHA256 of body under
// secret, in the "sha256=<hex>" form GitHub sends. An empty secret or header,
// another algorithm prefix or malformed hex never verifies.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	received, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil || len(received) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}
