package payoutclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// WebhookVerifier checks the HMAC-SHA256 signature the gateway attaches to webhooks.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier creates a verifier for the shared webhook secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(strings.TrimSpace(secret))}
}

// VerifyWebhookSignature reports whether signature is the hex HMAC-SHA256 of the
// exact payload bytes. Without a configured secret every signature is rejected.
func (v *WebhookVerifier) VerifyWebhookSignature(payload []byte, signature string) bool {
	if v == nil || len(v.secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	return hmac.Equal(provided, Sign(v.secret, payload))
}

// Sign computes the raw HMAC-SHA256 of payload.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHex computes the signature header value for payload.
func SignHex(secret string, payload []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), payload))
}
