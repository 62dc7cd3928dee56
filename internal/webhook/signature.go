// Package webhook authenticates provider callbacks and resolves their source.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Signature headers, in lookup order.
var signatureHeaders = []string{
	"X-Webhook-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
}

const signaturePrefix = "sha256="

var (
	// ErrMissingSignature is returned when a secret is configured but no
	// signature header was sent.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrSignatureMismatch is returned when the signature does not match.
	ErrSignatureMismatch = errors.New("signature verification failed")
	// ErrMissingSecret is returned when signing is required but no secret is set.
	ErrMissingSecret = errors.New("no webhook secret configured")
)

// SignatureFromHeaders returns the first signature header present.
func SignatureFromHeaders(h http.Header) string {
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// CanonicalPayload returns the compact JSON form of body. Bodies that are not
// valid JSON are returned unchanged.
func CanonicalPayload(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical payload.
func Sign(secret string, body []byte) string {
	return hexMAC(secret, CanonicalPayload(body))
}

func hexMAC(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body. The signature may carry a "sha256="
// prefix. The canonical payload is tried first, then the raw bytes as sent.
func Verify(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	signature = strings.ToLower(strings.TrimPrefix(signature, signaturePrefix))

	canonical := CanonicalPayload(body)
	if hmac.Equal([]byte(hexMAC(secret, canonical)), []byte(signature)) {
		return nil
	}
	if !bytes.Equal(canonical, body) && hmac.Equal([]byte(hexMAC(secret, body)), []byte(signature)) {
		return nil
	}
	return ErrSignatureMismatch
}

// Policy decides how requests are authenticated when secrets may be absent.
type Policy struct {
	// Secrets maps lowercased provider names to shared secrets.
	Secrets map[string]string
	// AllowUnsigned accepts requests for providers without a secret.
	AllowUnsigned bool
}

// Check authenticates a request for provider.
func (p Policy) Check(provider string, body []byte, signature string) error {
	secret := p.Secrets[strings.ToLower(provider)]
	if secret == "" {
		if p.AllowUnsigned {
			return nil
		}
		return ErrMissingSecret
	}
	return Verify(secret, body, signature)
}
